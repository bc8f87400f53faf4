package logging

import "go.uber.org/zap"

// Ops derives the operator-facing alert channel from a base logger. Entries on
// this channel represent operational incidents (failed tenant provisioning,
// rollback failures), not user input errors, and are routed to alerting by the
// log_channel field rather than by severity alone.
func Ops(base *zap.Logger) *zap.Logger {
	return base.Named("ops").With(zap.String("log_channel", "operations"))
}

// Critical records an incident that requires immediate operator attention.
// DPanic maps to the ALERT severity in the GCP encoder and panics only in
// development builds.
func Critical(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.DPanic(msg, fields...)
}

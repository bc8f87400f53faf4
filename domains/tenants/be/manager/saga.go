package manager

import (
	"context"

	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
)

// saga accumulates compensating actions while a multi-step operation makes
// progress. On failure, rollback runs them in reverse order.
type saga struct {
	steps []sagaStep
}

type sagaStep struct {
	name string
	undo func(ctx context.Context) error
}

func (s *saga) add(name string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, sagaStep{name: name, undo: undo})
}

// rollback undoes the recorded steps newest-first and reports whether every
// compensation succeeded. A failed compensation leaves orphaned state behind,
// which is an operator incident, not a user error.
func (s *saga) rollback(ctx context.Context, logger *zap.Logger) bool {
	clean := true
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.undo(ctx); err != nil {
			clean = false
			logging.Critical(logging.Ops(logger), "rollback step failed, manual cleanup required",
				zap.String("step", step.name),
				zap.Error(err))
		}
	}
	return clean
}

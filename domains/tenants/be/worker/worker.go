// Package worker consumes tenant provisioning jobs. Delivery is
// at-least-once, so the handler is written to be safely re-entrant: every run
// re-reads the registry status and acts only on states it owns.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/provisioning"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/metrics"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/queue"
)

// JobTypeProvisionTenant is the queue job type for asynchronous tenant
// provisioning.
const JobTypeProvisionTenant = "provision-tenant"

// ProvisionPayload is the job payload. OrganizationID alone identifies the
// tenant; the rest is audit context.
type ProvisionPayload struct {
	OrganizationID string    `json:"organization_id"`
	Slug           string    `json:"slug"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Provisioner is the slice of the database provisioner the worker drives.
type Provisioner interface {
	Ensure(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
}

// Worker turns pending registry rows into active tenants with a ready
// database.
type Worker struct {
	registry    *service.Service
	provisioner Provisioner
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New constructs the provisioning worker. Metrics may be nil.
func New(registry *service.Service, provisioner Provisioner, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if registry == nil {
		panic("worker requires registry")
	}
	if provisioner == nil {
		panic("worker requires provisioner")
	}
	if logger == nil {
		panic("worker requires logger")
	}
	return &Worker{registry: registry, provisioner: provisioner, logger: logger, metrics: m}
}

// Register attaches the worker's handlers to a queue consumer.
func (w *Worker) Register(consumer queue.Consumer) {
	consumer.Register(JobTypeProvisionTenant, w.HandleProvision)
}

// HandleProvision processes one provisioning delivery. Returning a non-nil
// error makes the queue redeliver; returning nil acknowledges the job, which
// is also how stale or duplicate deliveries are discarded. The row stays
// provisioning across a job's bounded retries and becomes failed only when
// the final attempt fails.
func (w *Worker) HandleProvision(ctx context.Context, job queue.Job) error {
	var payload ProvisionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A payload that never parses will never parse; bury it directly.
		logging.Critical(logging.Ops(w.logger), "provision job payload unreadable",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("organization_id", payload.OrganizationID),
		zap.String("tenant_slug", payload.Slug),
		zap.Int("attempt", job.Attempt),
	)

	rec, err := w.registry.GetByOrganizationID(ctx, payload.OrganizationID)
	if errors.Is(err, service.ErrNotFound) {
		logger.Warn("provision job for unknown tenant, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if !rec.Live() {
		logger.Info("tenant deleted while job was queued, dropping")
		return nil
	}

	switch rec.Status {
	case service.StatusActive:
		logger.Info("tenant already active, duplicate delivery dropped")
		return nil
	case service.StatusPending:
		if _, err := w.registry.MarkProvisioning(ctx, payload.OrganizationID); err != nil {
			if errors.Is(err, service.ErrInvalidTransition) {
				logger.Info("tenant state moved under the job, dropping")
				return nil
			}
			return fmt.Errorf("mark provisioning: %w", err)
		}
	case service.StatusProvisioning:
		// A redelivery after a failed attempt, or a previous run that crashed
		// mid-provision. Ensure is idempotent, so continuing is safe.
		logger.Info("resuming provisioning run")
	case service.StatusFailed:
		// Only the operator retry endpoint un-fails a tenant; a delivery that
		// finds the row failed is stale.
		logger.Info("provision job for failed tenant, dropping")
		return nil
	default:
		logger.Info("tenant not provisionable, dropping", zap.String("status", string(rec.Status)))
		return nil
	}

	if _, err := w.provisioner.Ensure(ctx, provisioning.Request{
		OrganizationID: payload.OrganizationID,
		DatabaseName:   rec.ConnectionRef,
	}); err != nil {
		if !job.Final() {
			// The queue redelivers with backoff; the row stays provisioning
			// until the delivery budget runs out.
			logger.Warn("tenant provisioning attempt failed, awaiting redelivery", zap.Error(err))
			return fmt.Errorf("provision tenant database: %w", err)
		}
		if _, markErr := w.registry.MarkFailed(ctx, payload.OrganizationID, err.Error()); markErr != nil {
			logger.Error("provisioning failed and status could not be recorded", zap.Error(markErr))
		}
		if w.metrics != nil {
			w.metrics.ProvisionFailed.Inc()
		}
		logging.Ops(w.logger).Error("tenant provisioning failed",
			zap.String("organization_id", payload.OrganizationID),
			zap.String("tenant_slug", payload.Slug),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		return fmt.Errorf("provision tenant database: %w", err)
	}

	if _, err := w.registry.MarkActive(ctx, payload.OrganizationID); err != nil {
		if errors.Is(err, service.ErrInvalidTransition) || errors.Is(err, service.ErrNotFound) {
			logger.Warn("tenant state moved after provisioning, leaving as-is", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark active: %w", err)
	}

	if w.metrics != nil {
		w.metrics.ProvisionSucceeded.Inc()
	}
	logger.Info("tenant provisioned")
	return nil
}

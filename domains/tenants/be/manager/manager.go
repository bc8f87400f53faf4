// Package manager composes the tenant registry, the database provisioner,
// the job queue and the connection cache into the one façade the rest of the
// platform talks to. Request-path code asks it for a Conn; the admin surface
// asks it to create, retry, delete and purge tenants.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/provisioning"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/worker"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/metrics"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/queue"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/tenant"
)

var (
	// ErrTenantNotReady: the tenant exists but provisioning has not finished;
	// callers should retry later rather than treat it as fatal.
	ErrTenantNotReady = errors.New("tenant not ready")
	// ErrProvisioningFailed: physical database creation failed; always wraps
	// the underlying cause.
	ErrProvisioningFailed = errors.New("tenant provisioning failed")
	// ErrTenantUnavailable: the tenant is failed or deleted.
	ErrTenantUnavailable = errors.New("tenant unavailable")
	// ErrConnectionFailed: the tenant is active but its database could not be
	// opened. Transient; callers should retry.
	ErrConnectionFailed = errors.New("tenant connection failed")
	// ErrNoOrganization: the request context carries no organization id.
	ErrNoOrganization = errors.New("no organization in request context")
)

// Provisioner is the database lifecycle surface the manager drives.
type Provisioner interface {
	Ensure(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
	Check(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
	Drop(ctx context.Context, req provisioning.Request) error
}

const (
	provisionAttempts = 5
	provisionBackoff  = 2 * time.Second
	rollbackTimeout   = 30 * time.Second
)

// Manager is the tenant façade.
type Manager struct {
	registry    *service.Service
	provisioner Provisioner
	cache       *Cache
	queue       queue.Queue
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New constructs the manager. Queue may be nil when the async path is not
// deployed; metrics may be nil.
func New(registry *service.Service, provisioner Provisioner, cache *Cache, q queue.Queue, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if registry == nil {
		panic("manager requires registry")
	}
	if provisioner == nil {
		panic("manager requires provisioner")
	}
	if cache == nil {
		panic("manager requires cache")
	}
	if logger == nil {
		panic("manager requires logger")
	}
	return &Manager{
		registry:    registry,
		provisioner: provisioner,
		cache:       cache,
		queue:       q,
		logger:      logger,
		metrics:     m,
	}
}

// GetConnection resolves the request's organization to its database handle.
// Only active tenants get a Conn; every other lifecycle state maps to a typed
// error so the transport layer can pick the right status code.
func (m *Manager) GetConnection(ctx context.Context) (Conn, error) {
	organizationID, ok := tenant.OrganizationIDFromContext(ctx)
	if !ok {
		return nil, ErrNoOrganization
	}
	return m.ConnectionFor(ctx, organizationID)
}

// ConnectionFor is GetConnection for an explicit organization id; background
// jobs use it where no request context exists.
func (m *Manager) ConnectionFor(ctx context.Context, organizationID string) (Conn, error) {
	rec, err := m.registry.GetByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !rec.Live() {
		return nil, ErrTenantUnavailable
	}

	switch rec.Status {
	case service.StatusActive:
		return m.cache.Get(ctx, rec.ConnectionRef)
	case service.StatusPending, service.StatusProvisioning:
		return nil, ErrTenantNotReady
	default:
		return nil, ErrTenantUnavailable
	}
}

// GetTenant returns the registry row for an organization id.
func (m *Manager) GetTenant(ctx context.Context, organizationID string) (service.Tenant, error) {
	return m.registry.GetByOrganizationID(ctx, organizationID)
}

// GetTenantBySlug returns the live holder of a slug.
func (m *Manager) GetTenantBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	return m.registry.GetBySlug(ctx, slug)
}

// SlugAvailable reports whether a slug can be claimed by a new tenant.
func (m *Manager) SlugAvailable(ctx context.Context, slug string) (bool, error) {
	_, err := m.registry.GetBySlug(ctx, slug)
	if errors.Is(err, service.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// InitTenant registers the tenant and queues provisioning; the caller gets
// the pending row back immediately. This is the default creation path.
func (m *Manager) InitTenant(ctx context.Context, organizationID, slug, displayName, requestedBy string) (service.Tenant, error) {
	if m.queue == nil {
		return service.Tenant{}, errors.New("async provisioning is not configured")
	}

	rec, err := m.registry.Register(ctx, organizationID, slug, displayName)
	if err != nil {
		return service.Tenant{}, err
	}

	if err := m.enqueueProvision(ctx, rec, requestedBy); err != nil {
		// The row stays pending; a stuck pending tenant is recoverable via
		// the retry endpoint, an orphaned job is not.
		logging.Ops(m.logger).Error("tenant registered but provisioning could not be queued",
			zap.String("organization_id", rec.OrganizationID),
			zap.String("tenant_slug", rec.Slug),
			zap.Error(err))
		return rec, fmt.Errorf("queue provisioning: %w", err)
	}
	return rec, nil
}

// EnqueueProvision queues a provisioning job for an already-registered
// tenant. InitTenant does this itself; this entry point serves callers that
// registered separately.
func (m *Manager) EnqueueProvision(ctx context.Context, organizationID, requestedBy string) error {
	if m.queue == nil {
		return errors.New("async provisioning is not configured")
	}
	rec, err := m.registry.GetByOrganizationID(ctx, organizationID)
	if err != nil {
		return err
	}
	return m.enqueueProvision(ctx, rec, requestedBy)
}

// ProvisionTenant registers and provisions the tenant synchronously. On
// failure every completed step is compensated so the caller observes either a
// fully active tenant or no tenant at all.
func (m *Manager) ProvisionTenant(ctx context.Context, organizationID, slug, displayName string) (service.Tenant, error) {
	rec, err := m.registry.Register(ctx, organizationID, slug, displayName)
	if err != nil {
		return service.Tenant{}, err
	}

	var sg saga
	sg.add("unregister tenant", func(ctx context.Context) error {
		return m.registry.Unregister(ctx, rec.OrganizationID)
	})

	if _, err := m.registry.MarkProvisioning(ctx, rec.OrganizationID); err != nil {
		m.failSync(ctx, rec, &sg, err)
		return service.Tenant{}, fmt.Errorf("mark provisioning: %w", err)
	}

	sg.add("drop tenant database", func(ctx context.Context) error {
		return m.provisioner.Drop(ctx, provisioning.Request{
			OrganizationID: rec.OrganizationID,
			DatabaseName:   rec.ConnectionRef,
		})
	})

	if _, err := m.provisioner.Ensure(ctx, provisioning.Request{
		OrganizationID: rec.OrganizationID,
		DatabaseName:   rec.ConnectionRef,
	}); err != nil {
		m.failSync(ctx, rec, &sg, err)
		if m.metrics != nil {
			m.metrics.ProvisionFailed.Inc()
		}
		return service.Tenant{}, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	active, err := m.registry.MarkActive(ctx, rec.OrganizationID)
	if err != nil {
		m.failSync(ctx, rec, &sg, err)
		return service.Tenant{}, fmt.Errorf("mark active: %w", err)
	}

	if m.metrics != nil {
		m.metrics.ProvisionSucceeded.Inc()
	}
	m.logger.Info("tenant provisioned",
		zap.String("organization_id", active.OrganizationID),
		zap.String("tenant_slug", active.Slug))
	return active, nil
}

// failSync rolls the saga back on a detached context: the failure may be the
// caller's own context expiring, and compensations must still run. When a
// compensation itself fails the row cannot be removed cleanly, so it is
// parked in failed with the original cause for operators to inspect.
func (m *Manager) failSync(ctx context.Context, rec service.Tenant, sg *saga, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if sg.rollback(ctx, m.logger) {
		return
	}
	if _, err := m.registry.MarkFailed(ctx, rec.OrganizationID, cause.Error()); err != nil {
		logging.Critical(logging.Ops(m.logger), "tenant left in inconsistent state after failed rollback",
			zap.String("organization_id", rec.OrganizationID),
			zap.String("tenant_slug", rec.Slug),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// RetryProvisioning re-arms a failed tenant and queues a fresh provisioning
// job.
func (m *Manager) RetryProvisioning(ctx context.Context, organizationID, requestedBy string) (service.Tenant, error) {
	if m.queue == nil {
		return service.Tenant{}, errors.New("async provisioning is not configured")
	}

	rec, err := m.registry.RetryProvisioning(ctx, organizationID)
	if err != nil {
		return service.Tenant{}, err
	}
	if err := m.enqueueProvision(ctx, rec, requestedBy); err != nil {
		return rec, fmt.Errorf("queue provisioning: %w", err)
	}
	return rec, nil
}

// DeleteTenant soft-deletes the tenant and drops its cached handle. The
// database itself survives until the retention window elapses.
func (m *Manager) DeleteTenant(ctx context.Context, organizationID, actorUserID string) error {
	rec, err := m.registry.SoftDelete(ctx, organizationID, actorUserID)
	if err != nil {
		return err
	}
	m.cache.Invalidate(rec.ConnectionRef)
	m.logger.Info("tenant deleted",
		zap.String("organization_id", rec.OrganizationID),
		zap.String("tenant_slug", rec.Slug),
		zap.String("deleted_by", actorUserID))
	return nil
}

// PurgeTenant hard-deletes a soft-deleted tenant once its retention elapsed:
// registry row first, physical database second. A failed drop leaves an
// orphaned database with no registry row pointing at it, which only an
// operator can reclaim.
func (m *Manager) PurgeTenant(ctx context.Context, organizationID string, retention time.Duration) error {
	rec, err := m.registry.GetByOrganizationID(ctx, organizationID)
	if err != nil {
		return err
	}

	m.cache.Invalidate(rec.ConnectionRef)

	if err := m.registry.Purge(ctx, organizationID, retention); err != nil {
		return err
	}

	if err := m.provisioner.Drop(ctx, provisioning.Request{
		OrganizationID: rec.OrganizationID,
		DatabaseName:   rec.ConnectionRef,
	}); err != nil {
		logging.Critical(logging.Ops(m.logger), "tenant purged from registry but database drop failed",
			zap.String("organization_id", rec.OrganizationID),
			zap.String("connection_ref", rec.ConnectionRef),
			zap.Error(err))
		return fmt.Errorf("drop tenant database: %w", err)
	}

	m.logger.Info("tenant purged",
		zap.String("organization_id", rec.OrganizationID),
		zap.String("connection_ref", rec.ConnectionRef))
	return nil
}

// PurgeExpired sweeps every soft-deleted tenant past its retention window.
// The retention sweeper calls this on a schedule.
func (m *Manager) PurgeExpired(ctx context.Context, retention time.Duration) error {
	recs, err := m.registry.ListPurgeable(ctx, retention)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := m.PurgeTenant(ctx, rec.OrganizationID, retention); err != nil {
			m.logger.Error("purge sweep entry failed",
				zap.String("organization_id", rec.OrganizationID),
				zap.Error(err))
			// Keep sweeping; the next run picks this tenant up again.
		}
	}
	return nil
}

// InvalidateConnections drops every cached handle. Called on shutdown.
func (m *Manager) InvalidateConnections() {
	m.cache.InvalidateAll()
}

func (m *Manager) enqueueProvision(ctx context.Context, rec service.Tenant, requestedBy string) error {
	_, err := m.queue.Enqueue(ctx, worker.JobTypeProvisionTenant, worker.ProvisionPayload{
		OrganizationID: rec.OrganizationID,
		Slug:           rec.Slug,
		RequestedBy:    requestedBy,
		RequestedAt:    time.Now().UTC(),
	}, queue.Options{
		Attempts: provisionAttempts,
		Backoff:  provisionBackoff,
	})
	return err
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/provisioning"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/repo"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/queue"
)

type stubProvisioner struct {
	mu      sync.Mutex
	ensured []string
	err     error
}

func (p *stubProvisioner) Ensure(ctx context.Context, req provisioning.Request) (provisioning.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return provisioning.Result{}, p.err
	}
	p.ensured = append(p.ensured, req.DatabaseName)
	return provisioning.Result{Ready: true}, nil
}

func (p *stubProvisioner) ensureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ensured)
}

func provisionJob(t *testing.T, organizationID, slug string, attempt, maxAttempts int) queue.Job {
	t.Helper()
	payload, err := json.Marshal(ProvisionPayload{
		OrganizationID: organizationID,
		Slug:           slug,
		RequestedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return queue.Job{
		ID:          "job_1",
		Type:        JobTypeProvisionTenant,
		Payload:     payload,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}
}

func newWorker(t *testing.T) (*Worker, *service.Service, *stubProvisioner) {
	t.Helper()
	registry := service.New(repo.NewMemoryRepository())
	prov := &stubProvisioner{}
	return New(registry, prov, zap.NewNop(), nil), registry, prov
}

func TestHandleProvisionActivatesPendingTenant(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	rec, err := registry.Register(ctx, "org_1", "acme", "Acme Inc")
	require.NoError(t, err)

	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))

	got, err := registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusActive, got.Status)
	require.Equal(t, []string{rec.ConnectionRef}, prov.ensured)
}

func TestHandleProvisionDuplicateDeliveryIsNoOp(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))

	require.Equal(t, 1, prov.ensureCount())
}

func TestHandleProvisionUnknownTenantDropped(t *testing.T) {
	w, _, prov := newWorker(t)
	require.NoError(t, w.HandleProvision(context.Background(), provisionJob(t, "org_ghost", "ghost", 1, 3)))
	require.Equal(t, 0, prov.ensureCount())
}

func TestHandleProvisionDeletedTenantDropped(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	_, err = registry.SoftDelete(ctx, "org_1", "user_9")
	require.NoError(t, err)

	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))
	require.Equal(t, 0, prov.ensureCount())
}

func TestHandleProvisionStaysProvisioningAcrossRetries(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	prov.err = errors.New("create database: disk full")
	require.Error(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))

	// The job has attempts left, so the visible status is still provisioning.
	rec, err := registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusProvisioning, rec.Status)
	require.Nil(t, rec.LastError)

	prov.err = nil
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 2, 3)))

	rec, err = registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusActive, rec.Status)
	require.Nil(t, rec.LastError)
}

func TestHandleProvisionMarksFailedOnFinalAttempt(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	prov.err = errors.New("create database: disk full")
	require.Error(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 3, 3)))

	rec, err := registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	require.Contains(t, *rec.LastError, "disk full")

	// Once failed, no delivery un-fails the tenant; that is the operator's
	// retry endpoint alone.
	prov.err = nil
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 3, 3)))
	require.Equal(t, 0, prov.ensureCount())

	rec, err = registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, rec.Status)
}

func TestHandleProvisionFreshJobForFailedTenantDropped(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	_, err = registry.MarkProvisioning(ctx, "org_1")
	require.NoError(t, err)
	_, err = registry.MarkFailed(ctx, "org_1", "boom")
	require.NoError(t, err)

	// Every delivery against a failed tenant is stale, whatever its attempt.
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))
	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 2, 3)))
	require.Equal(t, 0, prov.ensureCount())

	rec, err := registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, rec.Status)
}

func TestHandleProvisionResumesInterruptedRun(t *testing.T) {
	w, registry, prov := newWorker(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	_, err = registry.MarkProvisioning(ctx, "org_1")
	require.NoError(t, err)

	require.NoError(t, w.HandleProvision(ctx, provisionJob(t, "org_1", "acme", 1, 3)))
	require.Equal(t, 1, prov.ensureCount())

	rec, err := registry.GetByOrganizationID(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusActive, rec.Status)
}

func TestHandleProvisionUnreadablePayloadBuried(t *testing.T) {
	w, _, prov := newWorker(t)
	job := queue.Job{ID: "job_1", Type: JobTypeProvisionTenant, Payload: []byte("{nope"), Attempt: 1}
	require.NoError(t, w.HandleProvision(context.Background(), job))
	require.Equal(t, 0, prov.ensureCount())
}

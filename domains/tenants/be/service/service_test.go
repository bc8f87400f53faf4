package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/repo"
	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
)

func newRegistry() *service.Service {
	return service.New(repo.NewMemoryRepository())
}

func TestRegisterDerivesConnectionRef(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	tn, err := svc.Register(ctx, "org_1", "Acme-Inc", "")
	require.NoError(t, err)
	require.Equal(t, "acme-inc", tn.Slug)
	require.Equal(t, service.StatusPending, tn.Status)
	require.Contains(t, tn.ConnectionRef, "ml_acme_inc_")
}

func TestSlugUniqueOnlyAmongLiveTenants(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	// A second live tenant may never share the slug.
	_, err = svc.Register(ctx, "org_2", "acme", "")
	require.ErrorIs(t, err, service.ErrConflict)

	// The same organization may not register twice either.
	_, err = svc.Register(ctx, "org_1", "acme-other", "")
	require.ErrorIs(t, err, service.ErrConflict)

	// Soft-deleting the holder releases the slug.
	_, err = svc.SoftDelete(ctx, "org_1", "user_9")
	require.NoError(t, err)

	tn, err := svc.Register(ctx, "org_2", "acme", "")
	require.NoError(t, err)
	require.Equal(t, "acme", tn.Slug)

	// The deleted holder stays invisible to slug lookups.
	got, err := svc.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "org_2", got.OrganizationID)
}

func TestLifecycleIsMonotonic(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	// active requires provisioning first.
	_, err = svc.MarkActive(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	tn, err := svc.MarkProvisioning(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusProvisioning, tn.Status)

	// A duplicate provisioning transition loses the race.
	_, err = svc.MarkProvisioning(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	tn, err = svc.MarkActive(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusActive, tn.Status)

	// No transition applies to an active tenant except delete.
	_, err = svc.MarkActive(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrInvalidTransition)
	_, err = svc.MarkFailed(ctx, "org_1", "late worker message")
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	tn, err = svc.SoftDelete(ctx, "org_1", "user_9")
	require.NoError(t, err)
	require.Equal(t, service.StatusDeleted, tn.Status)

	// Deleted is terminal for transitions.
	_, err = svc.MarkProvisioning(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestMarkFailedAcceptsBothInFlightStates(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_pending", "pending-co", "")
	require.NoError(t, err)
	tn, err := svc.MarkFailed(ctx, "org_pending", "sync provision blew up")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, tn.Status)
	require.NotNil(t, tn.LastError)

	_, err = svc.Register(ctx, "org_prov", "prov-co", "")
	require.NoError(t, err)
	_, err = svc.MarkProvisioning(ctx, "org_prov")
	require.NoError(t, err)
	tn, err = svc.MarkFailed(ctx, "org_prov", "schema creation failed")
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, tn.Status)
}

func TestRetryProvisioningFromFailedOnly(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	_, err = svc.RetryProvisioning(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = svc.MarkFailed(ctx, "org_1", "boom")
	require.NoError(t, err)

	tn, err := svc.RetryProvisioning(ctx, "org_1")
	require.NoError(t, err)
	require.Equal(t, service.StatusPending, tn.Status)
	require.Nil(t, tn.LastError)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	first, err := svc.SoftDelete(ctx, "org_1", "user_9")
	require.NoError(t, err)
	second, err := svc.SoftDelete(ctx, "org_1", "user_10")
	require.NoError(t, err)
	require.Equal(t, first.DeletedAt, second.DeletedAt)
	require.Equal(t, "user_9", *second.DeletedBy)
}

func TestPurgeRespectsRetention(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)

	// Not deleted yet.
	require.ErrorIs(t, svc.Purge(ctx, "org_1", time.Hour), service.ErrInvalidTransition)

	_, err = svc.SoftDelete(ctx, "org_1", "user_9")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Purge(ctx, "org_1", time.Hour), service.ErrRetentionActive)

	require.NoError(t, svc.Purge(ctx, "org_1", 0))
	_, err = svc.GetByOrganizationID(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestListPurgeableHonorsCutoff(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_live", "live-co", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "org_gone", "gone-co", "")
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, "org_gone", "user_1")
	require.NoError(t, err)

	// With a large retention window nothing qualifies yet.
	list, err := svc.ListPurgeable(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, list)

	list, err = svc.ListPurgeable(ctx, -time.Second)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "org_gone", list[0].OrganizationID)
}

func TestUnregisterOnlyBeforeTraffic(t *testing.T) {
	svc := newRegistry()
	ctx := context.Background()

	_, err := svc.Register(ctx, "org_1", "acme", "")
	require.NoError(t, err)
	require.NoError(t, svc.Unregister(ctx, "org_1"))
	_, err = svc.GetByOrganizationID(ctx, "org_1")
	require.ErrorIs(t, err, service.ErrNotFound)

	_, err = svc.Register(ctx, "org_2", "beta", "")
	require.NoError(t, err)
	_, err = svc.MarkProvisioning(ctx, "org_2")
	require.NoError(t, err)
	_, err = svc.MarkActive(ctx, "org_2")
	require.NoError(t, err)
	require.ErrorIs(t, svc.Unregister(ctx, "org_2"), service.ErrInvalidTransition)
}

package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
)

// PostgresRepository implements the registry repository on the catalog store.
type PostgresRepository struct {
	store *persistence.CatalogStore
}

// NewPostgresRepository constructs a repository backed by CatalogStore.
func NewPostgresRepository(store *persistence.CatalogStore) *PostgresRepository {
	if store == nil {
		panic("catalog store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) Insert(ctx context.Context, t service.Tenant) (service.Tenant, error) {
	rec, err := r.store.Insert(ctx, toRecord(t))
	if err != nil {
		return service.Tenant{}, mapStoreError(err)
	}
	return toDomain(rec), nil
}

func (r *PostgresRepository) Get(ctx context.Context, organizationID string) (service.Tenant, error) {
	rec, err := r.store.Get(ctx, organizationID)
	if err != nil {
		return service.Tenant{}, mapStoreError(err)
	}
	return toDomain(rec), nil
}

func (r *PostgresRepository) GetLiveBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	rec, err := r.store.GetLiveBySlug(ctx, slug)
	if err != nil {
		return service.Tenant{}, mapStoreError(err)
	}
	return toDomain(rec), nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, organizationID string, from, to service.Status, lastError *string) (service.Tenant, error) {
	rec, err := r.store.UpdateStatus(ctx, organizationID, string(from), string(to), lastError)
	if err != nil {
		return service.Tenant{}, mapStoreError(err)
	}
	return toDomain(rec), nil
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, organizationID, deletedBy string) (service.Tenant, error) {
	rec, err := r.store.SoftDelete(ctx, organizationID, deletedBy)
	if err != nil {
		return service.Tenant{}, mapStoreError(err)
	}
	return toDomain(rec), nil
}

func (r *PostgresRepository) Delete(ctx context.Context, organizationID string) error {
	return mapStoreError(r.store.Delete(ctx, organizationID))
}

func (r *PostgresRepository) ListPurgeable(ctx context.Context, cutoff time.Time) ([]service.Tenant, error) {
	records, err := r.store.ListPurgeable(ctx, cutoff)
	if err != nil {
		return nil, mapStoreError(err)
	}
	tenants := make([]service.Tenant, 0, len(records))
	for _, rec := range records {
		tenants = append(tenants, toDomain(rec))
	}
	return tenants, nil
}

func toRecord(t service.Tenant) persistence.TenantRecord {
	return persistence.TenantRecord{
		OrganizationID: t.OrganizationID,
		Slug:           t.Slug,
		DisplayName:    t.DisplayName,
		Status:         string(t.Status),
		ConnectionRef:  t.ConnectionRef,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		DeletedAt:      t.DeletedAt,
		DeletedBy:      t.DeletedBy,
		LastError:      t.LastError,
	}
}

func toDomain(rec persistence.TenantRecord) service.Tenant {
	return service.Tenant{
		OrganizationID: rec.OrganizationID,
		Slug:           rec.Slug,
		DisplayName:    rec.DisplayName,
		Status:         service.Status(rec.Status),
		ConnectionRef:  rec.ConnectionRef,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		DeletedAt:      rec.DeletedAt,
		DeletedBy:      rec.DeletedBy,
		LastError:      rec.LastError,
	}
}

// mapStoreError translates persistence sentinels and unique-violation codes
// into the registry's typed errors. A silent mismatch here would let two
// tenants collide on one physical database, so unknowns pass through loudly.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	if errors.Is(err, persistence.ErrStatusConflict) {
		return service.ErrInvalidTransition
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return service.ErrConflict
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)

package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantsTable is the tenant registry table inside the shared catalog database.
const TenantsTable = "tenants"

// Errors returned by the catalog store.
var (
	// ErrNotFound is returned when no tenant row matches the lookup.
	ErrNotFound = errors.New("tenant not found")
	// ErrStatusConflict is returned when a compare-and-set status update finds
	// the row in a different status than the transition expected.
	ErrStatusConflict = errors.New("tenant status conflict")
)

// TenantRecord is one row of the tenant registry.
type TenantRecord struct {
	OrganizationID string     `db:"organization_id"`
	Slug           string     `db:"slug"`
	DisplayName    *string    `db:"display_name"`
	Status         string     `db:"status"`
	ConnectionRef  string     `db:"connection_ref"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
	DeletedBy      *string    `db:"deleted_by"`
	LastError      *string    `db:"last_error"`
}

const tenantColumns = `organization_id, slug, display_name, status, connection_ref,
        created_at, updated_at, deleted_at, deleted_by, last_error`

// CatalogStore provides access to the tenants table.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore creates a store; assumes migrations already created the table.
func NewCatalogStore(ctx context.Context, pool *pgxpool.Pool) (*CatalogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

// Insert adds the initial registry row for a tenant. Uniqueness of the
// organization id (primary key) and of the slug among live rows (partial
// unique index) is enforced by the database and surfaces as a pgconn 23505.
func (s *CatalogStore) Insert(ctx context.Context, rec TenantRecord) (TenantRecord, error) {
	if rec.OrganizationID == "" {
		return TenantRecord{}, errors.New("organization id is required")
	}
	if rec.Slug == "" {
		return TenantRecord{}, errors.New("slug is required")
	}
	if rec.ConnectionRef == "" {
		return TenantRecord{}, errors.New("connection ref is required")
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (organization_id, slug, display_name, status, connection_ref, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)
        RETURNING %s
    `, TenantsTable, tenantColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.OrganizationID, rec.Slug, rec.DisplayName, rec.Status, rec.ConnectionRef, rec.CreatedAt,
	)
	return scanTenantRecord(row)
}

// Get fetches the registry row regardless of lifecycle state.
func (s *CatalogStore) Get(ctx context.Context, organizationID string) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE organization_id = $1`, tenantColumns, TenantsTable)
	return scanTenantRecord(s.pool.QueryRow(ctx, query, organizationID))
}

// GetLiveBySlug returns the non-deleted tenant holding the slug.
func (s *CatalogStore) GetLiveBySlug(ctx context.Context, slug string) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE slug = $1 AND deleted_at IS NULL`, tenantColumns, TenantsTable)
	return scanTenantRecord(s.pool.QueryRow(ctx, query, slug))
}

// UpdateStatus applies a lifecycle transition guarded by the expected source
// status. The guard runs inside the UPDATE itself so two racing transitions
// cannot both succeed; the loser observes ErrStatusConflict (or ErrNotFound
// when the row is gone).
func (s *CatalogStore) UpdateStatus(ctx context.Context, organizationID, expected, next string, lastError *string) (TenantRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s
        SET status = $3, last_error = $4, updated_at = now()
        WHERE organization_id = $1 AND status = $2 AND deleted_at IS NULL
        RETURNING %s
    `, TenantsTable, tenantColumns)

	rec, err := scanTenantRecord(s.pool.QueryRow(ctx, query, organizationID, expected, next, lastError))
	if errors.Is(err, ErrNotFound) {
		// Distinguish "no such tenant" from "tenant in another status".
		if _, getErr := s.Get(ctx, organizationID); getErr != nil {
			return TenantRecord{}, getErr
		}
		return TenantRecord{}, ErrStatusConflict
	}
	return rec, err
}

// SoftDelete marks the tenant deleted and stamps the actor. Idempotent: a row
// already soft-deleted is returned unchanged with no error.
func (s *CatalogStore) SoftDelete(ctx context.Context, organizationID, deletedBy string) (TenantRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s
        SET status = 'deleted', deleted_at = now(), deleted_by = $2, updated_at = now()
        WHERE organization_id = $1 AND deleted_at IS NULL
        RETURNING %s
    `, TenantsTable, tenantColumns)

	rec, err := scanTenantRecord(s.pool.QueryRow(ctx, query, organizationID, deletedBy))
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.Get(ctx, organizationID)
		if getErr != nil {
			return TenantRecord{}, getErr
		}
		return current, nil
	}
	return rec, err
}

// Delete removes the registry row permanently. Retention checks belong to the
// caller; the store only refuses to purge rows that were never soft-deleted.
func (s *CatalogStore) Delete(ctx context.Context, organizationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE organization_id = $1 AND deleted_at IS NOT NULL`, TenantsTable)
	tag, err := s.pool.Exec(ctx, query, organizationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPurgeable returns soft-deleted tenants whose retention window elapsed
// before the cutoff.
func (s *CatalogStore) ListPurgeable(ctx context.Context, cutoff time.Time) ([]TenantRecord, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM %s
        WHERE deleted_at IS NOT NULL AND deleted_at < $1
        ORDER BY deleted_at
    `, tenantColumns, TenantsTable)

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TenantRecord
	for rows.Next() {
		rec, err := scanTenantRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	if err := row.Scan(
		&rec.OrganizationID, &rec.Slug, &rec.DisplayName, &rec.Status, &rec.ConnectionRef,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt, &rec.DeletedBy, &rec.LastError,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, err
	}
	return rec, nil
}

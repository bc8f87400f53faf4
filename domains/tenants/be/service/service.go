package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/tenant"
)

// Errors returned by the registry.
var (
	// ErrNotFound: no registry row for the organization id or slug.
	ErrNotFound = errors.New("tenant not found")
	// ErrConflict: the slug or organization id already has a live tenant.
	ErrConflict = errors.New("tenant already exists")
	// ErrInvalidTransition: a status change was attempted from an unexpected
	// source status; the concurrent-mutation guard.
	ErrInvalidTransition = errors.New("invalid tenant status transition")
	// ErrRetentionActive: hard delete requested before the retention window
	// of a soft-deleted tenant elapsed.
	ErrRetentionActive = errors.New("tenant retention window still active")
)

// Status is the tenant lifecycle state. Transitions are monotonic along
// pending → provisioning → {active, failed}; active → deleted is the only path
// out of a healthy tenant, and failed → pending exists only as operator retry.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusFailed       Status = "failed"
	StatusDeleted      Status = "deleted"
)

// Tenant is the registry entry for one organization's isolated database.
type Tenant struct {
	OrganizationID string
	Slug           string
	DisplayName    *string
	Status         Status
	// ConnectionRef is the physical database name; immutable once registered.
	ConnectionRef string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
	DeletedBy     *string
	LastError     *string
}

// Live reports whether the tenant has not been soft-deleted.
func (t Tenant) Live() bool { return t.DeletedAt == nil }

// Repository abstracts catalog persistence for the registry.
type Repository interface {
	Insert(ctx context.Context, t Tenant) (Tenant, error)
	Get(ctx context.Context, organizationID string) (Tenant, error)
	GetLiveBySlug(ctx context.Context, slug string) (Tenant, error)
	// UpdateStatus applies from→to atomically; ErrInvalidTransition when the
	// row is not in the expected source status.
	UpdateStatus(ctx context.Context, organizationID string, from, to Status, lastError *string) (Tenant, error)
	SoftDelete(ctx context.Context, organizationID, deletedBy string) (Tenant, error)
	Delete(ctx context.Context, organizationID string) error
	ListPurgeable(ctx context.Context, cutoff time.Time) ([]Tenant, error)
}

// Service is the Tenant Registry: the single source of truth for tenant
// existence, identity and lifecycle status.
type Service struct {
	repo Repository
}

// New constructs a registry Service.
func New(repo Repository) *Service {
	if repo == nil {
		panic("tenants repo is required")
	}
	return &Service{repo: repo}
}

// Register inserts a new pending tenant and derives its immutable connection
// ref from the slug and organization id.
func (s *Service) Register(ctx context.Context, organizationID, slug, displayName string) (Tenant, error) {
	normalized, err := persistence.NormalizeSlug(slug)
	if err != nil {
		return Tenant{}, fmt.Errorf("register tenant: %w", err)
	}
	if organizationID == "" {
		return Tenant{}, errors.New("register tenant: organization id is required")
	}

	connectionRef := tenant.BuildDatabaseName(tenant.ToSnake(normalized), tenant.ShortRef(organizationID))

	t := Tenant{
		OrganizationID: organizationID,
		Slug:           normalized,
		Status:         StatusPending,
		ConnectionRef:  connectionRef,
		CreatedAt:      time.Now().UTC(),
	}
	if trimmed := strings.TrimSpace(displayName); trimmed != "" {
		t.DisplayName = &trimmed
	}

	return s.repo.Insert(ctx, t)
}

// GetBySlug looks up the live tenant holding the slug; soft-deleted holders
// are invisible, which is what makes their slug reusable.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Tenant, error) {
	normalized, err := persistence.NormalizeSlug(slug)
	if err != nil {
		return Tenant{}, err
	}
	return s.repo.GetLiveBySlug(ctx, normalized)
}

// GetByOrganizationID returns the registry row regardless of lifecycle state;
// callers inspect Status/DeletedAt themselves.
func (s *Service) GetByOrganizationID(ctx context.Context, organizationID string) (Tenant, error) {
	return s.repo.Get(ctx, organizationID)
}

// MarkProvisioning transitions pending → provisioning.
func (s *Service) MarkProvisioning(ctx context.Context, organizationID string) (Tenant, error) {
	return s.repo.UpdateStatus(ctx, organizationID, StatusPending, StatusProvisioning, nil)
}

// MarkActive transitions provisioning → active and clears the last error.
func (s *Service) MarkActive(ctx context.Context, organizationID string) (Tenant, error) {
	return s.repo.UpdateStatus(ctx, organizationID, StatusProvisioning, StatusActive, nil)
}

// MarkFailed records a provisioning failure. Both in-flight source states are
// accepted: provisioning for the worker path, pending for a sync attempt that
// failed before the provisioning transition landed.
func (s *Service) MarkFailed(ctx context.Context, organizationID, reason string) (Tenant, error) {
	rec, err := s.repo.UpdateStatus(ctx, organizationID, StatusProvisioning, StatusFailed, &reason)
	if errors.Is(err, ErrInvalidTransition) {
		return s.repo.UpdateStatus(ctx, organizationID, StatusPending, StatusFailed, &reason)
	}
	return rec, err
}

// RetryProvisioning is the operator escape hatch: failed → pending.
func (s *Service) RetryProvisioning(ctx context.Context, organizationID string) (Tenant, error) {
	return s.repo.UpdateStatus(ctx, organizationID, StatusFailed, StatusPending, nil)
}

// SoftDelete marks the tenant deleted. Idempotent: deleting an already-deleted
// tenant is a no-op success.
func (s *Service) SoftDelete(ctx context.Context, organizationID, actorUserID string) (Tenant, error) {
	return s.repo.SoftDelete(ctx, organizationID, actorUserID)
}

// Unregister removes a registry row that never served traffic. It is the
// compensating action of Register in the synchronous provisioning saga and is
// only valid before the tenant reaches active.
func (s *Service) Unregister(ctx context.Context, organizationID string) error {
	rec, err := s.repo.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusPending, StatusProvisioning, StatusFailed:
	default:
		return ErrInvalidTransition
	}
	// SoftDelete first so the row qualifies for physical removal.
	if _, err := s.repo.SoftDelete(ctx, organizationID, "system:rollback"); err != nil {
		return err
	}
	return s.repo.Delete(ctx, organizationID)
}

// Purge hard-deletes a soft-deleted tenant after the retention window.
func (s *Service) Purge(ctx context.Context, organizationID string, retention time.Duration) error {
	rec, err := s.repo.Get(ctx, organizationID)
	if err != nil {
		return err
	}
	if rec.DeletedAt == nil {
		return ErrInvalidTransition
	}
	if time.Since(*rec.DeletedAt) < retention {
		return ErrRetentionActive
	}
	return s.repo.Delete(ctx, organizationID)
}

// ListPurgeable returns soft-deleted tenants whose retention window elapsed.
func (s *Service) ListPurgeable(ctx context.Context, retention time.Duration) ([]Tenant, error) {
	return s.repo.ListPurgeable(ctx, time.Now().UTC().Add(-retention))
}

package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
)

// MemoryRepository is a simple in-memory implementation suitable for tests and
// early development. It enforces the same invariants as the catalog store:
// slug uniqueness among live rows and compare-and-set status transitions.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]service.Tenant
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]service.Tenant)}
}

func (r *MemoryRepository) Insert(ctx context.Context, t service.Tenant) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[t.OrganizationID]; exists {
		return service.Tenant{}, service.ErrConflict
	}
	for _, existing := range r.byID {
		if existing.Slug == t.Slug && existing.Live() {
			return service.Tenant{}, service.ErrConflict
		}
	}

	t.UpdatedAt = t.CreatedAt
	r.byID[t.OrganizationID] = t
	return t, nil
}

func (r *MemoryRepository) Get(ctx context.Context, organizationID string) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[organizationID]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) GetLiveBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.byID {
		if t.Slug == slug && t.Live() {
			return t, nil
		}
	}
	return service.Tenant{}, service.ErrNotFound
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, organizationID string, from, to service.Status, lastError *string) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[organizationID]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	if t.Status != from || !t.Live() {
		return service.Tenant{}, service.ErrInvalidTransition
	}

	t.Status = to
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	r.byID[organizationID] = t
	return t, nil
}

func (r *MemoryRepository) SoftDelete(ctx context.Context, organizationID, deletedBy string) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[organizationID]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	if !t.Live() {
		return t, nil
	}

	now := time.Now().UTC()
	t.Status = service.StatusDeleted
	t.DeletedAt = &now
	t.DeletedBy = &deletedBy
	t.UpdatedAt = now
	r.byID[organizationID] = t
	return t, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, organizationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[organizationID]
	if !ok {
		return service.ErrNotFound
	}
	if t.Live() {
		return service.ErrNotFound
	}
	delete(r.byID, organizationID)
	return nil
}

func (r *MemoryRepository) ListPurgeable(ctx context.Context, cutoff time.Time) ([]service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []service.Tenant
	for _, t := range r.byID {
		if t.DeletedAt != nil && t.DeletedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	return out, nil
}

// Ensure interface compliance.
var _ service.Repository = (*MemoryRepository)(nil)

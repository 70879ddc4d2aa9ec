package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/tenants/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// MemoryRepository is an in-memory registry used by unit tests and the
// local development harness.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]service.Institution
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]service.Institution)}
}

func (r *MemoryRepository) Create(_ context.Context, inst service.Institution) (service.Institution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.Slug == inst.Slug || existing.SchemaName == inst.SchemaName {
			return service.Institution{}, apperr.Conflict("SLUG_TAKEN", "an institution with this slug or schema already exists")
		}
	}
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	r.items[inst.ID] = inst
	return inst, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (service.Institution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.items[id]
	if !ok {
		return service.Institution{}, apperr.NotFound("institution")
	}
	return inst, nil
}

func (r *MemoryRepository) GetBySchema(_ context.Context, schema string) (service.Institution, error) {
	return r.find(func(i service.Institution) bool { return i.SchemaName == schema })
}

func (r *MemoryRepository) GetBySlug(_ context.Context, slug string) (service.Institution, error) {
	return r.find(func(i service.Institution) bool { return i.Slug == slug })
}

func (r *MemoryRepository) find(match func(service.Institution) bool) (service.Institution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.items {
		if match(inst) {
			return inst, nil
		}
	}
	return service.Institution{}, apperr.NotFound("institution")
}

func (r *MemoryRepository) List(_ context.Context, opts service.ListOptions) (service.ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]service.Institution, 0, len(r.items))
	for _, inst := range r.items {
		if opts.Status != nil && inst.Status != *opts.Status {
			continue
		}
		all = append(all, inst)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (opts.Page - 1) * opts.PageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + opts.PageSize
	if end > len(all) {
		end = len(all)
	}

	return service.ListResult{
		Institutions: all[start:end],
		Page:         opts.Page,
		PageSize:     opts.PageSize,
		TotalItems:   len(all),
		TotalPages:   (len(all) + opts.PageSize - 1) / opts.PageSize,
	}, nil
}

func (r *MemoryRepository) CountActive(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, inst := range r.items {
		if inst.Status == tenant.StatusActive || inst.Status == tenant.StatusTrial {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status tenant.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.items[id]
	if !ok {
		return apperr.NotFound("institution")
	}
	inst.Status = status
	inst.UpdatedAt = time.Now()
	r.items[id] = inst
	return nil
}

func (r *MemoryRepository) MarkProvisioned(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.items[id]
	if !ok {
		return apperr.NotFound("institution")
	}
	inst.ProvisionedAt = &at
	r.items[id] = inst
	return nil
}

var _ service.Repository = (*MemoryRepository)(nil)

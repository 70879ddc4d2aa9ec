package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

// Wildcard satisfies any permission check.
const Wildcard = "*"

// PermissionSet is an actor's effective permissions.
type PermissionSet map[string]struct{}

func NewPermissionSet(keys []string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	return keys
}

// HasAny reports whether the set satisfies at least one required key.
// The wildcard satisfies everything.
func (s PermissionSet) HasAny(required ...string) bool {
	if _, ok := s[Wildcard]; ok {
		return true
	}
	for _, key := range required {
		if _, ok := s[key]; ok {
			return true
		}
	}
	return false
}

// HasAll reports whether the set satisfies every required key.
func (s PermissionSet) HasAll(required ...string) bool {
	if _, ok := s[Wildcard]; ok {
		return true
	}
	for _, key := range required {
		if _, ok := s[key]; !ok {
			return false
		}
	}
	return true
}

// Repository loads permission data from the tenant schema.
type Repository interface {
	// EffectivePermissions is the union of role grants over the user's
	// assigned roles plus direct user grants.
	EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
	UpdateRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error
	AssignRole(ctx context.Context, userID, roleID uuid.UUID) error
	RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error
	GrantUserPermission(ctx context.Context, userID uuid.UUID, key string) error
	RevokeUserPermission(ctx context.Context, userID uuid.UUID, key string) error
}

// Cache stores resolved sets keyed by (tenant, user) with epoch-based
// staleness detection.
type Cache interface {
	Get(ctx context.Context, tenantID, userID string) (PermissionSet, bool)
	Put(ctx context.Context, tenantID, userID string, set PermissionSet)
	InvalidateUser(ctx context.Context, tenantID, userID string)
	BumpEpoch(ctx context.Context, tenantID string)
}

// Service resolves effective permissions and keeps the cache honest on
// every mutation.
type Service struct {
	repo    Repository
	cache   Cache
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewService(repo Repository, cache Cache, reg *metrics.Registry, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: cache, metrics: reg, logger: logger}
}

// Resolve returns the actor's effective permission set, from cache when the
// entry is fresh.
func (s *Service) Resolve(ctx context.Context, tenantID string, userID uuid.UUID) (PermissionSet, error) {
	start := time.Now()
	defer func() {
		s.metrics.Observe(metrics.HistRBACResolution, float64(time.Since(start).Microseconds())/1000)
	}()

	if set, ok := s.cache.Get(ctx, tenantID, userID.String()); ok {
		return set, nil
	}

	keys, err := s.repo.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := NewPermissionSet(keys)
	s.cache.Put(ctx, tenantID, userID.String(), set)
	return set, nil
}

// UpdateRolePermissions replaces a role's grant set. Everyone holding the
// role may be affected, so the tenant epoch is bumped and stale cache
// entries lazily expire.
func (s *Service) UpdateRolePermissions(ctx context.Context, tenantID string, roleID uuid.UUID, keys []string) error {
	if err := s.repo.UpdateRolePermissions(ctx, roleID, keys); err != nil {
		return err
	}
	s.cache.BumpEpoch(ctx, tenantID)
	s.logger.Info("role permissions updated",
		zap.String("tenant_id", tenantID),
		zap.String("role_id", roleID.String()),
		zap.Int("permission_count", len(keys)),
	)
	return nil
}

// AssignRole adds a role to a user and eagerly invalidates that user.
func (s *Service) AssignRole(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error {
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, tenantID, userID.String())
	return nil
}

// RemoveRole removes a role from a user and eagerly invalidates that user.
func (s *Service) RemoveRole(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error {
	if err := s.repo.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, tenantID, userID.String())
	return nil
}

// GrantUserPermission adds a direct grant and eagerly invalidates the user.
func (s *Service) GrantUserPermission(ctx context.Context, tenantID string, userID uuid.UUID, key string) error {
	if err := s.repo.GrantUserPermission(ctx, userID, key); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, tenantID, userID.String())
	return nil
}

// RevokeUserPermission removes a direct grant and eagerly invalidates the
// user.
func (s *Service) RevokeUserPermission(ctx context.Context, tenantID string, userID uuid.UUID, key string) error {
	if err := s.repo.RevokeUserPermission(ctx, userID, key); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, tenantID, userID.String())
	return nil
}

// InvalidateUser is called when a user is deactivated.
func (s *Service) InvalidateUser(ctx context.Context, tenantID string, userID uuid.UUID) {
	s.cache.InvalidateUser(ctx, tenantID, userID.String())
}

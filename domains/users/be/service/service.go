// Package service implements staff and student account management inside a
// tenant schema: creation with an initial must-change password, role
// assignment, listing and lifecycle status changes.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
)

// User statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// User is the account record exposed to administrators. The password hash
// never leaves the repository layer.
type User struct {
	ID                 uuid.UUID  `json:"id"`
	Email              string     `json:"email"`
	FirstName          string     `json:"firstName"`
	LastName           *string    `json:"lastName,omitempty"`
	Status             string     `json:"status"`
	MustChangePassword bool       `json:"mustChangePassword"`
	Roles              []string   `json:"roles"`
	LastLoginAt        *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Search   string
	Status   string
	Page     int
	PageSize int
}

// ListResult wraps a page of users with pagination metadata.
type ListResult struct {
	Users      []User `json:"users"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalItems int    `json:"totalItems"`
	TotalPages int    `json:"totalPages"`
}

// CreateInput is the admin-facing creation payload. The initial password is
// temporary; the account is created with the must-change flag set.
type CreateInput struct {
	Email           string      `json:"email" validate:"required,email"`
	FirstName       string      `json:"firstName" validate:"required"`
	LastName        *string     `json:"lastName,omitempty"`
	InitialPassword string      `json:"initialPassword" validate:"required,min=8"`
	RoleIDs         []uuid.UUID `json:"roleIds,omitempty"`
}

// UpdateInput carries the mutable profile fields.
type UpdateInput struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
}

// Repository is the tenant-schema data access for accounts.
type Repository interface {
	Create(ctx context.Context, u User, passwordHash string, roleIDs []uuid.UUID) (User, error)
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateInput) (User, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	SetPassword(ctx context.Context, id uuid.UUID, hash string, mustChange bool) error
	RevokeSessions(ctx context.Context, userID uuid.UUID) error
}

// Invalidator drops cached permission sets when accounts change; wired to
// the RBAC cache.
type Invalidator interface {
	InvalidateUser(ctx context.Context, tenantID string, userID uuid.UUID)
}

// Service wires account management.
type Service struct {
	repo        Repository
	invalidator Invalidator
	logger      *zap.Logger
}

func NewService(repo Repository, invalidator Invalidator, logger *zap.Logger) *Service {
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// Create adds an account with a temporary password and optional roles.
func (s *Service) Create(ctx context.Context, in CreateInput) (User, error) {
	hash, err := platformauth.HashPassword(in.InitialPassword)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:                 uuid.New(),
		Email:              strings.ToLower(strings.TrimSpace(in.Email)),
		FirstName:          strings.TrimSpace(in.FirstName),
		LastName:           in.LastName,
		Status:             StatusActive,
		MustChangePassword: true,
	}
	created, err := s.repo.Create(ctx, user, hash, in.RoleIDs)
	if err != nil {
		return User{}, err
	}

	s.logger.Info("user account created",
		zap.String("user_id", created.ID.String()),
		zap.Int("roles", len(in.RoleIDs)),
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 || opts.PageSize > 200 {
		opts.PageSize = 25
	}
	return s.repo.List(ctx, opts)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (User, error) {
	if in.FirstName == nil && in.LastName == nil {
		return User{}, apperr.Validation("EMPTY_UPDATE", "no fields to update")
	}
	return s.repo.Update(ctx, id, in)
}

// Deactivate disables login and kills every open session for the account.
func (s *Service) Deactivate(ctx context.Context, tenantID string, id uuid.UUID) error {
	if err := s.repo.SetStatus(ctx, id, StatusInactive); err != nil {
		return err
	}
	if err := s.repo.RevokeSessions(ctx, id); err != nil {
		s.logger.Warn("failed to revoke sessions on deactivation",
			zap.String("user_id", id.String()), zap.Error(err))
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateUser(ctx, tenantID, id)
	}
	return nil
}

// Reactivate re-enables a deactivated account.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetStatus(ctx, id, StatusActive)
}

// ResetPassword sets a new temporary password and forces a change at next
// login. Open sessions are revoked.
func (s *Service) ResetPassword(ctx context.Context, id uuid.UUID, tempPassword string) error {
	if len(tempPassword) < 8 {
		return apperr.Validation("WEAK_PASSWORD", "temporary password must be at least 8 characters")
	}
	hash, err := platformauth.HashPassword(tempPassword)
	if err != nil {
		return err
	}
	if err := s.repo.SetPassword(ctx, id, hash, true); err != nil {
		return err
	}
	if err := s.repo.RevokeSessions(ctx, id); err != nil {
		s.logger.Warn("failed to revoke sessions on password reset",
			zap.String("user_id", id.String()), zap.Error(err))
	}
	return nil
}

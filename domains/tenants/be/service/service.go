package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Institution is a registry entry in the global catalog. The schema it
// names holds every row the school owns.
type Institution struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Slug           string        `json:"slug"`
	SchemaName     string        `json:"schemaName"`
	Status         tenant.Status `json:"status"`
	PlanID         *uuid.UUID    `json:"planId,omitempty"`
	ContactEmail   *string       `json:"contactEmail,omitempty"`
	ContactPhone   *string       `json:"contactPhone,omitempty"`
	ReceiptYear    *int          `json:"receiptYear,omitempty"`
	ReceiptCounter int           `json:"receiptCounter"`
	ProvisionedAt  *time.Time    `json:"provisionedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Identity projects the registry entry into the request-scoped form.
func (i Institution) Identity() tenant.Identity {
	return tenant.Identity{
		ID:         i.ID,
		SchemaName: i.SchemaName,
		Slug:       i.Slug,
		Status:     i.Status,
		PlanID:     i.PlanID,
	}
}

// Repository is the persistence contract for the registry.
type Repository interface {
	Create(ctx context.Context, inst Institution) (Institution, error)
	GetByID(ctx context.Context, id uuid.UUID) (Institution, error)
	GetBySchema(ctx context.Context, schema string) (Institution, error)
	GetBySlug(ctx context.Context, slug string) (Institution, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error
	MarkProvisioned(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Provisioner builds the tenant schema. Implemented in the provisioning
// package; the service only needs the contract.
type Provisioner interface {
	Provision(ctx context.Context, schemaName string) (ProvisionResult, error)
}

// ProvisionResult is the report a provisioning run returns.
type ProvisionResult struct {
	Success             bool     `json:"success"`
	Schema              string   `json:"schema"`
	TableCount          int      `json:"tableCount"`
	TablesCreated       int      `json:"tablesCreated"`
	CriticalSetComplete bool     `json:"criticalSetComplete"`
	Ready               bool     `json:"ready"`
	DurationMs          int64    `json:"durationMs"`
	Logs                []string `json:"logs"`
	Warnings            []string `json:"warnings,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// ListOptions pages the registry listing.
type ListOptions struct {
	Status   *tenant.Status
	Page     int
	PageSize int
}

// ListResult is a page of registry entries.
type ListResult struct {
	Institutions []Institution `json:"institutions"`
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	TotalItems   int           `json:"totalItems"`
	TotalPages   int           `json:"totalPages"`
}

// CreateInput is the request to onboard a school.
type CreateInput struct {
	Name         string  `json:"name" validate:"required,min=2,max=255"`
	Slug         string  `json:"slug" validate:"required,min=2,max=100"`
	PlanID       *string `json:"planId,omitempty" validate:"omitempty,uuid"`
	ContactEmail *string `json:"contactEmail,omitempty" validate:"omitempty,email"`
	ContactPhone *string `json:"contactPhone,omitempty" validate:"omitempty,max=32"`
}

// Service coordinates the registry and the provisioner.
type Service struct {
	repo        Repository
	provisioner Provisioner
	logger      *zap.Logger
}

func NewService(repo Repository, provisioner Provisioner, logger *zap.Logger) *Service {
	return &Service{repo: repo, provisioner: provisioner, logger: logger}
}

// Create registers the institution and provisions its schema. The registry
// row is written first so a failed provisioning run can be resumed.
func (s *Service) Create(ctx context.Context, in CreateInput) (Institution, ProvisionResult, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	schemaName := tenant.BuildSchemaName(tenant.ToSnake(slug))
	if err := tenant.ValidateSchemaName(schemaName); err != nil {
		return Institution{}, ProvisionResult{}, err
	}

	inst := Institution{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Slug:         slug,
		SchemaName:   schemaName,
		Status:       tenant.StatusTrial,
		ContactEmail: in.ContactEmail,
		ContactPhone: in.ContactPhone,
	}
	if in.PlanID != nil {
		planID, err := uuid.Parse(*in.PlanID)
		if err != nil {
			return Institution{}, ProvisionResult{}, apperr.Validation("INVALID_PLAN", "planId is not a valid uuid")
		}
		inst.PlanID = &planID
	}

	created, err := s.repo.Create(ctx, inst)
	if err != nil {
		return Institution{}, ProvisionResult{}, err
	}

	result, err := s.provisioner.Provision(ctx, created.SchemaName)
	if err != nil {
		s.logger.Error("tenant provisioning failed",
			zap.String("schema", created.SchemaName),
			zap.Error(err),
		)
		return created, result, nil
	}
	if result.Ready {
		now := time.Now()
		if err := s.repo.MarkProvisioned(ctx, created.ID, now); err != nil {
			s.logger.Warn("failed to record provisioned_at", zap.Error(err))
		} else {
			created.ProvisionedAt = &now
		}
	}
	return created, result, nil
}

// Provision re-runs the pipeline for an existing tenant. Idempotent.
func (s *Service) Provision(ctx context.Context, schemaName string) (ProvisionResult, error) {
	if err := tenant.ValidateSchemaName(schemaName); err != nil {
		return ProvisionResult{}, err
	}
	inst, err := s.repo.GetBySchema(ctx, schemaName)
	if err != nil {
		return ProvisionResult{}, err
	}

	result, err := s.provisioner.Provision(ctx, schemaName)
	if err != nil {
		return result, err
	}
	if result.Ready && inst.ProvisionedAt == nil {
		if err := s.repo.MarkProvisioned(ctx, inst.ID, time.Now()); err != nil {
			s.logger.Warn("failed to record provisioned_at", zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Institution, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 20
	}
	return s.repo.List(ctx, opts)
}

// Suspend blocks all request traffic for the tenant at the resolver.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID) error {
	return s.repo.UpdateStatus(ctx, id, tenant.StatusSuspended)
}

// Activate lifts a suspension or promotes a trial.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) error {
	return s.repo.UpdateStatus(ctx, id, tenant.StatusActive)
}

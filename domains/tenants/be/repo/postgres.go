package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edumesh/edumesh-server/domains/tenants/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

const institutionColumns = `id, name, slug, schema_name, status, plan_id,
	contact_email, contact_phone, receipt_year, receipt_counter,
	provisioned_at, created_at, updated_at`

// PostgresRepository stores the registry in public.institutions. It also
// serves the request-time tenant resolver, so lookups stay cheap single-row
// reads.
type PostgresRepository struct {
	db persistence.Runner
}

func NewPostgresRepository(db persistence.Runner) *PostgresRepository {
	if db == nil {
		panic("tenants repo requires runner")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, inst service.Institution) (service.Institution, error) {
	err := r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO institutions (id, name, slug, schema_name, status, plan_id, contact_email, contact_phone)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+institutionColumns,
			inst.ID, inst.Name, inst.Slug, inst.SchemaName, string(inst.Status),
			inst.PlanID, inst.ContactEmail, inst.ContactPhone,
		)
		var err error
		inst, err = scanInstitution(row)
		return err
	})
	if err != nil {
		return service.Institution{}, mapConflict(err)
	}
	return inst, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (service.Institution, error) {
	return r.getWhere(ctx, "id = $1", id)
}

func (r *PostgresRepository) GetBySchema(ctx context.Context, schema string) (service.Institution, error) {
	return r.getWhere(ctx, "schema_name = $1", schema)
}

func (r *PostgresRepository) GetBySlug(ctx context.Context, slug string) (service.Institution, error) {
	return r.getWhere(ctx, "slug = $1", slug)
}

// getWhere retries transient failures: these single-row lookups sit on the
// request path of every tenant-scoped call, and a blip must not 500 the
// request.
func (r *PostgresRepository) getWhere(ctx context.Context, where string, arg any) (service.Institution, error) {
	var inst service.Institution
	err := persistence.RetryRead(ctx, func(ctx context.Context) error {
		return r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+institutionColumns+` FROM institutions WHERE `+where, arg)
			var err error
			inst, err = scanInstitution(row)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Institution{}, apperr.NotFound("institution")
		}
		return service.Institution{}, err
	}
	return inst, nil
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	offset := (opts.Page - 1) * opts.PageSize
	result := service.ListResult{Page: opts.Page, PageSize: opts.PageSize}

	err := r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
		where := ""
		args := []any{opts.PageSize, offset}
		if opts.Status != nil {
			where = "WHERE status = $3"
			args = append(args, string(*opts.Status))
		}

		countArgs := args[2:]
		countWhere := ""
		if opts.Status != nil {
			countWhere = "WHERE status = $1"
		}
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM institutions `+countWhere, countArgs...).Scan(&result.TotalItems); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT `+institutionColumns+`
			FROM institutions `+where+`
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			inst, err := scanInstitution(rows)
			if err != nil {
				return err
			}
			result.Institutions = append(result.Institutions, inst)
		}
		return rows.Err()
	})
	if err != nil {
		return service.ListResult{}, err
	}

	result.TotalPages = (result.TotalItems + opts.PageSize - 1) / opts.PageSize
	return result, nil
}

// CountActive reports how many schools are currently active; the pilot
// onboarding cap is enforced against this number.
func (r *PostgresRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT count(*) FROM institutions WHERE status IN ('active', 'trial')`).Scan(&count)
	})
	return count, err
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error {
	return r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE institutions SET status = $2, updated_at = now() WHERE id = $1`,
			id, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("institution")
		}
		return nil
	})
}

func (r *PostgresRepository) MarkProvisioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithGlobal(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE institutions SET provisioned_at = $2, updated_at = now() WHERE id = $1`,
			id, at)
		return err
	})
}

// ByID serves the tenant resolver.
func (r *PostgresRepository) ByID(ctx context.Context, id uuid.UUID) (tenant.Identity, error) {
	inst, err := r.GetByID(ctx, id)
	if err != nil {
		return tenant.Identity{}, err
	}
	return inst.Identity(), nil
}

// BySchema serves the tenant resolver.
func (r *PostgresRepository) BySchema(ctx context.Context, schema string) (tenant.Identity, error) {
	inst, err := r.GetBySchema(ctx, schema)
	if err != nil {
		return tenant.Identity{}, err
	}
	return inst.Identity(), nil
}

// BySlug serves the tenant resolver.
func (r *PostgresRepository) BySlug(ctx context.Context, slug string) (tenant.Identity, error) {
	inst, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return tenant.Identity{}, err
	}
	return inst.Identity(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstitution(row rowScanner) (service.Institution, error) {
	var inst service.Institution
	var status string
	err := row.Scan(
		&inst.ID, &inst.Name, &inst.Slug, &inst.SchemaName, &status, &inst.PlanID,
		&inst.ContactEmail, &inst.ContactPhone, &inst.ReceiptYear, &inst.ReceiptCounter,
		&inst.ProvisionedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return service.Institution{}, err
	}
	inst.Status = tenant.Status(status)
	return inst, nil
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("SLUG_TAKEN", "an institution with this slug or schema already exists")
	}
	return err
}

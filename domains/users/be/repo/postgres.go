package repo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edumesh/edumesh-server/domains/users/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// PostgresRepository persists accounts in the tenant schema. The
// institution_id column is filled from the resolved tenant identity on the
// request context.
type PostgresRepository struct {
	db persistence.Runner
}

func NewPostgresRepository(db persistence.Runner) *PostgresRepository {
	if db == nil {
		panic("users repo requires runner")
	}
	return &PostgresRepository{db: db}
}

const userColumns = `
	u.id, u.email, u.first_name, u.last_name, u.status, u.must_change_password,
	u.last_login_at, u.created_at, u.updated_at,
	COALESCE(array_agg(r.slug) FILTER (WHERE r.slug IS NOT NULL), '{}')`

const userFrom = `
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
	LEFT JOIN roles r ON r.id = ur.role_id`

func scanUser(row pgx.Row) (service.User, error) {
	var u service.User
	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Status, &u.MustChangePassword,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt, &u.Roles,
	)
	return u, err
}

func (r *PostgresRepository) Create(ctx context.Context, u service.User, passwordHash string, roleIDs []uuid.UUID) (service.User, error) {
	identity, ok := tenant.FromContext(ctx)
	if !ok {
		return service.User{}, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request context")
	}

	var created service.User
	insert := func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, institution_id, email, password_hash, first_name, last_name,
			                   status, must_change_password)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			u.ID, identity.ID, u.Email, passwordHash, u.FirstName, u.LastName,
			u.Status, u.MustChangePassword)
		if err != nil {
			return mapUnique(err)
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, u.ID, roleID); err != nil {
				return mapRoleRef(err)
			}
		}
		created, err = scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+userFrom+` WHERE u.id = $1 GROUP BY u.id`, u.ID))
		return err
	}

	var err error
	if auditor, ok := r.db.(persistence.Auditor); ok {
		err = auditor.WithTenantAudited(ctx, func(tx pgx.Tx, audit *persistence.Collector) error {
			if err := insert(tx); err != nil {
				return err
			}
			audit.Append(persistence.AuditEvent{
				Action: "user.create", Entity: "user", EntityID: u.ID.String(),
				Meta: map[string]any{"roles": len(roleIDs)},
			})
			return nil
		})
	} else {
		err = r.db.WithTenant(ctx, insert)
	}
	if err != nil {
		return service.User{}, err
	}
	return created, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (service.User, error) {
	var u service.User
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		var scanErr error
		u, scanErr = scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+userFrom+` WHERE u.id = $1 GROUP BY u.id`, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.User{}, apperr.NotFound("user")
		}
		return service.User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	where := []string{"TRUE"}
	args := []any{}
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("u.status = $%d", len(args)))
	}
	if opts.Search != "" {
		args = append(args, "%"+strings.ToLower(opts.Search)+"%")
		where = append(where, fmt.Sprintf(
			"(lower(u.email) LIKE $%d OR lower(u.first_name || ' ' || COALESCE(u.last_name, '')) LIKE $%d)",
			len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	result := service.ListResult{
		Users:    []service.User{},
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM users u WHERE `+cond, args...).Scan(&result.TotalItems); err != nil {
			return err
		}

		pageArgs := append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)
		rows, err := tx.Query(ctx, fmt.Sprintf(
			`SELECT %s %s WHERE %s GROUP BY u.id
			 ORDER BY u.created_at DESC, u.id
			 LIMIT $%d OFFSET $%d`,
			userColumns, userFrom, cond, len(pageArgs)-1, len(pageArgs)), pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			result.Users = append(result.Users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return service.ListResult{}, err
	}
	result.TotalPages = int(math.Ceil(float64(result.TotalItems) / float64(opts.PageSize)))
	return result, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, in service.UpdateInput) (service.User, error) {
	var u service.User
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET first_name = COALESCE($2, first_name),
			    last_name  = COALESCE($3, last_name),
			    updated_at = now()
			WHERE id = $1`, id, in.FirstName, in.LastName)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("user")
		}
		u, err = scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+userFrom+` WHERE u.id = $1 GROUP BY u.id`, id))
		return err
	})
	if err != nil {
		return service.User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	update := func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET status = $2, updated_at = now() WHERE id = $1`, id, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("user")
		}
		return nil
	}
	if auditor, ok := r.db.(persistence.Auditor); ok {
		return auditor.WithTenantAudited(ctx, func(tx pgx.Tx, audit *persistence.Collector) error {
			if err := update(tx); err != nil {
				return err
			}
			audit.Append(persistence.AuditEvent{
				Action: "user.status_change", Entity: "user", EntityID: id.String(),
				Meta: map[string]any{"status": status},
			})
			return nil
		})
	}
	return r.db.WithTenant(ctx, update)
}

func (r *PostgresRepository) SetPassword(ctx context.Context, id uuid.UUID, hash string, mustChange bool) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET password_hash = $2, must_change_password = $3, updated_at = now()
			WHERE id = $1`, id, hash, mustChange)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("user")
		}
		return nil
	})
}

func (r *PostgresRepository) RevokeSessions(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
		return err
	})
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("EMAIL_TAKEN", "an account with this email already exists")
	}
	return err
}

func mapRoleRef(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apperr.Validation("UNKNOWN_ROLE", "one of the role ids does not exist")
	}
	return err
}

var _ service.Repository = (*PostgresRepository)(nil)

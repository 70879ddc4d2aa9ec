package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edumesh/edumesh-server/domains/auth/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
)

// UserRepository reads tenant users together with their role slugs.
type UserRepository struct {
	db persistence.Runner
}

func NewUserRepository(db persistence.Runner) *UserRepository {
	if db == nil {
		panic("auth user repo requires runner")
	}
	return &UserRepository{db: db}
}

const userQuery = `
	SELECT u.id, u.email, u.password_hash, u.first_name, u.last_name,
	       u.status, u.must_change_password,
	       COALESCE(array_agg(r.slug) FILTER (WHERE r.slug IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
	LEFT JOIN roles r ON r.id = ur.role_id
	WHERE %s
	GROUP BY u.id`

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (service.User, error) {
	return r.getWhere(ctx, "lower(u.email) = lower($1)", strings.TrimSpace(email))
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (service.User, error) {
	return r.getWhere(ctx, "u.id = $1", id)
}

func (r *UserRepository) getWhere(ctx context.Context, where string, arg any) (service.User, error) {
	var user service.User
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		query := strings.Replace(userQuery, "%s", where, 1)
		return tx.QueryRow(ctx, query, arg).Scan(
			&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName,
			&user.Status, &user.MustChangePassword, &user.Roles,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.User{}, apperr.NotFound("user")
		}
		return service.User{}, err
	}
	return user, nil
}

func (r *UserRepository) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`, id, at)
		return err
	})
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id uuid.UUID, hash string, mustChange bool) error {
	update := func(tx pgx.Tx) error {
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
	}
	if auditor, ok := r.db.(persistence.Auditor); ok {
		return auditor.WithTenantAudited(ctx, func(tx pgx.Tx, audit *persistence.Collector) error {
			if err := update(tx); err != nil {
				return err
			}
			audit.Append(persistence.AuditEvent{
				Action: "user.password_change", Entity: "user", EntityID: id.String(),
			})
			return nil
		})
	}
	return r.db.WithTenant(ctx, update)
}

// SessionRepository manages the refresh-session table.
type SessionRepository struct {
	db persistence.Runner
}

func NewSessionRepository(db persistence.Runner) *SessionRepository {
	if db == nil {
		panic("auth session repo requires runner")
	}
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s service.Session) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, user_id, refresh_hash, user_agent, ip_address, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, s.UserID, s.RefreshHash, s.UserAgent, s.IPAddress, s.ExpiresAt)
		return err
	})
}

func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (service.Session, error) {
	var s service.Session
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, user_id, refresh_hash, COALESCE(user_agent, ''), COALESCE(ip_address, ''),
			       expires_at, revoked_at
			FROM sessions WHERE id = $1`, id).Scan(
			&s.ID, &s.UserID, &s.RefreshHash, &s.UserAgent, &s.IPAddress,
			&s.ExpiresAt, &s.RevokedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return service.Session{}, apperr.NotFound("session")
		}
		return service.Session{}, err
	}
	return s, nil
}

func (r *SessionRepository) Rotate(ctx context.Context, id uuid.UUID, refreshHash string, expiresAt time.Time) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET refresh_hash = $2, expires_at = $3
			WHERE id = $1 AND revoked_at IS NULL`, id, refreshHash, expiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("session")
		}
		return nil
	})
}

func (r *SessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
		return err
	})
}

func (r *SessionRepository) RevokeAllExcept(ctx context.Context, userID, keep uuid.UUID) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE sessions SET revoked_at = now()
			WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL`, userID, keep)
		return err
	})
}

var (
	_ service.UserRepository    = (*UserRepository)(nil)
	_ service.SessionRepository = (*SessionRepository)(nil)
)

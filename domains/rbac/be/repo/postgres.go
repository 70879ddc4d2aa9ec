package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edumesh/edumesh-server/platform/go/persistence"
)

// PostgresRepository reads and writes permission data inside the bound
// tenant schema. Every call goes through the tenant-scoped runner, so an
// unbound context fails closed before any SQL runs.
type PostgresRepository struct {
	db persistence.Runner
}

func NewPostgresRepository(db persistence.Runner) *PostgresRepository {
	if db == nil {
		panic("rbac repo requires runner")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var keys []string
	err := r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT rp.permission_key
			FROM user_roles ur
			JOIN role_permissions rp ON rp.role_id = ur.role_id
			WHERE ur.user_id = $1
			UNION
			SELECT up.permission_key
			FROM user_permissions up
			WHERE up.user_id = $1`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *PostgresRepository) UpdateRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_key)
				VALUES ($1, $2)
				ON CONFLICT (role_id, permission_key) DO NOTHING`, roleID, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) AssignRole(ctx context.Context, userID, roleID uuid.UUID) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID)
		return err
	})
}

func (r *PostgresRepository) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
		return err
	})
}

func (r *PostgresRepository) GrantUserPermission(ctx context.Context, userID uuid.UUID, key string) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_permissions (user_id, permission_key)
			VALUES ($1, $2)
			ON CONFLICT (user_id, permission_key) DO NOTHING`, userID, key)
		return err
	})
}

func (r *PostgresRepository) RevokeUserPermission(ctx context.Context, userID uuid.UUID, key string) error {
	return r.db.WithTenant(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM user_permissions WHERE user_id = $1 AND permission_key = $2`, userID, key)
		return err
	})
}

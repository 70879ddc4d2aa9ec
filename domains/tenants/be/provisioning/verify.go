package provisioning

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/edumesh/edumesh-server/database"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// TenantReadiness is the per-tenant preflight served by the go-live
// dashboard.
type TenantReadiness struct {
	Schema              string `json:"schema"`
	TableCount          int    `json:"tableCount"`
	CriticalSetComplete bool   `json:"criticalSetComplete"`
	AdminCount          int    `json:"adminCount"`
	Provisioned         bool   `json:"provisioned"`
	ReadyForLive        bool   `json:"readyForLive"`
}

// Verify inspects an existing tenant schema without mutating it: table
// inventory, critical set, and at least one active admin user.
func (p *Provisioner) Verify(ctx context.Context, schemaName string) (TenantReadiness, error) {
	readiness := TenantReadiness{Schema: schemaName}

	if err := tenant.ValidateSchemaName(schemaName); err != nil {
		return readiness, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return readiness, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	tables, err := p.tableSet(ctx, conn, schemaName)
	if err != nil {
		return readiness, err
	}
	readiness.TableCount = len(tables)
	readiness.Provisioned = readiness.TableCount > 0

	readiness.CriticalSetComplete = true
	for _, critical := range sqlassets.CriticalTables {
		if !tables[critical] {
			readiness.CriticalSetComplete = false
			break
		}
	}

	if tables["users"] && tables["user_roles"] && tables["roles"] {
		// Identifier is whitelist-validated above; still never interpolate
		// anything else into this query.
		query := fmt.Sprintf(`
			SELECT count(*)
			FROM %[1]s.users u
			JOIN %[1]s.user_roles ur ON ur.user_id = u.id
			JOIN %[1]s.roles r ON r.id = ur.role_id
			WHERE r.slug = 'admin' AND u.status = 'active'`,
			pgx.Identifier{schemaName}.Sanitize())
		if err := conn.QueryRow(ctx, query).Scan(&readiness.AdminCount); err != nil {
			return readiness, fmt.Errorf("count admins: %w", err)
		}
	}

	readiness.ReadyForLive = readiness.CriticalSetComplete &&
		readiness.TableCount >= 50 &&
		readiness.AdminCount >= 1
	return readiness, nil
}

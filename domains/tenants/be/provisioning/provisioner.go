package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	sqlassets "github.com/edumesh/edumesh-server/database"
	"github.com/edumesh/edumesh-server/domains/tenants/be/service"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Provisioner materializes a complete tenant schema from the embedded
// blueprint: namespace, tables in dependency order, structural migrations,
// baseline seeds, then verification. Every step is idempotent so a failed
// run is resumed by calling Provision again.
type Provisioner struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewProvisioner(pool *pgxpool.Pool, logger *zap.Logger) *Provisioner {
	if pool == nil {
		panic("provisioner requires pool")
	}
	return &Provisioner{pool: pool, logger: logger}
}

// EnsurePlatform applies the global catalog DDL to public. Tenant schemas
// reference public.institutions and the fee receipt counter lives there, so
// this must run before the first tenant exists. Every statement uses IF NOT
// EXISTS and re-runs are recognized by duplicate-object errors, so it is safe
// to call on every startup.
func (p *Provisioner) EnsurePlatform(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET search_path TO public"); err != nil {
		return fmt.Errorf("bind search_path: %w", err)
	}
	for _, file := range sqlassets.PlatformSchema() {
		for _, stmt := range sqlassets.Statements(file.SQL) {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				if isAlreadyApplied(err) {
					continue
				}
				return fmt.Errorf("platform catalog %s: %w", file.Name, err)
			}
		}
	}
	p.logger.Info("platform catalog present")
	return nil
}

// Provision runs the pipeline. Table-level failures are recorded and do not
// abort the remaining tables; the returned result carries the partial state.
func (p *Provisioner) Provision(ctx context.Context, schemaName string) (service.ProvisionResult, error) {
	start := time.Now()
	result := service.ProvisionResult{Schema: schemaName}

	if err := tenant.ValidateSchemaName(schemaName); err != nil {
		result.Error = err.Error()
		return result, err
	}

	// The catalog must exist before any tenant table can reference it.
	if err := p.EnsurePlatform(ctx); err != nil {
		result.Error = "platform catalog missing"
		return result, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		result.Error = "database unavailable"
		return result, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	quoted := pgx.Identifier{schemaName}.Sanitize()

	// 1. Namespace.
	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		result.Error = "schema creation failed"
		return result, fmt.Errorf("create schema %s: %w", schemaName, err)
	}
	result.Logs = append(result.Logs, "schema "+schemaName+" present")

	// The search path binds for the lifetime of this pooled connection;
	// Release resets session state.
	if _, err := conn.Exec(ctx, "SET search_path TO "+quoted+", public"); err != nil {
		result.Error = "search_path binding failed"
		return result, fmt.Errorf("bind search_path: %w", err)
	}

	existing, err := p.tableSet(ctx, conn, schemaName)
	if err != nil {
		result.Error = "table inventory failed"
		return result, err
	}

	// 2. Tables, dependency order. Failures are per-table, not fatal.
	for _, file := range sqlassets.TenantBlueprint() {
		for _, stmt := range sqlassets.Statements(file.SQL) {
			tableName := sqlassets.TableName(stmt)
			if tableName != "" && existing[tableName] {
				continue
			}
			if _, err := conn.Exec(ctx, stmt); err != nil {
				if tableName == "" {
					// Index or constraint; IF NOT EXISTS covers re-runs.
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%s: statement failed: %v", file.Name, err))
					continue
				}
				p.logger.Error("table materialization failed",
					zap.String("schema", schemaName),
					zap.String("table", tableName),
					zap.Error(err),
				)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("table %s failed: %v", tableName, err))
				continue
			}
			if tableName != "" {
				result.TablesCreated++
				result.Logs = append(result.Logs, "created table "+tableName)
			}
		}
	}

	// 3. Structural migrations.
	applied, skipped := p.applyMigrations(ctx, conn, quoted, &result)
	result.Logs = append(result.Logs,
		fmt.Sprintf("migrations: %d applied, %d already applied", applied, skipped))

	// 4. Baseline seeds, upsert semantics.
	for _, file := range sqlassets.Seeds() {
		for _, stmt := range sqlassets.Statements(file.SQL) {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("seed %s failed: %v", file.Name, err))
			}
		}
	}
	result.Logs = append(result.Logs, "baseline seed applied")

	// 5. Verification.
	final, err := p.tableSet(ctx, conn, schemaName)
	if err != nil {
		result.Error = "verification failed"
		return result, err
	}
	result.TableCount = len(final)
	result.CriticalSetComplete = true
	for _, critical := range sqlassets.CriticalTables {
		if !final[critical] {
			result.CriticalSetComplete = false
			result.Warnings = append(result.Warnings, "critical table missing: "+critical)
		}
	}
	if result.TableCount < 50 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("table count %d below expected minimum 50", result.TableCount))
	}

	result.Ready = result.CriticalSetComplete && result.TableCount >= 50
	result.Success = true
	result.DurationMs = time.Since(start).Milliseconds()

	p.logger.Info("tenant provisioning finished",
		zap.String("schema", schemaName),
		zap.Int("table_count", result.TableCount),
		zap.Int("tables_created", result.TablesCreated),
		zap.Bool("ready", result.Ready),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// applyMigrations executes the migration set statement by statement.
// ${SCHEMA_NAME} is substituted with the quoted identifier; statements that
// hit duplicate-object errors count as already applied.
func (p *Provisioner) applyMigrations(ctx context.Context, conn *pgxpool.Conn, quoted string, result *service.ProvisionResult) (applied, skipped int) {
	for _, file := range sqlassets.Migrations() {
		script := strings.ReplaceAll(file.SQL, "${SCHEMA_NAME}", quoted)
		for _, stmt := range sqlassets.Statements(script) {
			_, err := conn.Exec(ctx, stmt)
			if err == nil {
				applied++
				continue
			}
			if isAlreadyApplied(err) {
				skipped++
				continue
			}
			p.logger.Warn("migration statement failed",
				zap.String("migration", file.Name),
				zap.Error(err),
			)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("migration %s failed: %v", file.Name, err))
		}
	}
	return applied, skipped
}

func (p *Provisioner) tableSet(ctx context.Context, conn *pgxpool.Conn, schemaName string) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}

// Postgres duplicate-object error codes: column, table, object, index.
func isAlreadyApplied(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42701", "42P07", "42710", "42P16":
		return true
	}
	return false
}

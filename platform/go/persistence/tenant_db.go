package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Runner is the transaction boundary every repository goes through. The
// tenant Identity on the context is the only source of truth for which
// schema a query may touch; there is no implicit fallback. Tests stub this
// interface to observe rollbacks.
type Runner interface {
	// WithTenant runs fn inside a transaction whose search_path is bound to
	// the tenant schema carried by ctx. Fails closed when no Identity is
	// bound.
	WithTenant(ctx context.Context, fn func(tx pgx.Tx) error) error
	// WithSchema runs fn bound to an explicitly named (pre-validated)
	// schema; used by the provisioner before an Identity exists.
	WithSchema(ctx context.Context, schema string, fn func(tx pgx.Tx) error) error
	// WithGlobal runs fn bound to the public (global catalog) schema only.
	WithGlobal(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TenantDB wraps the shared pgx pool to execute queries within a
// tenant-specific search_path, re-applied per transaction so connection
// recycling can never leak a previous tenant's binding.
type TenantDB struct {
	pool    txBeginner
	metrics *metrics.Registry
	// slowQueryMs is the transaction duration past which db.slow_queries
	// is incremented.
	slowQueryMs float64
	// acquireTimeout bounds waiting for a pooled connection when a
	// transaction begins. The transaction itself is not bounded by it.
	acquireTimeout time.Duration
}

type TenantDBConfig struct {
	Pool    *pgxpool.Pool
	Metrics *metrics.Registry
	// SlowQueryMs defaults to 500 when zero.
	SlowQueryMs float64
	// AcquireTimeout defaults to 60s when zero.
	AcquireTimeout time.Duration
}

func NewTenantDB(cfg TenantDBConfig) *TenantDB {
	if cfg.Pool == nil {
		panic("TenantDB requires pool")
	}
	slow := cfg.SlowQueryMs
	if slow <= 0 {
		slow = 500
	}
	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 60 * time.Second
	}
	return &TenantDB{pool: cfg.Pool, metrics: cfg.Metrics, slowQueryMs: slow, acquireTimeout: acquire}
}

// WithTenant implements Runner. The bound schema always comes from the
// request context; callers cannot name one directly.
func (db *TenantDB) WithTenant(ctx context.Context, fn func(tx pgx.Tx) error) error {
	identity, ok := tenant.FromContext(ctx)
	if !ok {
		return apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request context")
	}
	return db.run(ctx, identity.SchemaName+", public", fn)
}

// WithSchema implements Runner for pre-Identity paths (provisioning,
// preflight checks). The schema name is validated before binding.
func (db *TenantDB) WithSchema(ctx context.Context, schema string, fn func(tx pgx.Tx) error) error {
	if err := tenant.ValidateSchemaName(schema); err != nil {
		return err
	}
	return db.run(ctx, schema+", public", fn)
}

// WithGlobal implements Runner for the shared catalog.
func (db *TenantDB) WithGlobal(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.run(ctx, "public", fn)
}

func (db *TenantDB) run(ctx context.Context, searchPath string, fn func(tx pgx.Tx) error) error {
	start := time.Now()

	// The begin context bounds only the pool acquire; once the transaction
	// is open, statements run under the caller's context.
	beginCtx, cancel := context.WithTimeout(ctx, db.acquireTimeout)
	tx, err := db.pool.BeginTx(beginCtx, pgx.TxOptions{})
	cancel()
	if err != nil {
		return apperr.DependencyDown("DB_UNAVAILABLE", "database unavailable", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// set_config with is_local=true scopes the binding to this transaction,
	// so a recycled pool connection always starts clean.
	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, searchPath); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if err := fn(tx); err != nil {
		db.observe(start)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		db.observe(start)
		return fmt.Errorf("commit tx: %w", err)
	}

	db.observe(start)
	return nil
}

func (db *TenantDB) observe(start time.Time) {
	if db.metrics == nil {
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	db.metrics.Observe(metrics.HistDBQueryLatency, elapsed)
	if elapsed > db.slowQueryMs {
		db.metrics.Inc(metrics.CtrSlowQueries)
	}
}

var _ Runner = (*TenantDB)(nil)

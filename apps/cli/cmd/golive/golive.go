// Package golivecmd runs the go-live checklist from the CLI and maps the
// verdict to process exit codes for CI and runbooks.
package golivecmd

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/apps/cli/root"
	"github.com/edumesh/edumesh-server/domains/golive/be/service"
	"github.com/edumesh/edumesh-server/domains/tenants/be/provisioning"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
	"github.com/edumesh/edumesh-server/platform/go/redflag"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// Command evaluates the go-live gate. APPROVED and CONDITIONAL exit 0 (the
// report lists the warnings); BLOCKED exits 1.
func Command() *cobra.Command {
	var (
		databaseURL string
		redisAddr   string
		schemas     []string
	)

	c := &cobra.Command{
		Use:   "golive",
		Short: "Run the go-live checklist and print the verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return root.Invalid(fmt.Errorf("--database-url or DATABASE_URL is required"))
			}
			for _, schema := range schemas {
				if err := tenant.ValidateSchemaName(schema); err != nil {
					return root.Invalid(err)
				}
			}

			ctx := context.Background()
			pool, err := persistence.NewPool(ctx, persistence.DefaultPoolConfig(databaseURL))
			if err != nil {
				return root.Critical(fmt.Errorf("init pool: %w", err))
			}
			defer persistence.ClosePool(pool)

			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer func() { _ = rdb.Close() }()

			logger, err := zap.NewProduction()
			if err != nil {
				return root.Critical(err)
			}
			defer func() { _ = logger.Sync() }()

			gate := service.NewGate(service.GateConfig{
				DB:     pool,
				Redis:  redisPinger{rdb: rdb},
				Queue:  redisPinger{rdb: rdb},
				Flags:  redflag.NewRegistry(0),
				Verify: service.ProvisionerVerifier{Provisioner: provisioning.NewProvisioner(pool, logger)},
				Logger: logger,
			})

			report := gate.Run(ctx, schemas)
			for _, check := range report.Checks {
				marker := "PASS"
				switch check.Status {
				case service.CheckWarn:
					marker = "WARN"
				case service.CheckFail:
					marker = "FAIL"
				}
				fmt.Printf("[%s] %-40s %s\n", marker, check.Name, check.Detail)
			}
			fmt.Printf("\nverdict: %s\n", report.Verdict)

			if report.Verdict == service.VerdictBlocked {
				return root.Critical(fmt.Errorf("go-live blocked"))
			}
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (defaults to DATABASE_URL)")
	c.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	c.Flags().StringSliceVar(&schemas, "schema", nil, "tenant schema(s) to preflight, repeatable")
	return c
}

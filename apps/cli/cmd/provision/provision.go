// Package provisioncmd creates or repairs a tenant schema from the CLI.
package provisioncmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/apps/cli/root"
	"github.com/edumesh/edumesh-server/domains/tenants/be/provisioning"
	"github.com/edumesh/edumesh-server/platform/go/persistence"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Command provisions (or re-runs provisioning for) one tenant schema.
// Provisioning is idempotent: existing tables are skipped and re-applied
// migrations are recognized by their duplicate-object errors.
func Command() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "provision <schema>",
		Short: "Create or repair a tenant schema (tables, migrations, seeds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := args[0]
			if err := tenant.ValidateSchemaName(schema); err != nil {
				return root.Invalid(err)
			}
			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return root.Invalid(fmt.Errorf("--database-url or DATABASE_URL is required"))
			}

			ctx := context.Background()
			pool, err := persistence.NewPool(ctx, persistence.DefaultPoolConfig(databaseURL))
			if err != nil {
				return root.Critical(fmt.Errorf("init pool: %w", err))
			}
			defer persistence.ClosePool(pool)

			logger, err := zap.NewProduction()
			if err != nil {
				return root.Critical(err)
			}
			defer func() { _ = logger.Sync() }()

			result, err := provisioning.NewProvisioner(pool, logger).Provision(ctx, schema)
			if err != nil {
				return root.Critical(fmt.Errorf("provision %s: %w", schema, err))
			}

			fmt.Printf("schema:                %s\n", result.Schema)
			fmt.Printf("tables:                %d (%d created this run)\n", result.TableCount, result.TablesCreated)
			fmt.Printf("critical set complete: %t\n", result.CriticalSetComplete)
			fmt.Printf("ready:                 %t\n", result.Ready)
			fmt.Printf("duration:              %dms\n", result.DurationMs)
			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if !result.Ready {
				return root.Critical(fmt.Errorf("schema %s is not ready for traffic", schema))
			}
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (defaults to DATABASE_URL)")
	return c
}

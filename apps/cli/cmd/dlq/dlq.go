// Package dlqcmd replays dead-lettered jobs back onto their queue.
package dlqcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/apps/cli/root"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/queue"
)

// Command drains a queue's dead-letter list back onto the (by default same)
// queue. Each replayed entry gets a fresh attempt budget.
func Command() *cobra.Command {
	var (
		redisAddr string
		target    string
	)

	c := &cobra.Command{
		Use:   "dlq-retry <queue>",
		Short: "Replay dead-lettered jobs onto a live queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName := args[0]
			configs := queue.DefaultConfigs()
			if _, ok := configs[queueName]; !ok {
				return root.Invalid(fmt.Errorf("unknown queue %q", queueName))
			}
			if target == "" {
				target = queueName
			}
			if _, ok := configs[target]; !ok {
				return root.Invalid(fmt.Errorf("unknown target queue %q", target))
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return root.Critical(err)
			}
			defer func() { _ = logger.Sync() }()

			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer func() { _ = rdb.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			manager := queue.NewManager(rdb, logger, metrics.NewRegistry(), configs)
			replayed, err := manager.RetryDLQ(ctx, queueName, target)
			if err != nil {
				return root.Critical(fmt.Errorf("dlq retry (%d replayed before failure): %w", replayed, err))
			}

			fmt.Printf("replayed %d dead-lettered job(s) from dlq:%s onto %s\n", replayed, queueName, target)
			return nil
		},
	}

	c.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	c.Flags().StringVar(&target, "target", "", "target queue for replayed jobs (defaults to the source queue)")
	return c
}

package persistence

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	readRetryAttempts = 3
	readRetryBase     = 50 * time.Millisecond
)

// RetryRead retries an idempotent read up to three times with jittered
// backoff. Writes must never go through this helper; a write is only
// retried inside an explicitly idempotent path.
func RetryRead(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < readRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := readRetryBase<<(attempt-1) + time.Duration(rand.Int63n(int64(readRetryBase)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		// A missing row is an answer, not a transient failure.
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
)

// blockingBeginner simulates a saturated pool: BeginTx never yields a
// connection and returns only once the acquire context gives up.
type blockingBeginner struct {
	sawDeadline bool
}

func (b *blockingBeginner) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	_, b.sawDeadline = ctx.Deadline()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAcquireWaitIsBounded(t *testing.T) {
	beginner := &blockingBeginner{}
	db := &TenantDB{pool: beginner, slowQueryMs: 500, acquireTimeout: 20 * time.Millisecond}

	start := time.Now()
	err := db.WithGlobal(context.Background(), func(tx pgx.Tx) error { return nil })
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, "DB_UNAVAILABLE"))
	assert.True(t, beginner.sawDeadline, "acquire must carry a deadline")
	assert.Less(t, elapsed, 5*time.Second, "a saturated pool must not block the request indefinitely")
}

func TestWithTenantFailsClosedWithoutIdentity(t *testing.T) {
	db := &TenantDB{pool: &blockingBeginner{}, slowQueryMs: 500, acquireTimeout: time.Second}

	err := db.WithTenant(context.Background(), func(tx pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantBindingMissing))
}

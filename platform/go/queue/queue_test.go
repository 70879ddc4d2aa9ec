package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testManager(t *testing.T, configs map[string]QueueConfig) (*Manager, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(rdb, zap.NewNop(), metrics.NewRegistry(), configs).WithClock(clock.Now)
	return m, mr, clock
}

func tinyConfigs() map[string]QueueConfig {
	return map[string]QueueConfig{
		QueueNotifications: {
			Concurrency:    1,
			MaxAttempts:    2,
			Backoff:        Backoff{Strategy: BackoffFixed, BaseDelay: time.Second},
			JobTimeout:     50 * time.Millisecond,
			PriorityLevels: 3,
		},
		QueueDefault: {
			Concurrency:    1,
			MaxAttempts:    3,
			Backoff:        Backoff{Strategy: BackoffExponential, BaseDelay: time.Second},
			JobTimeout:     time.Second,
			PriorityLevels: 3,
		},
	}
}

func TestEnqueueProcessCompleted(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	payload := json.RawMessage(`{"studentId":"s-1","date":"2026-03-01"}`)
	res, err := m.Enqueue(ctx, QueueDefault, "attendance.rollup", payload, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.Duplicate)

	var got json.RawMessage
	w := NewWorker(m, zap.NewNop())
	w.Register(QueueDefault, "attendance.rollup", func(ctx context.Context, job *Job) error {
		got = job.Payload
		return nil
	})

	processed, err := w.ProcessOne(ctx, QueueDefault)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.JSONEq(t, string(payload), string(got))

	job, err := m.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestEnqueueIdempotency(t *testing.T) {
	m, mr, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	first, err := m.Enqueue(ctx, QueueDefault, "send", json.RawMessage(`{"to":"a"}`),
		EnqueueOptions{IdempotencyKey: "msg-42"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := m.Enqueue(ctx, QueueDefault, "send", json.RawMessage(`{"to":"a"}`),
		EnqueueOptions{IdempotencyKey: "msg-42"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	members, err := mr.ZMembers(waitingKey(QueueDefault))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestEnqueueAutoIdempotency(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()
	payload := json.RawMessage(`{"reportId":"r-1"}`)

	first, err := m.Enqueue(ctx, QueueDefault, "report.build", payload, EnqueueOptions{AutoIdempotency: true})
	require.NoError(t, err)
	second, err := m.Enqueue(ctx, QueueDefault, "report.build", payload, EnqueueOptions{AutoIdempotency: true})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)

	// A different payload is a different job.
	third, err := m.Enqueue(ctx, QueueDefault, "report.build", json.RawMessage(`{"reportId":"r-2"}`), EnqueueOptions{AutoIdempotency: true})
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
}

func TestPriorityDrainsFirst(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	low, err := m.Enqueue(ctx, QueueDefault, "job", json.RawMessage(`{"n":1}`), EnqueueOptions{Priority: 0})
	require.NoError(t, err)
	high, err := m.Enqueue(ctx, QueueDefault, "job", json.RawMessage(`{"n":2}`), EnqueueOptions{Priority: 2})
	require.NoError(t, err)

	var order []string
	w := NewWorker(m, zap.NewNop())
	w.Register(QueueDefault, "*", func(ctx context.Context, job *Job) error {
		order = append(order, job.ID)
		return nil
	})

	for i := 0; i < 2; i++ {
		processed, err := w.ProcessOne(ctx, QueueDefault)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, []string{high.JobID, low.JobID}, order)
}

func TestDelayedJobPromotes(t *testing.T) {
	m, _, clock := testManager(t, tinyConfigs())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, QueueDefault, "later", json.RawMessage(`{}`), EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	w := NewWorker(m, zap.NewNop())
	w.Register(QueueDefault, "later", func(ctx context.Context, job *Job) error { return nil })

	processed, err := w.ProcessOne(ctx, QueueDefault)
	require.NoError(t, err)
	assert.False(t, processed, "job must not run before its delay elapses")

	clock.Advance(2 * time.Minute)
	processed, err = w.ProcessOne(ctx, QueueDefault)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRetryThenDeadLetter(t *testing.T) {
	m, mr, clock := testManager(t, tinyConfigs())
	ctx := context.Background()

	res, err := m.Enqueue(ctx, QueueNotifications, "send.sms", json.RawMessage(`{"to":"x"}`),
		EnqueueOptions{IdempotencyKey: "sms-1", TenantID: "t-1"})
	require.NoError(t, err)

	attempts := 0
	w := NewWorker(m, zap.NewNop())
	w.Register(QueueNotifications, "send.sms", func(ctx context.Context, job *Job) error {
		attempts++
		return errors.New("provider 500")
	})

	// Attempt 1 fails and re-queues with backoff.
	processed, err := w.ProcessOne(ctx, QueueNotifications)
	require.NoError(t, err)
	require.True(t, processed)
	job, err := m.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.AttemptsMade)

	// Attempt 2 exhausts max_attempts and dead-letters.
	clock.Advance(time.Minute)
	processed, err = w.ProcessOne(ctx, QueueNotifications)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, 2, attempts)

	job, err = m.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, job.Status)

	entries, err := mr.List(dlqKey(QueueNotifications))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var entry DLQEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, res.JobID, entry.OriginalJobID)
	assert.Equal(t, "provider 500", entry.FailureReason)
	assert.Equal(t, "sms-1", entry.IdempotencyKey)
	assert.Equal(t, "t-1", entry.TenantID)
	assert.False(t, entry.FailedAt.Before(job.LastFailedAt))

	assert.EqualValues(t, 1, m.Stats().DLQDepth())
}

func TestJobTimeoutCountsAsFailure(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	res, err := m.Enqueue(ctx, QueueNotifications, "slow", json.RawMessage(`{}`), EnqueueOptions{})
	require.NoError(t, err)

	w := NewWorker(m, zap.NewNop())
	w.Register(QueueNotifications, "slow", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	processed, err := w.ProcessOne(ctx, QueueNotifications)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := m.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Contains(t, job.LastError, "timed out")
}

func TestRetryDLQReplays(t *testing.T) {
	m, mr, clock := testManager(t, tinyConfigs())
	ctx := context.Background()

	res, err := m.Enqueue(ctx, QueueNotifications, "send.sms", json.RawMessage(`{"to":"x"}`),
		EnqueueOptions{IdempotencyKey: "sms-9"})
	require.NoError(t, err)

	w := NewWorker(m, zap.NewNop())
	broken := true
	w.Register(QueueNotifications, "send.sms", func(ctx context.Context, job *Job) error {
		if broken {
			return errors.New("provider down")
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		_, err := w.ProcessOne(ctx, QueueNotifications)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	require.EqualValues(t, 1, m.Stats().DLQDepth())

	broken = false
	count, err := m.RetryDLQ(ctx, QueueNotifications, QueueNotifications)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 0, m.Stats().DLQDepth())

	entries, _ := mr.List(dlqKey(QueueNotifications))
	assert.Empty(t, entries)

	processed, err := w.ProcessOne(ctx, QueueNotifications)
	require.NoError(t, err)
	require.True(t, processed)

	// The replay ran under a new id with the retry flag set.
	members := mr.Keys()
	var replayed *Job
	for _, key := range members {
		if len(key) > 6 && key[:6] == "q:job:" && key[6:] != res.JobID {
			replayed, err = m.Job(ctx, key[6:])
			require.NoError(t, err)
		}
	}
	require.NotNil(t, replayed)
	assert.True(t, replayed.RetriedFromDLQ)
	assert.Equal(t, StatusCompleted, replayed.Status)
	assert.Equal(t, "sms-9", replayed.IdempotencyKey)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	_, err := m.Enqueue(context.Background(), "bogus", "job", json.RawMessage(`{}`), EnqueueOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestEnqueueFailsFastWhenBackendDown(t *testing.T) {
	m, mr, _ := testManager(t, tinyConfigs())
	mr.Close()

	ctx := context.Background()
	var err error
	for i := 0; i < 6; i++ {
		_, err = m.Enqueue(ctx, QueueDefault, "job", json.RawMessage(`{}`), EnqueueOptions{})
		require.Error(t, err)
	}
	assert.True(t, apperr.IsCode(err, apperr.CodeQueueUnavailable))

	// Breaker is now open: failures return without touching Redis.
	_, err = m.Enqueue(ctx, QueueDefault, "job", json.RawMessage(`{}`), EnqueueOptions{})
	assert.True(t, apperr.IsCode(err, apperr.CodeQueueUnavailable))
}

func TestPayloadSchemaValidation(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	schema := `{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`
	require.NoError(t, m.RegisterPayloadSchema(QueueNotifications, "send.sms", schema))

	_, err := m.Enqueue(ctx, QueueNotifications, "send.sms", json.RawMessage(`{"to":"x"}`), EnqueueOptions{})
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, QueueNotifications, "send.sms", json.RawMessage(`{"nope":1}`), EnqueueOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestStatsSnapshot(t *testing.T) {
	m, _, _ := testManager(t, tinyConfigs())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, QueueDefault, "a", json.RawMessage(`{}`), EnqueueOptions{})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, QueueDefault, "b", json.RawMessage(`{}`), EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	snap := m.Stats().Snapshot(ctx)
	require.Contains(t, snap, QueueDefault)
	assert.EqualValues(t, 1, snap[QueueDefault].Waiting)
	assert.EqualValues(t, 1, snap[QueueDefault].Delayed)
	assert.Equal(t, "available", snap[QueueDefault].Status)
}

func TestBackoffDelay(t *testing.T) {
	fixed := Backoff{Strategy: BackoffFixed, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.Delay(1))
	assert.Equal(t, 4*time.Second, fixed.Delay(2))

	exp := Backoff{Strategy: BackoffExponential, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Delay(1))
	assert.Equal(t, 4*time.Second, exp.Delay(2))
	assert.Equal(t, 8*time.Second, exp.Delay(3))
}

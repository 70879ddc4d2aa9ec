package redflag_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/redflag"
)

func pinnedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestRaiseDeduplicatesWithinTTL(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	reg := redflag.NewRegistry(5 * time.Minute).WithClock(pinnedClock(&now))

	raised := reg.Raise(redflag.Flag{Type: redflag.TypeDBLatencyHigh, Severity: redflag.SeverityP0, Message: "p95 1200ms"})
	require.True(t, raised)

	// Same type+scope inside the TTL is suppressed.
	assert.False(t, reg.Raise(redflag.Flag{Type: redflag.TypeDBLatencyHigh, Severity: redflag.SeverityP0}))
	assert.Len(t, reg.Active(), 1)

	// A different tenant scope is a distinct flag.
	assert.True(t, reg.Raise(redflag.Flag{
		Type: redflag.TypeDBLatencyHigh, Severity: redflag.SeverityP0, TenantID: "school-a",
	}))
	assert.Len(t, reg.Active(), 2)
}

func TestFlagsExpireAfterTTL(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	reg := redflag.NewRegistry(5 * time.Minute).WithClock(pinnedClock(&now))

	require.True(t, reg.Raise(redflag.Flag{Type: redflag.TypeQueueLagHigh, Severity: redflag.SeverityP1}))
	assert.True(t, reg.HasSeverity(redflag.SeverityP1))

	now = now.Add(6 * time.Minute)
	assert.Empty(t, reg.Active())
	assert.False(t, reg.HasSeverity(redflag.SeverityP1))

	// After expiry the same flag can be raised again.
	assert.True(t, reg.Raise(redflag.Flag{Type: redflag.TypeQueueLagHigh, Severity: redflag.SeverityP1}))
}

func TestActiveOrdersBySeverity(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	reg := redflag.NewRegistry(time.Hour).WithClock(pinnedClock(&now))

	reg.Raise(redflag.Flag{Type: redflag.TypeDLQBacklog, Severity: redflag.SeverityP2})
	now = now.Add(time.Second)
	reg.Raise(redflag.Flag{Type: redflag.TypeRBACDenySpike, Severity: redflag.SeverityP1})
	now = now.Add(time.Second)
	reg.Raise(redflag.Flag{Type: redflag.TypeLoginFailureSpike, Severity: redflag.SeverityP0})

	active := reg.Active()
	require.Len(t, active, 3)
	assert.Equal(t, redflag.SeverityP0, active[0].Severity)
	assert.Equal(t, redflag.SeverityP1, active[1].Severity)
	assert.Equal(t, redflag.SeverityP2, active[2].Severity)
}

type fakeQueueStats struct {
	lag float64
	dlq int64
}

func (f fakeQueueStats) LagMillis() float64 { return f.lag }
func (f fakeQueueStats) DLQDepth() int64    { return f.dlq }

func TestEvaluatorRaisesLoginFailureSpike(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := pinnedClock(&now)
	m := metrics.NewRegistry().WithClock(clock)
	flags := redflag.NewRegistry(5 * time.Minute).WithClock(clock)
	eval := redflag.NewEvaluator(m, flags, redflag.DefaultThresholds(), nil)

	for i := 0; i < 19; i++ {
		m.Inc(metrics.CtrLoginFailures)
	}
	eval.Evaluate()
	assert.False(t, flags.HasSeverity(redflag.SeverityP0))

	m.Inc(metrics.CtrLoginFailures)
	eval.Evaluate()
	require.True(t, flags.HasSeverity(redflag.SeverityP0))

	active := flags.Active()
	require.Len(t, active, 1)
	assert.Equal(t, redflag.TypeLoginFailureSpike, active[0].Type)
	assert.EqualValues(t, 20, active[0].Value)
}

func TestEvaluatorQueueSignals(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := pinnedClock(&now)
	m := metrics.NewRegistry().WithClock(clock)
	flags := redflag.NewRegistry(5 * time.Minute).WithClock(clock)

	eval := redflag.NewEvaluator(m, flags, redflag.DefaultThresholds(), fakeQueueStats{lag: 45000, dlq: 25})
	eval.Evaluate()

	active := flags.Active()
	require.Len(t, active, 2)
	types := []string{active[0].Type, active[1].Type}
	assert.Contains(t, types, redflag.TypeQueueLagHigh)
	assert.Contains(t, types, redflag.TypeDLQBacklog)
}

func TestIsolationMismatchIsP0AndTenantScoped(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := pinnedClock(&now)
	m := metrics.NewRegistry().WithClock(clock)
	flags := redflag.NewRegistry(5 * time.Minute).WithClock(clock)
	eval := redflag.NewEvaluator(m, flags, redflag.DefaultThresholds(), nil)

	eval.RaiseIsolationMismatch("school-a", "token for school-b hit school-a host")

	active := flags.Active()
	require.Len(t, active, 1)
	assert.Equal(t, redflag.SeverityP0, active[0].Severity)
	assert.Equal(t, "school-a", active[0].TenantID)
}

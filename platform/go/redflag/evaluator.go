package redflag

import (
	"fmt"

	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

// Thresholds holds the trigger levels for metric-derived flags.
type Thresholds struct {
	LoginFailuresPerMin int64   // P0 when reached
	RBACDeniesPerMin    int64   // P1 when reached
	DBQueryP95Ms        float64 // P0 when exceeded
	RedisLatencyMs      float64 // P1 when exceeded
	QueueLagMs          float64 // P1 when exceeded
	DLQSize             int64   // P1 when exceeded
}

// DefaultThresholds mirrors the operator runbook defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoginFailuresPerMin: 20,
		RBACDeniesPerMin:    50,
		DBQueryP95Ms:        1000,
		RedisLatencyMs:      200,
		QueueLagMs:          30000,
		DLQSize:             10,
	}
}

// QueueStats supplies the queue-derived signals the evaluator needs.
type QueueStats interface {
	LagMillis() float64
	DLQDepth() int64
}

// Evaluator compares live metrics against thresholds and raises flags.
// It runs opportunistically: the go-live dashboard calls Evaluate before
// every read rather than on a background timer.
type Evaluator struct {
	metrics    *metrics.Registry
	flags      *Registry
	thresholds Thresholds
	queues     QueueStats
}

// NewEvaluator wires the evaluator; queues may be nil when the queue
// backend is unavailable.
func NewEvaluator(m *metrics.Registry, flags *Registry, t Thresholds, queues QueueStats) *Evaluator {
	return &Evaluator{metrics: m, flags: flags, thresholds: t, queues: queues}
}

// Evaluate inspects every signal once and raises any crossed thresholds.
func (e *Evaluator) Evaluate() {
	if failures := e.metrics.RatePerMinute(metrics.CtrLoginFailures); failures >= e.thresholds.LoginFailuresPerMin {
		e.flags.Raise(Flag{
			Type:      TypeLoginFailureSpike,
			Severity:  SeverityP0,
			Message:   fmt.Sprintf("%d login failures in the last minute", failures),
			Value:     float64(failures),
			Threshold: float64(e.thresholds.LoginFailuresPerMin),
		})
	}

	if denies := e.metrics.RatePerMinute(metrics.CtrRBACDenies); denies >= e.thresholds.RBACDeniesPerMin {
		e.flags.Raise(Flag{
			Type:      TypeRBACDenySpike,
			Severity:  SeverityP1,
			Message:   fmt.Sprintf("%d RBAC denials in the last minute", denies),
			Value:     float64(denies),
			Threshold: float64(e.thresholds.RBACDeniesPerMin),
		})
	}

	if snap := e.metrics.Histogram(metrics.HistDBQueryLatency); snap.Count > 0 && snap.P95 > e.thresholds.DBQueryP95Ms {
		e.flags.Raise(Flag{
			Type:      TypeDBLatencyHigh,
			Severity:  SeverityP0,
			Message:   fmt.Sprintf("DB query p95 latency %.0fms", snap.P95),
			Value:     snap.P95,
			Threshold: e.thresholds.DBQueryP95Ms,
		})
	}

	if snap := e.metrics.Histogram(metrics.HistRedisLatency); snap.Count > 0 && snap.P95 > e.thresholds.RedisLatencyMs {
		e.flags.Raise(Flag{
			Type:      TypeRedisLatencyHigh,
			Severity:  SeverityP1,
			Message:   fmt.Sprintf("Redis p95 latency %.0fms", snap.P95),
			Value:     snap.P95,
			Threshold: e.thresholds.RedisLatencyMs,
		})
	}

	if e.queues == nil {
		return
	}

	if lag := e.queues.LagMillis(); lag > e.thresholds.QueueLagMs {
		e.flags.Raise(Flag{
			Type:      TypeQueueLagHigh,
			Severity:  SeverityP1,
			Message:   fmt.Sprintf("queue lag %.0fms", lag),
			Value:     lag,
			Threshold: e.thresholds.QueueLagMs,
		})
	}

	if depth := e.queues.DLQDepth(); depth > e.thresholds.DLQSize {
		e.flags.Raise(Flag{
			Type:      TypeDLQBacklog,
			Severity:  SeverityP1,
			Message:   fmt.Sprintf("%d jobs parked in dead-letter queues", depth),
			Value:     float64(depth),
			Threshold: float64(e.thresholds.DLQSize),
		})
	}
}

// RaiseIsolationMismatch records the P0 flag for a cross-tenant access
// attempt. Isolation flags are raised by the guard, not the evaluator, so
// they carry the offending tenant.
func (e *Evaluator) RaiseIsolationMismatch(tenantID, detail string) {
	e.flags.Raise(Flag{
		Type:     TypeTenantIsolationMismatch,
		Severity: SeverityP0,
		Message:  "cross-tenant access attempt: " + detail,
		TenantID: tenantID,
	})
}

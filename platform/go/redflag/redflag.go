// Package redflag implements the operator alert engine: a deduplicated
// registry of threshold breaches with a fixed TTL, swept opportunistically
// on every read.
package redflag

import (
	"sort"
	"sync"
	"time"
)

// Severity orders flags for the go-live dashboard. P0 blocks go-live.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
)

// Flag types raised by the evaluator and the isolation guard.
const (
	TypeLoginFailureSpike       = "LOGIN_FAILURE_SPIKE"
	TypeRBACDenySpike           = "RBAC_DENY_SPIKE"
	TypeDBLatencyHigh           = "DB_LATENCY_HIGH"
	TypeRedisLatencyHigh        = "REDIS_LATENCY_HIGH"
	TypeQueueLagHigh            = "QUEUE_LAG_HIGH"
	TypeDLQBacklog              = "DLQ_BACKLOG"
	TypeTenantIsolationMismatch = "TENANT_ISOLATION_MISMATCH"
)

// DefaultTTL is how long a raised flag stays active and suppresses
// re-raising of the same flag.
const DefaultTTL = 5 * time.Minute

// Flag is one operator-visible alert. ID is type + ":" + tenant-or-global.
type Flag struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	TenantID   string    `json:"tenant_id,omitempty"`
}

func (f Flag) key() string {
	scope := f.TenantID
	if scope == "" {
		scope = "global"
	}
	return f.Type + ":" + scope
}

// Registry is the shared flag store, protected by a mutex. Expired entries
// are removed whenever the registry is read.
type Registry struct {
	mu    sync.Mutex
	flags map[string]Flag
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry builds a registry; ttl <= 0 uses DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		flags: make(map[string]Flag),
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Raise records a flag unless the same type+scope is already active within
// the TTL. Returns true when the flag was newly raised.
func (r *Registry) Raise(f Flag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	key := f.key()
	if _, active := r.flags[key]; active {
		return false
	}

	f.ID = key
	f.DetectedAt = now
	r.flags[key] = f
	return true
}

// Active returns the current flags ordered by severity then detection time.
func (r *Registry) Active() []Flag {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(r.now())

	out := make([]Flag, 0, len(r.flags))
	for _, f := range r.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity < out[j].Severity
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// HasSeverity reports whether any active flag has the given severity.
func (r *Registry) HasSeverity(sev Severity) bool {
	for _, f := range r.Active() {
		if f.Severity == sev {
			return true
		}
	}
	return false
}

func (r *Registry) sweepLocked(now time.Time) {
	for key, f := range r.flags {
		if now.Sub(f.DetectedAt) >= r.ttl {
			delete(r.flags, key)
		}
	}
}

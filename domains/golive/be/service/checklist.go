// Package service implements the go-live gate: the automated checklist that
// decides whether the platform (and an individual tenant) may take
// production traffic, plus the pilot-mode guardrails.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/redflag"
)

// Check statuses. A fail on a critical check blocks go-live; warns only
// downgrade the verdict to conditional.
const (
	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// Verdicts.
const (
	VerdictApproved    = "APPROVED"
	VerdictConditional = "CONDITIONAL"
	VerdictBlocked     = "BLOCKED"
)

// CheckResult is one line of the checklist.
type CheckResult struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Critical   bool    `json:"critical"`
	Detail     string  `json:"detail,omitempty"`
	DurationMs float64 `json:"durationMs"`
}

// ChecklistReport is the full gate output.
type ChecklistReport struct {
	Verdict     string        `json:"verdict"`
	Checks      []CheckResult `json:"checks"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Pinger is any dependency with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TenantReadiness is the per-tenant preflight result.
type TenantReadiness struct {
	Schema              string `json:"schema"`
	TableCount          int    `json:"tableCount"`
	CriticalSetComplete bool   `json:"criticalSetComplete"`
	AdminCount          int    `json:"adminCount"`
	Provisioned         bool   `json:"provisioned"`
	ReadyForLive        bool   `json:"readyForLive"`
}

// TenantVerifier inspects one tenant schema.
type TenantVerifier interface {
	Verify(ctx context.Context, schema string) (TenantReadiness, error)
}

// SchoolCounter reports how many schools are currently active; used to
// enforce the pilot cap.
type SchoolCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// PilotConfig is the pilot-mode guardrail profile from the environment.
type PilotConfig struct {
	Enabled       bool   `json:"enabled"`
	MaxSchools    int    `json:"maxSchools"`
	MaxImportRows int    `json:"maxImportRows"`
	RBACStrictLog bool   `json:"rbacStrictLog"`
	Environment   string `json:"environment"`
}

// PilotStatus is the /health/golive/pilot payload.
type PilotStatus struct {
	PilotConfig
	ActiveSchools    int  `json:"activeSchools"`
	RemainingSlots   int  `json:"remainingSlots"`
	OnboardingOpen   bool `json:"onboardingOpen"`
	ImportCapApplied bool `json:"importCapApplied"`
}

// Gate runs the checklist. Probe is the request used for the burst latency
// check; it defaults to a DB ping.
type Gate struct {
	db      Pinger
	redis   Pinger
	queue   Pinger
	flags   *redflag.Registry
	verify  TenantVerifier
	schools SchoolCounter
	pilot   PilotConfig
	probe   func(ctx context.Context) error
	logger  *zap.Logger
	now     func() time.Time
}

type GateConfig struct {
	DB      Pinger
	Redis   Pinger
	Queue   Pinger
	Flags   *redflag.Registry
	Verify  TenantVerifier
	Schools SchoolCounter
	Pilot   PilotConfig
	// Probe overrides the burst latency target; nil uses DB.Ping.
	Probe  func(ctx context.Context) error
	Logger *zap.Logger
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		db:      cfg.DB,
		redis:   cfg.Redis,
		queue:   cfg.Queue,
		flags:   cfg.Flags,
		verify:  cfg.Verify,
		schools: cfg.Schools,
		pilot:   cfg.Pilot,
		probe:   cfg.Probe,
		logger:  cfg.Logger,
		now:     time.Now,
	}
	if g.probe == nil && g.db != nil {
		g.probe = g.db.Ping
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// WithClock overrides the time source for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Run executes the full checklist. Schemas, when given, get a per-tenant
// preflight each; an empty list skips tenant checks.
func (g *Gate) Run(ctx context.Context, schemas []string) ChecklistReport {
	var checks []CheckResult

	checks = append(checks, g.timed("server_up", true, func() (string, string) {
		return CheckPass, "process responding"
	}))

	checks = append(checks, g.pingCheck(ctx, "database_connected", g.db, true))
	checks = append(checks, g.pingCheck(ctx, "redis_connected", g.redis, false))
	checks = append(checks, g.pingCheck(ctx, "queues_available", g.queue, false))

	checks = append(checks, g.timed("no_p0_alerts", true, func() (string, string) {
		if g.flags != nil && g.flags.HasSeverity(redflag.SeverityP0) {
			return CheckFail, "active P0 red flags"
		}
		return CheckPass, "no P0 alerts active"
	}))

	checks = append(checks, g.timed("pilot_env_sanity", true, func() (string, string) {
		if !g.pilot.Enabled {
			return CheckPass, "pilot mode disabled"
		}
		if g.pilot.MaxSchools <= 0 || g.pilot.MaxImportRows <= 0 {
			return CheckFail, "pilot mode enabled without caps"
		}
		if !g.pilot.RBACStrictLog {
			return CheckWarn, "pilot mode without RBAC strict logging"
		}
		return CheckPass, fmt.Sprintf("pilot caps: %d schools, %d import rows", g.pilot.MaxSchools, g.pilot.MaxImportRows)
	}))

	for _, schema := range schemas {
		checks = append(checks, g.tenantCheck(ctx, schema))
	}

	checks = append(checks, g.burstLatencyCheck(ctx))

	report := ChecklistReport{
		Verdict:     verdict(checks),
		Checks:      checks,
		GeneratedAt: g.now(),
	}
	g.logger.Info("go-live checklist evaluated",
		zap.String("verdict", report.Verdict),
		zap.Int("checks", len(checks)),
	)
	return report
}

func (g *Gate) pingCheck(ctx context.Context, name string, dep Pinger, critical bool) CheckResult {
	return g.timed(name, critical, func() (string, string) {
		if dep == nil {
			if critical {
				return CheckFail, "dependency not configured"
			}
			return CheckWarn, "dependency not configured"
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := dep.Ping(pingCtx); err != nil {
			if critical {
				return CheckFail, err.Error()
			}
			return CheckWarn, err.Error()
		}
		return CheckPass, "reachable"
	})
}

func (g *Gate) tenantCheck(ctx context.Context, schema string) CheckResult {
	return g.timed("tenant_preflight:"+schema, true, func() (string, string) {
		if g.verify == nil {
			return CheckFail, "tenant verifier not configured"
		}
		readiness, err := g.verify.Verify(ctx, schema)
		if err != nil {
			return CheckFail, err.Error()
		}
		switch {
		case !readiness.Provisioned:
			return CheckFail, "schema not provisioned"
		case !readiness.CriticalSetComplete:
			return CheckFail, "critical table set incomplete"
		case readiness.AdminCount < 1:
			return CheckFail, "no active admin user"
		case !readiness.ReadyForLive:
			return CheckFail, fmt.Sprintf("not ready: %d tables", readiness.TableCount)
		}
		return CheckPass, fmt.Sprintf("%d tables, %d admins", readiness.TableCount, readiness.AdminCount)
	})
}

// burstLatencyCheck fires 10 sequential probes and passes when the p95 is
// under 500ms.
func (g *Gate) burstLatencyCheck(ctx context.Context) CheckResult {
	const burst = 10
	const p95LimitMs = 500.0

	return g.timed("burst_latency", false, func() (string, string) {
		if g.probe == nil {
			return CheckWarn, "no probe configured"
		}
		latencies := make([]float64, 0, burst)
		for i := 0; i < burst; i++ {
			start := time.Now()
			if err := g.probe(ctx); err != nil {
				return CheckWarn, "probe failed: " + err.Error()
			}
			latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
		}
		sort.Float64s(latencies)
		p95 := latencies[(len(latencies)*95)/100-1]
		if p95 >= p95LimitMs {
			return CheckWarn, fmt.Sprintf("p95 %.1fms over %.0fms budget", p95, p95LimitMs)
		}
		return CheckPass, fmt.Sprintf("p95 %.1fms", p95)
	})
}

func (g *Gate) timed(name string, critical bool, fn func() (status, detail string)) CheckResult {
	start := time.Now()
	status, detail := fn()
	return CheckResult{
		Name:       name,
		Status:     status,
		Critical:   critical,
		Detail:     detail,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// verdict folds the checks: any critical fail blocks, any warn (or
// non-critical fail) is conditional, otherwise approved.
func verdict(checks []CheckResult) string {
	v := VerdictApproved
	for _, c := range checks {
		switch {
		case c.Status == CheckFail && c.Critical:
			return VerdictBlocked
		case c.Status == CheckFail || c.Status == CheckWarn:
			v = VerdictConditional
		}
	}
	return v
}

// PilotStatus reports the guardrail state for the dashboard.
func (g *Gate) PilotStatus(ctx context.Context) (PilotStatus, error) {
	status := PilotStatus{PilotConfig: g.pilot}
	if !g.pilot.Enabled {
		status.OnboardingOpen = true
		return status, nil
	}

	if g.schools != nil {
		count, err := g.schools.CountActive(ctx)
		if err != nil {
			return PilotStatus{}, err
		}
		status.ActiveSchools = count
	}
	status.RemainingSlots = g.pilot.MaxSchools - status.ActiveSchools
	if status.RemainingSlots < 0 {
		status.RemainingSlots = 0
	}
	status.OnboardingOpen = status.RemainingSlots > 0
	status.ImportCapApplied = g.pilot.MaxImportRows > 0
	return status, nil
}

// AllowOnboarding rejects new school creation once the pilot cap is hit.
func (g *Gate) AllowOnboarding(ctx context.Context) error {
	if !g.pilot.Enabled {
		return nil
	}
	status, err := g.PilotStatus(ctx)
	if err != nil {
		return err
	}
	if !status.OnboardingOpen {
		return fmt.Errorf("pilot cap reached: %d active schools of %d allowed", status.ActiveSchools, g.pilot.MaxSchools)
	}
	return nil
}

// ImportRowLimit returns the pilot bulk-import cap, 0 when unlimited.
func (g *Gate) ImportRowLimit() int {
	if !g.pilot.Enabled {
		return 0
	}
	return g.pilot.MaxImportRows
}

// TenantReadiness runs just the per-tenant preflight.
func (g *Gate) TenantReadiness(ctx context.Context, schema string) (TenantReadiness, error) {
	if g.verify == nil {
		return TenantReadiness{}, fmt.Errorf("tenant verifier not configured")
	}
	return g.verify.Verify(ctx, schema)
}

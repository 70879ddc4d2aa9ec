// Package handler exposes the health and go-live dashboard endpoints under
// /health.
package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edumesh/edumesh-server/domains/golive/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/queue"
	"github.com/edumesh/edumesh-server/platform/go/redflag"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// heapDegradedPct is the heap usage share past which readiness degrades.
const heapDegradedPct = 90.0

// QueueInspector supplies per-queue depth counts for /health/queues.
type QueueInspector interface {
	Snapshot(ctx context.Context) map[string]queue.QueueSnapshot
	DLQDepth() int64
}

// Evaluator refreshes metric-derived flags before a dashboard read.
type Evaluator interface {
	Evaluate()
}

// Handler serves the probe and dashboard endpoints.
type Handler struct {
	gate      *service.Gate
	metrics   *metrics.Registry
	flags     *redflag.Registry
	evaluator Evaluator
	db        service.Pinger
	redis     service.Pinger
	queues    QueueInspector
	startedAt time.Time
}

type Config struct {
	Gate      *service.Gate
	Metrics   *metrics.Registry
	Flags     *redflag.Registry
	Evaluator Evaluator
	DB        service.Pinger
	Redis     service.Pinger
	Queues    QueueInspector
}

func New(cfg Config) *Handler {
	return &Handler{
		gate:      cfg.Gate,
		metrics:   cfg.Metrics,
		flags:     cfg.Flags,
		evaluator: cfg.Evaluator,
		db:        cfg.DB,
		redis:     cfg.Redis,
		queues:    cfg.Queues,
		startedAt: time.Now(),
	}
}

// Routes keeps the liveness and readiness probes open for load balancers;
// everything else exposes operational internals and sits behind ops.
func (h *Handler) Routes(ops ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.live)
	r.Get("/ready", h.ready)
	r.Group(func(r chi.Router) {
		r.Use(ops...)
		r.Get("/metrics", h.metricsSnapshot)
		r.Handle("/metrics/prometheus", h.metrics.Handler())
		r.Get("/queues", h.queueDepths)
		r.Route("/golive", func(r chi.Router) {
			r.Get("/", h.dashboard)
			r.Get("/alerts", h.alerts)
			r.Get("/pilot", h.pilot)
			r.Get("/checklist", h.checklist)
			r.Get("/tenant/{schema}", h.tenantReadiness)
		})
	})
	return r
}

// live reports process liveness only; no dependency is touched.
func (h *Handler) live(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
	})
}

type dependencyState struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deps := map[string]dependencyState{
		"database": probe(ctx, h.db),
		"redis":    probe(ctx, h.redis),
	}
	deps["queue"] = h.queueState(ctx)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapPct := 0.0
	if ms.HeapSys > 0 {
		heapPct = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}

	// DB down means down; anything else degraded keeps serving.
	status := "ok"
	httpStatus := http.StatusOK
	if deps["database"].Status != "up" {
		status = "down"
		httpStatus = http.StatusServiceUnavailable
	} else if deps["redis"].Status != "up" || deps["queue"].Status != "up" || heapPct > heapDegradedPct {
		status = "degraded"
	}

	httpx.JSON(w, httpStatus, map[string]any{
		"status":       status,
		"dependencies": deps,
		"heapUsedPct":  heapPct,
	})
}

func (h *Handler) queueState(ctx context.Context) dependencyState {
	if h.queues == nil {
		return dependencyState{Status: "down", Error: "queue backend not configured"}
	}
	for name, snap := range h.queues.Snapshot(ctx) {
		if snap.Status != "available" {
			return dependencyState{Status: "down", Error: "queue " + name + " unavailable"}
		}
	}
	return dependencyState{Status: "up"}
}

func probe(ctx context.Context, dep service.Pinger) dependencyState {
	if dep == nil {
		return dependencyState{Status: "down", Error: "not configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := dep.Ping(pingCtx); err != nil {
		return dependencyState{Status: "down", Error: err.Error()}
	}
	return dependencyState{Status: "up", LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) queueDepths(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		httpx.Error(w, r, apperr.DependencyDown(apperr.CodeQueueUnavailable, "queue backend not configured", nil))
		return
	}
	snapshots := h.queues.Snapshot(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{
		"queues":   snapshots,
		"dlqCount": h.queues.DLQDepth(),
	})
}

// dashboard aggregates flags into the GREEN/YELLOW/RED traffic light. RED
// (active P0) returns 503 so external monitors page on it.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	if h.evaluator != nil {
		h.evaluator.Evaluate()
	}

	flags := h.flags.Active()
	light := "GREEN"
	httpStatus := http.StatusOK
	for _, f := range flags {
		if f.Severity == redflag.SeverityP0 {
			light = "RED"
			httpStatus = http.StatusServiceUnavailable
			break
		}
		light = "YELLOW"
	}

	counts := map[redflag.Severity]int{}
	for _, f := range flags {
		counts[f.Severity]++
	}

	httpx.JSON(w, httpStatus, map[string]any{
		"status":      light,
		"activeFlags": len(flags),
		"bySeverity":  counts,
		"generatedAt": time.Now().UTC(),
	})
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if h.evaluator != nil {
		h.evaluator.Evaluate()
	}
	flags := h.flags.Active()
	if flags == nil {
		flags = []redflag.Flag{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": flags, "count": len(flags)})
}

func (h *Handler) pilot(w http.ResponseWriter, r *http.Request) {
	status, err := h.gate.PilotStatus(r.Context())
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) checklist(w http.ResponseWriter, r *http.Request) {
	var schemas []string
	if schema := r.URL.Query().Get("schema"); schema != "" {
		schemas = append(schemas, schema)
	}
	report := h.gate.Run(r.Context(), schemas)

	status := http.StatusOK
	if report.Verdict == service.VerdictBlocked {
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, report)
}

func (h *Handler) tenantReadiness(w http.ResponseWriter, r *http.Request) {
	schema := chi.URLParam(r, "schema")
	if err := tenant.ValidateSchemaName(schema); err != nil {
		httpx.Error(w, r, err)
		return
	}
	readiness, err := h.gate.TenantReadiness(r.Context(), schema)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, readiness)
}

// Package metrics implements the in-process observability registry: rolling
// histograms and per-minute counters consumed by the red-flag engine, with a
// Prometheus mirror for scrape-based exposition.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram signal names.
const (
	HistAuthLatency    = "auth.latency"
	HistDBQueryLatency = "db.query_latency"
	HistRBACResolution = "rbac.resolution_latency"
	HistRedisLatency   = "redis.latency"
	HistQueueLag       = "queue.lag"
	HistHTTPReqLatency = "http.request_latency"
)

// Counter signal names.
const (
	CtrLoginFailures    = "auth.login_failures"
	CtrSlowQueries      = "db.slow_queries"
	CtrRBACDenies       = "rbac.deny_count"
	CtrRedisDisconnects = "redis.disconnects"
	CtrDLQJobs          = "queue.dlq_count"
	CtrHTTPErrors       = "http.error_count"
)

const (
	windowSize    = 1000
	minuteBuckets = 60
)

// HistogramSnapshot summarizes the rolling sample window.
type HistogramSnapshot struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type histogram struct {
	samples []float64
	next    int
	full    bool
}

func (h *histogram) observe(v float64) {
	if len(h.samples) < windowSize {
		h.samples = append(h.samples, v)
		return
	}
	h.samples[h.next] = v
	h.next = (h.next + 1) % windowSize
	h.full = true
}

func (h *histogram) snapshot() HistogramSnapshot {
	n := len(h.samples)
	if n == 0 {
		return HistogramSnapshot{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return HistogramSnapshot{
		Count: n,
		Min:   sorted[0],
		Avg:   sum / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

type counter struct {
	total   int64
	buckets [minuteBuckets]int64
	// minutes[i] holds the unix minute bucket i last counted for; stale
	// buckets are zeroed before use.
	minutes [minuteBuckets]int64
}

func (c *counter) add(n int64, unixMinute int64) {
	c.total += n
	i := unixMinute % minuteBuckets
	if c.minutes[i] != unixMinute {
		c.minutes[i] = unixMinute
		c.buckets[i] = 0
	}
	c.buckets[i] += n
}

func (c *counter) rate(unixMinute int64) int64 {
	i := unixMinute % minuteBuckets
	if c.minutes[i] != unixMinute {
		return 0
	}
	return c.buckets[i]
}

func (c *counter) lastMinutes(unixMinute int64, n int) []int64 {
	if n > minuteBuckets {
		n = minuteBuckets
	}
	out := make([]int64, n)
	for k := 0; k < n; k++ {
		m := unixMinute - int64(k)
		i := m % minuteBuckets
		if i < 0 {
			i += minuteBuckets
		}
		if c.minutes[i] == m {
			out[k] = c.buckets[i]
		}
	}
	return out
}

// Registry is the shared metrics store. It is constructed once at startup
// and handed to components via dependency injection; all methods are safe
// for concurrent use.
type Registry struct {
	mu         sync.Mutex
	histograms map[string]*histogram
	counters   map[string]*counter
	now        func() time.Time

	prom         *prometheus.Registry
	promLatency  *prometheus.HistogramVec
	promCounters *prometheus.CounterVec
}

// NewRegistry builds an empty registry with Go/process collectors attached
// to the Prometheus mirror.
func NewRegistry() *Registry {
	promLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edumesh",
			Name:      "signal_latency_ms",
			Help:      "Latency observations per internal signal, in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"signal"},
	)
	promCounters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edumesh",
			Name:      "signal_events_total",
			Help:      "Event counts per internal signal.",
		},
		[]string{"signal"},
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		promLatency,
		promCounters,
	)

	return &Registry{
		histograms:   make(map[string]*histogram),
		counters:     make(map[string]*counter),
		now:          time.Now,
		prom:         reg,
		promLatency:  promLatency,
		promCounters: promCounters,
	}
}

// WithClock overrides the time source; used by tests to pin minute buckets.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Observe records a latency sample (milliseconds) for a histogram signal.
func (r *Registry) Observe(name string, ms float64) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = &histogram{}
		r.histograms[name] = h
	}
	h.observe(ms)
	r.mu.Unlock()

	r.promLatency.WithLabelValues(name).Observe(ms)
}

// Inc increments a counter signal by one.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add increments a counter signal by n.
func (r *Registry) Add(name string, n int64) {
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c = &counter{}
		r.counters[name] = c
	}
	c.add(n, r.now().Unix()/60)
	r.mu.Unlock()

	r.promCounters.WithLabelValues(name).Add(float64(n))
}

// Histogram returns the snapshot for a histogram signal.
func (r *Registry) Histogram(name string) HistogramSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		return HistogramSnapshot{}
	}
	return h.snapshot()
}

// CounterTotal returns the lifetime total for a counter signal.
func (r *Registry) CounterTotal(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		return 0
	}
	return c.total
}

// RatePerMinute returns the event count recorded in the current minute.
func (r *Registry) RatePerMinute(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		return 0
	}
	return c.rate(r.now().Unix() / 60)
}

// LastMinutes returns per-minute counts for the trailing n minutes, most
// recent first.
func (r *Registry) LastMinutes(name string, n int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		return make([]int64, n)
	}
	return c.lastMinutes(r.now().Unix()/60, n)
}

// Snapshot dumps every signal for the JSON metrics endpoint.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	histograms := make(map[string]HistogramSnapshot, len(r.histograms))
	for name, h := range r.histograms {
		histograms[name] = h.snapshot()
	}
	counters := make(map[string]int64, len(r.counters))
	minute := r.now().Unix() / 60
	rates := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.total
		rates[name] = c.rate(minute)
	}
	return map[string]interface{}{
		"histograms":      histograms,
		"counters":        counters,
		"rates_per_min":   rates,
		"generated_at_ms": r.now().UnixMilli(),
	}
}

// Handler exposes the Prometheus mirror in exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

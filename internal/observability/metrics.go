package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for runbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	MemoryKillsTotal  prometheus.Counter
	SessionsActive    prometheus.Gauge

	// Audit trail metrics.
	AuditWriteErrors prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Name:      "execution_total",
			Help:      "Total code submissions by terminal outcome.",
		}, []string{"outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Name:      "execution_duration_seconds",
			Help:      "Submission duration in seconds, from validation to response.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"outcome"}),

		MemoryKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Name:      "memory_kills_total",
			Help:      "Workers killed by the memory monitor.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "sessions_active",
			Help:      "Number of sessions currently held in memory.",
		}),

		AuditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "audit",
			Name:      "write_errors_total",
			Help:      "Execution records that could not be stored.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.MemoryKillsTotal,
		m.SessionsActive,
		m.AuditWriteErrors,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// TrackWorkers registers runbox_workers_active, read from active on every scrape.
func (m *MetricsCollector) TrackWorkers(active func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runbox",
		Name:      "workers_active",
		Help:      "Worker processes started and not yet reaped.",
	}, func() float64 {
		return float64(active())
	}))
}

// SetSessions records the current session count.
func (m *MetricsCollector) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// MemoryKill counts one worker killed by the memory monitor.
func (m *MetricsCollector) MemoryKill() {
	if m == nil {
		return
	}
	m.MemoryKillsTotal.Inc()
}

// AuditWriteFailed counts one execution record that could not be stored.
func (m *MetricsCollector) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteErrors.Inc()
}

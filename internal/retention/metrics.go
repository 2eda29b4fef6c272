package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention job.
type Metrics struct {
	Runs          prometheus.Counter
	Failures      prometheus.Counter
	RecordsPruned prometheus.Counter
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention runs.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Retention runs that could not prune the audit trail.",
		}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "retention",
			Name:      "records_pruned_total",
			Help:      "Execution records deleted by the retention job.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of each retention run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.Failures,
		m.RecordsPruned,
		m.RunDuration,
	)

	return m
}

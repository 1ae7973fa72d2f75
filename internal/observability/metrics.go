package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Crucible.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Validation metrics.
	ValidationsTotal        *prometheus.CounterVec
	ValidationFindingsTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionOperations *prometheus.HistogramVec

	// Capability dispatch metrics.
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveExecutions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Total program validations.",
		}, []string{"mode", "result"}),

		ValidationFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "validator",
			Name:      "findings_total",
			Help:      "Total validation findings by kind and rule.",
		}, []string{"kind", "rule"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total program executions by backend and outcome kind.",
		}, []string{"backend", "kind"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Program execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		ExecutionOperations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "engine",
			Name:      "execution_operations",
			Help:      "Operation checkpoints consumed per execution.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}, []string{"backend"}),

		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "capability",
			Name:      "dispatches_total",
			Help:      "Total capability dispatches.",
		}, []string{"capability", "status"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "capability",
			Name:      "dispatch_duration_seconds",
			Help:      "Capability dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crucible",
			Name:      "active_executions",
			Help:      "Number of currently running executions.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ValidationsTotal,
		m.ValidationFindingsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionOperations,
		m.DispatchesTotal,
		m.DispatchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveExecutions,
	)

	return m
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for mcpbox.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Instance lifecycle metrics.
	InstanceLoadsTotal *prometheus.CounterVec
	ActiveInstances    prometheus.Gauge

	// Schema cache metrics.
	SchemaCacheLookupsTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Bridge metrics.
	BridgeCallsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		InstanceLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbox",
			Subsystem: "instance",
			Name:      "loads_total",
			Help:      "Total server load attempts.",
		}, []string{"server", "status"}),

		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbox",
			Subsystem: "instance",
			Name:      "active",
			Help:      "Number of currently loaded instances.",
		}),

		SchemaCacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbox",
			Subsystem: "schema_cache",
			Name:      "lookups_total",
			Help:      "Schema cache lookups by result.",
		}, []string{"result"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total sandboxed executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Sandboxed execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		BridgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbox",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Tool calls proxied through the RPC bridge.",
		}, []string{"tool", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.InstanceLoadsTotal,
		m.ActiveInstances,
		m.SchemaCacheLookupsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.BridgeCallsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

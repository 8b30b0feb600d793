package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "maestro"

// Metrics holds the engine's Prometheus instruments. A single Metrics value
// is shared by all graphs registered on an engine.
type Metrics struct {
	stepLatency   *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	inflight      *prometheus.GaugeVec
	routingErrors *prometheus.CounterVec
}

// NewMetrics registers engine metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "step_latency_ms",
			Help:      "Node execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"graph", "node", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "node_retries_total",
			Help:      "Node retry attempts.",
		}, []string{"graph", "node"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Completed graph executions by outcome.",
		}, []string{"graph", "outcome"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "inflight_executions",
			Help:      "Graph executions currently running.",
		}, []string{"graph"}),
		routingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "routing_errors_total",
			Help:      "Unmapped predicate labels observed at runtime.",
		}, []string{"graph", "node"}),
	}
}

func (m *Metrics) observeStep(graph, node, status string, ms float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(graph, node, status).Observe(ms)
}

func (m *Metrics) incRetry(graph, node string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(graph, node).Inc()
}

func (m *Metrics) incExecution(graph, outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(graph, outcome).Inc()
}

func (m *Metrics) trackInflight(graph string) func() {
	if m == nil {
		return func() {}
	}
	g := m.inflight.WithLabelValues(graph)
	g.Inc()
	return g.Dec
}

func (m *Metrics) incRoutingError(graph, node string) {
	if m == nil {
		return
	}
	m.routingErrors.WithLabelValues(graph, node).Inc()
}

package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments executor behavior. All methods are nil-safe so
// callers never have to guard instrumentation sites.
type Metrics struct {
	inflight       prometheus.Gauge
	readyDepth     prometheus.Gauge
	nodeDuration   *prometheus.HistogramVec
	nodeRetries    prometheus.Counter
	gateBlocks     prometheus.Counter
	workflowsTotal *prometheus.CounterVec
}

// NewMetrics registers executor metrics on reg under the taskgraph
// namespace. Pass prometheus.NewRegistry() in tests to avoid default
// registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "nodes_inflight",
			Help:      "Number of node runners currently executing.",
		}),
		readyDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "ready_queue_depth",
			Help:      "Number of nodes waiting in the ready set.",
		}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Name:      "node_duration_ms",
			Help:      "Node runner wall time in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"status"}),
		nodeRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "node_retries_total",
			Help:      "Total node runner retries.",
		}),
		gateBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "gate_blocks_total",
			Help:      "Total gate evaluations that did not pass.",
		}),
		workflowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "workflows_total",
			Help:      "Workflows finished, by terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) nodeStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) nodeFinished(status NodeStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.nodeDuration.WithLabelValues(string(status)).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) readyQueueDepth(n int) {
	if m == nil {
		return
	}
	m.readyDepth.Set(float64(n))
}

func (m *Metrics) nodeRetried() {
	if m == nil {
		return
	}
	m.nodeRetries.Inc()
}

func (m *Metrics) gateBlocked() {
	if m == nil {
		return
	}
	m.gateBlocks.Inc()
}

func (m *Metrics) workflowFinished(status WorkflowStatus) {
	if m == nil {
		return
	}
	m.workflowsTotal.WithLabelValues(string(status)).Inc()
}

package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the runtime's Prometheus instrumentation, ported from
// the underlying execution core's PrometheusMetrics and extended with
// per-stream admission/concurrency gauges that mirror what ListStreams
// already reports programmatically. All metrics are namespaced "agentrt_".
type Metrics struct {
	pendingExecutions  *prometheus.GaugeVec
	runningExecutions  *prometheus.GaugeVec
	admittedTotal      *prometheus.CounterVec
	terminalTotal      *prometheus.CounterVec
	nodeLatency        *prometheus.HistogramVec
	nodeRetries        *prometheus.CounterVec
	pausesTotal        *prometheus.CounterVec
	eventsDroppedTotal prometheus.Gauge
}

// newMetrics registers every metric with reg (prometheus.DefaultRegisterer
// if reg is nil), mirroring NewPrometheusMetrics's factory pattern.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		pendingExecutions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrt",
			Name:      "stream_pending_executions",
			Help:      "Executions admitted to a stream but still waiting for a concurrency slot.",
		}, []string{"stream_id"}),
		runningExecutions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrt",
			Name:      "stream_running_executions",
			Help:      "Executions currently holding a stream's concurrency slot.",
		}, []string{"stream_id"}),
		admittedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "executions_admitted_total",
			Help:      "Executions accepted by Trigger, per stream.",
		}, []string{"stream_id"}),
		terminalTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "executions_terminal_total",
			Help:      "Executions that reached a terminal status, per stream and status.",
		}, []string{"stream_id", "status"}),
		nodeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrt",
			Name:      "node_attempt_latency_ms",
			Help:      "Node dispatch duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"stream_id", "node_id", "status"}),
		nodeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "node_retries_total",
			Help:      "Node attempt retries, per stream and node.",
		}, []string{"stream_id", "node_id"}),
		pausesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "executions_paused_total",
			Help:      "Pause suspensions observed, per stream and pause node.",
		}, []string{"stream_id", "pause_node_id"}),
		eventsDroppedTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrt",
			Name:      "eventbus_dropped_events_total",
			Help:      "Cumulative events dropped by the lossy event bus across all subscribers.",
		}),
	}
}

func (m *Metrics) observeAdmitted(streamID string) {
	m.admittedTotal.WithLabelValues(streamID).Inc()
}

func (m *Metrics) observeTerminal(streamID, status string) {
	m.terminalTotal.WithLabelValues(streamID, status).Inc()
}

func (m *Metrics) observeNodeAttempt(streamID, nodeID, status string, durationMS float64, isRetry bool) {
	m.nodeLatency.WithLabelValues(streamID, nodeID, status).Observe(durationMS)
	if isRetry {
		m.nodeRetries.WithLabelValues(streamID, nodeID).Inc()
	}
}

func (m *Metrics) observePaused(streamID, pauseNodeID string) {
	m.pausesTotal.WithLabelValues(streamID, pauseNodeID).Inc()
}

func (m *Metrics) setGauges(streamID string, pending, running int) {
	m.pendingExecutions.WithLabelValues(streamID).Set(float64(pending))
	m.runningExecutions.WithLabelValues(streamID).Set(float64(running))
}

func (m *Metrics) setDropped(n int64) {
	m.eventsDroppedTotal.Set(float64(n))
}

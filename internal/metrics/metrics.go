// Package metrics exposes Prometheus collectors, OpenTelemetry setup and the
// liveness/status HTTP endpoints for dingbridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dingbridge"

// Metrics holds every collector the pipeline records into. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// StreamState is the numeric lifecycle state of the stream session.
	StreamState prometheus.Gauge
	// StreamEpoch is the current connection epoch.
	StreamEpoch prometheus.Gauge
	// StreamReconnects counts reconnect attempts by reason.
	StreamReconnects *prometheus.CounterVec
	// StreamAlerts counts operator alerts by reason (auth|failures).
	StreamAlerts *prometheus.CounterVec
	// Frames counts frames read off the stream by frame type.
	Frames *prometheus.CounterVec

	// Messages counts decoded frames by result (accepted|duplicate|invalid).
	Messages *prometheus.CounterVec
	// QueueDepth is the number of messages waiting for a worker.
	QueueDepth prometheus.Gauge

	// Turns counts agent turns by agent and outcome (answer|fallback).
	Turns *prometheus.CounterVec
	// TurnDuration measures agent turn latency in seconds.
	TurnDuration *prometheus.HistogramVec

	PlannerRequests *prometheus.CounterVec
	PlannerDuration *prometheus.HistogramVec

	ToolInvocations *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec

	// Replies counts reply deliveries by status (sent|failed).
	Replies *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_state",
			Help: "Stream session lifecycle state (0=disconnected .. 5=reconnecting).",
		}),
		StreamEpoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_epoch",
			Help: "Current stream connection epoch.",
		}),
		StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_reconnects_total",
			Help: "Stream reconnects by reason.",
		}, []string{"reason"}),
		StreamAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_alerts_total",
			Help: "Operator-visible stream alerts by reason.",
		}, []string{"reason"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_frames_total",
			Help: "Frames received by type.",
		}, []string{"type"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Decoded messages by result.",
		}, []string{"result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_queue_depth",
			Help: "Messages waiting for a dispatch worker.",
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_turns_total",
			Help: "Agent turns by agent and outcome.",
		}, []string{"agent", "outcome"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_turn_duration_seconds",
			Help:    "Agent turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"agent"}),
		PlannerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "planner_requests_total",
			Help: "LLM planner requests by provider and status.",
		}, []string{"provider", "status"}),
		PlannerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "planner_request_duration_seconds",
			Help:    "LLM planner request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_invocations_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_duration_seconds",
			Help:    "Tool handler latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_total",
			Help: "Reply deliveries by status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetStreamState(state int, epoch uint64) {
	if m == nil {
		return
	}
	m.StreamState.Set(float64(state))
	m.StreamEpoch.Set(float64(epoch))
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Alert(reason string) {
	if m == nil {
		return
	}
	m.StreamAlerts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Turn(agent, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(agent, outcome).Inc()
	m.TurnDuration.WithLabelValues(agent).Observe(seconds)
}

func (m *Metrics) Planner(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.PlannerRequests.WithLabelValues(provider, status).Inc()
	m.PlannerDuration.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) Tool(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) Reply(status string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(status).Inc()
}

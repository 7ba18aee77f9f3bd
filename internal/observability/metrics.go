package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Methods are
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionTransitions   *prometheus.CounterVec
	ToolCalls            *prometheus.CounterVec
	ToolCallDuration     *prometheus.HistogramVec
	ContextBuilds        *prometheus.CounterVec
	ConversationsSaved   *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	ProviderErrors       *prometheus.CounterVec
	SessionStartDuration prometheus.Histogram

	Stages *StageWindow
}

// NewMetrics registers on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the active state.",
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by from/to state.",
		}, []string{"from", "to"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Agent tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_ms",
			Help:      "Agent tool execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		}, []string{"tool"}),
		ContextBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_builds_total",
			Help:      "Visit context builds by outcome.",
		}, []string{"outcome"}),
		ConversationsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_persisted_total",
			Help:      "Conversation persistence attempts by outcome.",
		}, []string{"outcome"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Dashboard notifications by outcome.",
		}, []string{"outcome"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Voice provider errors by provider and code.",
		}, []string{"provider", "code"}),
		SessionStartDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_start_duration_ms",
			Help:      "Time from start request to active session in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	if to == "active" {
		m.ActiveSessions.Inc()
	}
	if from == "active" {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
	m.Stages.Observe("tool:"+tool, d)
}

func (m *Metrics) ObserveContextBuild(outcome string) {
	if m == nil {
		return
	}
	m.ContextBuilds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePersist(outcome string) {
	if m == nil {
		return
	}
	m.ConversationsSaved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	if stage == StageStartTotal {
		m.SessionStartDuration.Observe(float64(d.Milliseconds()))
	}
	m.Stages.Observe(stage, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

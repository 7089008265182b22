// Package observability provides logging, metrics, and tracing for the
// runtime. Metrics are registered on the default Prometheus registry and
// exposed by the HTTP server at /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the agent runtime. A nil
// *Metrics is valid; every method is a no-op on a nil receiver so callers
// can run without metrics wired.
type Metrics struct {
	modelCalls    *prometheus.CounterVec
	toolExecs     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	retryAttempts *prometheus.CounterVec
	planDecisions *prometheus.CounterVec
	eventsDropped prometheus.Counter

	activeSessions prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers the runtime collectors on the default registry.
// Call it once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		modelCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quartermaster_model_calls_total",
			Help: "Model streaming calls by provider and outcome.",
		}, []string{"provider", "outcome"}),

		toolExecs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quartermaster_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		toolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quartermaster_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tool"}),

		retryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quartermaster_tool_retry_attempts_total",
			Help: "Retried tool invocations by tool name.",
		}, []string{"tool"}),

		planDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quartermaster_plan_decisions_total",
			Help: "Plan gating decisions by mode.",
		}, []string{"mode"}),

		eventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quartermaster_events_dropped_total",
			Help: "Events dropped due to slow subscribers.",
		}),

		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quartermaster_active_sessions",
			Help: "Sessions currently running an agent loop.",
		}),

		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quartermaster_http_requests_total",
			Help: "HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"}),

		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quartermaster_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ModelCall records one streaming attempt against a provider.
func (m *Metrics) ModelCall(provider string, ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.modelCalls.WithLabelValues(provider, outcome).Inc()
}

// ToolExecution records one tool invocation and its latency.
func (m *Metrics) ToolExecution(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolExecs.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RetryAttempt records a retried tool invocation.
func (m *Metrics) RetryAttempt(tool string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(tool).Inc()
}

// PlanDecision records whether a plan auto-executed or was held for approval.
func (m *Metrics) PlanDecision(auto bool) {
	if m == nil {
		return
	}
	mode := "approval_required"
	if auto {
		mode = "auto_execute"
	}
	m.planDecisions.WithLabelValues(mode).Inc()
}

// EventsDropped adds n to the dropped-event counter.
func (m *Metrics) EventsDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

// SessionStarted and SessionEnded track the active-loop gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

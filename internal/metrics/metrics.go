// Package metrics provides Prometheus metrics for the session agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	TurnsTotal                *prometheus.CounterVec
	TurnDuration              *prometheus.HistogramVec
	DispatchFallbacksTotal    prometheus.Counter
	ActiveSessions            prometheus.Gauge
	ActiveRequests            prometheus.Gauge
	ToolUsesTotal             *prometheus.CounterVec
	RenewTotal                *prometheus.CounterVec
	SchedulerTransitionsTotal *prometheus.CounterVec
	ErrorsTotal               *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Completed LLM turns by workflow and outcome.",
			},
			[]string{"workflow", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "LLM turn duration by workflow.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		DispatchFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_dispatch_fallbacks_total",
				Help: "Dispatch classifications that fell back to the default workflow.",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_active_sessions",
				Help: "Sessions currently held by the session store.",
			},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_active_requests",
				Help: "Sessions with an in-flight LLM stream.",
			},
		),
		ToolUsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_uses_total",
				Help: "Tool invocations observed on the event stream, by tool.",
			},
			[]string{"tool"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_renew_total",
				Help: "Renew protocol outcomes (completed, failed).",
			},
			[]string{"outcome"},
		),
		SchedulerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_scheduler_transitions_total",
				Help: "Session lifecycle transitions driven by the scheduler sweep.",
			},
			[]string{"transition"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TurnsTotal)
	reg.MustRegister(m.TurnDuration)
	reg.MustRegister(m.DispatchFallbacksTotal)
	reg.MustRegister(m.ActiveSessions)
	reg.MustRegister(m.ActiveRequests)
	reg.MustRegister(m.ToolUsesTotal)
	reg.MustRegister(m.RenewTotal)
	reg.MustRegister(m.SchedulerTransitionsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn increments the turn counter.
func (m *Metrics) RecordTurn(workflow, outcome string) {
	m.TurnsTotal.WithLabelValues(workflow, outcome).Inc()
}

// ObserveTurnDuration records one turn's wall-clock duration.
func (m *Metrics) ObserveTurnDuration(workflow string, seconds float64) {
	m.TurnDuration.WithLabelValues(workflow).Observe(seconds)
}

// RecordToolUse increments the per-tool invocation counter.
func (m *Metrics) RecordToolUse(tool string) {
	m.ToolUsesTotal.WithLabelValues(tool).Inc()
}

// RecordRenew increments the renew outcome counter.
func (m *Metrics) RecordRenew(outcome string) {
	m.RenewTotal.WithLabelValues(outcome).Inc()
}

// RecordSchedulerTransition increments the scheduler transition counter.
func (m *Metrics) RecordSchedulerTransition(transition string) {
	m.SchedulerTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

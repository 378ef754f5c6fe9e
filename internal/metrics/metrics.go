// Package metrics exposes Prometheus counters for the journey engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	registry        *prometheus.Registry
	turns           *prometheus.CounterVec
	directives      *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	streamFailures  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	turnsInProgress prometheus.Gauge
}

// New registers the engine collectors, plus Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jingjin_turns_total",
				Help: "Total number of turns by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		directives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jingjin_directives_total",
				Help: "Total number of decoded directives by kind",
			},
			[]string{"kind"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jingjin_dispatch_total",
				Help: "Total number of record actions by action type and result",
			},
			[]string{"action", "result"},
		),
		streamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jingjin_stream_failures_total",
				Help: "Total number of upstream model stream failures by reason",
			},
			[]string{"reason"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jingjin_phase_transitions_total",
				Help: "Total number of phase exits by phase and cause",
			},
			[]string{"phase", "cause"},
		),
		turnsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jingjin_turns_in_progress",
				Help: "Number of turns currently streaming",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns,
		m.directives,
		m.dispatches,
		m.streamFailures,
		m.transitions,
		m.turnsInProgress,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementTurn(kind, outcome string) {
	if m != nil && m.turns != nil {
		m.turns.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncrementDirective(kind string) {
	if m != nil && m.directives != nil {
		m.directives.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncrementDispatch(action string, success bool) {
	if m != nil && m.dispatches != nil {
		result := "failure"
		if success {
			result = "success"
		}
		m.dispatches.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) IncrementStreamFailure(reason string) {
	if m != nil && m.streamFailures != nil {
		m.streamFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncrementTransition(phase, cause string) {
	if m != nil && m.transitions != nil {
		m.transitions.WithLabelValues(phase, cause).Inc()
	}
}

// TurnStarted marks a turn as streaming and returns the function that ends it.
func (m *Metrics) TurnStarted() func() {
	if m == nil || m.turnsInProgress == nil {
		return func() {}
	}
	m.turnsInProgress.Inc()
	return m.turnsInProgress.Dec
}

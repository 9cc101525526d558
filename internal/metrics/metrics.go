// Package metrics exposes Prometheus collectors for the coordination layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crisisgraph"

// Metrics holds every collector the service records
type Metrics struct {
	SignalsTotal         *prometheus.CounterVec
	AgentCallsTotal      *prometheus.CounterVec
	AgentLatency         *prometheus.HistogramVec
	ContradictionsTotal  prometheus.Counter
	RecommendationsTotal prometheus.Counter
	DecisionsTotal       *prometheus.CounterVec
	Subscribers          prometheus.Gauge
	DroppedSubscribers   prometheus.Counter
	SimEventsTotal       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (nil skips registration)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals ingested, by kind and result.",
		}, []string{"kind", "result"}),
		AgentCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent invocations, by agent kind and outcome (ok, cached, fallback reason).",
		}, []string{"agent", "outcome"}),
		AgentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"agent"}),
		ContradictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contradictions_total",
			Help:      "Contradiction alerts created.",
		}),
		RecommendationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Action recommendations created.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Human and system decisions, by subject and outcome.",
		}, []string{"subject", "outcome"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Connected broadcast subscribers.",
		}),
		DroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_subscribers_total",
			Help:      "Subscribers disconnected because their queue was full.",
		}),
		SimEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulation_events_total",
			Help:      "Scenario timeline events dispatched, by type.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SignalsTotal,
			m.AgentCallsTotal,
			m.AgentLatency,
			m.ContradictionsTotal,
			m.RecommendationsTotal,
			m.DecisionsTotal,
			m.Subscribers,
			m.DroppedSubscribers,
			m.SimEventsTotal,
		)
	}
	return m
}

// Signal counts one ingested signal
func (m *Metrics) Signal(kind, result string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(kind, result).Inc()
}

// AgentCall records one agent invocation
func (m *Metrics) AgentCall(agent, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentCallsTotal.WithLabelValues(agent, outcome).Inc()
	m.AgentLatency.WithLabelValues(agent).Observe(seconds)
}

// Contradiction counts a created alert
func (m *Metrics) Contradiction() {
	if m == nil {
		return
	}
	m.ContradictionsTotal.Inc()
}

// Recommendation counts a created recommendation
func (m *Metrics) Recommendation() {
	if m == nil {
		return
	}
	m.RecommendationsTotal.Inc()
}

// Decision counts a decision on an alert or action
func (m *Metrics) Decision(subject, outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(subject, outcome).Inc()
}

// SubscriberAdded tracks a new broadcast subscriber
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// SubscriberRemoved tracks a departed subscriber; dropped marks a forced disconnect
func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
	if dropped {
		m.DroppedSubscribers.Inc()
	}
}

// SimEvent counts a dispatched timeline event
func (m *Metrics) SimEvent(eventType string) {
	if m == nil {
		return
	}
	m.SimEventsTotal.WithLabelValues(eventType).Inc()
}

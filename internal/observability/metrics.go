// File: internal/observability/metrics.go
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xkilldash9x/formpilot/api/schemas"
)

const metricsNamespace = "formpilot"

// Metrics bundles the Prometheus collectors shared by all sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions       *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	resolutions    *prometheus.CounterVec
	events         prometheus.Counter
	gaps           prometheus.Counter
}

// NewMetrics creates the collectors on a private registry, along with the
// standard Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Completed sessions by outcome kind.",
		}, []string{"outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "device",
			Name:      "actions_total",
			Help:      "Device primitives executed, by action type and outcome.",
		}, []string{"type", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "device",
			Name:      "action_duration_seconds",
			Help:      "Latency of device primitives.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
		}, []string{"type"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Slot resolutions by matching rule.",
		}, []string{"rule"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Progress events published.",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "telemetry",
			Name:      "gaps_total",
			Help:      "Gap markers created because a buffer overflowed.",
		}),
	}
	reg.MustRegister(
		m.sessions, m.actions, m.actionDuration, m.resolutions, m.events, m.gaps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAction records one journaled device action.
func (m *Metrics) ObserveAction(a schemas.Action) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(a.Type), string(a.Outcome)).Inc()
	m.actionDuration.WithLabelValues(string(a.Type)).Observe(a.Duration.Seconds())
}

// ObserveSession records a finalized session.
func (m *Metrics) ObserveSession(outcome schemas.OutcomeKind) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(string(outcome)).Inc()
}

// ObserveResolution records which rule resolved (or failed to resolve) a slot.
func (m *Metrics) ObserveResolution(rule schemas.ResolutionRule) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(rule)).Inc()
}

// ObserveEvent records a published progress event.
func (m *Metrics) ObserveEvent() {
	if m == nil {
		return
	}
	m.events.Inc()
}

// ObserveGap records a buffer overflow that produced or extended a gap marker.
func (m *Metrics) ObserveGap() {
	if m == nil {
		return
	}
	m.gaps.Inc()
}

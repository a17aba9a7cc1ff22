// Package observability provides Prometheus metrics for the delivery core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects delivery-core metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Event flow by priority class (published, delivered, dropped)
//   - Restoration buffer occupancy and evictions
//   - Reconnection attempts and circuit breaker transitions
//   - Per-send delivery latency
//   - Isolation violations (expected to stay at zero forever)
type Metrics struct {
	// EventsPublished counts events accepted from the collaborator.
	// Labels: priority (system_error|completion|tool_result|progress|lifecycle_start)
	EventsPublished *prometheus.CounterVec

	// EventsDelivered counts frames successfully written to a transport.
	// Labels: priority
	EventsDelivered *prometheus.CounterVec

	// EventsDropped counts events shed by the degraded-mode policy.
	// Labels: priority, reason (circuit_open|delivery_timeout|buffer_overflow)
	EventsDropped *prometheus.CounterVec

	// EventsPreserved counts critical events rerouted to the restoration
	// buffer instead of being shed.
	// Labels: priority, reason
	EventsPreserved *prometheus.CounterVec

	// BufferedEvents is a gauge of events currently held for restoration.
	BufferedEvents prometheus.Gauge

	// BufferEvictions counts events evicted from the restoration buffer on
	// overflow or TTL expiry.
	// Labels: reason (overflow|ttl)
	BufferEvictions *prometheus.CounterVec

	// DeliveryLatency measures the wall time of one successful send.
	// Buckets: 1ms .. 10s
	DeliveryLatency prometheus.Histogram

	// ActiveConnections is a gauge of currently registered connections.
	ActiveConnections prometheus.Gauge

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: to (closed|open|half-open)
	BreakerTransitions *prometheus.CounterVec

	// IsolationViolations counts detected cross-tenant routing attempts.
	// Any non-zero value is an alarm condition.
	IsolationViolations prometheus.Counter
}

// NewMetrics creates and registers all delivery-core metrics with reg. Pass
// prometheus.DefaultRegisterer outside tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_published_total",
				Help: "Total events accepted from the agent-execution collaborator",
			},
			[]string{"priority"},
		),

		EventsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_delivered_total",
				Help: "Total frames successfully written to client transports",
			},
			[]string{"priority"},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_dropped_total",
				Help: "Total events shed by the degraded-mode delivery policy",
			},
			[]string{"priority", "reason"},
		),

		EventsPreserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_preserved_total",
				Help: "Total critical events preserved in the restoration buffer under degraded delivery",
			},
			[]string{"priority", "reason"},
		),

		BufferedEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_buffered_events",
				Help: "Events currently retained in the restoration buffer",
			},
		),

		BufferEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_buffer_evictions_total",
				Help: "Events evicted from the restoration buffer",
			},
			[]string{"reason"},
		),

		DeliveryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_delivery_latency_seconds",
				Help:    "Wall time of one successful transport send",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_active_connections",
				Help: "Currently registered client connections",
			},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_breaker_transitions_total",
				Help: "Circuit breaker state transitions by target state",
			},
			[]string{"to"},
		),

		IsolationViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_isolation_violations_total",
				Help: "Detected cross-tenant routing attempts; any non-zero value is an alarm",
			},
		),
	}
}

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventsPublished.WithLabelValues("completion").Inc()
	m.EventsDropped.WithLabelValues("progress", "circuit_open").Add(3)
	m.BufferedEvents.Set(42)
	m.IsolationViolations.Inc()

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("completion")); got != 1 {
		t.Errorf("events_published{completion} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues("progress", "circuit_open")); got != 3 {
		t.Errorf("events_dropped{progress,circuit_open} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BufferedEvents); got != 42 {
		t.Errorf("buffered_events = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.IsolationViolations); got != 1 {
		t.Errorf("isolation_violations = %v, want 1", got)
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must be registrable without a duplicate-collector
	// panic, as tests construct their own registries.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.EventsDelivered.WithLabelValues("progress").Inc()
	if got := testutil.ToFloat64(b.EventsDelivered.WithLabelValues("progress")); got != 0 {
		t.Errorf("second registry saw %v increments, want 0", got)
	}
}

package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking controller events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of controller events segmented by kind.",
			}, []string{"kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pegkeeper",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of events a slow subscriber did not receive.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEmitted increments the emitted counter for kind.
func (m *eventMetrics) RecordEmitted(kind string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeKind(kind)).Inc()
}

// RecordDropped increments the dropped counter for kind.
func (m *eventMetrics) RecordDropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeKind(kind)).Inc()
}

func normalizeKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

package subscription

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsListener turns bus events into Prometheus counters.
type MetricsListener struct {
	events *prometheus.CounterVec
}

// NewMetricsListener registers the subscription counters with reg.
func NewMetricsListener(reg prometheus.Registerer) *MetricsListener {
	return &MetricsListener{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "subsync",
			Name:      "subscription_events_total",
			Help:      "Subscription lifecycle events by kind.",
		}, []string{"kind"}),
	}
}

// Attach subscribes to every event kind on the bus.
// The returned func detaches all listeners.
func (m *MetricsListener) Attach(bus *EventBus) func() {
	unsubs := make([]func(), 0, len(EventKinds))
	for _, kind := range EventKinds {
		unsubs = append(unsubs, Subscribe(bus, kind, m.observe))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (m *MetricsListener) observe(_ context.Context, e Event) error {
	m.events.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's Prometheus collectors.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	RoomsCreated      prometheus.Counter
	RoomsEvicted      prometheus.Counter
	CodeCollisions    prometheus.Counter
	EventsRelayed     *prometheus.CounterVec
	DeliveriesDropped prometheus.Counter
	LifecycleDropped  prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently connected websocket clients.",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Live rooms, including rooms in their grace period.",
		}),
		RoomsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_created_total",
			Help: "Rooms created.",
		}),
		RoomsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_evicted_total",
			Help: "Rooms deleted after staying empty for the grace period.",
		}),
		CodeCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_code_collisions_total",
			Help: "Generated room codes that were already live and re-rolled.",
		}),
		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Relayed events by type.",
		}, []string{"event"}),
		DeliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_dropped_total",
			Help: "Clients dropped because their send buffer was full.",
		}),
		LifecycleDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_lifecycle_events_dropped_total",
			Help: "Lifecycle events dropped because the publish buffer was full.",
		}),
	}
}

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

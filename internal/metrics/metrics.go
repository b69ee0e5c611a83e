// Package metrics provides Prometheus instrumentation for roomchat. It
// exposes gauges for live connections, rooms and consumers, counters for the
// realtime delivery paths, and histograms for storage latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one registered consumer.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_active_rooms",
		Help: "Current number of rooms with a live subscription entry",
	})

	// Consumers tracks the number of registered room consumers.
	Consumers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_consumers",
		Help: "Current number of registered room consumers",
	})

	// ModeTransitions counts delivery mode changes of room channels.
	ModeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_mode_transitions_total",
		Help: "Room delivery mode transitions",
	}, []string{"from", "to"})

	// MessagesTotal counts messages by path: "push", "poll", "duplicate",
	// "sent" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"path"})

	// Fetches counts storage fetches by kind ("members", "messages") and
	// outcome ("ok", "error", "stale").
	Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_fetches_total",
		Help: "Storage fetches issued by the sync registry",
	}, []string{"kind", "outcome"})

	// SlowConsumers counts consumers evicted for not draining their events.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_slow_consumers_total",
		Help: "Consumers evicted because their event buffer was full",
	})

	// FetchLatency records storage fetch latency in seconds.
	FetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomchat_fetch_latency_seconds",
		Help:    "Storage fetch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		Consumers,
		ModeTransitions,
		MessagesTotal,
		Fetches,
		SlowConsumers,
		FetchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

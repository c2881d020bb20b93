// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and online users, counters for routed
// events and dropped frames, and a histogram for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the size of the presence table.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_online_users",
		Help: "Current number of usernames in the presence table",
	})

	// EventsTotal counts inbound events by type and outcome
	// ("ok", "ignored", "rejected", "failed").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_events_total",
		Help: "Total number of inbound real-time events processed",
	}, []string{"type", "outcome"})

	// DeliveriesTotal counts outbound frames by result ("queued", "offline", "dropped").
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_deliveries_total",
		Help: "Total number of outbound frames routed to connections",
	}, []string{"result"})

	// StoreLatency records message/user store call latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_store_latency_seconds",
		Help:    "Persistence call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DeliveriesTotal,
		StoreLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

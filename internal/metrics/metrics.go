// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and channel subscriptions, counters for
// message throughput and fan-out deliveries, and histograms for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of authenticated WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of authenticated WebSocket connections",
	})

	// MessagesTotal counts submitted messages, labeled by result:
	// "stored", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of submitted chat messages",
	}, []string{"result"})

	// DeliveriesTotal counts per-connection fan-out attempts, labeled by
	// outcome: "queued" or "dropped".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Total number of events fanned out to connections",
	}, []string{"outcome"})

	// Subscriptions tracks the current number of (connection, conversation)
	// channel subscriptions.
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_subscriptions",
		Help: "Current number of conversation channel subscriptions",
	})

	// MessageLatency records the time from receiving a message to finishing
	// its broadcast, in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message submit-to-broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StoreLatency records PostgreSQL operation latency, labeled by op.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_latency_seconds",
		Help:    "Durable store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"op"})

	// AuthFailures counts rejected connection and HTTP credentials.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of rejected credentials",
	})

	// ModerationFlagged counts messages flagged by the moderation consumer,
	// labeled by the check that matched.
	ModerationFlagged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_flagged_total",
		Help: "Total number of messages flagged for review",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DeliveriesTotal,
		Subscriptions,
		MessageLatency,
		StoreLatency,
		AuthFailures,
		ModerationFlagged,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for live connections and rooms, counters for frame and
// message throughput, and a histogram for message submission latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of authorized sessions.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_connections_active",
		Help: "Current number of active chat sessions",
	})

	// RoomsActive tracks the number of rooms with at least one subscriber.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duochat_rooms_active",
		Help: "Current number of rooms with live subscribers",
	})

	// HandshakesTotal counts WebSocket handshakes by outcome: "accepted" or
	// the rejection reason.
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_handshakes_total",
		Help: "WebSocket handshakes by outcome",
	}, []string{"outcome"})

	// FramesTotal counts inbound frames by kind: "message", "typing",
	// "stop_typing" or "malformed".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_frames_total",
		Help: "Inbound frames processed",
	}, []string{"kind"})

	// MessagesTotal counts message submissions by result: "delivered" or
	// "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_messages_total",
		Help: "Chat message submissions",
	}, []string{"result"})

	// BroadcastFailures counts sends that failed and pruned a subscriber.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duochat_broadcast_failures_total",
		Help: "Outbound sends that failed and pruned the subscriber",
	})

	// SubmitLatency records persist-and-broadcast latency in seconds.
	SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duochat_submit_latency_seconds",
		Help:    "Message persist and fan-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		HandshakesTotal,
		FramesTotal,
		MessagesTotal,
		BroadcastFailures,
		SubmitLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

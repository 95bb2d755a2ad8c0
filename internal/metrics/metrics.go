// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for live connections, counters for message lifecycle,
// fan-out, presence and admission outcomes, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections
	// owned by this process.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// MessagesTotal counts lifecycle events, labeled by event: "sent",
	// "delivered", "read" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of message lifecycle events",
	}, []string{"event"})

	// MessageLatency records the time to persist and route one message.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FanoutFrames counts routed frames, labeled by result: "local",
	// "remote", "dropped" or "offline".
	FanoutFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_fanout_frames_total",
		Help: "Frames routed to connections",
	}, []string{"result"})

	// PresenceTransitions counts online/offline transitions observed here.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_transitions_total",
		Help: "User presence transitions",
	}, []string{"direction"})

	// ReapedConnections counts connection ids dropped because their lease expired.
	ReapedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_reaped_total",
		Help: "Connections removed by the lease sweeper",
	})

	// Admissions counts admission outcomes: "ok", "rotated" or an error code.
	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_admissions_total",
		Help: "Credential admission outcomes",
	}, []string{"result"})

	// RateLimited counts requests rejected by a rate limit rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"rule"})

	// HTTPDuration records REST request latency by route pattern and status.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		FanoutFrames,
		PresenceTransitions,
		ReapedConnections,
		Admissions,
		RateLimited,
		HTTPDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

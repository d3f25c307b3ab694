// Package metrics declares the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Relay metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Messages durably appended",
		},
		[]string{"kind"}, // "direct" or "room"
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Rejected or failed sends",
		},
		[]string{"reason"},
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Events queued to live handles",
		},
	)

	DroppedDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_dropped_total",
			Help: "Events dropped because a handle queue was full or closed",
		},
	)

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_requests_total",
			Help: "History page lookups by result",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)

	CacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cache_write_errors_total",
			Help: "Swallowed cache write failures",
		},
	)

	// Connection metrics
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_live_connections",
			Help: "Live WebSocket connections in this process",
		},
	)

	OnlineIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_identities",
			Help: "Identities with at least one live connection in this process",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)
)

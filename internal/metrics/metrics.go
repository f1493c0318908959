package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zappy_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zappy_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zappy_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"message_type"},
	)

	DuplicateSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zappy_duplicate_sends_total",
			Help: "Sends collapsed onto an existing message by idempotency key",
		},
	)

	MessagesMarkedRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zappy_messages_marked_read_total",
			Help: "Messages whose read_at was stamped",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zappy_conversations_created_total",
			Help: "Total conversations created",
		},
	)

	// Realtime metrics
	RealtimeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zappy_realtime_events_published_total",
			Help: "Change events published to subscribers",
		},
		[]string{"table", "type"},
	)

	RealtimeEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zappy_realtime_events_dropped_total",
			Help: "Change events dropped because a subscriber queue was full",
		},
	)

	RealtimeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zappy_realtime_subscriptions",
			Help: "Active realtime subscriptions",
		},
	)

	RealtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zappy_realtime_reconnects_total",
			Help: "Reconnect attempts of realtime feeds",
		},
		[]string{"source"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zappy_websocket_clients",
			Help: "Connected websocket clients",
		},
	)

	// Infrastructure metrics
	PostgresLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zappy_postgres_latency_seconds",
			Help:    "PostgreSQL query latency by operation",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation"},
	)
)

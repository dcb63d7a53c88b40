package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts messages processed per type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"message_type"})

	// FanoutRecipients observes the recipient-set size per conversation broadcast.
	FanoutRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_fanout_recipients",
		Help:    "Number of connections reached per conversation broadcast",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// MessagePersistLatency records the latency of the persist step of a send.
	MessagePersistLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_message_persist_latency_seconds",
		Help:    "Latency of the message persist step in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PresenceTransitions counts online/offline transitions.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_presence_transitions_total",
		Help: "Total presence transitions by direction",
	}, []string{"direction"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})
)

package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks open websocket connections per handler variant.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echodesk_ws_connections_active",
			Help: "Open websocket connections by handler variant",
		},
		[]string{"variant"},
	)

	// HandshakeRejections counts connections refused before reaching Open.
	HandshakeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_ws_handshake_rejections_total",
			Help: "Websocket handshakes rejected by a handler",
		},
		[]string{"variant"},
	)

	// EventsPublished counts publish calls by topic family and event kind.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_fanout_events_published_total",
			Help: "Events published to the fan-out layer",
		},
		[]string{"family", "kind"},
	)

	// Deliveries counts events handed to a subscriber.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_fanout_deliveries_total",
			Help: "Events delivered to subscribers",
		},
		[]string{"family"},
	)

	// DroppedDeliveries counts events a subscriber refused (closed or full buffer).
	DroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_fanout_dropped_total",
			Help: "Events dropped because the subscriber was closed or its buffer was full",
		},
		[]string{"family"},
	)

	// FanoutFailures counts publish errors swallowed after a durable write.
	FanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_fanout_failures_total",
			Help: "Publish attempts that failed and were swallowed",
		},
		[]string{"family"},
	)

	// NotificationsRecorded counts durable notification writes by type.
	NotificationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_notifications_recorded_total",
			Help: "Notifications durably recorded",
		},
		[]string{"type"},
	)

	// RateLimitedFrames counts inbound websocket frames dropped by the per-connection limiter.
	RateLimitedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echodesk_ws_frames_rate_limited_total",
			Help: "Inbound websocket frames dropped by the rate limiter",
		},
		[]string{"variant"},
	)
)

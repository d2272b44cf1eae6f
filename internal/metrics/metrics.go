package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream session
	TicksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_received_total",
		Help: "Ticks received from the broker, by tick type",
	}, []string{"tick_type"})

	OrphanTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_orphan_ticks_total",
		Help: "Ticks dropped because no upstream request entry matched their rid",
	})

	ClockSkewViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_clock_skew_violations_total",
		Help: "Ticks whose broker time ran ahead of receive time beyond tolerance",
	})

	UpstreamState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_upstream_state",
		Help: "Upstream session state: 0 disconnected, 1 connecting, 2 connected, 3 failed",
	})

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_upstream_reconnects_total",
		Help: "Reconnect attempts against the broker gateway",
	})

	UpstreamRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_upstream_requests",
		Help: "Outstanding upstream request entries",
	})

	// Subscription registry
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_active_streams",
		Help: "Live subscriptions in the registry",
	})

	TicksPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_ticks_published_total",
		Help: "Ticks fanned out to subscriber queues",
	})

	SlowConsumerDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_slow_consumer_disconnects_total",
		Help: "Subscribers closed because their queue overflowed",
	})

	SubscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_subscriber_drops_total",
		Help: "Ticks dropped by drop-oldest subscriber queues",
	})

	// Append store
	TicksStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_stored_total",
		Help: "Records appended, by backend (encoding/schema)",
	}, []string{"backend"})

	WriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_write_errors_total",
		Help: "Failed partition writes, by backend",
	}, []string{"backend"})

	StorageQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ibstream_storage_queue_depth",
		Help: "Inbound queue depth, by backend",
	}, []string{"backend"})

	StorageDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_drops_total",
		Help: "Messages discarded by full backend queues or retry rings",
	}, []string{"backend"})

	FileRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_file_rotations_total",
		Help: "Partition file rotations, by backend",
	}, []string{"backend"})

	TruncatedTails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_truncated_tails_total",
		Help: "Partial trailing records skipped by range readers",
	})

	// Delivery
	SSEConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_sse_connections",
		Help: "Open SSE responses",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_ws_connections",
		Help: "Open WebSocket connections",
	})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_events_delivered_total",
		Help: "Envelope events sent downstream, by transport and type",
	}, []string{"transport", "type"})
)

var registerOnce sync.Once

// Register adds every metric to the default registry. Safe to call more
// than once; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TicksReceived, OrphanTicks, ClockSkewViolations,
			UpstreamState, UpstreamReconnects, UpstreamRequests,
			ActiveStreams, TicksPublished, SlowConsumerDisconnects, SubscriberDrops,
			TicksStored, WriteErrors, StorageQueueDepth, StorageDrops,
			FileRotations, TruncatedTails,
			SSEConnections, WSConnections, EventsDelivered,
		)
	})
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

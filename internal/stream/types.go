package stream

import (
	"errors"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// Errors
var (
	ErrQueueFull   = errors.New("subscriber queue full")
	ErrQueueClosed = errors.New("subscriber queue closed")
)

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy int

const (
	// PolicyDisconnect fails the subscription with SLOW_CONSUMER. Used for
	// live SSE and WebSocket subscribers.
	PolicyDisconnect OverflowPolicy = iota

	// PolicyDropOldest evicts the oldest queued event and counts the drop.
	// Used for process-owned sinks that must never die from backpressure.
	PolicyDropOldest
)

// SubscriptionState is the subscription lifecycle state.
type SubscriptionState int32

const (
	StatePending   SubscriptionState = iota // Created, not yet delivering
	StateActive                             // Delivering ticks
	StateCompleted                          // Terminal: limit, timeout, or shutdown
	StateCancelled                          // Terminal: client cancel or socket close
	StateErrored                            // Terminal: upstream or delivery failure
)

func (s SubscriptionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SubscriptionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Options configures one subscription at creation.
//
// Limit and Timeout are tri-state: nil means unbounded, zero means complete
// immediately (limit_reached with zero ticks, or timeout).
type Options struct {
	Limit   *uint64        // Max ticks before complete(limit_reached)
	Timeout *time.Duration // Wall-clock bound before complete(timeout)
	ConnID  string         // Owning transport connection, "" for process-owned
	Tracked bool           // Background subscription: bypasses the per-connection cap
	Policy  OverflowPolicy // Queue overflow behavior
}

// pair is the fan-out key: every tick for (cid, tt) reaches every
// subscription registered under that pair.
type pair struct {
	cid uint32
	tt  model.TickType
}

// SubscriptionInfo is a read-only snapshot for the stats surface.
type SubscriptionInfo struct {
	StreamID       string         `json:"stream_id"`
	ContractID     uint32         `json:"contract_id"`
	TickType       model.TickType `json:"tick_type"`
	RequestID      uint32         `json:"request_id"`
	State          string         `json:"state"`
	Tracked        bool           `json:"tracked,omitempty"`
	TicksDelivered uint64         `json:"ticks_delivered"`
	QueueLen       int            `json:"queue_len"`
	QueueDropped   uint64         `json:"queue_dropped,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RegistryStats is a point-in-time snapshot of the registry.
type RegistryStats struct {
	ActiveStreams  int                `json:"active_streams"`
	MaxStreams     int                `json:"max_streams"`
	TotalCreated   uint64             `json:"total_created"`
	TotalCompleted uint64             `json:"total_completed"`
	TotalCancelled uint64             `json:"total_cancelled"`
	TotalErrored   uint64             `json:"total_errored"`
	TicksPublished uint64             `json:"ticks_published"`
	Subscriptions  []SubscriptionInfo `json:"subscriptions,omitempty"`
}

// RegistryConfig configures the subscription registry.
type RegistryConfig struct {
	MaxStreams        int // Process-wide subscription cap
	MaxStreamsPerConn int // Per transport connection cap (tracked subs exempt)
	QueueSize         int // Per-subscription queue capacity
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxStreams:        50,
		MaxStreamsPerConn: 20,
		QueueSize:         100,
	}
}

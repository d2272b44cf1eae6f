package upstream

import (
	"errors"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrUpstreamUnavailable = errors.New("broker gateway unavailable")
	ErrBadHandshake        = errors.New("unexpected handshake reply")
	ErrFrameTooLarge       = errors.New("frame exceeds size limit")
	ErrRequestLimit        = errors.New("upstream request table full")
)

// Broker frame ops.
const (
	OpStart  = "start"  // outbound: claim a client id
	OpReq    = "req"    // outbound: request ticks for (cid, tt)
	OpCancel = "cancel" // outbound: cancel a request by rid
	OpAck    = "ack"    // inbound: handshake accepted
	OpTick   = "tick"   // inbound: tick payload for a rid
	OpErr    = "err"    // inbound: request-scoped failure
)

// Command is an outbound broker frame.
type Command struct {
	Op       string `json:"op"`
	ClientID int32  `json:"client_id,omitempty"`
	RID      uint32 `json:"rid,omitempty"`
	CID      uint32 `json:"cid,omitempty"`
	TickType string `json:"tt,omitempty"`
}

// Event is an inbound broker frame. Tick events carry the variant fields for
// the rid's tick type; the others are zero.
type Event struct {
	Op       string `json:"op"`
	ClientID int32  `json:"client_id,omitempty"`
	RID      uint32 `json:"rid,omitempty"`
	Code     string `json:"code,omitempty"`
	Msg      string `json:"msg,omitempty"`

	Time        int64   `json:"t,omitempty"` // Unix seconds (broker event time)
	BidPrice    float64 `json:"bp,omitempty"`
	BidSize     float64 `json:"bs,omitempty"`
	AskPrice    float64 `json:"ap,omitempty"`
	AskSize     float64 `json:"as,omitempty"`
	BidPastLow  bool    `json:"bpl,omitempty"`
	AskPastHigh bool    `json:"aph,omitempty"`
	Price       float64 `json:"p,omitempty"`
	Size        float64 `json:"s,omitempty"`
	Unreported  bool    `json:"upt,omitempty"`
	MidPoint    float64 `json:"mp,omitempty"`
}

// rawTick maps the wire fields onto the encoder's input for the entry's tick
// type. The frame itself carries no tt; the request table supplies it.
func (e Event) rawTick(tt model.TickType) model.RawTick {
	return model.RawTick{
		TT:          tt,
		Time:        e.Time,
		BidPrice:    e.BidPrice,
		BidSize:     e.BidSize,
		AskPrice:    e.AskPrice,
		AskSize:     e.AskSize,
		BidPastLow:  e.BidPastLow,
		AskPastHigh: e.AskPastHigh,
		Price:       e.Price,
		Size:        e.Size,
		Unreported:  e.Unreported,
		MidPoint:    e.MidPoint,
	}
}

// TimestampedEvent wraps a decoded frame with its local receive timestamp.
type TimestampedEvent struct {
	Event      Event
	ReceivedAt time.Time // Local timestamp when the frame came off the socket
}

// Fault is a broker-reported failure scoped to one request entry. The session
// removes the entry before emitting the fault, so every stream on (CID, TT)
// must terminate.
type Fault struct {
	RID uint32
	CID uint32
	TT  model.TickType
	Err *model.StreamError
}

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange records one session lifecycle transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// RequestStatus describes one live upstream request entry.
type RequestStatus struct {
	RID        uint32         `json:"rid"`
	CID        uint32         `json:"cid"`
	TickType   model.TickType `json:"tick_type"`
	Refs       int            `json:"refs"`
	LastTickAt time.Time      `json:"last_tick_at,omitzero"`
}

// SessionStats is a point-in-time snapshot for the stats endpoint.
type SessionStats struct {
	State          State
	ClientID       int
	TicksReceived  uint64
	OrphanTicks    uint64
	SkewViolations uint64
	Reconnects     uint64
	Requests       []RequestStatus
}

// DriverConfig configures the TCP broker transport.
type DriverConfig struct {
	Host           string        // Broker gateway host
	Ports          []int         // Candidate ports, tried in order
	ClientID       int           // Client id claimed in the start handshake (1-32767)
	ConnectTimeout time.Duration // Overall budget for dial plus handshake
	WriteTimeout   time.Duration // Write deadline for outbound frames
	EventBuffer    int           // Inbound event channel capacity
}

// DefaultDriverConfig returns sensible defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		EventBuffer:    1000,
	}
}

// SessionConfig configures the upstream session.
type SessionConfig struct {
	ClientID          int           // Client id, echoed in stats
	ReconnectDelay    time.Duration // Wait before each reconnect attempt
	ReconnectAttempts int           // Consecutive failures before the session fails
	CommandRate       float64       // Broker command budget per second
	CommandBurst      int           // Token bucket burst
	MaxRequests       int           // Request table cap (broker market data lines)
	TickBuffer        int           // Pipeline handoff channel capacity
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReconnectDelay:    5 * time.Second,
		ReconnectAttempts: 10,
		CommandRate:       50, // Gateway-enforced pacing
		CommandBurst:      10,
		MaxRequests:       100, // Gateway default market data line count
		TickBuffer:        1000,
	}
}

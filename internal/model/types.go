package model

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Tick Types
// -----------------------------------------------------------------------------

// TickType identifies the kind of tick-by-tick data a subscription carries.
type TickType string

const (
	TickTypeBidAsk   TickType = "bid_ask"   // Best bid/ask quote updates
	TickTypeLast     TickType = "last"      // Trades from the primary exchange
	TickTypeAllLast  TickType = "all_last"  // Trades from all exchanges
	TickTypeMidPoint TickType = "mid_point" // Bid/ask midpoint updates
)

// AllTickTypes lists every valid tick type in canonical order.
func AllTickTypes() []TickType {
	return []TickType{TickTypeBidAsk, TickTypeLast, TickTypeAllLast, TickTypeMidPoint}
}

// Valid reports whether t is one of the four known tick types.
func (t TickType) Valid() bool {
	switch t {
	case TickTypeBidAsk, TickTypeLast, TickTypeAllLast, TickTypeMidPoint:
		return true
	}
	return false
}

func (t TickType) String() string { return string(t) }

// ErrInvalidTickType is returned for labels outside the known set.
var ErrInvalidTickType = errors.New("invalid tick type")

// ParseTickType validates a tick-type label.
func ParseTickType(s string) (TickType, error) {
	t := TickType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTickType, s)
	}
	return t, nil
}

// -----------------------------------------------------------------------------
// Compact Schema (v3)
// -----------------------------------------------------------------------------

// TickMessage is the canonical compact form of one tick. Only the variant
// fields valid for TT are set; optional numerics use pointers so absent
// values never serialize as zero, and optional booleans drop out when false.
type TickMessage struct {
	TS  uint64   `json:"ts"`  // Broker event time (µs since epoch)
	ST  uint64   `json:"st"`  // System receive time (µs since epoch)
	CID uint32   `json:"cid"` // Contract id, preserved from the broker
	TT  TickType `json:"tt"`  // Variant tag
	RID uint32   `json:"rid"` // Request id issued at subscribe time, never rehashed

	// bid_ask
	BidPrice    *float64 `json:"bp,omitempty"`
	BidSize     *float64 `json:"bs,omitempty"`
	AskPrice    *float64 `json:"ap,omitempty"`
	AskSize     *float64 `json:"as,omitempty"`
	BidPastLow  bool     `json:"bpl,omitempty"`
	AskPastHigh bool     `json:"aph,omitempty"`

	// last / all_last
	Price      *float64 `json:"p,omitempty"`
	Size       *float64 `json:"s,omitempty"`
	Unreported bool     `json:"upt,omitempty"`

	// mid_point
	MidPoint *float64 `json:"mp,omitempty"`
}

// DefaultClockSkewTolerance bounds how far broker time may run ahead of
// system time before the skew counter increments.
const DefaultClockSkewTolerance = 5 * time.Second

// Validate checks the structural invariants: a known tick type, a nonzero
// contract id, and a nonzero request id. Clock skew is not a validation
// error; see ExceedsSkew.
func (m *TickMessage) Validate() error {
	if !m.TT.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTickType, m.TT)
	}
	if m.CID == 0 {
		return errors.New("tick has zero contract id")
	}
	if m.RID == 0 {
		return errors.New("tick has zero request id")
	}
	return nil
}

// ExceedsSkew reports whether broker time runs ahead of receive time by more
// than tol. Such ticks are counted but still stored.
func (m *TickMessage) ExceedsSkew(tol time.Duration) bool {
	return int64(m.TS)-int64(m.ST) > tol.Microseconds()
}

// NewBidAskTick builds a bid_ask tick.
func NewBidAskTick(ts, st uint64, cid, rid uint32, bp, bs, ap, as float64, bidPastLow, askPastHigh bool) TickMessage {
	return TickMessage{
		TS: ts, ST: st, CID: cid, TT: TickTypeBidAsk, RID: rid,
		BidPrice: f64(bp), BidSize: f64(bs), AskPrice: f64(ap), AskSize: f64(as),
		BidPastLow: bidPastLow, AskPastHigh: askPastHigh,
	}
}

// NewLastTick builds a last or all_last tick.
func NewLastTick(tt TickType, ts, st uint64, cid, rid uint32, price, size float64, unreported bool) TickMessage {
	return TickMessage{
		TS: ts, ST: st, CID: cid, TT: tt, RID: rid,
		Price: f64(price), Size: f64(size), Unreported: unreported,
	}
}

// NewMidPointTick builds a mid_point tick.
func NewMidPointTick(ts, st uint64, cid, rid uint32, mp float64) TickMessage {
	return TickMessage{TS: ts, ST: st, CID: cid, TT: TickTypeMidPoint, RID: rid, MidPoint: f64(mp)}
}

func f64(v float64) *float64 { return &v }

// -----------------------------------------------------------------------------
// Verbose Schema (v2)
// -----------------------------------------------------------------------------

// VerboseTick is the legacy wire and storage form of one tick: a typed
// envelope with long field names. Accepted on input for back-compat and
// emitted by the delivery endpoints.
type VerboseTick struct {
	Type      string       `json:"type"` // Always "tick"
	StreamID  string       `json:"stream_id"`
	Timestamp string       `json:"timestamp"` // ISO-8601 UTC, µs precision
	Data      VerboseData  `json:"data"`
	Metadata  TickMetadata `json:"metadata"`
}

// VerboseData carries the variant payload under long field names.
type VerboseData struct {
	// bid_ask
	BidPrice    *float64 `json:"bid_price,omitempty"`
	BidSize     *float64 `json:"bid_size,omitempty"`
	AskPrice    *float64 `json:"ask_price,omitempty"`
	AskSize     *float64 `json:"ask_size,omitempty"`
	BidPastLow  bool     `json:"bid_past_low,omitempty"`
	AskPastHigh bool     `json:"ask_past_high,omitempty"`

	// last / all_last
	Price      *float64 `json:"price,omitempty"`
	Size       *float64 `json:"size,omitempty"`
	Unreported bool     `json:"unreported,omitempty"`

	// mid_point
	MidPoint *float64 `json:"mid_point,omitempty"`

	UnixTime uint64 `json:"unix_time"` // Broker event time (µs since epoch)
}

// TickMetadata identifies the subscription a verbose tick belongs to.
// Values are strings on the wire; request_id holds the canonical rid.
type TickMetadata struct {
	ContractID string `json:"contract_id"`
	TickType   string `json:"tick_type"`
	RequestID  string `json:"request_id"`
	Source     string `json:"source,omitempty"` // "live" or "buffer"
}

// Metadata source values.
const (
	SourceLive   = "live"
	SourceBuffer = "buffer"
)

// -----------------------------------------------------------------------------
// Delivery Envelope
// -----------------------------------------------------------------------------

// Envelope event types. The first four flow on every transport; the rest
// are WebSocket control traffic.
const (
	EventTick     = "tick"
	EventError    = "error"
	EventComplete = "complete"
	EventInfo     = "info"

	EventConnected  = "connected"
	EventSubscribed = "subscribed"
	EventPong       = "pong"
	EventStats      = "stats"
)

// Envelope is the frame every SSE event and WebSocket message shares.
// For tick events the Data is a VerboseData payload; the other event types
// carry ErrorData, CompleteData, or InfoData.
type Envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"` // Request correlation (WS control traffic)
	StreamID  string `json:"stream_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	Reason          string  `json:"reason"`
	TotalTicks      uint64  `json:"total_ticks"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// InfoData is the payload of an info event.
type InfoData struct {
	Status string `json:"status"`
}

// Completion reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonLimitReached = "limit_reached"
	ReasonClientGone   = "client_gone"
	ReasonUpstreamLost = "upstream_lost"
	ReasonComplete     = "complete"
	ReasonShutdown     = "shutdown"
)

// Info statuses.
const (
	StatusSubscribed   = "subscribed"
	StatusReconnecting = "reconnecting"
	StatusHeartbeat    = "heartbeat"
)

// -----------------------------------------------------------------------------
// Error Taxonomy
// -----------------------------------------------------------------------------

// Wire error codes. Stable: clients match on these strings.
const (
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamLost        = "UPSTREAM_LOST"
	CodeInvalidTickType     = "INVALID_TICK_TYPE"
	CodeContractUnknown     = "CONTRACT_UNKNOWN"
	CodeStreamLimitReached  = "STREAM_LIMIT_REACHED"
	CodeStreamTimeout       = "STREAM_TIMEOUT"
	CodeSlowConsumer        = "SLOW_CONSUMER"
	CodeStorageWriteFailed  = "STORAGE_WRITE_FAILED"
	CodeStorageReadFailed   = "STORAGE_READ_FAILED"
)

// StreamError carries a wire error code through the process so delivery can
// emit it without string matching on error text.
type StreamError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStreamError builds a StreamError for the given taxonomy code.
func NewStreamError(code, message string, recoverable bool) *StreamError {
	return &StreamError{Code: code, Message: message, Recoverable: recoverable}
}

// AsStreamError unwraps err to a StreamError, or wraps it under the given
// fallback code when it is any other error.
func AsStreamError(err error, fallbackCode string) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return &StreamError{Code: fallbackCode, Message: err.Error()}
}

// -----------------------------------------------------------------------------
// Timestamps
// -----------------------------------------------------------------------------

// TimestampLayout renders UTC wall time at microsecond precision with a
// literal Z suffix, e.g. 2025-08-01T00:31:54.037772Z.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatMicros renders a µs-since-epoch timestamp in TimestampLayout.
func FormatMicros(us uint64) string {
	return time.UnixMicro(int64(us)).UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string back to µs since epoch.
func ParseTimestamp(s string) (uint64, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return uint64(t.UnixMicro()), nil
}

// NowMicros returns the current wall clock in µs since epoch.
func NowMicros() uint64 { return uint64(time.Now().UnixMicro()) }

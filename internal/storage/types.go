package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ibstream/internal/model"
)

var (
	// ErrNoBackend is returned when a query names a format no enabled
	// backend serves.
	ErrNoBackend = errors.New("no storage backend for requested format")

	// ErrNotRunning is returned when Store is used before Start.
	ErrNotRunning = errors.New("storage not running")
)

// Encoding identifies an on-disk byte format.
type Encoding string

const (
	EncodingJSON     Encoding = "json"     // One JSON object per line
	EncodingProtobuf Encoding = "protobuf" // uint32-LE length-prefixed records
)

// ParseEncoding validates a format label from a query string.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingJSON, EncodingProtobuf:
		return Encoding(s), nil
	}
	return "", errors.New("unknown storage format " + s)
}

// Schema identifies the record shape written inside an encoding.
type Schema string

const (
	SchemaVerbose Schema = "v2" // Legacy long-name envelope
	SchemaCompact Schema = "v3" // Canonical short-name form
)

// BackendID names one (encoding, schema) cell of the storage matrix.
type BackendID struct {
	Encoding Encoding
	Schema   Schema
}

func (id BackendID) String() string {
	return string(id.Encoding) + "/" + string(id.Schema)
}

// Ext returns the file suffix for the encoding.
func (id BackendID) Ext() string {
	if id.Encoding == EncodingProtobuf {
		return ".pb"
	}
	return ".jsonl"
}

// Message is the envelope every backend writer consumes. One message id is
// stamped per published tick and shared across backends, so the same tick
// can be correlated between encodings.
type Message struct {
	ID   uuid.UUID
	Tick model.TickMessage
}

// NewMessage wraps a tick for storage with a fresh message id.
func NewMessage(t model.TickMessage) Message {
	return Message{ID: uuid.New(), Tick: t}
}

// Config holds the writer-side settings shared by all backends.
type Config struct {
	// Root is the directory all partitions live under.
	Root string

	// QueueSize bounds each backend's inbound queue.
	QueueSize int

	// BatchSize is the number of messages buffered before a flush.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// MaxFileSize rotates a partition file above this many bytes.
	MaxFileSize int64

	// RetryRingSize bounds the per-backend retry ring for failed writes.
	RetryRingSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root:          "storage",
		QueueSize:     1000,
		BatchSize:     100,
		FlushInterval: 250 * time.Millisecond,
		MaxFileSize:   256 << 20,
		RetryRingSize: 64,
	}
}

// RangeQuery selects records for one contract over a closed time interval.
type RangeQuery struct {
	ContractID uint32
	TickTypes  []model.TickType
	Start      uint64 // Microseconds since epoch, inclusive
	End        uint64 // Microseconds since epoch, inclusive
	Limit      uint64 // 0 = unbounded
}

// BackendStats is one backend's writer-side counters.
type BackendStats struct {
	Backend     string    `json:"backend"`
	Stored      uint64    `json:"stored"`
	Dropped     uint64    `json:"dropped"`
	WriteErrors uint64    `json:"write_errors"`
	Retried     uint64    `json:"retried"`
	Rotations   uint64    `json:"rotations"`
	QueueLen    int       `json:"queue_len"`
	OpenFiles   int       `json:"open_files"`
	LastWriteAt time.Time `json:"last_write_at,omitzero"`
}

// StoreStats aggregates the enabled backends for the stats endpoint.
type StoreStats struct {
	Enabled  bool           `json:"enabled"`
	Healthy  bool           `json:"healthy"`
	Backends []BackendStats `json:"backends,omitempty"`
}

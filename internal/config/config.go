package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// Config is the root configuration for a streamer instance. A Config value
// is immutable after load; hot reload builds a fresh snapshot (see Store).
//
// Every field can come from YAML; the fields that form the wire contract
// with the supervisor additionally bind to IB_* environment variables.
// Environment wins over file, file wins over defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Stream   StreamConfig   `yaml:"stream"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracker  TrackerConfig  `yaml:"tracker"`

	LogLevel string `yaml:"log_level" env:"IB_STREAM_LOG_LEVEL"`
}

// ServerConfig holds the HTTP/SSE/WebSocket bind settings.
type ServerConfig struct {
	BindHost string `yaml:"bind_host" env:"IB_STREAM_BIND_HOST"`
	Port     int    `yaml:"port" env:"IB_STREAM_PORT"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// UpstreamConfig holds broker gateway session settings.
type UpstreamConfig struct {
	Host              string        `yaml:"host" env:"IB_HOST"`
	Ports             []int         `yaml:"ports" env:"IB_PORTS" envSeparator:","` // Tried in order
	ClientID          int           `yaml:"client_id" env:"IB_CLIENT_ID"`          // 1..32767
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"` // Consecutive failures before Failed
	CommandRate       float64       `yaml:"command_rate"`       // Broker-bound messages/sec
	CommandBurst      int           `yaml:"command_burst"`
}

// StreamConfig holds subscription and fan-out limits.
type StreamConfig struct {
	MaxStreams        int           `yaml:"max_streams" env:"IB_STREAM_MAX_STREAMS"`
	MaxStreamsPerConn int           `yaml:"max_streams_per_ws_connection" env:"IB_STREAM_MAX_STREAMS_PER_CONNECTION"`
	BufferSize        int           `yaml:"buffer_size" env:"IB_STREAM_BUFFER_SIZE"` // Per-subscriber queue capacity
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// StorageConfig holds the append-store settings. The four backend toggles
// span the (encoding × schema) matrix: json/protobuf × v2/v3.
type StorageConfig struct {
	Enabled        bool          `yaml:"enabled" env:"IB_STREAM_ENABLE_STORAGE"`
	Path           string        `yaml:"path" env:"IB_STREAM_STORAGE_PATH"`
	EnableJSON     bool          `yaml:"enable_json" env:"IB_STREAM_ENABLE_JSON"`
	EnableProtobuf bool          `yaml:"enable_protobuf" env:"IB_STREAM_ENABLE_PROTOBUF"`
	EnableV2       bool          `yaml:"enable_v2" env:"IB_STREAM_ENABLE_V2_STORAGE"` // Verbose schema
	EnableV3       bool          `yaml:"enable_v3" env:"IB_STREAM_ENABLE_V3_STORAGE"` // Compact schema (canonical)
	QueueSize      int           `yaml:"queue_size"`                                  // Per-backend inbound queue
	BatchSize      int           `yaml:"batch_size"`                                  // In-memory buffer before flush
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxFileSize    int64         `yaml:"max_file_size"` // Bytes; rotate above this
	RetryRingSize  int           `yaml:"retry_ring_size"`
}

// TrackerConfig holds background streaming settings.
type TrackerConfig struct {
	Enabled        bool          `yaml:"enabled" env:"IB_STREAM_ENABLE_BACKGROUND_STREAMING"`
	Contracts      string        `yaml:"contracts" env:"IB_STREAM_TRACKED_CONTRACTS"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// SlogLevel maps the configured log level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// -----------------------------------------------------------------------------
// Tracked contracts
// -----------------------------------------------------------------------------

// TrackedContract is one pinned contract the Background Tracker keeps
// subscribed and recording.
type TrackedContract struct {
	CID         uint32
	Symbol      string // Display hint only; the broker works in cids
	TickTypes   []model.TickType
	BufferHours int
}

// TrackedContracts parses the configured contract list. Entry format is
// "cid:symbol:tt1;tt2:buffer_hours", entries separated by commas, e.g.
// "711280073:MNQ:bid_ask;last:24,265598:AAPL:bid_ask:12".
func (c TrackerConfig) TrackedContracts() ([]TrackedContract, error) {
	raw := strings.TrimSpace(c.Contracts)
	if raw == "" {
		return nil, nil
	}

	var out []TrackedContract
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("tracked contract %q: want cid:symbol:tick_types:buffer_hours", entry)
		}

		cid, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || cid == 0 {
			return nil, fmt.Errorf("tracked contract %q: bad cid %q", entry, parts[0])
		}

		var tts []model.TickType
		for _, label := range strings.Split(parts[2], ";") {
			tt, err := model.ParseTickType(strings.TrimSpace(label))
			if err != nil {
				return nil, fmt.Errorf("tracked contract %q: %w", entry, err)
			}
			tts = append(tts, tt)
		}
		if len(tts) == 0 {
			return nil, fmt.Errorf("tracked contract %q: no tick types", entry)
		}

		hours, err := strconv.Atoi(parts[3])
		if err != nil || hours < 0 {
			return nil, fmt.Errorf("tracked contract %q: bad buffer_hours %q", entry, parts[3])
		}

		out = append(out, TrackedContract{
			CID:         uint32(cid),
			Symbol:      parts[1],
			TickTypes:   tts,
			BufferHours: hours,
		})
	}
	return out, nil
}

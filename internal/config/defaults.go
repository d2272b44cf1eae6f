package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBindHost              = "0.0.0.0"
	DefaultPort                  = 8765
	DefaultUpstreamHost          = "127.0.0.1"
	DefaultClientID              = 10
	DefaultConnectionTimeout     = 10 * time.Second
	DefaultReconnectDelay        = 5 * time.Second
	DefaultReconnectAttempts     = 10
	DefaultCommandRate           = 50.0 // Broker gateway pacing limit
	DefaultCommandBurst          = 10
	DefaultMaxStreams            = 50
	DefaultMaxStreamsPerConn     = 20
	DefaultBufferSize            = 100
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultStoragePath           = "storage"
	DefaultStorageQueueSize      = 1000
	DefaultStorageBatchSize      = 100
	DefaultFlushInterval         = 250 * time.Millisecond
	DefaultMaxFileSize           = 256 << 20 // 256 MiB
	DefaultRetryRingSize         = 64
	DefaultTrackerReconnectDelay = 30 * time.Second
	DefaultLogLevel              = "info"
)

// Default returns the built-in configuration. Load layers the YAML file and
// the environment on top, so absent keys keep these values; overlaying a
// populated struct keeps the boolean toggles exact rather than zero-value
// guesses.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindHost: DefaultBindHost,
			Port:     DefaultPort,
		},
		Upstream: UpstreamConfig{
			Host:              DefaultUpstreamHost,
			Ports:             []int{4002, 4001}, // Paper gateway first, then live
			ClientID:          DefaultClientID,
			ConnectionTimeout: DefaultConnectionTimeout,
			ReconnectDelay:    DefaultReconnectDelay,
			ReconnectAttempts: DefaultReconnectAttempts,
			CommandRate:       DefaultCommandRate,
			CommandBurst:      DefaultCommandBurst,
		},
		Stream: StreamConfig{
			MaxStreams:        DefaultMaxStreams,
			MaxStreamsPerConn: DefaultMaxStreamsPerConn,
			BufferSize:        DefaultBufferSize,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		Storage: StorageConfig{
			Enabled:        true,
			Path:           DefaultStoragePath,
			EnableJSON:     true,
			EnableProtobuf: true,
			EnableV2:       false, // Verbose schema is legacy, opt-in
			EnableV3:       true,  // Compact schema is canonical
			QueueSize:      DefaultStorageQueueSize,
			BatchSize:      DefaultStorageBatchSize,
			FlushInterval:  DefaultFlushInterval,
			MaxFileSize:    DefaultMaxFileSize,
			RetryRingSize:  DefaultRetryRingSize,
		},
		Tracker: TrackerConfig{
			Enabled:        false,
			ReconnectDelay: DefaultTrackerReconnectDelay,
		},
		LogLevel: DefaultLogLevel,
	}
}

package config

import (
	"errors"
	"fmt"
)

// Validate checks that required fields are set and values are in range.
// Messages use dotted field paths so supervisor logs point at the offender.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Upstream.Host == "" {
		return errors.New("upstream.host is required")
	}
	if len(c.Upstream.Ports) == 0 {
		return errors.New("upstream.ports is required")
	}
	for _, p := range c.Upstream.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("upstream.ports entry %d out of range", p)
		}
	}
	if c.Upstream.ClientID < 1 || c.Upstream.ClientID > 32767 {
		return fmt.Errorf("upstream.client_id must be between 1 and 32767, got %d", c.Upstream.ClientID)
	}
	if c.Upstream.ConnectionTimeout <= 0 {
		return errors.New("upstream.connection_timeout must be > 0")
	}
	if c.Upstream.ReconnectAttempts < 1 {
		return errors.New("upstream.reconnect_attempts must be >= 1")
	}
	if c.Upstream.CommandRate <= 0 {
		return errors.New("upstream.command_rate must be > 0")
	}

	if c.Stream.MaxStreams < 1 {
		return errors.New("stream.max_streams must be >= 1")
	}
	if c.Stream.MaxStreamsPerConn < 1 {
		return errors.New("stream.max_streams_per_ws_connection must be >= 1")
	}
	if c.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}

	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			return errors.New("storage.path is required when storage is enabled")
		}
		if !c.Storage.EnableJSON && !c.Storage.EnableProtobuf {
			return errors.New("storage: at least one encoding (json, protobuf) must be enabled")
		}
		if !c.Storage.EnableV2 && !c.Storage.EnableV3 {
			return errors.New("storage: at least one schema (v2, v3) must be enabled")
		}
		if c.Storage.QueueSize < 1 {
			return errors.New("storage.queue_size must be >= 1")
		}
		if c.Storage.BatchSize < 1 {
			return errors.New("storage.batch_size must be >= 1")
		}
		if c.Storage.MaxFileSize < 1 {
			return errors.New("storage.max_file_size must be >= 1")
		}
	}

	if c.Tracker.Enabled {
		if _, err := c.Tracker.TrackedContracts(); err != nil {
			return fmt.Errorf("tracker.contracts: %w", err)
		}
	}

	return nil
}

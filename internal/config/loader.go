package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load builds a Config snapshot: built-in defaults, then the optional YAML
// file at path (with ${VAR} expansion), then the IB_* environment variables.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		// Expand ${VAR} environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	applyAliases(cfg)

	return cfg, nil
}

// LoadAndValidate loads a snapshot and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyAliases maps legacy environment names onto their current fields.
// Aliases only fire when the current name is unset.
func applyAliases(cfg *Config) {
	if os.Getenv("IB_PORTS") == "" {
		if v := os.Getenv("IB_PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				cfg.Upstream.Ports = []int{p}
			}
		}
	}
	if os.Getenv("IB_STREAM_BIND_HOST") == "" {
		if v := os.Getenv("IB_STREAM_HOST"); v != "" {
			cfg.Server.BindHost = v
		}
	}
}

// Store hands out immutable Config snapshots and swaps in a new one on
// reload. In-flight subscriptions keep whatever snapshot they started with;
// only new subscriptions observe the replacement.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewStore wraps an already-validated snapshot. path is re-read on Reload
// and may be empty.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Config { return s.cur.Load() }

// Reload rebuilds the snapshot from file and environment. On error the
// previous snapshot stays active.
func (s *Store) Reload() (*Config, error) {
	cfg, err := LoadAndValidate(s.path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)
	return cfg, nil
}

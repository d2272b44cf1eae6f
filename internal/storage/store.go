package storage

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/ibstream/internal/model"
)

// EnabledBackends expands the configuration toggles into the
// (encoding × schema) matrix.
func EnabledBackends(json, protobuf, v2, v3 bool) []BackendID {
	var ids []BackendID
	if json && v2 {
		ids = append(ids, BackendID{EncodingJSON, SchemaVerbose})
	}
	if json && v3 {
		ids = append(ids, BackendID{EncodingJSON, SchemaCompact})
	}
	if protobuf && v2 {
		ids = append(ids, BackendID{EncodingProtobuf, SchemaVerbose})
	}
	if protobuf && v3 {
		ids = append(ids, BackendID{EncodingProtobuf, SchemaCompact})
	}
	return ids
}

// Store fans writes out to every enabled backend and picks one backend per
// query. A store with no backends is a no-op sink, which is how disabled
// storage runs.
type Store struct {
	cfg      Config
	logger   *slog.Logger
	backends []Backend
	running  atomic.Bool
}

// NewStore creates the composite over the given backend matrix.
func NewStore(cfg Config, ids []BackendID, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{cfg: cfg, logger: logger}
	for _, id := range ids {
		s.backends = append(s.backends, NewBackend(id, cfg, logger))
	}
	return s
}

// Start starts every backend writer.
func (s *Store) Start(ctx context.Context) error {
	for i, b := range s.backends {
		if err := b.Start(ctx); err != nil {
			for _, started := range s.backends[:i] {
				started.Stop(ctx)
			}
			return err
		}
	}
	s.running.Store(true)

	if len(s.backends) > 0 {
		s.logger.Info("append store started",
			"root", s.cfg.Root,
			"backends", len(s.backends),
		)
	}
	return nil
}

// Stop drains and stops every backend writer.
func (s *Store) Stop(ctx context.Context) error {
	s.running.Store(false)
	for _, b := range s.backends {
		b.Stop(ctx)
	}
	return nil
}

// Store records one tick on every backend. One message id is stamped here
// and shared across backends. Never blocks: a backend with a full queue
// drops and counts.
func (s *Store) Store(t model.TickMessage) {
	if !s.running.Load() || len(s.backends) == 0 {
		return
	}
	msg := NewMessage(t)
	for _, b := range s.backends {
		b.Store(msg)
	}
}

// QueryRange reads from the backend matching enc, preferring the compact
// schema when both are enabled. Verbose rows decode back to compact form
// on the way out.
func (s *Store) QueryRange(ctx context.Context, q RangeQuery, enc Encoding) (<-chan model.TickMessage, <-chan error, error) {
	b, ok := s.pick(enc)
	if !ok {
		return nil, nil, ErrNoBackend
	}
	ticks, errc := b.QueryRange(ctx, q)
	return ticks, errc, nil
}

// pick chooses the read backend for an encoding.
func (s *Store) pick(enc Encoding) (Backend, bool) {
	var fallback Backend
	for _, b := range s.backends {
		if b.ID().Encoding != enc {
			continue
		}
		if b.ID().Schema == SchemaCompact {
			return b, true
		}
		fallback = b
	}
	return fallback, fallback != nil
}

// Enabled reports whether any backend is configured.
func (s *Store) Enabled() bool { return len(s.backends) > 0 }

// Healthy reports whether the writers are running.
func (s *Store) Healthy() bool {
	return !s.Enabled() || s.running.Load()
}

// Stats snapshots every backend for the stats endpoint.
func (s *Store) Stats() StoreStats {
	st := StoreStats{
		Enabled: s.Enabled(),
		Healthy: s.Healthy(),
	}
	for _, b := range s.backends {
		st.Backends = append(st.Backends, b.Stats())
	}
	return st
}

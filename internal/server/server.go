package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/storage"
	"github.com/rickgao/ibstream/internal/stream"
	"github.com/rickgao/ibstream/internal/tracker"
	"github.com/rickgao/ibstream/internal/upstream"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the bind address, host:port.
	Addr string

	// HeartbeatInterval is how long an SSE response may sit idle before an
	// info heartbeat goes out.
	HeartbeatInterval time.Duration

	// ReplayWindows maps tracked contract ids to their default historical
	// window. A buffer query without explicit bounds falls back to this.
	ReplayWindows map[uint32]time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8080",
		HeartbeatInterval: 30 * time.Second,
	}
}

// Server is the delivery surface: SSE and WebSocket streaming, historical
// replay, and the health, stats, and metrics endpoints. It owns no
// subscription state; the registry does.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry stream.Registry
	store    *storage.Store
	session  upstream.Session
	tracker  *tracker.Tracker

	srv   *http.Server
	addr  string
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	proc  *process.Process
	start time.Time

	wsConns     atomic.Int64 // Open data sockets
	controlSubs atomic.Int64 // Open control sockets
}

// New wires the server over its collaborators. The tracker may be nil when
// background streaming is disabled.
func New(cfg Config, registry stream.Registry, store *storage.Store, session upstream.Session, tr *tracker.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		session:  session,
		tracker:  tr,
	}
	// Process handle for the stats endpoint; stats degrade gracefully
	// without it.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the endpoint table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /stream/{cid}/{tt}", s.handleStreamSingle)
	mux.HandleFunc("GET /stream/{cid}", s.handleStreamMulti)
	mux.HandleFunc("GET /buffer/{cid}", s.handleBuffer)
	mux.HandleFunc("GET /buffer/{cid}/query", s.handleBuffer)

	mux.HandleFunc("GET /ws/stream", s.handleWSStream)
	mux.HandleFunc("GET /ws/control", s.handleWSControl)

	return mux
}

// Start binds the listener and begins serving. A bind failure is returned
// synchronously so startup can abort.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.stop = context.WithCancel(ctx)
	s.start = time.Now()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", s.addr)
	return nil
}

// Addr returns the bound address once Start has succeeded. With a :0 port
// in the config this is the kernel-assigned address.
func (s *Server) Addr() string { return s.addr }

// Stop closes the listener and waits for in-flight responses. The graceful
// drain runs before the server context is cancelled so streaming handlers
// can flush their terminal events; websocket sockets are cut once the
// drain finishes or the deadline expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")

	err := s.srv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http server shutdown timed out", "error", err)
		s.srv.Close()
	}
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()

	s.logger.Info("http server stopped")
	return err
}

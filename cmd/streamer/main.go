// streamer is the market-data streaming gateway: one broker session in,
// SSE/WebSocket fan-out and the partitioned append store out.
//
// Configuration comes from built-in defaults, an optional YAML file, and
// the IB_* environment (which wins). A .env file in the working directory
// is loaded first when present.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ibstream/internal/config"
	"github.com/rickgao/ibstream/internal/server"
	"github.com/rickgao/ibstream/internal/storage"
	"github.com/rickgao/ibstream/internal/stream"
	"github.com/rickgao/ibstream/internal/tracker"
	"github.com/rickgao/ibstream/internal/upstream"
	"github.com/rickgao/ibstream/internal/version"
)

// Exit codes form part of the supervisor contract.
const (
	exitOK     = 0
	exitFatal  = 1
	exitSignal = 130
)

// errShutdownSignal carries the interrupt out of the signal goroutine.
var errShutdownSignal = errors.New("shutdown signal")

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", "", "server bind address (overrides config)")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// Best effort; absence of a .env file is the normal case.
	godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitFatal
	}
	if *host != "" {
		cfg.Server.BindHost = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.String(),
		"addr", cfg.Server.Addr(),
		"client_id", cfg.Upstream.ClientID,
	)

	tracked, err := cfg.Tracker.TrackedContracts()
	if err != nil {
		logger.Error("bad tracked contract list", "error", err)
		return exitFatal
	}
	cfgStore := config.NewStore(cfg, *configPath)

	// Upstream session over the TCP driver. Every reconnect attempt builds
	// a fresh driver; dead transports are discarded, never redialed.
	driverCfg := upstream.DefaultDriverConfig()
	driverCfg.Host = cfg.Upstream.Host
	driverCfg.Ports = cfg.Upstream.Ports
	driverCfg.ClientID = cfg.Upstream.ClientID
	driverCfg.ConnectTimeout = cfg.Upstream.ConnectionTimeout

	sessionCfg := upstream.DefaultSessionConfig()
	sessionCfg.ClientID = cfg.Upstream.ClientID
	sessionCfg.ReconnectDelay = cfg.Upstream.ReconnectDelay
	sessionCfg.ReconnectAttempts = cfg.Upstream.ReconnectAttempts
	sessionCfg.CommandRate = cfg.Upstream.CommandRate
	sessionCfg.CommandBurst = cfg.Upstream.CommandBurst

	session := upstream.NewSession(sessionCfg, func() upstream.Driver {
		return upstream.NewTCPDriver(driverCfg, logger)
	}, logger)

	registry := stream.NewRegistry(stream.RegistryConfig{
		MaxStreams:        cfg.Stream.MaxStreams,
		MaxStreamsPerConn: cfg.Stream.MaxStreamsPerConn,
		QueueSize:         cfg.Stream.BufferSize,
	}, session, logger)

	var backends []storage.BackendID
	if cfg.Storage.Enabled {
		backends = storage.EnabledBackends(
			cfg.Storage.EnableJSON, cfg.Storage.EnableProtobuf,
			cfg.Storage.EnableV2, cfg.Storage.EnableV3,
		)
	}
	store := storage.NewStore(storage.Config{
		Root:          cfg.Storage.Path,
		QueueSize:     cfg.Storage.QueueSize,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval,
		MaxFileSize:   cfg.Storage.MaxFileSize,
		RetryRingSize: cfg.Storage.RetryRingSize,
	}, backends, logger)
	registry.AttachSink(store.Store)

	var tr *tracker.Tracker
	if cfg.Tracker.Enabled && len(tracked) > 0 {
		trackerCfg := tracker.DefaultConfig()
		trackerCfg.ReconnectDelay = cfg.Tracker.ReconnectDelay
		for _, c := range tracked {
			trackerCfg.Contracts = append(trackerCfg.Contracts, tracker.Contract{
				CID:         c.CID,
				Symbol:      c.Symbol,
				TickTypes:   c.TickTypes,
				BufferHours: c.BufferHours,
			})
		}
		tr = tracker.New(trackerCfg, registry, session, logger)
	}

	replay := make(map[uint32]time.Duration)
	for _, c := range tracked {
		if c.BufferHours > 0 {
			replay[c.CID] = time.Duration(c.BufferHours) * time.Hour
		}
	}
	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr(),
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ReplayWindows:     replay,
	}, registry, store, session, tr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Start(ctx); err != nil {
		logger.Error("append store failed to start", "error", err)
		return exitFatal
	}
	if err := session.Open(ctx); err != nil {
		logger.Error("broker session failed to open", "error", err)
		stopStore(store)
		return exitFatal
	}
	if err := registry.Start(ctx); err != nil {
		logger.Error("registry failed to start", "error", err)
		session.Close()
		stopStore(store)
		return exitFatal
	}
	if tr != nil {
		if err := tr.Start(ctx); err != nil {
			logger.Error("tracker failed to start", "error", err)
			shutdown(nil, srv, registry, store, session, logger)
			return exitFatal
		}
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("http server failed to start", "error", err)
		shutdown(tr, srv, registry, store, session, logger)
		return exitFatal
	}

	logger.Info("streamer running",
		"addr", srv.Addr(),
		"storage_backends", len(backends),
		"tracked_contracts", len(tracked),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Interrupt handling. SIGHUP reloads the configuration snapshot; new
	// subscriptions observe it, in-flight ones keep theirs.
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					if _, err := cfgStore.Reload(); err != nil {
						logger.Warn("config reload failed, keeping previous snapshot", "error", err)
					} else {
						logger.Info("configuration reloaded")
					}
					continue
				}
				logger.Info("received shutdown signal", "signal", sig.String())
				return errShutdownSignal
			}
		}
	})

	// Session watch. After the reconnect budget is spent the session is
	// Failed for good; without tracked contracts there is nothing left to
	// capture, so the process exits for the supervisor to restart.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if session.State() == upstream.StateFailed {
					if len(tracked) == 0 {
						return fmt.Errorf("upstream lost after %d attempts", cfg.Upstream.ReconnectAttempts)
					}
					logger.Error("upstream lost; live streaming is down, replay still served")
					return gctx.Err()
				}
			}
		}
	})

	err = g.Wait()
	shutdown(tr, srv, registry, store, session, logger)

	switch {
	case errors.Is(err, errShutdownSignal):
		logger.Info("streamer stopped")
		return exitSignal
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("streamer failed", "error", err)
		return exitFatal
	default:
		logger.Info("streamer stopped")
		return exitOK
	}
}

// shutdown drains in dependency order: stop intake first (tracker pins and
// the HTTP listener), complete live subscribers, flush the writers, then
// drop the broker connection.
func shutdown(tr *tracker.Tracker, srv *server.Server, registry stream.Registry, store *storage.Store, session upstream.Session, logger *slog.Logger) {
	// Storage writers get the same deadline to empty their queues before
	// partitions are force-closed.
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	if tr != nil {
		tr.Stop(ctx)
	}
	srv.Stop(ctx)
	registry.Stop(ctx)
	store.Stop(ctx)
	if err := session.Close(); err != nil && !errors.Is(err, upstream.ErrAlreadyClosed) {
		logger.Warn("broker session close failed", "error", err)
	}
}

// drainDeadline bounds the shutdown drain.
const drainDeadline = 5 * time.Second

// stopStore drains the writers during an aborted startup.
func stopStore(store *storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	store.Stop(ctx)
}

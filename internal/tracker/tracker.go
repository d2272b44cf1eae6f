package tracker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/stream"
	"github.com/rickgao/ibstream/internal/upstream"
)

// Contract is one pinned contract and the tick types to keep live.
// Symbol is a display hint only; the broker works in contract ids.
// BufferHours feeds the historical endpoint's default replay window.
type Contract struct {
	CID         uint32
	Symbol      string
	TickTypes   []model.TickType
	BufferHours int
}

// Config holds the background tracker settings.
type Config struct {
	// Contracts to pin, in subscription order.
	Contracts []Contract

	// ReconnectDelay is the wait before re-creating an errored pin.
	ReconnectDelay time.Duration

	// ReconcileInterval is how often missing pins are swept up.
	ReconcileInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    5 * time.Second,
		ReconcileInterval: 30 * time.Second,
	}
}

// pinKey identifies one desired subscription.
type pinKey struct {
	cid uint32
	tt  model.TickType
}

// Stats is the tracker block of the stats endpoint.
type Stats struct {
	Enabled   bool   `json:"enabled"`
	Desired   int    `json:"desired"`
	Live      int    `json:"live"`
	Created   uint64 `json:"created"`
	Recreated uint64 `json:"recreated"`
}

// Tracker pins one subscription per tracked (contract, tick type) for the
// process lifetime. Pinned subscriptions have no limit and no timeout,
// drop oldest on overflow instead of disconnecting, and are re-created
// when they error. External subscribers for the same pair share the
// upstream request with a pin automatically.
type Tracker struct {
	cfg      Config
	registry stream.Registry
	session  upstream.Session
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[pinKey]string // Desired pin to live stream id; empty while a create is in flight

	created   atomic.Uint64
	recreated atomic.Uint64
}

// New creates a tracker over the given registry and session.
func New(cfg Config, registry stream.Registry, session upstream.Session, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:      cfg,
		registry: registry,
		session:  session,
		logger:   logger,
		live:     make(map[pinKey]string),
	}
}

// Start launches the pin loop. With no tracked contracts the tracker is
// a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if len(t.cfg.Contracts) == 0 {
		t.logger.Info("background tracker idle: no tracked contracts")
		return nil
	}

	t.wg.Add(1)
	go t.run()

	t.logger.Info("background tracker started",
		"contracts", len(t.cfg.Contracts),
		"subscriptions", t.desired(),
	)
	return nil
}

// Stop halts pinning. Live subscriptions are left for the registry to
// complete at shutdown.
func (t *Tracker) Stop(ctx context.Context) error {
	t.logger.Info("stopping background tracker")

	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("background tracker stopped")
	case <-ctx.Done():
		t.logger.Warn("background tracker stop timed out")
	}
	return nil
}

// Stats returns a snapshot for the stats endpoint.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	live := 0
	for _, id := range t.live {
		if id != "" {
			live++
		}
	}
	t.mu.Unlock()

	return Stats{
		Enabled:   len(t.cfg.Contracts) > 0,
		Desired:   t.desired(),
		Live:      live,
		Created:   t.created.Load(),
		Recreated: t.recreated.Load(),
	}
}

func (t *Tracker) desired() int {
	n := 0
	for _, c := range t.cfg.Contracts {
		n += len(c.TickTypes)
	}
	return n
}

// run waits for the broker session, pins everything once, then sweeps for
// missing pins on an interval.
func (t *Tracker) run() {
	defer t.wg.Done()

	if !t.waitForSession() {
		return
	}
	t.pinAll()

	ticker := time.NewTicker(t.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.reconcile()
		}
	}
}

// waitForSession polls until the broker session is connected. The state
// change channel belongs to the registry pump, so the tracker polls the
// snapshot instead of competing for it.
func (t *Tracker) waitForSession() bool {
	for {
		if t.session.State() == upstream.StateConnected {
			return true
		}
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// pinAll issues the initial subscriptions in configured order.
func (t *Tracker) pinAll() {
	for _, c := range t.cfg.Contracts {
		for _, tt := range c.TickTypes {
			t.pin(c.CID, tt)
		}
	}
}

// pin creates one tracked subscription and starts its drain. Returns
// false if the pair is already pinned or the create failed; failed pins
// are retried by the reconcile sweep.
func (t *Tracker) pin(cid uint32, tt model.TickType) bool {
	key := pinKey{cid: cid, tt: tt}

	t.mu.Lock()
	if _, ok := t.live[key]; ok {
		t.mu.Unlock()
		return false
	}
	t.live[key] = "" // Reserved until the create resolves
	t.mu.Unlock()

	sub, err := t.registry.Create(cid, tt, stream.Options{
		Tracked: true,
		Policy:  stream.PolicyDropOldest,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.live, key)
		t.mu.Unlock()
		t.logger.Warn("tracked subscribe failed",
			"cid", cid, "tick_type", tt, "error", err)
		return false
	}

	t.mu.Lock()
	t.live[key] = sub.ID()
	t.mu.Unlock()
	t.created.Add(1)

	t.wg.Add(1)
	go t.drain(sub)

	t.logger.Info("tracked subscription pinned",
		"stream_id", sub.ID(), "cid", cid, "tick_type", tt)
	return true
}

// drain consumes a pinned subscription's events. Ticks are discarded
// here; capture happens in the publish pipeline. A pin that dies with an
// error is re-created after the configured delay, preserving its
// (cid, tt) identity.
func (t *Tracker) drain(sub *stream.Subscription) {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				t.unpinned(sub)
				return
			}
		}
	}
}

// unpinned handles a closed pin: errored pins are re-created, anything
// else (shutdown, deliberate cancel) is let go.
func (t *Tracker) unpinned(sub *stream.Subscription) {
	key := pinKey{cid: sub.ContractID(), tt: sub.TickType()}

	t.mu.Lock()
	if t.live[key] == sub.ID() {
		delete(t.live, key)
	}
	t.mu.Unlock()

	if sub.State() != stream.StateErrored {
		return
	}

	t.logger.Warn("tracked subscription errored",
		"stream_id", sub.ID(),
		"cid", key.cid,
		"tick_type", key.tt,
		"retry_in", t.cfg.ReconnectDelay,
	)

	select {
	case <-t.ctx.Done():
		return
	case <-time.After(t.cfg.ReconnectDelay):
	}
	if !t.waitForSession() {
		return
	}
	if t.pin(key.cid, key.tt) {
		t.recreated.Add(1)
	}
}

// reconcile re-pins any tracked pair with no live subscription, covering
// pin attempts that failed while the broker was unreachable.
func (t *Tracker) reconcile() {
	if t.session.State() != upstream.StateConnected {
		return
	}

	var missing []pinKey
	t.mu.Lock()
	for _, c := range t.cfg.Contracts {
		for _, tt := range c.TickTypes {
			key := pinKey{cid: c.CID, tt: tt}
			if _, ok := t.live[key]; !ok {
				missing = append(missing, key)
			}
		}
	}
	t.mu.Unlock()

	repinned := 0
	for _, key := range missing {
		if t.pin(key.cid, key.tt) {
			t.recreated.Add(1)
			repinned++
		}
	}
	if repinned > 0 {
		t.logger.Info("reconcile re-pinned tracked subscriptions", "count", repinned)
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/upstream"
)

// Registry owns every live subscription, keyed by stream id. It enforces the
// process and per-connection caps and fans upstream ticks out to every
// subscription on the matching (contract, tick type) pair.
type Registry interface {
	// Start begins pumping session ticks, faults, and state changes.
	Start(ctx context.Context) error

	// Stop completes every live subscription with reason shutdown.
	Stop(ctx context.Context) error

	// AttachSink adds a pipeline sink invoked for every upstream tick,
	// ahead of subscriber fan-out. Sinks must not block; the append store
	// qualifies because its backends drop on a full queue. Attach before
	// Start.
	AttachSink(sink func(model.TickMessage))

	// Create allocates a stream id, registers a subscription, and opens the
	// upstream request. The returned subscription is active.
	Create(cid uint32, tt model.TickType, opts Options) (*Subscription, error)

	// Cancel ends the subscription silently. Idempotent; unknown ids are a
	// no-op.
	Cancel(streamID string)

	// CancelConn cancels every subscription owned by a transport connection.
	// Used when a socket closes: the client is gone, nothing is emitted.
	CancelConn(connID string)

	// Get looks up a live subscription.
	Get(streamID string) (*Subscription, bool)

	// Stats returns a snapshot of the registry.
	Stats() RegistryStats
}

// registry implements the Registry interface.
type registry struct {
	cfg     RegistryConfig
	session upstream.Session
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sinks  []func(model.TickMessage)

	mu       sync.RWMutex
	subs     map[string]*Subscription
	byPair   map[pair][]*Subscription
	connSubs map[string]int // Conn id → owned subscription count
	reserved int            // Creates in flight, counted against the cap

	created   atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	errored   atomic.Uint64
	published atomic.Uint64
}

// NewRegistry creates the subscription registry on top of an open session.
func NewRegistry(cfg RegistryConfig, session upstream.Session, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &registry{
		cfg:      cfg,
		session:  session,
		logger:   logger,
		subs:     make(map[string]*Subscription),
		byPair:   make(map[pair][]*Subscription),
		connSubs: make(map[string]int),
	}
}

// Start begins the pump.
func (r *registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("subscription registry started",
		"max_streams", r.cfg.MaxStreams,
		"max_streams_per_connection", r.cfg.MaxStreamsPerConn,
		"queue_size", r.cfg.QueueSize,
	)
	return nil
}

// Stop drains every live subscription with a shutdown complete, then stops
// the pump.
func (r *registry) Stop(ctx context.Context) error {
	r.logger.Info("stopping subscription registry")

	for _, sub := range r.snapshot() {
		sub.complete(model.ReasonShutdown)
	}

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("subscription registry stopped")
	case <-ctx.Done():
		r.logger.Warn("subscription registry stop timed out")
	}
	return nil
}

// Create registers one subscription and opens its upstream request.
func (r *registry) Create(cid uint32, tt model.TickType, opts Options) (*Subscription, error) {
	if !tt.Valid() {
		return nil, model.NewStreamError(model.CodeInvalidTickType,
			fmt.Sprintf("unknown tick type %q", tt), false)
	}
	if cid == 0 {
		return nil, model.NewStreamError(model.CodeContractUnknown,
			"contract id must be nonzero", false)
	}

	// Reserve a slot under the caps before touching the upstream.
	r.mu.Lock()
	if len(r.subs)+r.reserved >= r.cfg.MaxStreams {
		r.mu.Unlock()
		return nil, model.NewStreamError(model.CodeStreamLimitReached,
			fmt.Sprintf("process stream limit %d reached", r.cfg.MaxStreams), true)
	}
	perConn := !opts.Tracked && opts.ConnID != ""
	if perConn && r.connSubs[opts.ConnID] >= r.cfg.MaxStreamsPerConn {
		r.mu.Unlock()
		return nil, model.NewStreamError(model.CodeStreamLimitReached,
			fmt.Sprintf("connection stream limit %d reached", r.cfg.MaxStreamsPerConn), true)
	}
	r.reserved++
	if perConn {
		r.connSubs[opts.ConnID]++
	}
	r.mu.Unlock()

	rollback := func() {
		r.mu.Lock()
		r.reserved--
		if perConn {
			r.decConnLocked(opts.ConnID)
		}
		r.mu.Unlock()
	}

	rid, err := r.session.Subscribe(cid, tt)
	if err != nil {
		rollback()
		return nil, mapSessionError(err)
	}

	sub := r.register(cid, tt, rid, opts)

	r.created.Add(1)
	metrics.ActiveStreams.Inc()
	r.logger.Info("subscription created",
		"stream_id", sub.ID(),
		"cid", cid,
		"tick_type", tt,
		"rid", rid,
		"tracked", opts.Tracked,
	)

	sub.start()
	return sub, nil
}

// register inserts the subscription under a unique stream id.
func (r *registry) register(cid uint32, tt model.TickType, rid uint32, opts Options) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stream ids embed creation time at ms precision; bump until unique so
	// two creates in the same millisecond cannot collide.
	createdAt := time.Now()
	id := model.BuildStreamID(cid, tt, createdAt, rid)
	for _, exists := r.subs[id]; exists; _, exists = r.subs[id] {
		createdAt = createdAt.Add(time.Millisecond)
		id = model.BuildStreamID(cid, tt, createdAt, rid)
	}

	sub := newSubscription(id, cid, tt, rid, r.cfg.QueueSize, opts, r.release)
	r.reserved--
	r.subs[id] = sub
	key := pair{cid: cid, tt: tt}
	r.byPair[key] = append(r.byPair[key], sub)
	return sub
}

// release is every subscription's terminal callback: drop the registry
// bookkeeping, then the upstream reference.
func (r *registry) release(sub *Subscription) {
	r.mu.Lock()
	if _, ok := r.subs[sub.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub.id)

	key := pair{cid: sub.cid, tt: sub.tt}
	list := r.byPair[key]
	for i, s := range list {
		if s == sub {
			list[i] = list[len(list)-1]
			r.byPair[key] = list[:len(list)-1]
			break
		}
	}
	if len(r.byPair[key]) == 0 {
		delete(r.byPair, key)
	}
	if !sub.tracked && sub.connID != "" {
		r.decConnLocked(sub.connID)
	}
	r.mu.Unlock()

	switch sub.State() {
	case StateCompleted:
		r.completed.Add(1)
	case StateCancelled:
		r.cancelled.Add(1)
	case StateErrored:
		r.errored.Add(1)
	}
	metrics.ActiveStreams.Dec()

	if err := r.session.Unsubscribe(sub.rid); err != nil {
		r.logger.Warn("upstream release failed", "rid", sub.rid, "error", err)
	}

	r.logger.Info("subscription released",
		"stream_id", sub.id,
		"state", sub.State().String(),
		"ticks_delivered", sub.TicksDelivered(),
	)
}

func (r *registry) decConnLocked(connID string) {
	if n := r.connSubs[connID]; n <= 1 {
		delete(r.connSubs, connID)
	} else {
		r.connSubs[connID] = n - 1
	}
}

// Cancel ends one subscription silently.
func (r *registry) Cancel(streamID string) {
	r.mu.RLock()
	sub, ok := r.subs[streamID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if sub.cancel() {
		r.logger.Info("subscription cancelled", "stream_id", streamID)
	}
}

// CancelConn cancels every subscription owned by connID.
func (r *registry) CancelConn(connID string) {
	var owned []*Subscription
	r.mu.RLock()
	for _, sub := range r.subs {
		if sub.connID == connID {
			owned = append(owned, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range owned {
		sub.cancel()
	}
	if len(owned) > 0 {
		r.logger.Info("connection subscriptions cancelled",
			"conn_id", connID,
			"count", len(owned),
			"reason", model.ReasonClientGone,
		)
	}
}

// Get looks up a live subscription.
func (r *registry) Get(streamID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[streamID]
	return sub, ok
}

// Stats snapshots the registry.
func (r *registry) Stats() RegistryStats {
	subs := r.snapshot()
	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })

	return RegistryStats{
		ActiveStreams:  len(subs),
		MaxStreams:     r.cfg.MaxStreams,
		TotalCreated:   r.created.Load(),
		TotalCompleted: r.completed.Load(),
		TotalCancelled: r.cancelled.Load(),
		TotalErrored:   r.errored.Load(),
		TicksPublished: r.published.Load(),
		Subscriptions:  infos,
	}
}

// snapshot copies the live subscription set.
func (r *registry) snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// run pumps the session's output channels into the subscription set.
func (r *registry) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return

		case m, ok := <-r.session.Ticks():
			if !ok {
				return
			}
			r.publish(m)

		case f, ok := <-r.session.Faults():
			if !ok {
				return
			}
			r.fault(f)

		case sc, ok := <-r.session.StateChanges():
			if !ok {
				return
			}
			r.stateChange(sc)
		}
	}
}

// AttachSink adds a fan-out sink ahead of the subscriber set.
func (r *registry) AttachSink(sink func(model.TickMessage)) {
	r.sinks = append(r.sinks, sink)
}

// publish hands one tick to every sink, then fans it out to every
// subscription on its (cid, tt) pair.
func (r *registry) publish(m model.TickMessage) {
	for _, sink := range r.sinks {
		sink(m)
	}

	r.mu.RLock()
	list := r.byPair[pair{cid: m.CID, tt: m.TT}]
	subs := make([]*Subscription, len(list))
	copy(subs, list)
	r.mu.RUnlock()

	for _, sub := range subs {
		if sub.publish(m) {
			r.published.Add(1)
		}
	}
}

// fault terminates every subscription on the faulted pair.
func (r *registry) fault(f upstream.Fault) {
	r.mu.RLock()
	list := r.byPair[pair{cid: f.CID, tt: f.TT}]
	subs := make([]*Subscription, len(list))
	copy(subs, list)
	r.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	r.logger.Warn("upstream fault, failing subscriptions",
		"cid", f.CID,
		"tick_type", f.TT,
		"code", f.Err.Code,
		"count", len(subs),
	)
	for _, sub := range subs {
		sub.fail(f.Err)
	}
}

// stateChange reacts to session transitions. Losing the broker notifies
// every live subscriber that a reconnect is underway; the session emits one
// Connected→Connecting transition per incident, so subscribers hear it once.
func (r *registry) stateChange(sc upstream.StateChange) {
	if sc.From == upstream.StateConnected && sc.To == upstream.StateConnecting {
		for _, sub := range r.snapshot() {
			sub.info(model.StatusReconnecting)
		}
	}
}

// mapSessionError turns session sentinels into wire error codes.
func mapSessionError(err error) *model.StreamError {
	switch {
	case errors.Is(err, upstream.ErrNotConnected),
		errors.Is(err, upstream.ErrUpstreamUnavailable):
		return model.NewStreamError(model.CodeUpstreamUnavailable,
			"broker session unavailable", true)
	case errors.Is(err, upstream.ErrRequestLimit):
		return model.NewStreamError(model.CodeStreamLimitReached,
			"upstream request limit reached", true)
	default:
		return model.AsStreamError(err, model.CodeUpstreamUnavailable)
	}
}

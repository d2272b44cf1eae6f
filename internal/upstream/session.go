package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
)

// Session owns the broker connection and the refcounted request table.
type Session interface {
	// Open connects to the broker and starts the event loop.
	Open(ctx context.Context) error

	// Close cancels all entries and tears the connection down.
	Close() error

	// Subscribe ensures a live request for (cid, tt) and returns its rid.
	// Repeated subscribes for the same pair share one entry.
	Subscribe(cid uint32, tt model.TickType) (uint32, error)

	// Unsubscribe releases one reference to rid; the entry is cancelled
	// upstream when the last reference goes. Idempotent.
	Unsubscribe(rid uint32) error

	// Ticks is the handoff channel to the delivery pipeline.
	Ticks() <-chan model.TickMessage

	// Faults reports broker errors scoped to single request entries.
	Faults() <-chan Fault

	// StateChanges reports session lifecycle transitions.
	StateChanges() <-chan StateChange

	// State returns the current session state.
	State() State

	// Stats returns a snapshot for the stats endpoint.
	Stats() SessionStats
}

// requestKey identifies a request entry by what it streams.
type requestKey struct {
	cid uint32
	tt  model.TickType
}

// entry is one refcounted upstream request. Reconnects re-key the entry to
// a fresh rid; rids holds every rid the entry has answered to, newest last,
// so holders of a pre-reconnect rid can still release it.
type entry struct {
	rid      uint32
	rids     []uint32
	cid      uint32
	tt       model.TickType
	refs     int
	lastTick time.Time
}

// session implements the Session interface.
type session struct {
	cfg     SessionConfig
	factory DriverFactory
	logger  *slog.Logger
	limiter *rate.Limiter

	ticks  chan model.TickMessage
	faults chan Fault
	states chan StateChange

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextRID atomic.Uint32

	mu     sync.Mutex
	driver Driver
	state  State
	closed bool
	byRID  map[uint32]*entry
	byKey  map[requestKey]*entry

	received   atomic.Uint64
	orphans    atomic.Uint64
	skews      atomic.Uint64
	reconnects atomic.Uint64
}

// NewSession creates an upstream session. The factory is invoked once per
// connection attempt so every reconnect gets a fresh transport.
func NewSession(cfg SessionConfig, factory DriverFactory, logger *slog.Logger) Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		ticks:   make(chan model.TickMessage, cfg.TickBuffer),
		faults:  make(chan Fault, 64),
		states:  make(chan StateChange, 16),
		byRID:   make(map[uint32]*entry),
		byKey:   make(map[requestKey]*entry),
	}
}

// Open connects and starts the event loop.
func (s *session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateConnecting)

	drv := s.factory()
	if err := drv.Connect(s.ctx); err != nil {
		drv.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("open session: %w", err)
	}

	s.mu.Lock()
	s.driver = drv
	s.mu.Unlock()
	s.setState(StateConnected)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("broker session open", "client_id", s.cfg.ClientID)
	return nil
}

// Close cancels every entry and tears the connection down.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drv := s.driver
	connected := s.state == StateConnected
	entries := make([]*entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	s.byRID = make(map[uint32]*entry)
	s.byKey = make(map[requestKey]*entry)
	s.mu.Unlock()

	metrics.UpstreamRequests.Sub(float64(len(entries)))

	// Best-effort cancels so the gateway releases our data lines promptly.
	if connected && drv != nil {
		for _, e := range entries {
			if err := s.send(drv, Command{Op: OpCancel, RID: e.rid}); err != nil {
				s.logger.Debug("cancel on close failed", "rid", e.rid, "error", err)
				break
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if drv != nil {
		drv.Close()
	}
	s.wg.Wait()

	s.setState(StateDisconnected)
	close(s.ticks)
	close(s.faults)
	close(s.states)

	s.logger.Info("broker session closed",
		"cancelled_requests", len(entries),
		"ticks_received", s.received.Load(),
	)
	return nil
}

// Subscribe ensures a live request for (cid, tt).
func (s *session) Subscribe(cid uint32, tt model.TickType) (uint32, error) {
	key := requestKey{cid: cid, tt: tt}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	if e, ok := s.byKey[key]; ok {
		e.refs++
		rid := e.rid
		s.mu.Unlock()
		return rid, nil
	}
	if len(s.byKey) >= s.cfg.MaxRequests {
		s.mu.Unlock()
		return 0, ErrRequestLimit
	}

	rid := s.nextRID.Add(1)
	e := &entry{rid: rid, rids: []uint32{rid}, cid: cid, tt: tt, refs: 1}
	s.byRID[rid] = e
	s.byKey[key] = e
	drv := s.driver
	s.mu.Unlock()

	if err := s.send(drv, Command{Op: OpReq, RID: rid, CID: cid, TickType: tt.String()}); err != nil {
		s.release(rid)
		return 0, err
	}

	metrics.UpstreamRequests.Inc()
	s.logger.Debug("upstream request opened", "rid", rid, "cid", cid, "tick_type", tt)
	return rid, nil
}

// Unsubscribe releases one reference to rid. The rid may predate a
// reconnect; the cancel always goes out under the entry's current rid.
func (s *session) Unsubscribe(rid uint32) error {
	gone, e := s.releaseEntry(rid)
	if !gone {
		return nil
	}

	metrics.UpstreamRequests.Dec()
	s.logger.Debug("upstream request closed", "rid", e.rid, "cid", e.cid, "tick_type", e.tt)

	s.mu.Lock()
	drv := s.driver
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || drv == nil {
		return nil
	}
	return s.send(drv, Command{Op: OpCancel, RID: e.rid})
}

// release drops one reference without sending a cancel. Used to roll back a
// failed subscribe.
func (s *session) release(rid uint32) {
	if gone, _ := s.releaseEntry(rid); gone {
		metrics.UpstreamRequests.Dec()
	}
}

// releaseEntry decrements rid's refcount and removes the entry at zero,
// clearing every rid it was ever keyed under.
func (s *session) releaseEntry(rid uint32) (bool, *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byRID[rid]
	if !ok {
		return false, nil
	}
	e.refs--
	if e.refs > 0 {
		return false, e
	}
	for _, r := range e.rids {
		delete(s.byRID, r)
	}
	delete(s.byKey, requestKey{cid: e.cid, tt: e.tt})
	return true, e
}

// Ticks returns the pipeline handoff channel.
func (s *session) Ticks() <-chan model.TickMessage {
	return s.ticks
}

// Faults returns the entry fault channel.
func (s *session) Faults() <-chan Fault {
	return s.faults
}

// StateChanges returns the lifecycle transition channel.
func (s *session) StateChanges() <-chan StateChange {
	return s.states
}

// State returns the current session state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats snapshots the session for the stats endpoint.
func (s *session) Stats() SessionStats {
	s.mu.Lock()
	st := s.state
	reqs := make([]RequestStatus, 0, len(s.byKey))
	for _, e := range s.byKey {
		reqs = append(reqs, RequestStatus{
			RID:        e.rid,
			CID:        e.cid,
			TickType:   e.tt,
			Refs:       e.refs,
			LastTickAt: e.lastTick,
		})
	}
	s.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RID < reqs[j].RID })

	return SessionStats{
		State:          st,
		ClientID:       s.cfg.ClientID,
		TicksReceived:  s.received.Load(),
		OrphanTicks:    s.orphans.Load(),
		SkewViolations: s.skews.Load(),
		Reconnects:     s.reconnects.Load(),
		Requests:       reqs,
	}
}

// run is the session event loop: it drains the driver until the transport
// dies, then hands off to reconnect.
func (s *session) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		drv := s.driver
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return

		case err := <-drv.Errors():
			s.logger.Warn("broker connection lost", "error", err)
			if !s.reconnect() {
				return
			}

		case ev, ok := <-drv.Events():
			if !ok {
				if !s.reconnect() {
					return
				}
				continue
			}
			s.handleEvent(ev)
		}
	}
}

// handleEvent dispatches one inbound frame.
func (s *session) handleEvent(ev TimestampedEvent) {
	switch ev.Event.Op {
	case OpTick:
		s.handleTick(ev)
	case OpErr:
		s.handleFault(ev.Event)
	case OpAck:
		// Handshake acks are consumed during Connect; a stray one is harmless.
	default:
		s.logger.Warn("unknown broker op", "op", ev.Event.Op)
	}
}

// handleTick resolves the rid, stamps receive time, encodes, and hands the
// tick to the pipeline without blocking.
func (s *session) handleTick(ev TimestampedEvent) {
	var cid uint32
	var tt model.TickType

	s.mu.Lock()
	e, ok := s.byRID[ev.Event.RID]
	if ok {
		e.lastTick = ev.ReceivedAt
		cid, tt = e.cid, e.tt
	}
	s.mu.Unlock()

	if !ok {
		s.orphans.Add(1)
		metrics.OrphanTicks.Inc()
		return
	}

	st := uint64(ev.ReceivedAt.UnixMicro())
	msg, err := model.FromRaw(ev.Event.rawTick(tt), cid, ev.Event.RID, st)
	if err != nil {
		s.logger.Warn("bad tick from broker", "rid", ev.Event.RID, "error", err)
		return
	}

	if msg.ExceedsSkew(model.DefaultClockSkewTolerance) {
		s.skews.Add(1)
		metrics.ClockSkewViolations.Inc()
	}

	s.received.Add(1)
	metrics.TicksReceived.WithLabelValues(tt.String()).Inc()

	select {
	case s.ticks <- msg:
	default:
		s.logger.Warn("tick pipeline full, dropping", "rid", msg.RID, "cid", msg.CID)
	}
}

// handleFault removes the entry the broker rejected and reports it.
func (s *session) handleFault(ev Event) {
	s.mu.Lock()
	e, ok := s.byRID[ev.RID]
	if ok {
		for _, r := range e.rids {
			delete(s.byRID, r)
		}
		delete(s.byKey, requestKey{cid: e.cid, tt: e.tt})
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("broker error for unknown rid", "rid", ev.RID, "code", ev.Code)
		return
	}

	metrics.UpstreamRequests.Dec()
	s.logger.Warn("broker rejected request",
		"rid", ev.RID,
		"cid", e.cid,
		"code", ev.Code,
		"message", ev.Msg,
	)

	s.pushFault(Fault{
		RID: e.rid,
		CID: e.cid,
		TT:  e.tt,
		Err: model.NewStreamError(ev.Code, ev.Msg, false),
	})
}

// reconnect dials a fresh transport and replays every live entry with a fresh
// rid. Returns false when the session is done (context cancelled or failed).
func (s *session) reconnect() bool {
	s.setState(StateConnecting)
	s.reconnects.Add(1)
	metrics.UpstreamReconnects.Inc()

	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.cfg.ReconnectDelay):
		}

		s.logger.Info("reconnecting to broker",
			"attempt", attempt,
			"max_attempts", s.cfg.ReconnectAttempts,
		)

		s.mu.Lock()
		old := s.driver
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}

		drv := s.factory()
		if err := drv.Connect(s.ctx); err != nil {
			drv.Close()
			s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		// Re-key every entry: same (cid, tt), fresh rid. The old rids stay
		// mapped so pipeline holders can still release by them.
		s.mu.Lock()
		s.driver = drv
		replay := make([]*entry, 0, len(s.byKey))
		for _, e := range s.byKey {
			replay = append(replay, e)
		}
		sort.Slice(replay, func(i, j int) bool { return replay[i].rid < replay[j].rid })
		for _, e := range replay {
			e.rid = s.nextRID.Add(1)
			e.rids = append(e.rids, e.rid)
			s.byRID[e.rid] = e
		}
		s.mu.Unlock()

		for _, e := range replay {
			if err := s.send(drv, Command{Op: OpReq, RID: e.rid, CID: e.cid, TickType: e.tt.String()}); err != nil {
				// Transport died again; the event loop will land back here.
				s.logger.Warn("replay failed", "rid", e.rid, "error", err)
				break
			}
		}

		s.setState(StateConnected)
		s.logger.Info("reconnected to broker", "replayed_requests", len(replay))
		return true
	}

	s.setState(StateFailed)
	s.failAll()
	return false
}

// failAll drops every entry and faults it with UPSTREAM_LOST.
func (s *session) failAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	s.byRID = make(map[uint32]*entry)
	s.byKey = make(map[requestKey]*entry)
	s.mu.Unlock()

	metrics.UpstreamRequests.Sub(float64(len(entries)))
	s.logger.Error("broker session failed, dropping requests", "count", len(entries))

	for _, e := range entries {
		s.pushFault(Fault{
			RID: e.rid,
			CID: e.cid,
			TT:  e.tt,
			Err: model.NewStreamError(model.CodeUpstreamLost,
				"broker connection lost and not recovered", false),
		})
	}
}

// send paces one command through the token bucket and transmits it.
func (s *session) send(drv Driver, cmd Command) error {
	if err := s.limiter.Wait(s.ctx); err != nil {
		return err
	}
	return drv.Send(cmd)
}

// setState transitions the session state and notifies listeners. Must be
// called without holding mu.
func (s *session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	metrics.UpstreamState.Set(float64(to))
	s.logger.Info("session state changed", "from", from.String(), "to", to.String())

	select {
	case s.states <- StateChange{From: from, To: to, At: time.Now()}:
	default:
		s.logger.Warn("state listener lagging, dropping transition", "to", to.String())
	}
}

// pushFault delivers a fault without blocking the event loop.
func (s *session) pushFault(f Fault) {
	select {
	case s.faults <- f:
	default:
		s.logger.Warn("fault listener lagging, dropping fault", "rid", f.RID, "code", f.Err.Code)
	}
}

package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

// fakeDriver is an in-memory Driver that records sent commands and lets tests
// script inbound events.
type fakeDriver struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	sent       []Command
	connectErr error

	events chan TimestampedEvent
	errors chan error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events: make(chan TimestampedEvent, 64),
		errors: make(chan error, 1),
	}
}

func (f *fakeDriver) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeDriver) Send(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeDriver) Events() <-chan TimestampedEvent { return f.events }
func (f *fakeDriver) Errors() <-chan error            { return f.errors }

func (f *fakeDriver) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDriver) sentCommands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeDriver) commandsByOp(op string) []Command {
	var out []Command
	for _, c := range f.sentCommands() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDriver) emitTick(rid uint32, t int64, price, size float64) {
	f.events <- TimestampedEvent{
		Event:      Event{Op: OpTick, RID: rid, Time: t, Price: price, Size: size},
		ReceivedAt: time.Now(),
	}
}

func (f *fakeDriver) emitBidAsk(rid uint32, t int64, bp, bs, ap, as float64) {
	f.events <- TimestampedEvent{
		Event: Event{
			Op: OpTick, RID: rid, Time: t,
			BidPrice: bp, BidSize: bs, AskPrice: ap, AskSize: as,
		},
		ReceivedAt: time.Now(),
	}
}

func (f *fakeDriver) emitErr(rid uint32, code, msg string) {
	f.events <- TimestampedEvent{
		Event:      Event{Op: OpErr, RID: rid, Code: code, Msg: msg},
		ReceivedAt: time.Now(),
	}
}

// sequence hands out scripted drivers in order, repeating the last one.
type sequence struct {
	mu    sync.Mutex
	drvs  []*fakeDriver
	calls int
}

func (q *sequence) factory() Driver {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	if i >= len(q.drvs) {
		i = len(q.drvs) - 1
	}
	q.calls++
	return q.drvs[i]
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ClientID = 10
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.ReconnectAttempts = 2
	cfg.CommandRate = 10000 // No pacing stalls in tests
	cfg.CommandBurst = 100
	return cfg
}

func openSession(t *testing.T, drvs ...*fakeDriver) (Session, *sequence) {
	t.Helper()
	q := &sequence{drvs: drvs}
	s := NewSession(testSessionConfig(), q.factory, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, q
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeSharesEntry(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	rid1, err := s.Subscribe(711280073, model.TickTypeBidAsk)
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	rid2, err := s.Subscribe(711280073, model.TickTypeBidAsk)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	if rid1 != rid2 {
		t.Errorf("shared entry returned different rids: %d vs %d", rid1, rid2)
	}
	if got := len(drv.commandsByOp(OpReq)); got != 1 {
		t.Errorf("req frames sent = %d, want 1", got)
	}

	// First release keeps the entry alive.
	if err := s.Unsubscribe(rid1); err != nil {
		t.Fatalf("first Unsubscribe failed: %v", err)
	}
	if got := len(drv.commandsByOp(OpCancel)); got != 0 {
		t.Errorf("cancel sent while refs remain, got %d frames", got)
	}

	// Last release cancels upstream.
	if err := s.Unsubscribe(rid1); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}
	cancels := drv.commandsByOp(OpCancel)
	if len(cancels) != 1 || cancels[0].RID != rid1 {
		t.Errorf("cancels = %+v, want one for rid %d", cancels, rid1)
	}

	// Releasing a dead rid is a no-op.
	if err := s.Unsubscribe(rid1); err != nil {
		t.Errorf("idempotent Unsubscribe returned %v", err)
	}
	if got := len(drv.commandsByOp(OpCancel)); got != 1 {
		t.Errorf("extra cancel after idempotent release, got %d frames", got)
	}
}

func TestSubscribeDistinctPairs(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	rid1, err := s.Subscribe(711280073, model.TickTypeBidAsk)
	if err != nil {
		t.Fatalf("Subscribe bid_ask failed: %v", err)
	}
	rid2, err := s.Subscribe(711280073, model.TickTypeLast)
	if err != nil {
		t.Fatalf("Subscribe last failed: %v", err)
	}
	if rid1 == rid2 {
		t.Errorf("distinct tick types share rid %d", rid1)
	}

	reqs := drv.commandsByOp(OpReq)
	if len(reqs) != 2 {
		t.Fatalf("req frames = %d, want 2", len(reqs))
	}
	if reqs[0].TickType != "bid_ask" || reqs[1].TickType != "last" {
		t.Errorf("req tick types = %q, %q", reqs[0].TickType, reqs[1].TickType)
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	q := &sequence{drvs: []*fakeDriver{newFakeDriver()}}
	s := NewSession(testSessionConfig(), q.factory, nil)

	if _, err := s.Subscribe(1, model.TickTypeLast); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe before Open = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeRequestLimit(t *testing.T) {
	drv := newFakeDriver()
	q := &sequence{drvs: []*fakeDriver{drv}}
	cfg := testSessionConfig()
	cfg.MaxRequests = 1
	s := NewSession(cfg, q.factory, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Subscribe(1, model.TickTypeLast); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	if _, err := s.Subscribe(2, model.TickTypeLast); !errors.Is(err, ErrRequestLimit) {
		t.Errorf("over-limit Subscribe = %v, want ErrRequestLimit", err)
	}
	// Sharing an existing entry is still allowed at the cap.
	if _, err := s.Subscribe(1, model.TickTypeLast); err != nil {
		t.Errorf("shared Subscribe at cap failed: %v", err)
	}
}

func TestTickDelivery(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	rid, err := s.Subscribe(711280073, model.TickTypeLast)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	drv.emitTick(rid, 1754008314, 23260.5, 2)

	select {
	case msg := <-s.Ticks():
		if msg.CID != 711280073 {
			t.Errorf("CID = %d, want 711280073", msg.CID)
		}
		if msg.RID != rid {
			t.Errorf("RID = %d, want %d", msg.RID, rid)
		}
		if msg.TT != model.TickTypeLast {
			t.Errorf("TT = %q, want last", msg.TT)
		}
		if msg.TS != 1754008314000000 {
			t.Errorf("TS = %d, want 1754008314000000", msg.TS)
		}
		if msg.ST == 0 {
			t.Error("ST not stamped")
		}
		if msg.Price == nil || *msg.Price != 23260.5 {
			t.Errorf("Price = %v, want 23260.5", msg.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
	}

	if got := s.Stats().TicksReceived; got != 1 {
		t.Errorf("TicksReceived = %d, want 1", got)
	}
}

func TestOrphanTickDropped(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	drv.emitTick(999, 1754008314, 1.0, 1)

	waitFor(t, time.Second, func() bool {
		return s.Stats().OrphanTicks == 1
	}, "orphan tick not counted")

	select {
	case msg := <-s.Ticks():
		t.Errorf("orphan tick delivered: %+v", msg)
	default:
	}
}

func TestBrokerFaultRemovesEntry(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	rid, err := s.Subscribe(42, model.TickTypeLast)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	drv.emitErr(rid, model.CodeContractUnknown, "no contract 42")

	select {
	case f := <-s.Faults():
		if f.RID != rid || f.CID != 42 || f.TT != model.TickTypeLast {
			t.Errorf("fault = %+v", f)
		}
		if f.Err.Code != model.CodeContractUnknown {
			t.Errorf("fault code = %q, want CONTRACT_UNKNOWN", f.Err.Code)
		}
		if f.Err.Recoverable {
			t.Error("broker rejection marked recoverable")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fault")
	}

	// The entry is gone: a new subscribe opens a fresh request.
	rid2, err := s.Subscribe(42, model.TickTypeLast)
	if err != nil {
		t.Fatalf("re-Subscribe failed: %v", err)
	}
	if rid2 == rid {
		t.Errorf("rejected rid %d reused", rid)
	}
}

func TestReconnectReplaysEntries(t *testing.T) {
	drv1 := newFakeDriver()
	drv2 := newFakeDriver()
	s, _ := openSession(t, drv1, drv2)
	defer s.Close()

	ridA, err := s.Subscribe(100, model.TickTypeBidAsk)
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	ridB, err := s.Subscribe(200, model.TickTypeMidPoint)
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}

	drv1.errors <- io.ErrUnexpectedEOF

	waitFor(t, 2*time.Second, func() bool {
		return len(drv2.commandsByOp(OpReq)) == 2
	}, "entries not replayed on the new transport")

	replays := drv2.commandsByOp(OpReq)
	for _, cmd := range replays {
		if cmd.RID == ridA || cmd.RID == ridB {
			t.Errorf("replay reused old rid %d", cmd.RID)
		}
	}
	if replays[0].CID != 100 || replays[1].CID != 200 {
		t.Errorf("replay order = %d, %d, want 100, 200", replays[0].CID, replays[1].CID)
	}

	if got := s.State(); got != StateConnected {
		t.Errorf("state after reconnect = %v, want connected", got)
	}
	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}

	// Ticks on the re-keyed rid flow again.
	drv2.emitBidAsk(replays[0].RID, 1754008314, 23260.0, 4, 23260.5, 2)
	select {
	case msg := <-s.Ticks():
		if msg.CID != 100 || msg.TT != model.TickTypeBidAsk {
			t.Errorf("post-reconnect tick = %+v", msg)
		}
		if msg.RID != replays[0].RID {
			t.Errorf("tick RID = %d, want fresh rid %d", msg.RID, replays[0].RID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for post-reconnect tick")
	}
}

func TestUnsubscribeAfterReconnectReleasesEntry(t *testing.T) {
	drv1 := newFakeDriver()
	drv2 := newFakeDriver()
	s, _ := openSession(t, drv1, drv2)
	defer s.Close()

	rid, err := s.Subscribe(711280073, model.TickTypeBidAsk)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	drv1.errors <- io.ErrUnexpectedEOF
	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateConnected && len(drv2.commandsByOp(OpReq)) == 1
	}, "entry not replayed on the new transport")
	fresh := drv2.commandsByOp(OpReq)[0].RID
	if fresh == rid {
		t.Fatalf("replay reused rid %d", rid)
	}

	// The holder still knows only its creation-time rid; releasing by it
	// must drop the entry and cancel under the current rid.
	if err := s.Unsubscribe(rid); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if reqs := s.Stats().Requests; len(reqs) != 0 {
		t.Fatalf("request table = %+v, want empty", reqs)
	}
	cancels := drv2.commandsByOp(OpCancel)
	if len(cancels) != 1 || cancels[0].RID != fresh {
		t.Fatalf("cancels = %+v, want one for rid %d", cancels, fresh)
	}
}

func TestReconnectEmitsStateChanges(t *testing.T) {
	drv1 := newFakeDriver()
	drv2 := newFakeDriver()
	s, _ := openSession(t, drv1, drv2)
	defer s.Close()

	// Drain the transitions from Open.
	for len(s.StateChanges()) > 0 {
		<-s.StateChanges()
	}

	drv1.errors <- io.ErrUnexpectedEOF

	var got []State
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case sc := <-s.StateChanges():
			got = append(got, sc.To)
		case <-deadline:
			t.Fatalf("timeout, transitions so far: %v", got)
		}
	}
	if got[0] != StateConnecting || got[1] != StateConnected {
		t.Errorf("transitions = %v, want [connecting connected]", got)
	}
}

func TestSessionFailsAfterAttempts(t *testing.T) {
	drv1 := newFakeDriver()
	dead := newFakeDriver()
	dead.connectErr = errors.New("connection refused")
	s, _ := openSession(t, drv1, dead)
	defer s.Close()

	rid, err := s.Subscribe(100, model.TickTypeLast)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	drv1.errors <- io.ErrUnexpectedEOF

	select {
	case f := <-s.Faults():
		if f.RID != rid {
			t.Errorf("fault rid = %d, want %d", f.RID, rid)
		}
		if f.Err.Code != model.CodeUpstreamLost {
			t.Errorf("fault code = %q, want UPSTREAM_LOST", f.Err.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for UPSTREAM_LOST fault")
	}

	if got := s.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if got := len(s.Stats().Requests); got != 0 {
		t.Errorf("request table not cleared, %d entries remain", got)
	}
}

func TestCloseCancelsEntries(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)

	rid1, _ := s.Subscribe(100, model.TickTypeLast)
	rid2, _ := s.Subscribe(200, model.TickTypeBidAsk)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cancels := drv.commandsByOp(OpCancel)
	if len(cancels) != 2 {
		t.Fatalf("cancel frames = %d, want 2", len(cancels))
	}
	seen := map[uint32]bool{}
	for _, c := range cancels {
		seen[c.RID] = true
	}
	if !seen[rid1] || !seen[rid2] {
		t.Errorf("cancels = %+v, want rids %d and %d", cancels, rid1, rid2)
	}

	if _, ok := <-s.Ticks(); ok {
		t.Error("tick channel still open after Close")
	}

	// Second close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	drv := newFakeDriver()
	s, _ := openSession(t, drv)
	defer s.Close()

	rid, _ := s.Subscribe(711280073, model.TickTypeBidAsk)
	s.Subscribe(711280073, model.TickTypeBidAsk)

	st := s.Stats()
	if st.State != StateConnected {
		t.Errorf("State = %v, want connected", st.State)
	}
	if st.ClientID != 10 {
		t.Errorf("ClientID = %d, want 10", st.ClientID)
	}
	if len(st.Requests) != 1 {
		t.Fatalf("Requests = %d entries, want 1", len(st.Requests))
	}
	req := st.Requests[0]
	if req.RID != rid || req.CID != 711280073 || req.Refs != 2 {
		t.Errorf("request snapshot = %+v", req)
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/storage"
	"github.com/rickgao/ibstream/internal/stream"
	"github.com/rickgao/ibstream/internal/upstream"
)

// fakeSession implements upstream.Session in memory, sharing entries by
// (cid, tt) the way the real session does.
type fakeSession struct {
	mu      sync.Mutex
	nextRID uint32
	keys    map[string]uint32
	refs    map[uint32]int
	state   upstream.State

	ticks  chan model.TickMessage
	faults chan upstream.Fault
	states chan upstream.StateChange
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		keys:   make(map[string]uint32),
		refs:   make(map[uint32]int),
		state:  upstream.StateConnected,
		ticks:  make(chan model.TickMessage, 64),
		faults: make(chan upstream.Fault, 8),
		states: make(chan upstream.StateChange, 8),
	}
}

func (f *fakeSession) Open(ctx context.Context) error { return nil }

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) Subscribe(cid uint32, tt model.TickType) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", cid, tt)
	if rid, ok := f.keys[key]; ok {
		f.refs[rid]++
		return rid, nil
	}
	f.nextRID++
	f.keys[key] = f.nextRID
	f.refs[f.nextRID] = 1
	return f.nextRID, nil
}

func (f *fakeSession) Unsubscribe(rid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[rid] > 0 {
		f.refs[rid]--
	}
	if f.refs[rid] == 0 {
		delete(f.refs, rid)
		for k, r := range f.keys {
			if r == rid {
				delete(f.keys, k)
			}
		}
	}
	return nil
}

func (f *fakeSession) Ticks() <-chan model.TickMessage { return f.ticks }

func (f *fakeSession) Faults() <-chan upstream.Fault { return f.faults }

func (f *fakeSession) StateChanges() <-chan upstream.StateChange { return f.states }

func (f *fakeSession) State() upstream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) setState(s upstream.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeSession) Stats() upstream.SessionStats {
	return upstream.SessionStats{State: f.State(), ClientID: 7}
}

// rid returns the request id assigned to (cid, tt), or zero.
func (f *fakeSession) rid(cid uint32, tt model.TickType) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[fmt.Sprintf("%d/%s", cid, tt)]
}

// emitLast pushes a last tick through the session channel.
func (f *fakeSession) emitLast(cid uint32, unixSec int64, price, size float64) {
	rid := f.rid(cid, model.TickTypeLast)
	msg, _ := model.FromRaw(model.RawTick{
		TT: model.TickTypeLast, Time: unixSec, Price: price, Size: size,
	}, cid, rid, model.NowMicros())
	f.ticks <- msg
}

// newTestServer wires a Server over a real registry, the given store, and
// a fake session, and serves its routes from an httptest listener.
func newTestServer(t *testing.T, store *storage.Store, cfg Config) (*httptest.Server, *fakeSession, stream.Registry) {
	t.Helper()

	fs := newFakeSession()
	reg := stream.NewRegistry(stream.RegistryConfig{
		MaxStreams:        10,
		MaxStreamsPerConn: 4,
		QueueSize:         16,
	}, fs, nil)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("registry start failed: %v", err)
	}
	t.Cleanup(func() { reg.Stop(context.Background()) })

	if store == nil {
		store = storage.NewStore(storage.DefaultConfig(), nil, nil)
	}
	srv := New(cfg, reg, store, fs, nil, nil)
	srv.ctx, srv.stop = context.WithCancel(context.Background())
	t.Cleanup(srv.stop)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, fs, reg
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Name string
	ID   string
	Data []byte
}

// readSSE parses the next event frame off the response stream.
func readSSE(t *testing.T, r *bufio.Reader) (sseEvent, error) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.Name != "" || len(ev.Data) > 0 {
				return ev, nil
			}
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

// decodeEnvelope parses an event's data frame.
func decodeEnvelope(t *testing.T, ev sseEvent) model.Envelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		t.Fatalf("bad envelope %q: %v", ev.Data, err)
	}
	return env
}

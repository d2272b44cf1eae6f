package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

func TestStreamSingleLimitReached(t *testing.T) {
	ts, fs, _ := newTestServer(t, nil, DefaultConfig())

	resp, err := http.Get(ts.URL + "/stream/12345/last?limit=2")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	go func() {
		for fs.rid(12345, model.TickTypeLast) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		fs.emitLast(12345, 1754008313, 100.00, 1)
		fs.emitLast(12345, 1754008314, 100.25, 2)
		fs.emitLast(12345, 1754008315, 100.50, 1)
	}()

	r := bufio.NewReader(resp.Body)

	ev, err := readSSE(t, r)
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if ev.Name != model.EventInfo {
		t.Fatalf("first event = %q, want info", ev.Name)
	}
	env := decodeEnvelope(t, ev)
	var info model.InfoData
	remarshal(t, env.Data, &info)
	if info.Status != model.StatusSubscribed {
		t.Errorf("info status = %q, want subscribed", info.Status)
	}

	prices := []float64{100.00, 100.25}
	for i, want := range prices {
		ev, err = readSSE(t, r)
		if err != nil {
			t.Fatalf("read tick %d: %v", i, err)
		}
		if ev.Name != model.EventTick {
			t.Fatalf("event %d = %q, want tick", i, ev.Name)
		}
		env = decodeEnvelope(t, ev)
		var data model.VerboseData
		remarshal(t, env.Data, &data)
		if data.Price == nil || *data.Price != want {
			t.Errorf("tick %d price = %v, want %v", i, data.Price, want)
		}
		if !strings.HasPrefix(ev.ID, env.StreamID+"-") {
			t.Errorf("event id %q does not embed stream id %q", ev.ID, env.StreamID)
		}
	}

	ev, err = readSSE(t, r)
	if err != nil {
		t.Fatalf("read complete: %v", err)
	}
	if ev.Name != model.EventComplete {
		t.Fatalf("final event = %q, want complete", ev.Name)
	}
	env = decodeEnvelope(t, ev)
	var done model.CompleteData
	remarshal(t, env.Data, &done)
	if done.Reason != model.ReasonLimitReached {
		t.Errorf("reason = %q, want limit_reached", done.Reason)
	}
	if done.TotalTicks != 2 {
		t.Errorf("total_ticks = %d, want 2", done.TotalTicks)
	}

	// The closed connection is the end-of-stream signal.
	if _, err := readSSE(t, r); err != io.EOF {
		t.Errorf("after complete, err = %v, want EOF", err)
	}
}

func TestStreamZeroLimitCompletesImmediately(t *testing.T) {
	ts, _, _ := newTestServer(t, nil, DefaultConfig())

	resp, err := http.Get(ts.URL + "/stream/12345/last?limit=0")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for {
		ev, err := readSSE(t, r)
		if err != nil {
			t.Fatalf("stream ended before complete: %v", err)
		}
		if ev.Name == model.EventInfo {
			continue
		}
		if ev.Name != model.EventComplete {
			t.Fatalf("event = %q, want complete", ev.Name)
		}
		var done model.CompleteData
		remarshal(t, decodeEnvelope(t, ev).Data, &done)
		if done.Reason != model.ReasonLimitReached || done.TotalTicks != 0 {
			t.Errorf("got %+v, want limit_reached with 0 ticks", done)
		}
		return
	}
}

func TestStreamRejectsUnknownTickType(t *testing.T) {
	ts, _, _ := newTestServer(t, nil, DefaultConfig())

	resp, err := http.Get(ts.URL + "/stream/12345/bogus")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var env model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	var ed model.ErrorData
	remarshal(t, env.Data, &ed)
	if ed.Code != model.CodeInvalidTickType {
		t.Errorf("code = %q, want INVALID_TICK_TYPE", ed.Code)
	}
}

func TestStreamMultiRequiresTickTypes(t *testing.T) {
	ts, _, _ := newTestServer(t, nil, DefaultConfig())

	resp, err := http.Get(ts.URL + "/stream/12345?tick_types=")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// remarshal round-trips an any-typed envelope payload into its concrete
// shape.
func remarshal(t *testing.T, from any, to any) {
	t.Helper()
	raw, err := json.Marshal(from)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := json.Unmarshal(raw, to); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rickgao/ibstream/internal/model"
)

const hourMicros = uint64(3600_000_000)

func seedBackend(t *testing.T, id BackendID, cfg Config, ticks []model.TickMessage) Backend {
	t.Helper()
	b := runBackend(t, id, cfg)
	for _, tk := range ticks {
		if !b.Store(NewMessage(tk)) {
			t.Fatal("Store rejected while seeding")
		}
	}
	stopBackend(t, b)
	return b
}

func collectRange(t *testing.T, b Backend, q RangeQuery) []model.TickMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks, errc := b.QueryRange(ctx, q)
	var out []model.TickMessage
	for m := range ticks {
		out = append(out, m)
	}
	if err := <-errc; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return out
}

func TestQueryRangeFiltersWindow(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingJSON, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 1),
		lastTick(baseTS+1_000_000, 2),
		lastTick(baseTS+hourMicros, 3),
		lastTick(baseTS+2*hourMicros, 4),
	})

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS + 500_000,
		End:        baseTS + hourMicros,
	})

	want := []uint64{baseTS + 1_000_000, baseTS + hourMicros}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.TS != want[i] {
			t.Errorf("record %d ts = %d, want %d", i, m.TS, want[i])
		}
	}
}

func TestQueryRangeMergesTickTypes(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingJSON, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 1),
		lastTick(baseTS+2000, 2),
		lastTick(baseTS+6000, 3),
		bidAskTick(baseTS + 1000),
		bidAskTick(baseTS + 3000),
		bidAskTick(baseTS + 6000), // Ties with a last tick
	})

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeBidAsk, model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})

	want := []struct {
		ts uint64
		tt model.TickType
	}{
		{baseTS, model.TickTypeLast},
		{baseTS + 1000, model.TickTypeBidAsk},
		{baseTS + 2000, model.TickTypeLast},
		{baseTS + 3000, model.TickTypeBidAsk},
		{baseTS + 6000, model.TickTypeBidAsk}, // Requested first, wins the tie
		{baseTS + 6000, model.TickTypeLast},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.TS != want[i].ts || m.TT != want[i].tt {
			t.Errorf("record %d = (%d, %s), want (%d, %s)",
				i, m.TS, m.TT, want[i].ts, want[i].tt)
		}
	}
}

func TestQueryRangeLimit(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingJSON, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 1),
		lastTick(baseTS+1000, 2),
		lastTick(baseTS+2000, 3),
	})

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
		Limit:      2,
	})

	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].TS != baseTS || got[1].TS != baseTS+1000 {
		t.Errorf("limit returned wrong records: ts %d, %d", got[0].TS, got[1].TS)
	}
}

func TestQueryRangeBinaryRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	in := bidAskTick(baseTS + 500)
	b := seedBackend(t, BackendID{EncodingProtobuf, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 42.5),
		in,
	})

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast, model.TickTypeBidAsk},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	if got[0].Price == nil || *got[0].Price != 42.5 {
		t.Errorf("last price = %v, want 42.5", got[0].Price)
	}
	ba := got[1]
	if ba.TT != model.TickTypeBidAsk || ba.RID != in.RID || ba.ST != in.ST {
		t.Errorf("bid_ask identity = (%s, %d, %d), want (%s, %d, %d)",
			ba.TT, ba.RID, ba.ST, in.TT, in.RID, in.ST)
	}
	if ba.BidPrice == nil || *ba.BidPrice != *in.BidPrice ||
		ba.AskSize == nil || *ba.AskSize != *in.AskSize {
		t.Errorf("bid_ask payload did not survive the binary round trip: %+v", ba)
	}
}

func TestQueryRangeSkipsTruncatedTail(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingJSON, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 1),
		lastTick(baseTS+1000, 2),
	})

	// Simulate a record mid-write: a trailing line with no newline.
	path := filepath.Join(cfg.Root, "json", "v3", "500", "last",
		"2025", "08", "01", "00", "500_last_003154.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if _, err := f.WriteString(`{"ts":17540`); err != nil {
		t.Fatalf("append partial record: %v", err)
	}
	f.Close()

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2 with the partial tail skipped", len(got))
	}
}

func TestQueryRangeSkipsTruncatedBinaryTail(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingProtobuf, SchemaCompact}, cfg, []model.TickMessage{
		lastTick(baseTS, 1),
		lastTick(baseTS+1000, 2),
	})

	// A full length prefix whose payload never finished writing.
	path := filepath.Join(cfg.Root, "protobuf", "v3", "500", "last",
		"2025", "08", "01", "00", "500_last_003154.pb")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if _, err := f.Write([]byte{100, 0, 0, 0, '{', '"', 't'}); err != nil {
		t.Fatalf("append partial record: %v", err)
	}
	f.Close()

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2 with the partial tail skipped", len(got))
	}
}

func TestQueryRangeEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	b := NewBackend(BackendID{EncodingJSON, SchemaCompact}, cfg, nil)

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})
	if len(got) != 0 {
		t.Errorf("got %d records from an empty store, want 0", len(got))
	}
}

func TestQueryRangeVerboseBackend(t *testing.T) {
	cfg := testConfig(t)
	b := seedBackend(t, BackendID{EncodingJSON, SchemaVerbose}, cfg, []model.TickMessage{
		lastTick(baseTS, 7.25),
	})

	got := collectRange(t, b, RangeQuery{
		ContractID: 500,
		TickTypes:  []model.TickType{model.TickTypeLast},
		Start:      baseTS,
		End:        baseTS + hourMicros,
	})
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}

	m := got[0]
	if m.RID != 9001 {
		t.Errorf("rid = %d, want 9001 preserved through the verbose row", m.RID)
	}
	if m.CID != 500 || m.TS != baseTS {
		t.Errorf("identity = (cid %d, ts %d), want (500, %d)", m.CID, m.TS, baseTS)
	}
	if m.Price == nil || *m.Price != 7.25 {
		t.Errorf("price = %v, want 7.25", m.Price)
	}
}

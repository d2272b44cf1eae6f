package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/storage"
)

// handleBuffer serves GET /buffer/{cid}/query: bounded replay from the
// append store over the same SSE envelope the live endpoints use. The
// terminator is a complete event with reason "complete".
func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseCID(w, r)
	if !ok {
		return
	}
	tts, ok := parseTickTypes(w, r)
	if !ok {
		return
	}
	if s.store == nil || !s.store.Enabled() {
		writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
			"storage is disabled", false))
		return
	}

	q := r.URL.Query()

	enc := storage.EncodingJSON
	if raw := q.Get("format"); raw != "" {
		var err error
		enc, err = storage.ParseEncoding(raw)
		if err != nil {
			writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
				fmt.Sprintf("bad format %q", raw), false))
			return
		}
	}

	start, end, ok := s.parseRange(w, r, cid)
	if !ok {
		return
	}

	var limit uint64
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
				fmt.Sprintf("bad limit %q", raw), false))
			return
		}
		limit = n
	}

	wf, ok := w.(writeFlusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	ticks, errc, err := s.store.QueryRange(ctx, storage.RangeQuery{
		ContractID: cid,
		TickTypes:  tts,
		Start:      start,
		End:        end,
		Limit:      limit,
	}, enc)
	if err != nil {
		writeError(w, model.NewStreamError(model.CodeStorageReadFailed, err.Error(), false))
		return
	}

	logger := s.logger.With("cid", cid, "encoding", string(enc))
	logger.Info("buffer query started",
		"tick_types", tts,
		"start", model.FormatMicros(start),
		"end", model.FormatMicros(end),
		"limit", limit,
	)

	sseHeaders(wf)
	wf.Flush()

	began := time.Now()
	var (
		seq   uint64
		total uint64
	)
	for m := range ticks {
		seq++
		if err := writeEvent(wf, bufferEnvelope(m), seq); err != nil {
			logger.Info("buffer client disconnected", "sent", total)
			return
		}
		metrics.EventsDelivered.WithLabelValues("sse", model.EventTick).Inc()
		total++
	}

	if err := <-errc; err != nil {
		logger.Error("buffer query failed", "error", err, "sent", total)
		seq++
		writeEvent(wf, model.Envelope{
			Type:      model.EventError,
			Timestamp: model.FormatMicros(model.NowMicros()),
			Data: model.ErrorData{
				Code:        model.CodeStorageReadFailed,
				Message:     "range scan failed",
				Recoverable: false,
			},
		}, seq)
		return
	}

	seq++
	writeEvent(wf, model.Envelope{
		Type:      model.EventComplete,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data: model.CompleteData{
			Reason:          model.ReasonComplete,
			TotalTicks:      total,
			DurationSeconds: time.Since(began).Seconds(),
		},
	}, seq)
	metrics.EventsDelivered.WithLabelValues("sse", model.EventComplete).Inc()
	logger.Info("buffer query complete", "total_ticks", total)
}

// bufferEnvelope renders one stored tick for delivery. The stream id is
// synthesized from the record's own identity, matching the id a v2 row
// carries on disk.
func bufferEnvelope(m model.TickMessage) model.Envelope {
	id := model.BuildStreamID(m.CID, m.TT, time.UnixMicro(int64(m.TS)).UTC(), m.RID)
	vt := m.ToVerbose(id)
	vt.Metadata.Source = model.SourceBuffer
	return model.Envelope{
		Type:      model.EventTick,
		StreamID:  id,
		Timestamp: vt.Timestamp,
		Data:      vt.Data,
	}
}

// parseRange resolves the query window. Precedence: explicit start_time
// (with end_time defaulting to now), then buffer_duration, then the
// contract's configured replay window.
func (s *Server) parseRange(w http.ResponseWriter, r *http.Request, cid uint32) (start, end uint64, ok bool) {
	q := r.URL.Query()
	now := model.NowMicros()

	if raw := q.Get("start_time"); raw != "" {
		t0, err := parseTime(raw)
		if err != nil {
			writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
				fmt.Sprintf("bad start_time %q", raw), false))
			return 0, 0, false
		}
		t1 := now
		if raw := q.Get("end_time"); raw != "" {
			t1, err = parseTime(raw)
			if err != nil {
				writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
					fmt.Sprintf("bad end_time %q", raw), false))
				return 0, 0, false
			}
		}
		if t1 < t0 {
			writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
				"end_time before start_time", false))
			return 0, 0, false
		}
		return t0, t1, true
	}

	if raw := q.Get("buffer_duration"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
				fmt.Sprintf("bad buffer_duration %q", raw), false))
			return 0, 0, false
		}
		return now - uint64(d.Microseconds()), now, true
	}

	if d, found := s.cfg.ReplayWindows[cid]; found && d > 0 {
		return now - uint64(d.Microseconds()), now, true
	}

	writeError(w, model.NewStreamError(model.CodeStorageReadFailed,
		"start_time or buffer_duration required", false))
	return 0, 0, false
}

// parseTime accepts microseconds since epoch or an ISO-8601 timestamp.
func parseTime(raw string) (uint64, error) {
	if us, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return us, nil
	}
	if us, err := model.ParseTimestamp(raw); err == nil {
		return us, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, err
	}
	return uint64(t.UnixMicro()), nil
}

// parseDuration accepts Go duration syntax or a plain number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	if !strings.ContainsAny(raw, "hmsuµn") {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/stream"
)

// writeFlusher is the streaming response surface SSE needs.
type writeFlusher interface {
	http.ResponseWriter
	http.Flusher
}

// sseStream pairs a stream id with its event channel. Handlers never hold
// Subscription pointers; cancellation goes through the registry by id.
type sseStream struct {
	id     string
	events <-chan model.Envelope
}

// handleStreamSingle serves GET /stream/{cid}/{tt}.
func (s *Server) handleStreamSingle(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseCID(w, r)
	if !ok {
		return
	}
	tt, err := model.ParseTickType(r.PathValue("tt"))
	if err != nil {
		writeError(w, model.NewStreamError(model.CodeInvalidTickType,
			fmt.Sprintf("unknown tick type %q", r.PathValue("tt")), false))
		return
	}
	s.serveLive(w, r, cid, []model.TickType{tt})
}

// handleStreamMulti serves GET /stream/{cid}?tick_types=tt1,tt2.
func (s *Server) handleStreamMulti(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseCID(w, r)
	if !ok {
		return
	}
	tts, ok := parseTickTypes(w, r)
	if !ok {
		return
	}
	s.serveLive(w, r, cid, tts)
}

// serveLive creates one subscription per tick type and streams their
// events until every stream is terminal or the client goes away.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, cid uint32, tts []model.TickType) {
	opts, ok := parseStreamOptions(w, r)
	if !ok {
		return
	}

	wf, ok := w.(writeFlusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID := uuid.New().String()
	opts.ConnID = connID

	// Create all streams before the first byte goes out, so a mid-batch
	// failure can still answer with a status code. Already-created streams
	// are cancelled: the subscribe is all or nothing.
	var streams []sseStream
	for _, tt := range tts {
		sub, err := s.registry.Create(cid, tt, opts)
		if err != nil {
			s.registry.CancelConn(connID)
			writeError(w, model.AsStreamError(err, model.CodeUpstreamUnavailable))
			return
		}
		// The opening info event; the WS protocol answers with a subscribed
		// message instead.
		sub.Notify(model.StatusSubscribed)
		streams = append(streams, sseStream{id: sub.ID(), events: sub.Events()})
	}

	ids := make([]string, len(streams))
	for i, st := range streams {
		ids[i] = st.id
	}
	logger := s.logger.With("conn_id", connID, "cid", cid)
	logger.Info("sse stream opened", "stream_ids", ids, "remote", r.RemoteAddr)
	s.streamSSE(wf, r, connID, streams, logger)
}

// streamSSE fans the subscription queues into the response. One forwarder
// goroutine per stream keeps per-stream order; this goroutine owns every
// write to the response.
func (s *Server) streamSSE(wf writeFlusher, r *http.Request, connID string, streams []sseStream, logger *slog.Logger) {
	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	sseHeaders(wf)
	wf.Flush()

	ctx := r.Context()
	out := make(chan model.Envelope, 32)
	fanIn(ctx, streams, out)

	var (
		seq  uint64
		last = time.Now()
	)
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away: cancel silently, nothing left to write.
			s.registry.CancelConn(connID)
			logger.Info("sse client disconnected")
			return

		case <-heartbeat.C:
			if time.Since(last) < s.cfg.HeartbeatInterval {
				continue
			}
			seq++
			if err := writeEvent(wf, heartbeatEnvelope(), seq); err != nil {
				s.registry.CancelConn(connID)
				return
			}
			metrics.EventsDelivered.WithLabelValues("sse", model.EventInfo).Inc()
			last = time.Now()

		case ev, ok := <-out:
			if !ok {
				// Every stream reached its terminal event and it has been
				// written. Closing the response is the end-of-stream signal.
				logger.Info("sse stream finished")
				return
			}
			seq++
			if err := writeEvent(wf, ev, seq); err != nil {
				s.registry.CancelConn(connID)
				logger.Info("sse write failed, client gone")
				return
			}
			metrics.EventsDelivered.WithLabelValues("sse", ev.Type).Inc()
			last = time.Now()
		}
	}
}

// fanIn forwards every stream's events into out and closes out when all
// streams are terminal.
func fanIn(ctx context.Context, streams []sseStream, out chan<- model.Envelope) {
	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(events <-chan model.Envelope) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(st.events)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
}

// sseHeaders sets the event-stream response headers.
func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeEvent renders one envelope in SSE framing and flushes it.
func writeEvent(wf writeFlusher, ev model.Envelope, seq uint64) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	if ev.StreamID != "" {
		fmt.Fprintf(&buf, "id: %s-%d\n", ev.StreamID, seq)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", payload)

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

// heartbeatEnvelope is the idle-connection keepalive event.
func heartbeatEnvelope() model.Envelope {
	return model.Envelope{
		Type:      model.EventInfo,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data:      model.InfoData{Status: model.StatusHeartbeat},
	}
}

// parseCID reads the contract id path segment.
func parseCID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := r.PathValue("cid")
	cid64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || cid64 == 0 {
		writeError(w, model.NewStreamError(model.CodeContractUnknown,
			fmt.Sprintf("bad contract id %q", raw), false))
		return 0, false
	}
	return uint32(cid64), true
}

// parseTickTypes reads the tick_types query parameter. An absent or empty
// list is an INVALID_TICK_TYPE error per the wire contract.
func parseTickTypes(w http.ResponseWriter, r *http.Request) ([]model.TickType, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("tick_types"))
	if raw == "" {
		writeError(w, model.NewStreamError(model.CodeInvalidTickType,
			"tick_types must name at least one tick type", false))
		return nil, false
	}

	var tts []model.TickType
	seen := make(map[model.TickType]bool)
	for _, label := range strings.Split(raw, ",") {
		tt, err := model.ParseTickType(strings.TrimSpace(label))
		if err != nil {
			writeError(w, model.NewStreamError(model.CodeInvalidTickType,
				fmt.Sprintf("unknown tick type %q", label), false))
			return nil, false
		}
		if !seen[tt] {
			seen[tt] = true
			tts = append(tts, tt)
		}
	}
	return tts, true
}

// parseStreamOptions reads the optional limit and timeout query
// parameters. Zero values are honored: limit=0 completes immediately with
// limit_reached, timeout=0 with timeout.
func parseStreamOptions(w http.ResponseWriter, r *http.Request) (stream.Options, bool) {
	var opts stream.Options
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, model.NewStreamError(model.CodeInvalidTickType,
				fmt.Sprintf("bad limit %q", raw), false))
			return opts, false
		}
		opts.Limit = &n
	}
	if raw := q.Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			writeError(w, model.NewStreamError(model.CodeInvalidTickType,
				fmt.Sprintf("bad timeout %q", raw), false))
			return opts, false
		}
		d := time.Duration(secs * float64(time.Second))
		opts.Timeout = &d
	}
	return opts, true
}

// writeError responds with an error envelope as a plain JSON body. Used
// before streaming starts; mid-stream errors ride the event framing.
func writeError(w http.ResponseWriter, serr *model.StreamError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(serr.Code))
	json.NewEncoder(w).Encode(model.Envelope{
		Type:      model.EventError,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data: model.ErrorData{
			Code:        serr.Code,
			Message:     serr.Message,
			Recoverable: serr.Recoverable,
		},
	})
}

// errorStatus maps wire codes to HTTP statuses for pre-stream failures.
func errorStatus(code string) int {
	switch code {
	case model.CodeInvalidTickType, model.CodeContractUnknown:
		return http.StatusBadRequest
	case model.CodeStreamLimitReached:
		return http.StatusTooManyRequests
	case model.CodeUpstreamUnavailable, model.CodeUpstreamLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/storage"
	"github.com/rickgao/ibstream/internal/stream"
	"github.com/rickgao/ibstream/internal/tracker"
	"github.com/rickgao/ibstream/internal/upstream"
)

// statsResponse is the GET /stats body: subscription counts, upstream
// state, per-backend writer counters, and a process resource block.
type statsResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp"`

	Streams  stream.RegistryStats `json:"streams"`
	Upstream upstreamStats        `json:"upstream"`
	Storage  storageStats         `json:"storage"`
	Tracker  *tracker.Stats       `json:"tracker,omitempty"`
	Process  processStats         `json:"process"`

	WSConnections  int64 `json:"ws_connections"`
	ControlClients int64 `json:"control_clients"`
}

type upstreamStats struct {
	State          string                   `json:"state"`
	ClientID       int                      `json:"client_id"`
	TicksReceived  uint64                   `json:"ticks_received"`
	OrphanTicks    uint64                   `json:"orphan_ticks"`
	SkewViolations uint64                   `json:"skew_violations"`
	Reconnects     uint64                   `json:"reconnects"`
	Requests       []upstream.RequestStatus `json:"requests,omitempty"`
}

type storageStats struct {
	storage.StoreStats
	// NewestFileAgeSeconds is the age of the most recent write across all
	// backends; negative when nothing has been written yet.
	NewestFileAgeSeconds float64 `json:"newest_file_age_seconds"`
}

type processStats struct {
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
}

// handleStats serves GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sess := s.session.Stats()

	resp := statsResponse{
		Service:   "ib-stream",
		Timestamp: model.FormatMicros(model.NowMicros()),
		Streams:   s.registry.Stats(),
		Upstream: upstreamStats{
			State:          sess.State.String(),
			ClientID:       sess.ClientID,
			TicksReceived:  sess.TicksReceived,
			OrphanTicks:    sess.OrphanTicks,
			SkewViolations: sess.SkewViolations,
			Reconnects:     sess.Reconnects,
			Requests:       sess.Requests,
		},
		Process: processStats{
			Goroutines:    runtime.NumGoroutine(),
			UptimeSeconds: time.Since(s.start).Seconds(),
		},
		WSConnections:  s.wsConns.Load(),
		ControlClients: s.controlSubs.Load(),
	}

	if s.store != nil {
		st := s.store.Stats()
		resp.Storage = storageStats{StoreStats: st, NewestFileAgeSeconds: -1}
		var newest time.Time
		for _, b := range st.Backends {
			if b.LastWriteAt.After(newest) {
				newest = b.LastWriteAt
			}
		}
		if !newest.IsZero() {
			resp.Storage.NewestFileAgeSeconds = time.Since(newest).Seconds()
		}
	}

	if s.tracker != nil {
		ts := s.tracker.Stats()
		resp.Tracker = &ts
	}

	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			resp.Process.CPUPercent = pct
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			resp.Process.RSSBytes = mem.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/upstream"
)

// healthResponse is the GET /health body. Status is healthy, degraded, or
// unhealthy; degraded means the process is up but the broker session is
// reconnecting.
type healthResponse struct {
	Service      string        `json:"service"`
	Status       string        `json:"status"`
	TWSConnected bool          `json:"tws_connected"`
	ClientID     int           `json:"client_id"`
	Storage      storageHealth `json:"storage"`
	Timestamp    string        `json:"timestamp"`
}

type storageHealth struct {
	Enabled bool   `json:"enabled"`
	Health  string `json:"health"`
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess := s.session.Stats()

	resp := healthResponse{
		Service:      "ib-stream",
		Status:       "healthy",
		TWSConnected: sess.State == upstream.StateConnected,
		ClientID:     sess.ClientID,
		Storage:      storageHealth{Health: "disabled"},
		Timestamp:    model.FormatMicros(model.NowMicros()),
	}

	if s.store != nil && s.store.Enabled() {
		resp.Storage.Enabled = true
		if s.store.Healthy() {
			resp.Storage.Health = "ok"
		} else {
			resp.Storage.Health = "stopped"
		}
	}

	status := http.StatusOK
	switch sess.State {
	case upstream.StateConnected:
	case upstream.StateFailed:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	default:
		// Connecting or between reconnect attempts.
		resp.Status = "degraded"
	}
	if resp.Storage.Enabled && resp.Storage.Health != "ok" && resp.Status == "healthy" {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

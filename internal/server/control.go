package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/stream"
)

// controlStatsData answers a get_stats request on the control socket.
type controlStatsData struct {
	Connections    int64                `json:"connections"`
	ControlClients int64                `json:"control_clients"`
	Subscriptions  int                  `json:"subscriptions"`
	Streams        stream.RegistryStats `json:"streams"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
}

// handleWSControl serves the stats side channel. Replies are written inline
// from the read loop; nothing else writes to the socket, so no write pump
// is needed here.
func (s *Server) handleWSControl(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", "error", err)
		return
	}

	s.controlSubs.Add(1)
	defer s.controlSubs.Add(-1)

	logger := s.logger.With("remote", sock.RemoteAddr().String())
	logger.Debug("control client connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			sock.Close()
		case <-done:
		}
	}()
	defer sock.Close()

	sock.SetReadLimit(wsMaxMessageSize)
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("control socket closed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			logger.Warn("malformed control message", "error", err)
			continue
		}

		var reply model.Envelope
		switch req.Type {
		case "get_stats":
			st := s.registry.Stats()
			reply = model.Envelope{
				Type:      model.EventStats,
				ID:        req.ID,
				Timestamp: model.FormatMicros(model.NowMicros()),
				Data: controlStatsData{
					Connections:    s.wsConns.Load(),
					ControlClients: s.controlSubs.Load(),
					Subscriptions:  st.ActiveStreams,
					Streams:        st,
					UptimeSeconds:  time.Since(s.start).Seconds(),
				},
			}
		case "ping":
			ts := req.Timestamp
			if ts == "" {
				ts = model.FormatMicros(model.NowMicros())
			}
			reply = model.Envelope{Type: model.EventPong, ID: req.ID, Timestamp: ts}
		default:
			logger.Warn("unknown control message type", "type", req.Type)
			continue
		}

		sock.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := sock.WriteJSON(reply); err != nil {
			logger.Debug("control write failed", "error", err)
			return
		}
	}
}

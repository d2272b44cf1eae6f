package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
	"github.com/rickgao/ibstream/internal/stream"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is the client message frame.
type wsRequest struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// wsSubscribeData is the subscribe payload: one subscription is created
// per listed tick type.
type wsSubscribeData struct {
	ContractID uint32            `json:"contract_id"`
	TickTypes  []string          `json:"tick_types"`
	Config     wsSubscribeConfig `json:"config"`
}

type wsSubscribeConfig struct {
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

type wsUnsubscribeData struct {
	StreamID string `json:"stream_id"`
}

// subscribedStream describes one created stream in a subscribed reply.
type subscribedStream struct {
	StreamID   string         `json:"stream_id"`
	ContractID uint32         `json:"contract_id"`
	TickType   model.TickType `json:"tick_type"`
}

type subscribedData struct {
	Streams []subscribedStream `json:"streams"`
}

type connectedData struct {
	ConnectionID string `json:"connection_id"`
}

// wsConn is one data socket: a read loop handling client requests, a
// write pump owning the socket's outbound side, and one forwarder per
// subscription feeding the pump. The connection holds stream ids only;
// the registry owns the subscriptions.
type wsConn struct {
	id       string
	sock     *websocket.Conn
	registry stream.Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan model.Envelope
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]struct{}
}

// handleWSStream serves the /ws/stream data endpoint.
func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	connID := uuid.New().String()
	c := &wsConn{
		id:       connID,
		sock:     sock,
		registry: s.registry,
		logger:   s.logger.With("conn_id", connID),
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan model.Envelope, 256),
		streams:  make(map[string]struct{}),
	}

	metrics.WSConnections.Inc()
	s.wsConns.Add(1)
	c.logger.Info("websocket connected", "remote", r.RemoteAddr)

	// Unblock the read loop when the server shuts down.
	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	c.wg.Add(1)
	go c.writePump()

	c.enqueue(model.Envelope{
		Type:      model.EventConnected,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data:      connectedData{ConnectionID: c.id},
	})

	c.readLoop()

	// The socket is gone: cancel every subscription it owned, silently.
	cancel()
	s.registry.CancelConn(c.id)
	c.wg.Wait()
	sock.Close()

	metrics.WSConnections.Dec()
	s.wsConns.Add(-1)
	c.logger.Info("websocket closed")
}

// readLoop consumes client messages until the socket dies.
func (c *wsConn) readLoop() {
	c.sock.SetReadLimit(wsMaxMessageSize)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket read failed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("malformed websocket message", "error", err)
			continue
		}

		switch req.Type {
		case "subscribe":
			c.handleSubscribe(req)
		case "unsubscribe":
			c.handleUnsubscribe(req)
		case "ping":
			c.handlePing(req)
		default:
			c.logger.Warn("unknown websocket message type", "type", req.Type)
		}
	}
}

// handleSubscribe creates one subscription per requested tick type. The
// request is all or nothing: a failure rolls back the streams it already
// created and answers with a single error.
func (c *wsConn) handleSubscribe(req wsRequest) {
	var d wsSubscribeData
	if err := json.Unmarshal(req.Data, &d); err != nil {
		c.logger.Warn("malformed subscribe payload", "error", err)
		return
	}
	if len(d.TickTypes) == 0 {
		c.sendError(req.ID, model.NewStreamError(model.CodeInvalidTickType,
			"tick_types must name at least one tick type", false))
		return
	}

	var (
		tts  []model.TickType
		seen = make(map[model.TickType]bool)
	)
	for _, label := range d.TickTypes {
		tt, err := model.ParseTickType(label)
		if err != nil {
			c.sendError(req.ID, model.NewStreamError(model.CodeInvalidTickType,
				fmt.Sprintf("unknown tick type %q", label), false))
			return
		}
		if !seen[tt] {
			seen[tt] = true
			tts = append(tts, tt)
		}
	}

	opts := stream.Options{ConnID: c.id}
	if d.Config.TimeoutSeconds != nil {
		t := time.Duration(*d.Config.TimeoutSeconds * float64(time.Second))
		opts.Timeout = &t
	}

	var subs []*stream.Subscription
	for _, tt := range tts {
		sub, err := c.registry.Create(d.ContractID, tt, opts)
		if err != nil {
			for _, created := range subs {
				c.registry.Cancel(created.ID())
			}
			c.sendError(req.ID, model.AsStreamError(err, model.CodeUpstreamUnavailable))
			return
		}
		subs = append(subs, sub)
	}

	reply := subscribedData{Streams: make([]subscribedStream, len(subs))}
	c.mu.Lock()
	for i, sub := range subs {
		c.streams[sub.ID()] = struct{}{}
		reply.Streams[i] = subscribedStream{
			StreamID:   sub.ID(),
			ContractID: sub.ContractID(),
			TickType:   sub.TickType(),
		}
	}
	c.mu.Unlock()

	// The subscribed reply is enqueued before the forwarders start, so it
	// reaches the client ahead of the first tick.
	c.enqueue(model.Envelope{
		Type:      model.EventSubscribed,
		ID:        req.ID,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data:      reply,
	})
	for _, sub := range subs {
		c.wg.Add(1)
		go c.forward(sub.ID(), sub.Events())
	}
}

// handleUnsubscribe cancels one stream owned by this socket. Unknown or
// foreign stream ids are a no-op; cancellation is silent either way.
func (c *wsConn) handleUnsubscribe(req wsRequest) {
	var d wsUnsubscribeData
	if err := json.Unmarshal(req.Data, &d); err != nil {
		c.logger.Warn("malformed unsubscribe payload", "error", err)
		return
	}

	c.mu.Lock()
	_, owned := c.streams[d.StreamID]
	c.mu.Unlock()
	if owned {
		c.registry.Cancel(d.StreamID)
	}
}

// handlePing answers with a pong, echoing the client's timestamp when
// given so round trips can be measured.
func (c *wsConn) handlePing(req wsRequest) {
	ts := req.Timestamp
	if ts == "" {
		ts = model.FormatMicros(model.NowMicros())
	}
	c.enqueue(model.Envelope{Type: model.EventPong, ID: req.ID, Timestamp: ts})
}

// forward copies one subscription's events into the socket's outbound
// queue, preserving per-stream order.
// forward feeds one subscription's events into the shared out channel.
// Cross-stream fairness is arrival order, not round-robin: once the fan-in
// fills, every forwarder blocks, so a hot stream can delay quieter ones by
// at most the channel depth while each backlog stays bounded by its own
// registry queue.
func (c *wsConn) forward(id string, events <-chan model.Envelope) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.dropStream(id)
				return
			}
			if !c.enqueue(ev) {
				return
			}
		}
	}
}

// enqueue hands an envelope to the write pump. Returns false when the
// connection is tearing down.
func (c *wsConn) enqueue(ev model.Envelope) bool {
	select {
	case c.out <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// sendError enqueues an error envelope correlated to a client request.
func (c *wsConn) sendError(reqID string, serr *model.StreamError) {
	c.enqueue(model.Envelope{
		Type:      model.EventError,
		ID:        reqID,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data: model.ErrorData{
			Code:        serr.Code,
			Message:     serr.Message,
			Recoverable: serr.Recoverable,
		},
	})
}

// writePump owns every write to the socket. A write failure cancels the
// connection context, which unblocks the read loop and the forwarders.
func (c *wsConn) writePump() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.out:
			c.sock.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.sock.WriteJSON(ev); err != nil {
				c.logger.Info("websocket write failed", "error", err)
				return
			}
			metrics.EventsDelivered.WithLabelValues("ws", ev.Type).Inc()
		}
	}
}

// dropStream forgets a terminal stream.
func (c *wsConn) dropStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

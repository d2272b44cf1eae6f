// streamtest is a console client for the /ws/stream endpoint: it dials a
// running streamer, subscribes to one contract, and prints every envelope
// until interrupted or the server completes the streams.
//
// Usage: go run ./cmd/streamtest --url ws://127.0.0.1:8765/ws/stream \
// --cid 711280073 --types bid_ask,last
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors the server's frame loosely; Data stays raw so verbose
// mode can print it untouched.
type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	StreamID  string          `json:"stream_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type subscribeRequest struct {
	Type string        `json:"type"`
	ID   string        `json:"id"`
	Data subscribeData `json:"data"`
}

type subscribeData struct {
	ContractID uint64          `json:"contract_id"`
	TickTypes  []string        `json:"tick_types"`
	Config     subscribeConfig `json:"config"`
}

type subscribeConfig struct {
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8765/ws/stream", "streamer websocket endpoint")
	cid := flag.Uint64("cid", 0, "contract id to subscribe")
	types := flag.String("types", "bid_ask", "comma-separated tick types")
	timeout := flag.Float64("timeout", 0, "subscription timeout in seconds (0 = none)")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *cid == 0 {
		logger.Error("--cid is required")
		os.Exit(1)
	}
	var tts []string
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tts = append(tts, t)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Error("dial failed", "url", *url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", *url)

	// Close the socket on interrupt; the read loop unblocks with an error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupted, closing")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	req := subscribeRequest{
		Type: "subscribe",
		ID:   "streamtest-1",
		Data: subscribeData{ContractID: *cid, TickTypes: tts},
	}
	if *timeout > 0 {
		req.Data.Config.TimeoutSeconds = timeout
	}
	if err := conn.WriteJSON(req); err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	var ticks, open int
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("closed", "ticks", ticks)
				return
			}
			logger.Info("connection ended", "error", err, "ticks", ticks)
			return
		}

		var ev envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("unparseable message", "error", err)
			continue
		}
		if *verbose {
			fmt.Println(string(raw))
			continue
		}

		switch ev.Type {
		case "connected":
			logger.Info("server accepted connection")
		case "subscribed":
			var d struct {
				Streams []struct {
					StreamID string `json:"stream_id"`
					TickType string `json:"tick_type"`
				} `json:"streams"`
			}
			json.Unmarshal(ev.Data, &d)
			open = len(d.Streams)
			for _, st := range d.Streams {
				logger.Info("stream open", "stream_id", st.StreamID, "tick_type", st.TickType)
			}
		case "tick":
			ticks++
			fmt.Printf("%s  %s  %s\n", ev.Timestamp, ev.StreamID, compactLine(ev.Data))
		case "complete":
			open--
			logger.Info("stream complete", "stream_id", ev.StreamID, "data", string(ev.Data))
			if open <= 0 {
				logger.Info("all streams complete", "ticks", ticks)
				return
			}
		case "error":
			logger.Error("server error", "stream_id", ev.StreamID, "data", string(ev.Data))
		default:
			logger.Info("event", "type", ev.Type, "data", string(ev.Data))
		}
	}
}

// compactLine renders a payload on one line for the tick printout.
func compactLine(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

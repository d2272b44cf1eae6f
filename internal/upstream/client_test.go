package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// startFakeGateway listens on a loopback port and hands each accepted
// connection to handler. Returns the bound port.
func startFakeGateway(t *testing.T, handler func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// ackHandshake consumes the start frame and replies with an ack.
func ackHandshake(t *testing.T, conn net.Conn) (Command, bool) {
	t.Helper()
	var start Command
	if err := readFrame(conn, &start); err != nil {
		return Command{}, false
	}
	if err := writeFrame(conn, Event{Op: OpAck, ClientID: start.ClientID}); err != nil {
		return Command{}, false
	}
	return start, true
}

// deadPort returns a loopback port with nothing listening on it.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testDriverConfig(ports ...int) DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.Host = "127.0.0.1"
	cfg.Ports = ports
	cfg.ClientID = 10
	cfg.ConnectTimeout = 2 * time.Second
	cfg.EventBuffer = 64
	return cfg
}

func TestTCPDriverConnectHandshake(t *testing.T) {
	var gotStart Command
	done := make(chan struct{})
	port := startFakeGateway(t, func(conn net.Conn) {
		start, ok := ackHandshake(t, conn)
		if ok {
			gotStart = start
			close(done)
		}
		io.Copy(io.Discard, conn)
	})

	d := NewTCPDriver(testDriverConfig(port), nil)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gateway never saw the start frame")
	}

	if gotStart.Op != OpStart {
		t.Errorf("handshake op = %q, want start", gotStart.Op)
	}
	if gotStart.ClientID != 10 {
		t.Errorf("handshake client_id = %d, want 10", gotStart.ClientID)
	}
	if !d.IsConnected() {
		t.Error("expected IsConnected after handshake")
	}

	if err := d.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if d.IsConnected() {
		t.Error("still connected after Close")
	}
}

func TestTCPDriverPortFallback(t *testing.T) {
	port := startFakeGateway(t, func(conn net.Conn) {
		ackHandshake(t, conn)
		io.Copy(io.Discard, conn)
	})

	cfg := testDriverConfig(deadPort(t), port)
	d := NewTCPDriver(cfg, nil)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with fallback port failed: %v", err)
	}
	d.Close()
}

func TestTCPDriverUnavailable(t *testing.T) {
	cfg := testDriverConfig(deadPort(t), deadPort(t))
	d := NewTCPDriver(cfg, nil)

	err := d.Connect(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Connect = %v, want ErrUpstreamUnavailable", err)
	}
	if d.IsConnected() {
		t.Error("connected with no gateway listening")
	}
}

func TestTCPDriverBadHandshake(t *testing.T) {
	port := startFakeGateway(t, func(conn net.Conn) {
		var start Command
		if err := readFrame(conn, &start); err != nil {
			return
		}
		writeFrame(conn, Event{Op: OpTick, RID: 1})
	})

	d := NewTCPDriver(testDriverConfig(port), nil)
	err := d.Connect(context.Background())
	if !errors.Is(err, ErrBadHandshake) {
		t.Errorf("Connect = %v, want ErrBadHandshake", err)
	}
}

func TestTCPDriverSendAndReceive(t *testing.T) {
	port := startFakeGateway(t, func(conn net.Conn) {
		if _, ok := ackHandshake(t, conn); !ok {
			return
		}
		// Echo a tick for every req that arrives.
		for {
			var cmd Command
			if err := readFrame(conn, &cmd); err != nil {
				return
			}
			if cmd.Op != OpReq {
				continue
			}
			ev := Event{
				Op: OpTick, RID: cmd.RID, Time: 1754008314,
				Price: 23260.5, Size: 2,
			}
			if err := writeFrame(conn, ev); err != nil {
				return
			}
		}
	})

	d := NewTCPDriver(testDriverConfig(port), nil)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer d.Close()

	if err := d.Send(Command{Op: OpReq, RID: 7, CID: 711280073, TickType: "last"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case ev := <-d.Events():
		if ev.Event.Op != OpTick {
			t.Errorf("op = %q, want tick", ev.Event.Op)
		}
		if ev.Event.RID != 7 {
			t.Errorf("rid = %d, want 7", ev.Event.RID)
		}
		if ev.Event.Price != 23260.5 || ev.Event.Size != 2 {
			t.Errorf("payload = %v/%v, want 23260.5/2", ev.Event.Price, ev.Event.Size)
		}
		if ev.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTCPDriverReportsReadError(t *testing.T) {
	port := startFakeGateway(t, func(conn net.Conn) {
		if _, ok := ackHandshake(t, conn); !ok {
			return
		}
		// Drop the connection immediately after the handshake.
	})

	d := NewTCPDriver(testDriverConfig(port), nil)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer d.Close()

	select {
	case err := <-d.Errors():
		if err == nil {
			t.Error("nil error from Errors channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transport error")
	}
	if d.IsConnected() {
		t.Error("still connected after read error")
	}
}

func TestTCPDriverSendNotConnected(t *testing.T) {
	d := NewTCPDriver(testDriverConfig(deadPort(t)), nil)
	if err := d.Send(Command{Op: OpReq, RID: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestTCPDriverDoubleClose(t *testing.T) {
	port := startFakeGateway(t, func(conn net.Conn) {
		ackHandshake(t, conn)
		io.Copy(io.Discard, conn)
	})

	d := NewTCPDriver(testDriverConfig(port), nil)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Event{Op: OpTick, RID: 3, Time: 1754008314, BidPrice: 23260.0, BidSize: 4}
	if err := writeFrame(&buf, in); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	var out Event
	if err := readFrame(&buf, &out); err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	var out Event
	if err := readFrame(&buf, &out); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("readFrame = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameShortBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10}) // Promises 16 bytes
	buf.WriteString(`{"op"`)                  // Delivers 5

	var out Event
	if err := readFrame(&buf, &out); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("readFrame = %v, want io.ErrUnexpectedEOF", err)
	}
}

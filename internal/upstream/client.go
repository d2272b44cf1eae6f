package upstream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// tcpDriver speaks the framed broker protocol over a TCP socket.
type tcpDriver struct {
	cfg    DriverConfig
	logger *slog.Logger

	conn   net.Conn
	events chan TimestampedEvent
	errors chan error
	done   chan struct{}

	writeMu sync.Mutex // Serializes frame writes

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewTCPDriver creates the production broker transport.
func NewTCPDriver(cfg DriverConfig, logger *slog.Logger) Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &tcpDriver{
		cfg:    cfg,
		logger: logger,
		events: make(chan TimestampedEvent, cfg.EventBuffer),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the gateway, performs the start/ack handshake, and starts the
// read loop. The configured ports are tried in order under one overall
// ConnectTimeout budget.
func (d *tcpDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrAlreadyClosed
	}
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	deadline := time.Now().Add(d.cfg.ConnectTimeout)

	conn, err := d.dial(ctx, deadline)
	if err != nil {
		return err
	}

	if err := d.handshake(conn, deadline); err != nil {
		conn.Close()
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.mu.Unlock()

	go d.readLoop()

	d.logger.Info("broker transport up",
		"addr", conn.RemoteAddr().String(),
		"client_id", d.cfg.ClientID,
	)
	return nil
}

// dial tries each configured port in order until one accepts.
func (d *tcpDriver) dial(ctx context.Context, deadline time.Time) (net.Conn, error) {
	var dialer net.Dialer
	var lastErr error

	for _, port := range d.cfg.Ports {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(port))
		attemptCtx, cancel := context.WithTimeout(ctx, remaining)
		conn, err := dialer.DialContext(attemptCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		d.logger.Debug("dial failed", "addr", addr, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no ports configured")
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

// handshake claims the client id: send start, expect ack.
func (d *tcpDriver) handshake(conn net.Conn, deadline time.Time) error {
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := writeFrame(conn, Command{Op: OpStart, ClientID: int32(d.cfg.ClientID)}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	var ack Event
	if err := readFrame(conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack.Op != OpAck {
		return fmt.Errorf("%w: op %q", ErrBadHandshake, ack.Op)
	}
	return nil
}

// readLoop reads frames until the socket dies or Close is called.
func (d *tcpDriver) readLoop() {
	r := bufio.NewReader(d.conn)

	for {
		select {
		case <-d.done:
			return
		default:
		}

		var ev Event
		if err := readFrame(r, &ev); err != nil {
			d.mu.Lock()
			d.connected = false
			closed := d.closed
			d.mu.Unlock()

			if !closed {
				select {
				case d.errors <- err:
				default:
				}
			}
			return
		}
		receivedAt := time.Now()

		select {
		case d.events <- TimestampedEvent{Event: ev, ReceivedAt: receivedAt}:
		case <-d.done:
			return
		default:
			d.logger.Warn("event buffer full, dropping frame",
				"op", ev.Op,
				"rid", ev.RID,
			)
		}
	}
}

// Send transmits one command frame.
func (d *tcpDriver) Send(cmd Command) error {
	d.mu.RLock()
	if !d.connected {
		d.mu.RUnlock()
		return ErrNotConnected
	}
	conn := d.conn
	d.mu.RUnlock()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	return writeFrame(conn, cmd)
}

// Close tears the transport down. Safe to call multiple times.
func (d *tcpDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.connected = false
	conn := d.conn
	d.mu.Unlock()

	close(d.done)
	if conn != nil {
		conn.Close()
	}

	d.logger.Debug("broker transport closed")
	return nil
}

// Events returns the inbound event channel.
func (d *tcpDriver) Events() <-chan TimestampedEvent {
	return d.events
}

// Errors returns the transport error channel.
func (d *tcpDriver) Errors() <-chan error {
	return d.errors
}

// IsConnected reports whether the transport is up.
func (d *tcpDriver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

package upstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Driver is the transport the session speaks to the broker gateway through.
// The TCP driver is the production implementation; tests substitute fakes.
type Driver interface {
	// Connect establishes the transport and performs the start/ack handshake.
	Connect(ctx context.Context) error

	// Close tears the transport down. Idempotent.
	Close() error

	// Send transmits one command frame.
	Send(cmd Command) error

	// Events returns the channel of inbound broker events.
	Events() <-chan TimestampedEvent

	// Errors returns the channel of transport errors. A received error means
	// the transport is dead and a fresh Driver is needed.
	Errors() <-chan error

	// IsConnected reports whether the transport is up.
	IsConnected() bool
}

// DriverFactory builds a fresh Driver for each connection attempt. Drivers are
// single-use: once dead they are discarded, never redialed.
type DriverFactory func() Driver

// maxFrameSize bounds a single broker frame; anything larger is a protocol
// error rather than a message.
const maxFrameSize = 1 << 20

// writeFrame encodes v as JSON and writes it as one length-prefixed frame:
// uint32 big-endian body length, then the body.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	// Single write so a frame never lands half-delivered between writers.
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame and decodes its JSON body into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

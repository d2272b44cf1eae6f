// Package upstream maintains the session with the broker gateway.
//
// The session:
//   - Owns one framed TCP connection to the gateway
//   - Multiplexes refcounted (contract, tick type) requests over it
//   - Paces outbound commands with a token bucket
//   - Replays live requests with fresh request ids after a reconnect
//   - Hands encoded ticks to the pipeline over a bounded channel
package upstream

// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream session state, reconnects, orphan ticks, clock skew
//   - Registry stream counts and fan-out throughput
//   - Per-backend append-store queue depth, write errors, rotations
//   - SSE/WebSocket connection counts and delivered events
package metrics

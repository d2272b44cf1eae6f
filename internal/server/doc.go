// Package server is the delivery surface: SSE and WebSocket streaming,
// historical replay, and the operational endpoints.
//
// The server:
//   - Streams live subscriptions over SSE (one response per subscribe)
//     and WebSocket (many streams multiplexed per socket)
//   - Replays bounded ranges from the append store on /buffer, closing
//     with a complete event
//   - Serves /health, /stats, and the Prometheus /metrics endpoint
//   - Answers get_stats on the /ws/control side channel
//
// Handlers hold stream ids, never subscription pointers; cancellation
// always goes through the registry.
package server

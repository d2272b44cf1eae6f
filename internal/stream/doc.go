// Package stream implements the subscription registry and delivery pipeline.
//
// The registry:
//   - Maps stream ids to subscriptions and enforces the process and
//     per-connection caps
//   - Fans every upstream tick out to all subscriptions on its
//     (contract, tick type) pair
//   - Applies per-subscription tick and wall-clock budgets
//   - Runs each subscriber behind a bounded queue with an overflow policy:
//     disconnect for live clients, drop-oldest for process-owned sinks
package stream

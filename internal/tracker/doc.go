// Package tracker keeps long-lived subscriptions alive for a configured
// set of contracts so their ticks are always captured, independent of any
// connected client.
//
// The tracker:
//   - waits for the broker session before issuing the initial pins
//   - creates one unbounded subscription per (contract, tick type)
//   - re-creates pins that error, after a configurable delay
//   - sweeps for missing pins on an interval, catching creates that
//     failed while the broker was unreachable
//
// Pinned subscriptions use the drop-oldest overflow policy: the tracker
// discards events locally, so capture pressure never turns into a slow
// consumer disconnect.
package tracker

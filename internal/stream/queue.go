package stream

import (
	"sync"

	"github.com/rickgao/ibstream/internal/model"
)

// Queue is the bounded per-subscriber event queue. Producers never block:
// Push fails when the queue is full and PushEvict drops the oldest event to
// make room. The consumer side is a plain channel so delivery loops can
// select over it together with tickers and contexts.
type Queue struct {
	ch chan model.Envelope

	mu      sync.Mutex
	closed  bool
	pushed  uint64
	evicted uint64
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan model.Envelope, capacity)}
}

// Push enqueues one event without blocking. Returns ErrQueueFull when the
// consumer has fallen behind and ErrQueueClosed after Close.
func (q *Queue) Push(ev model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		q.pushed++
		return nil
	default:
		return ErrQueueFull
	}
}

// PushEvict enqueues one event, dropping the oldest queued event if the
// queue is full. Returns true when an event was evicted to make room.
// After Close the event is silently discarded.
func (q *Queue) PushEvict(ev model.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	evicted := false
	select {
	case q.ch <- ev:
	default:
		// Only the consumer removes concurrently, so after one eviction
		// there is room for the push.
		select {
		case <-q.ch:
			q.evicted++
			evicted = true
		default:
		}
		q.ch <- ev
	}
	q.pushed++
	return evicted
}

// Close marks the queue closed. The consumer drains whatever is buffered and
// then sees the channel close. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Events returns the consumer channel.
func (q *Queue) Events() <-chan model.Envelope {
	return q.ch
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Evicted returns how many events PushEvict has dropped.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Pushed returns how many events were accepted.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

package storage

import "sync"

// ring is a thread-safe fixed-capacity circular buffer that discards its
// oldest entry when full. It backs the retry path for failed writes, where
// bounded memory matters more than completeness.
type ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // read position
	tail  int // write position
	count int

	evicted uint64
}

// newRing creates a ring with the given capacity.
func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// Push adds an item, discarding the oldest if the ring is full.
// Returns true when an eviction happened.
func (r *ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evict := r.count == len(r.buf)
	if evict {
		var zero T
		r.buf[r.head] = zero // Clear reference for GC
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.evicted++
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return evict
}

// DrainTo removes up to max items in arrival order. max <= 0 drains all.
func (r *ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	return result
}

// Len returns the current number of items in the ring.
func (r *ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Evicted returns how many items were discarded to make room.
func (r *ring[T]) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

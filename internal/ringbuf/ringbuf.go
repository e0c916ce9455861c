// Package ringbuf provides a bounded ring buffer that overwrites its oldest
// element when full. It backs both the per-timeframe candle window and the
// ingest queue between the feed reader and a symbol worker.
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded FIFO holding at most limit items. The backing slice
// is rounded up to a power of two for bitwise modulo. Safe for one
// producer and one consumer; additional readers of Last/Len are also safe.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	mask  uint64
	limit uint64
	head uint64 // next write
	tail uint64 // next read

	closed bool
	notify chan struct{}

	// Overflow counts items dropped to make room (atomic, for metrics).
	overflow atomic.Uint64
}

// New creates a ring buffer holding exactly capacity items. Minimum
// capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	n := nextPow2(capacity)
	return &Ring[T]{
		buf:    make([]T, n),
		mask:   uint64(n - 1),
		limit:  uint64(capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v. When the ring is full the oldest element is discarded
// and Push reports dropped=true. Pushing to a closed ring is a no-op.
// Never blocks.
func (r *Ring[T]) Push(v T) (dropped bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.head-r.tail >= r.limit {
		var zero T
		r.buf[r.tail&r.mask] = zero
		r.tail++
		r.overflow.Add(1)
		dropped = true
	}
	r.buf[r.head&r.mask] = v
	r.head++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest element. Returns false when empty.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.tail >= r.head {
		return zero, false
	}
	v := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = zero
	r.tail++
	return v, true
}

// Last returns a copy of the newest n elements, oldest first. n <= 0 or n
// larger than Len returns everything buffered.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := int(r.head - r.tail)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, n)
	start := r.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+uint64(i))&r.mask]
	}
	return out
}

// Ready is signalled after every Push and on Close. Consumers drain with
// Pop until empty, then wait on Ready again.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.notify
}

// Close stops further pushes and wakes the consumer. Buffered items remain
// poppable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (r *Ring[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len returns the current number of items in the buffer.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Cap returns the configured capacity.
func (r *Ring[T]) Cap() int {
	return int(r.limit)
}

// Overflow returns the total number of items dropped due to a full buffer.
func (r *Ring[T]) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

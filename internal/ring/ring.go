// Package ring implements the C8 SPSC Ring Channel: a bounded,
// lock-free, single-producer/single-consumer FIFO queue with an explicit
// acquire/release memory-ordering contract, used to hand Segments from a
// pane's capture goroutine to the ingest pipeline without blocking either
// side on a mutex.
//
// A plain buffered `chan` gives the same producer/consumer shape but no
// control over memory ordering or cache-line layout; this package trades
// that convenience for an explicit acquire/release contract and close
// semantics a caller can reason about under concurrent access. The
// drop-on-full behavior under backpressure — increment a counter, keep
// moving — matches how a bounded queue should behave under sustained
// backpressure: never block the producer, never silently resize.
package ring

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Ring is a bounded SPSC queue of capacity cap (rounded up to the next
// power of two). Zero value is not usable; construct with New.
//
// Memory ordering: Push writes the slot, then performs a release-store to
// writerPos (Go's atomic package provides sequentially-consistent
// load/store, a strict superset of acquire/release, so the weaker
// contract this type documents is always satisfied). Pop performs an
// acquire-load of writerPos before reading the slot, guaranteeing it never
// observes a partially-written element. readerPos and writerPos are kept
// on separate cache lines via cpu.CacheLinePad so the producer and
// consumer never false-share a line while spinning on each other's
// cursor.
type Ring[T any] struct {
	buf  []T
	mask uint64

	_ cpu.CacheLinePad

	writerPos atomic.Uint64

	_ cpu.CacheLinePad

	readerPos atomic.Uint64

	_ cpu.CacheLinePad

	dropped atomic.Uint64

	closed atomic.Bool
}

// New creates a Ring whose usable capacity is the next power of two >=
// capacity (minimum 2).
func New[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	n := nextPowerOfTwo(capacity)
	return &Ring[T]{
		buf:  make([]T, n),
		mask: uint64(n - 1),
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the ring's usable capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Len returns the number of elements currently queued. Safe to call from
// either the producer or the consumer goroutine; the result may be stale
// by the time it's used.
func (r *Ring[T]) Len() int {
	w := r.writerPos.Load()
	rd := r.readerPos.Load()
	return int(w - rd)
}

// Push attempts to enqueue v. Returns false if the ring is full or
// closed; only the full case increments the dropped counter. Must only be
// called from the single producer goroutine.
func (r *Ring[T]) Push(v T) bool {
	if r.closed.Load() {
		return false
	}
	w := r.writerPos.Load()
	rd := r.readerPos.Load()
	if w-rd >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[w&r.mask] = v
	r.writerPos.Store(w + 1)
	return true
}

// Close marks the ring closed: subsequent Push calls fail immediately,
// while values already enqueued remain drainable via Pop. Idempotent.
// Must only be called from the producer goroutine (or after the producer
// has stopped).
func (r *Ring[T]) Close() {
	r.closed.Store(true)
}

// IsClosed reports whether Close has been called. A true result does not
// imply the ring is empty — pending values may still be drained with Pop.
func (r *Ring[T]) IsClosed() bool {
	return r.closed.Load()
}

// Pop attempts to dequeue the oldest element. Returns the zero value and
// false if the ring is empty. Must only be called from the single
// consumer goroutine.
func (r *Ring[T]) Pop() (T, bool) {
	rd := r.readerPos.Load()
	w := r.writerPos.Load()
	if rd == w {
		var zero T
		return zero, false
	}
	v := r.buf[rd&r.mask]
	var zero T
	r.buf[rd&r.mask] = zero // drop the reference so GC can collect it
	r.readerPos.Store(rd + 1)
	return v, true
}

// Dropped returns the lifetime count of Push calls that found the ring
// full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

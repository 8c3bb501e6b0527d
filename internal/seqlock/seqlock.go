// Package seqlock implements the cross-context publication primitive
// used to hand runtime state and injection diagnostics from their
// producer to reader collaborators without
// ever blocking the producer.
//
// The discipline follows spec §5: the writer increments the sequence
// (odd = in-progress), publishes with a release barrier, writes the
// payload, then increments again (even = stable) with another release
// barrier; readers load the sequence with acquire, read the payload,
// reload the sequence with acquire, and retry when either differs or
// the first load was odd. sync/atomic's Load/Store on a Uint32 give
// the Go memory model's acquire/release semantics for this purpose —
// the same generation-counter idiom used for cross-context
// publication elsewhere in the ecosystem (e.g. mmap-backed seqlock
// caches), never a plain read/write guarded only by a comment.
package seqlock

import "sync/atomic"

// Cell holds a seqlock-protected value of type T. The zero value holds
// T's zero value and is ready to use; New sets an initial payload.
type Cell[T any] struct {
	seq     atomic.Uint32
	payload T
}

// New constructs a Cell with an initial payload, sequence starting
// at 0 (even/stable).
func New[T any](initial T) *Cell[T] {
	c := &Cell[T]{payload: initial}
	return c
}

// Publish overwrites the payload. Must be called by the single owning
// producer goroutine; never call Publish concurrently from two
// goroutines on the same Cell.
func (c *Cell[T]) Publish(v T) {
	seq := c.seq.Load()
	c.seq.Store(seq + 1) // odd: in-progress
	c.payload = v
	c.seq.Store(seq + 2) // even: stable
}

// Read returns a consistent snapshot of the payload. It retries
// internally until it observes a stable (even) sequence number that
// did not change across the read, so the returned value never
// contains torn fields from an overlapping Publish.
func (c *Cell[T]) Read() T {
	for {
		seq1 := c.seq.Load()
		if seq1&1 == 1 {
			continue // writer in progress
		}
		v := c.payload
		seq2 := c.seq.Load()
		if seq1 == seq2 {
			return v
		}
	}
}

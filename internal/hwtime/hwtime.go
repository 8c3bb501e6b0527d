// Package hwtime provides the single hardware up-counter every other
// subsystem schedules against. Per spec, the counter runs at 1 MHz,
// wraps every ~71 minutes, and all elapsed-time math is modular
// 32-bit subtraction — callers never treat absolute ticks as orderable
// beyond a short horizon.
package hwtime

import (
	"sync/atomic"
	"time"
)

// Counter is the narrow interface every subsystem schedules against.
// A board package supplies a production implementation backed by a
// real free-running timer register; tests use FakeCounter, and
// cmd/goefi-core-bench uses MonotonicCounter.
type Counter interface {
	// Now returns the current tick. Wraps at 2^32.
	Now() uint32
}

// Since computes the signed, wrap-correct elapsed ticks from mark to
// now: Since(now, mark) > 0 means now is "after" mark within the
// ±2^31 tick range of an int32 (about ±35.8 minutes at 1 MHz).
func Since(now, mark uint32) int32 {
	return int32(now - mark)
}

// MonotonicCounter is the production Counter, derived from the Go
// runtime's monotonic clock scaled to microseconds (1 MHz ticks). A
// board package with a real free-running hardware timer register
// should implement Counter directly instead of using this type; this
// exists so the core can run, and its tests can run, off real wall
// time without board support.
type MonotonicCounter struct {
	epoch time.Time
}

// NewMonotonicCounter creates a counter whose epoch is "now".
func NewMonotonicCounter() *MonotonicCounter {
	return &MonotonicCounter{epoch: time.Now()}
}

func (c *MonotonicCounter) Now() uint32 {
	return uint32(time.Since(c.epoch).Microseconds())
}

// FakeCounter is an explicitly-advanced Counter for deterministic
// tests and trace replay. Safe for concurrent Now()/Advance() calls.
type FakeCounter struct {
	tick atomic.Uint32
}

// NewFakeCounter creates a FakeCounter starting at the given tick.
func NewFakeCounter(start uint32) *FakeCounter {
	f := &FakeCounter{}
	f.tick.Store(start)
	return f
}

func (f *FakeCounter) Now() uint32 { return f.tick.Load() }

// Advance moves the counter forward by delta ticks (wrapping is fine
// and intentional — it exercises the same modular-subtraction path
// production code takes).
func (f *FakeCounter) Advance(delta uint32) uint32 {
	return f.tick.Add(delta)
}

// Set forces the counter to an absolute value, used to test wraparound.
func (f *FakeCounter) Set(v uint32) { f.tick.Store(v) }

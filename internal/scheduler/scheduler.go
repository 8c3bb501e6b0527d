// Package scheduler implements the angle-to-time one-shot arm
// primitive (spec §4.3): arm a channel to fire at an absolute tick
// and stay on for a duration, with the hardware closing the loop on
// jitter and a watchdog compare as the safety net.
package scheduler

import (
	"sync/atomic"

	"github.com/oecu/goefi-core/internal/coreerr"
	"github.com/oecu/goefi-core/internal/hwtime"
)

// Channel identifies one of the eight logical actuator channels.
type Channel int

const (
	Injector0 Channel = iota
	Injector1
	Injector2
	Injector3
	Ignition0
	Ignition1
	Ignition2
	Ignition3
	numChannels
)

// Kind reports whether a Channel is an injector or ignition output —
// used to pick MIN/MAX_ON_TIME.
func (c Channel) Kind() string {
	if c < Ignition0 {
		return "injector"
	}
	return "ignition"
}

// HardwareBackend is the single driver entry point the spec defines
// (§6's Actuator hardware contract). A board package implements this
// against real compare registers; tests use an in-memory fake.
type HardwareBackend interface {
	// ArmAbsolute programs channel so its active edge occurs at
	// fireAtTick and its inactive edge at fireAtTick+durationTicks.
	// Rejected calls (returning a non-nil error) must not change any
	// hardware state.
	ArmAbsolute(channel Channel, fireAtTick, durationTicks uint32) error
	// Counter returns the scheduler-domain tick for channel — same
	// domain as hwtime.Counter.Now, per spec §4.1.
	Counter(channel Channel) uint32
	// ForceAllOff drives every channel low immediately, independent
	// of any pending arm state.
	ForceAllOff()
}

// Limits holds the MIN/MAX_ON_TIME pair for one channel kind, in
// ticks (µs, since hwtime ticks are 1 MHz).
type Limits struct {
	MinOnTicks uint32
	MaxOnTicks uint32
}

// Config supplies the injector and ignition on-time limits.
type Config struct {
	Injector Limits
	Ignition Limits
}

type channelState struct {
	armed      atomic.Bool
	fireAtTick uint32
	inactiveAt uint32
}

// Scheduler owns per-channel arm state and dispatches to a
// HardwareBackend. Arm is O(1): a range check, an overlap check
// against the channel's own prior pending arm, and one backend call.
type Scheduler struct {
	cfg     Config
	hw      HardwareBackend
	counter hwtime.Counter
	states  [numChannels]channelState
}

// New constructs a Scheduler bound to a hardware backend and the
// shared HW-Time counter.
func New(cfg Config, hw HardwareBackend, counter hwtime.Counter) *Scheduler {
	return &Scheduler{cfg: cfg, hw: hw, counter: counter}
}

func (s *Scheduler) limitsFor(ch Channel) Limits {
	if ch.Kind() == "injector" {
		return s.cfg.Injector
	}
	return s.cfg.Ignition
}

// Arm programs channel to fire at fireAtTick for durationTicks. See
// spec §4.3 for the full rejection rule set.
func (s *Scheduler) Arm(channel Channel, fireAtTick, durationTicks uint32) error {
	if channel < 0 || channel >= numChannels {
		return coreerr.New(coreerr.BadArg, "scheduler.Arm", "channel out of range")
	}

	limits := s.limitsFor(channel)
	if durationTicks < limits.MinOnTicks || durationTicks > limits.MaxOnTicks {
		return coreerr.New(coreerr.Rejected, "scheduler.Arm", "duration out of range")
	}

	now := s.counter.Now()
	if hwtime.Since(fireAtTick, now) <= 0 {
		return coreerr.New(coreerr.Rejected, "scheduler.Arm", "fire_at_tick not in the future")
	}

	inactiveAt := fireAtTick + durationTicks

	st := &s.states[channel]
	if st.armed.Load() {
		// Reject if the new active edge would precede the pending
		// arm's inactive edge — overlap is refused, never silently
		// reordered.
		pendingInactive := st.inactiveAt
		if hwtime.Since(pendingInactive, fireAtTick) > 0 {
			return coreerr.New(coreerr.Rejected, "scheduler.Arm", "overlaps pending arm")
		}
	}

	if err := s.hw.ArmAbsolute(channel, fireAtTick, durationTicks); err != nil {
		return coreerr.Wrap(coreerr.Rejected, "scheduler.Arm", "hardware refused arm", err)
	}

	st.fireAtTick = fireAtTick
	st.inactiveAt = inactiveAt
	st.armed.Store(true)
	return nil
}

// Disarm clears the local pending-arm bookkeeping for channel without
// touching hardware state — used after ForceAllOff.
func (s *Scheduler) Disarm(channel Channel) {
	if channel < 0 || channel >= numChannels {
		return
	}
	s.states[channel].armed.Store(false)
}

// ForceAllOff drives every channel low and clears all pending-arm
// bookkeeping. Must be callable from any context and must not depend
// on plan dispatch (spec §4.8).
func (s *Scheduler) ForceAllOff() {
	s.hw.ForceAllOff()
	for i := range s.states {
		s.states[i].armed.Store(false)
	}
}

// TicksForDegrees converts an angle-domain delta to ticks given the
// instantaneous µs-per-degree constant derived from last_period and
// TOOTH_PER_REV, per spec §4.3: k = last_period*TOOTH_PER_REV/360.
func TicksForDegrees(lastPeriodUS uint32, toothPerRev int, targetDeg, currentDeg, cycleDeg float64) uint32 {
	k := float64(lastPeriodUS) * float64(toothPerRev) / 360.0
	delta := wrapDeg(targetDeg-currentDeg, cycleDeg)
	return uint32(k * delta)
}

func wrapDeg(deg, cycle float64) float64 {
	r := deg
	for r < 0 {
		r += cycle
	}
	for r >= cycle {
		r -= cycle
	}
	return r
}

// Package ignition computes the final ignition advance output and
// tracks knock retard accumulation, per spec §4.4 and §4.8.
package ignition

import (
	"sync/atomic"

	"github.com/oecu/goefi-core/internal/config"
)

// AdvanceDeg clamps base-from-table minus knock retard to
// [AdvanceMinDeg, AdvanceMaxDeg].
func AdvanceDeg(cfg config.IgnitionConfig, baseDeg, knockRetardDeg float64) float64 {
	v := baseDeg - knockRetardDeg
	if v < cfg.AdvanceMinDeg {
		return cfg.AdvanceMinDeg
	}
	if v > cfg.AdvanceMaxDeg {
		return cfg.AdvanceMaxDeg
	}
	return v
}

// KnockRetard accumulates retard in 0.1° units with saturating
// arithmetic that never subtracts below zero, per spec §4.8. It is
// untouched while fail-safe limp is latched (spec's open question is
// resolved that way).
type KnockRetard struct {
	tenths atomic.Int32
}

// Add accumulates deltaTenths (clamped so the total never goes
// negative or overflows int32).
func (k *KnockRetard) Add(deltaTenths int32) {
	for {
		cur := k.tenths.Load()
		next64 := int64(cur) + int64(deltaTenths)
		if next64 < 0 {
			next64 = 0
		} else if next64 > 1<<31-1 {
			next64 = 1<<31 - 1
		}
		next := int32(next64)
		if k.tenths.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Decay reduces the accumulated retard by deltaTenths, saturating at
// zero — used by a slow background recovery, never while limp is
// latched.
func (k *KnockRetard) Decay(deltaTenths int32) {
	k.Add(-deltaTenths)
}

// Deg returns the current retard in degrees.
func (k *KnockRetard) Deg() float64 {
	return float64(k.tenths.Load()) / 10.0
}

// Package closedloop implements the short-term/long-term fuel trim
// controller described in spec §3 ("Fuel trims") and §4.5: a PI
// controller with anti-windup producing STFT, and a slow EMA producing
// LTFT with conditional table write-back.
package closedloop

import "github.com/oecu/goefi-core/internal/config"

// Trims holds the current STFT/LTFT state, owned by the planner
// thread-local per spec §3 ("the Planner owns its thread-local
// LTFT/STFT").
type Trims struct {
	STFT float64
	LTFT float64

	integral float64

	stableMS float64 // time rpm/load have stayed within the stability band
}

// LambdaReading is the validated measurement fed to the controller.
type LambdaReading struct {
	Lambda float64
	Valid  bool // wideband age < 200ms, or narrowband present
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Step runs one PI iteration. If reading is invalid, STFT holds its
// last value and LTFT does not learn, per spec §4.5.
func (t *Trims) Step(cfg config.ClosedLoopConfig, lambdaTarget float64, reading LambdaReading, dtSeconds float64) {
	if !reading.Valid {
		return
	}

	err := lambdaTarget - reading.Lambda
	t.integral = clamp(t.integral+cfg.KI*err*dtSeconds, -cfg.STFTLimit, cfg.STFTLimit)
	t.STFT = clamp(cfg.KP*err+t.integral, -cfg.STFTLimit, cfg.STFTLimit)
}

// UpdateLTFT implements the LTFT EMA and write-back rule from spec
// §3: updated only while rpm and load have stayed within ±50 units
// for >= LTFTStableMS, and when |ltft| >= LTFTApplyThreshold the
// caller should multiply the VE cell by (1+ltft) and reset LTFT to 0
// (ApplyAndReset reports whether that should happen now).
func (t *Trims) UpdateLTFT(cfg config.ClosedLoopConfig, stable bool, dtMS float64) {
	if !stable {
		t.stableMS = 0
		return
	}
	t.stableMS += dtMS
	if t.stableMS < cfg.LTFTStableMS {
		return
	}
	t.LTFT += cfg.LTFTAlpha * (t.STFT - t.LTFT)
}

// ApplyAndReset reports whether |LTFT| has crossed the apply
// threshold; if so it returns the multiplier to apply to the VE cell
// and resets LTFT to 0, per spec §3.
func (t *Trims) ApplyAndReset(cfg config.ClosedLoopConfig) (multiplier float64, apply bool) {
	if abs(t.LTFT) < cfg.LTFTApplyThreshold {
		return 1, false
	}
	multiplier = 1 + t.LTFT
	t.LTFT = 0
	return multiplier, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

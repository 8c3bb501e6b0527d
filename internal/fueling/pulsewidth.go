package fueling

import "github.com/oecu/goefi-core/internal/config"

// Inputs bundles the live sensor values the pulsewidth computation
// needs, per spec §4.4.
type Inputs struct {
	VEPct         float64 // VE in percent, already looked up (Pulsewidth divides by 100)
	MAPKPa        float64
	CLTC          float64
	VBatV         float64
	IATC          float64
	LambdaCorr    float64 // closed-loop + target correction, unitless around 0
	MAPDotPerTick float64
}

// AccelState tracks the acceleration-enrichment decay timer across
// planner ticks, per spec §4.4's 200ms linear decay.
type AccelState struct {
	active   bool
	remainMS float64
}

// DeadTimeTable is a 1D table of injector dead time (µs) interpolated
// on vbat, per spec §4.4 ("Dead-time table interpolated on actual
// vbat, not a constant").
type DeadTimeTable struct {
	VoltBins   [TableSize]float64
	DeadTimeUS [TableSize]float64
}

// Lookup interpolates dead time at the given vbat, clamping at the
// table edges.
func (d *DeadTimeTable) Lookup(vbat float64) float64 {
	if vbat <= d.VoltBins[0] {
		return d.DeadTimeUS[0]
	}
	if vbat >= d.VoltBins[TableSize-1] {
		return d.DeadTimeUS[TableSize-1]
	}
	for i := 1; i < TableSize; i++ {
		if vbat <= d.VoltBins[i] {
			lo, hi := i-1, i
			span := d.VoltBins[hi] - d.VoltBins[lo]
			if span <= 0 {
				return d.DeadTimeUS[lo]
			}
			f := (vbat - d.VoltBins[lo]) / span
			return d.DeadTimeUS[lo] + (d.DeadTimeUS[hi]-d.DeadTimeUS[lo])*f
		}
	}
	return d.DeadTimeUS[TableSize-1]
}

// WarmupFactor linearly interpolates from WarmupEnrichMax (at
// CLT <= WarmupTempMinC) down to 1.00 (at CLT >= WarmupTempMaxC).
func WarmupFactor(cfg config.FuelingConfig, cltC float64) float64 {
	if cltC <= cfg.WarmupTempMinC {
		return cfg.WarmupEnrichMax
	}
	if cltC >= cfg.WarmupTempMaxC {
		return 1.0
	}
	span := cfg.WarmupTempMaxC - cfg.WarmupTempMinC
	if span <= 0 {
		return 1.0
	}
	f := (cltC - cfg.WarmupTempMinC) / span
	return cfg.WarmupEnrichMax + (1.0-cfg.WarmupEnrichMax)*f
}

// Step advances the acceleration-enrichment state machine by dtMS
// given the current MAP-per-tick derivative, per spec §4.4: triggered
// when delta MAP per tick exceeds TPSDotThreshold, decays linearly
// back to 1.00 over AccelDecayMS.
func (a *AccelState) Step(cfg config.FuelingConfig, mapDotPerTick, dtMS float64) float64 {
	if mapDotPerTick > cfg.TPSDotThreshold {
		a.active = true
		a.remainMS = cfg.AccelDecayMS
		return cfg.AccelEnrichMax
	}
	if !a.active {
		return 1.0
	}
	a.remainMS -= dtMS
	if a.remainMS <= 0 {
		a.active = false
		return 1.0
	}
	frac := a.remainMS / cfg.AccelDecayMS
	return 1.0 + (cfg.AccelEnrichMax-1.0)*frac
}

// Pulsewidth computes the speed-density pulsewidth in µs, per spec
// §4.4, clamped to [PWMinUS, PWMaxUS].
func Pulsewidth(cfg config.FuelingConfig, in Inputs, warmup, accel float64, deadTimeUS float64) float64 {
	pw := cfg.ReqFuelUS * (in.VEPct / 100.0) * (in.MAPKPa / 100.0) *
		warmup * accel * (1 + in.LambdaCorr)
	pw += deadTimeUS
	if pw < cfg.PWMinUS {
		return cfg.PWMinUS
	}
	if pw > cfg.PWMaxUS {
		return cfg.PWMaxUS
	}
	return pw
}

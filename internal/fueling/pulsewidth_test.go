package fueling

import (
	"testing"

	"github.com/oecu/goefi-core/internal/config"
)

func fuelCfg() config.FuelingConfig {
	return config.DefaultConfig().Fueling
}

func TestPulsewidthClampsToMin(t *testing.T) {
	cfg := fuelCfg()
	pw := Pulsewidth(cfg, Inputs{VEPct: 0, MAPKPa: 0, LambdaCorr: 0}, 1.0, 1.0, 0)
	if pw != cfg.PWMinUS {
		t.Errorf("Pulsewidth = %v, want clamp to PWMinUS=%v", pw, cfg.PWMinUS)
	}
}

func TestPulsewidthClampsToMax(t *testing.T) {
	cfg := fuelCfg()
	pw := Pulsewidth(cfg, Inputs{VEPct: 500, MAPKPa: 500, LambdaCorr: 5}, 2.0, 2.0, 0)
	if pw != cfg.PWMaxUS {
		t.Errorf("Pulsewidth = %v, want clamp to PWMaxUS=%v", pw, cfg.PWMaxUS)
	}
}

func TestPulsewidthAddsDeadTime(t *testing.T) {
	cfg := fuelCfg()
	base := Pulsewidth(cfg, Inputs{VEPct: 80, MAPKPa: 60}, 1.0, 1.0, 0)
	withDeadTime := Pulsewidth(cfg, Inputs{VEPct: 80, MAPKPa: 60}, 1.0, 1.0, 1000)
	if withDeadTime-base != 1000 {
		t.Errorf("dead time not added linearly: base=%v withDeadTime=%v", base, withDeadTime)
	}
}

func TestWarmupFactorBounds(t *testing.T) {
	cfg := fuelCfg()
	if got := WarmupFactor(cfg, cfg.WarmupTempMinC-10); got != cfg.WarmupEnrichMax {
		t.Errorf("below WarmupTempMinC should clamp to WarmupEnrichMax, got %v", got)
	}
	if got := WarmupFactor(cfg, cfg.WarmupTempMaxC+10); got != 1.0 {
		t.Errorf("above WarmupTempMaxC should be 1.0, got %v", got)
	}
	mid := (cfg.WarmupTempMinC + cfg.WarmupTempMaxC) / 2
	got := WarmupFactor(cfg, mid)
	if got <= 1.0 || got >= cfg.WarmupEnrichMax {
		t.Errorf("mid-range WarmupFactor = %v, want strictly between 1.0 and %v", got, cfg.WarmupEnrichMax)
	}
}

func TestAccelStateTriggersAndDecays(t *testing.T) {
	cfg := fuelCfg()
	var a AccelState

	enrich := a.Step(cfg, cfg.TPSDotThreshold+1, 0)
	if enrich != cfg.AccelEnrichMax {
		t.Fatalf("triggering Step = %v, want AccelEnrichMax=%v", enrich, cfg.AccelEnrichMax)
	}

	mid := a.Step(cfg, 0, cfg.AccelDecayMS/2)
	if mid <= 1.0 || mid >= cfg.AccelEnrichMax {
		t.Errorf("mid-decay Step = %v, want strictly between 1.0 and %v", mid, cfg.AccelEnrichMax)
	}

	done := a.Step(cfg, 0, cfg.AccelDecayMS)
	if done != 1.0 {
		t.Errorf("fully decayed Step = %v, want 1.0", done)
	}
}

func TestAccelStateIdleReturnsBaseline(t *testing.T) {
	cfg := fuelCfg()
	var a AccelState
	if got := a.Step(cfg, 0, 100); got != 1.0 {
		t.Errorf("idle accel Step = %v, want 1.0", got)
	}
}

func TestDeadTimeTableInterpolatesAndClamps(t *testing.T) {
	dt := &DeadTimeTable{}
	for i := 0; i < TableSize; i++ {
		dt.VoltBins[i] = 8.0 + float64(i)
		dt.DeadTimeUS[i] = 500 + float64(i)*50
	}
	if got := dt.Lookup(8.0); got != 500 {
		t.Errorf("Lookup at first bin = %v, want 500", got)
	}
	if got := dt.Lookup(100); got != dt.DeadTimeUS[TableSize-1] {
		t.Errorf("Lookup above range = %v, want clamp to last bin", got)
	}
	if got := dt.Lookup(8.5); got <= 500 || got >= 550 {
		t.Errorf("midpoint Lookup = %v, want strictly between 500 and 550", got)
	}
}

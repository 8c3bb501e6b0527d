package decoder

import (
	"testing"

	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/hwtime"
)

func testCfg() config.DecoderConfig {
	return config.DefaultConfig().Decoder
}

// feedNormal drives n normal-tooth edges of the given period starting
// at *tick, advancing *tick as it goes.
func feedNormal(d *Decoder, tick *uint32, period uint32, n int) {
	for i := 0; i < n; i++ {
		*tick += period
		d.OnToothEdge(*tick)
	}
}

func TestInsertionSort(t *testing.T) {
	s := []uint32{5, 3, 8, 1, 1, 9, 0}
	insertionSort(s)
	want := []uint32{0, 1, 1, 3, 5, 8, 9}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("insertionSort = %v, want %v", s, want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{Searching: "searching", GapSeen: "gap_seen", CrankLocked: "crank_locked", FullySynced: "fully_synced", Phase(99): "unknown"}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(p), got, want)
		}
	}
}

func TestGapDetectionPromotesToGapSeen(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)

	var tick uint32
	d.OnToothEdge(tick) // establishes haveLastTick, no period yet
	feedNormal(d, &tick, 1000, 5)

	if got := d.State().Phase; got != Searching {
		t.Fatalf("phase before any gap = %v, want Searching", got)
	}

	tick += 3000 // ratio 3.0, within [GapRatioMin,GapRatioMax]
	d.OnToothEdge(tick)

	if got := d.State().Phase; got != GapSeen {
		t.Fatalf("phase after first gap = %v, want GapSeen", got)
	}
}

func TestTwoGapsWithCorrectSpacingLocksCrank(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)
	normalPerRev := cfg.ToothPerRev - cfg.MissingTeeth

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)

	tick += 3000
	d.OnToothEdge(tick) // first gap -> GapSeen

	feedNormal(d, &tick, 1000, normalPerRev)

	tick += 3000
	d.OnToothEdge(tick) // second gap, correctly spaced -> CrankLocked

	st := d.State()
	if st.Phase != CrankLocked {
		t.Fatalf("phase = %v, want CrankLocked", st.Phase)
	}
	if st.ToothIndex != 0 {
		t.Errorf("ToothIndex after lock = %d, want 0", st.ToothIndex)
	}
}

func TestMisspacedGapsDemoteToSearching(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)

	tick += 3000
	d.OnToothEdge(tick) // first gap -> GapSeen

	feedNormal(d, &tick, 1000, 10) // wrong count, should not match normalTeethPerRev

	tick += 3000
	d.OnToothEdge(tick) // second gap, misspaced -> demote

	if got := d.State().Phase; got != Searching {
		t.Fatalf("phase after misspaced gap pair = %v, want Searching", got)
	}
}

func TestCamEdgeWithinWindowPromotesFullySync(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)
	normalPerRev := cfg.ToothPerRev - cfg.MissingTeeth

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)
	tick += 3000
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, normalPerRev)
	tick += 3000
	d.OnToothEdge(tick) // CrankLocked

	d.OnCamEdge(tick, tick) // exact match, delta 0

	if got := d.State().Phase; got != FullySynced {
		t.Fatalf("phase after matching cam edge = %v, want FullySynced", got)
	}
}

func TestCamEdgeOutsideWindowStaysCrankLocked(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)
	normalPerRev := cfg.ToothPerRev - cfg.MissingTeeth

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)
	tick += 3000
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, normalPerRev)
	tick += 3000
	d.OnToothEdge(tick) // CrankLocked

	d.OnCamEdge(tick, tick+cfg.CamWindowTicks*10)

	if got := d.State().Phase; got != CrankLocked {
		t.Fatalf("phase after out-of-window cam edge = %v, want still CrankLocked", got)
	}
}

func TestSyncLossTickDemotesAfterThreshold(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)
	normalPerRev := cfg.ToothPerRev - cfg.MissingTeeth

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)
	tick += 3000
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, normalPerRev)
	tick += 3000
	d.OnToothEdge(tick) // CrankLocked

	for i := 0; i < cfg.SyncLossTicks-1; i++ {
		if lost := d.SyncLossTick(false); lost {
			t.Fatalf("SyncLossTick reported loss early at iteration %d", i)
		}
	}
	if lost := d.SyncLossTick(false); !lost {
		t.Fatal("SyncLossTick should report loss once the threshold is reached")
	}
	if got := d.State().Phase; got != Searching {
		t.Errorf("phase after sync loss = %v, want Searching", got)
	}
}

func TestSyncLossTickResetsOnOK(t *testing.T) {
	cfg := testCfg()
	d := New(cfg, hwtime.NewFakeCounter(0), nil)
	d.SyncLossTick(false)
	d.SyncLossTick(true)
	for i := 0; i < cfg.SyncLossTicks-1; i++ {
		if lost := d.SyncLossTick(false); lost {
			t.Fatalf("SyncLossTick should not have tripped yet at iteration %d after a reset", i)
		}
	}
}

func TestOnToothEdgeNotifiesOnlyOnceSynced(t *testing.T) {
	cfg := testCfg()
	var notified int
	d := New(cfg, hwtime.NewFakeCounter(0), func(ToothEvent) { notified++ })

	var tick uint32
	d.OnToothEdge(tick)
	feedNormal(d, &tick, 1000, 5)
	if notified != 0 {
		t.Fatalf("notify fired before CrankLocked: %d", notified)
	}

	tick += 3000
	d.OnToothEdge(tick) // GapSeen, still not locked
	if notified != 0 {
		t.Fatalf("notify fired before CrankLocked: %d", notified)
	}
}

func TestWrapNormalizesIntoRange(t *testing.T) {
	if got := wrap(370, 360); got != 10 {
		t.Errorf("wrap(370,360) = %v, want 10", got)
	}
	if got := wrap(-10, 360); got != 350 {
		t.Errorf("wrap(-10,360) = %v, want 350", got)
	}
	if got := wrap(180, 360); got != 180 {
		t.Errorf("wrap(180,360) = %v, want 180", got)
	}
}

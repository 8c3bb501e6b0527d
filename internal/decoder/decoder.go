// Package decoder recovers tooth-accurate crank position and speed
// from a 60-minus-2 missing-tooth wheel plus a single camshaft phase
// edge per cam revolution, per spec §3 ("Tooth event", "Sync state")
// and §4.2.
package decoder

import (
	"math"
	"sync"

	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/hwtime"
)

// insertionSort sorts a small slice in place without allocating —
// the median window is small enough (default 7) that this beats a
// general-purpose sort on both allocation and branch predictability.
func insertionSort(s []uint32) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// Phase is the sync-state variant from spec §3.
type Phase int

const (
	Searching Phase = iota
	GapSeen
	CrankLocked
	FullySynced
)

func (p Phase) String() string {
	switch p {
	case Searching:
		return "searching"
	case GapSeen:
		return "gap_seen"
	case CrankLocked:
		return "crank_locked"
	case FullySynced:
		return "fully_synced"
	default:
		return "unknown"
	}
}

// CamPhase distinguishes which of the two crank revolutions per
// four-stroke cycle the cam edge landed on. Only meaningful once
// Phase == FullySynced.
type CamPhase int

const (
	FirstRev CamPhase = iota
	SecondRev
)

// ToothEvent is produced on every tooth edge. Created once, consumed
// once by the planner, never mutated — a plain value type.
type ToothEvent struct {
	CaptureTick uint32
	ToothIndex  int
	PeriodUS    uint32
	GapHere     bool
	Revolution  uint64
}

// State is an immutable snapshot of the sync state machine.
type State struct {
	Phase      Phase
	CamPhase   CamPhase
	ToothIndex int
	Revolution uint64
	LastPeriod uint32
	RPM        float64
}

// Decoder implements the tooth-edge ISR path and the sync state
// machine. OnToothEdge and OnCamEdge are the only methods meant to be
// called from the hardware edge-capture context; they allocate
// nothing and hold the decoder mutex only for one edge's bookkeeping.
type Decoder struct {
	cfg     config.DecoderConfig
	counter hwtime.Counter
	log     *corelog.Logger

	mu sync.Mutex // guards everything below; contention is negligible (single writer)

	periods    []uint32 // fixed-capacity ring of recent normal-tooth periods
	scratch    []uint32 // reused median-sort buffer, never reallocated
	periodIdx  int
	periodFull bool

	lastPeriod   uint32
	lastTick     uint32
	haveLastTick bool

	toothIndex int
	revolution uint64

	phase    Phase
	camPhase CamPhase

	gapPending     bool // saw one well-formed gap, awaiting the second
	normalSinceGap int

	syncLossCounter int

	normalTeethPerRev int // expected normal teeth between consecutive gaps

	onNotify func(ToothEvent)
}

// New constructs a Decoder. onNotify, if non-nil, is invoked
// synchronously from OnToothEdge whenever the decoder is in a
// Crank*/FullySynced state — it is expected to be a cheap,
// non-blocking wake of the planner (e.g. a buffered channel send). It
// runs after the decoder mutex is released, so it may call State (the
// core's callback runs a planner tick, which does).
func New(cfg config.DecoderConfig, counter hwtime.Counter, onNotify func(ToothEvent)) *Decoder {
	window := cfg.PeriodMedianWindow
	if window <= 0 {
		window = 7
	}
	return &Decoder{
		cfg:               cfg,
		counter:           counter,
		log:               corelog.New(nil, "decoder"),
		periods:           make([]uint32, window),
		scratch:           make([]uint32, window),
		phase:             Searching,
		normalTeethPerRev: cfg.ToothPerRev - cfg.MissingTeeth,
		onNotify:          onNotify,
	}
}

// State returns a consistent snapshot of the current sync state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Phase:      d.phase,
		CamPhase:   d.camPhase,
		ToothIndex: d.toothIndex,
		Revolution: d.revolution,
		LastPeriod: d.lastPeriod,
		RPM:        d.rpmLocked(),
	}
}

func (d *Decoder) rpmLocked() float64 {
	if d.lastPeriod == 0 || d.cfg.ToothPerRev == 0 {
		return 0
	}
	return 60_000_000.0 / (float64(d.lastPeriod) * float64(d.cfg.ToothPerRev))
}

// CrankAngleDeg returns the crank angle at the current tooth, applying
// TDC offset and normalizing to [0,360) in wasted-spark mode or
// [0,720) once FullySynced, per spec §4.2 step 6.
func (d *Decoder) CrankAngleDeg() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crankAngleLocked()
}

func (d *Decoder) crankAngleLocked() float64 {
	degPerTooth := 360.0 / float64(d.cfg.ToothPerRev)
	raw := float64(d.toothIndex)*degPerTooth - d.cfg.TDCOffsetDeg
	cycle := 360.0
	if d.phase == FullySynced {
		cycle = 720.0
		if d.camPhase == SecondRev {
			raw += 360.0
		}
	}
	return wrap(raw, cycle)
}

// wrap normalizes deg into [0, cycle).
func wrap(deg, cycle float64) float64 {
	r := math.Mod(deg, cycle)
	if r < 0 {
		r += cycle
	}
	return r
}

// OnToothEdge is the ISR-callable entry point: classify the new tooth,
// advance the sync state machine, and (in Crank*/FullySynced states)
// notify the planner. Returns the produced event and whether a
// notification was dispatched.
func (d *Decoder) OnToothEdge(captureTick uint32) (ToothEvent, bool) {
	d.mu.Lock()

	period := uint32(0)
	if d.haveLastTick {
		period = captureTick - d.lastTick
	}
	d.lastTick = captureTick
	d.haveLastTick = true

	gapHere := false
	if period > 0 && d.lastPeriod > 0 {
		ratio := float64(period) / float64(d.lastPeriod)
		if ratio >= d.cfg.GapRatioMin && ratio <= d.cfg.GapRatioMax {
			gapHere = true
		}
	}

	if gapHere {
		d.toothIndex += d.cfg.MissingTeeth + 1
	} else {
		d.toothIndex++
		d.pushPeriod(period)
	}
	if d.toothIndex >= d.cfg.ToothPerRev {
		d.toothIndex -= d.cfg.ToothPerRev
		d.revolution++
	}

	d.advanceSyncMachine(gapHere)

	ev := ToothEvent{
		CaptureTick: captureTick,
		ToothIndex:  d.toothIndex,
		PeriodUS:    period,
		GapHere:     gapHere,
		Revolution:  d.revolution,
	}

	notify := d.phase == CrankLocked || d.phase == FullySynced
	cb := d.onNotify
	d.mu.Unlock()

	if notify && cb != nil {
		cb(ev)
	}
	return ev, notify
}

// advanceSyncMachine implements spec §4.2 steps 3-4. Must be called
// with mu held.
func (d *Decoder) advanceSyncMachine(gapHere bool) {
	if !gapHere {
		if d.gapPending {
			d.normalSinceGap++
		}
		return
	}

	// A gap edge arrived.
	if !d.gapPending {
		// First gap of a candidate pair.
		d.gapPending = true
		d.normalSinceGap = 0
		if d.phase == Searching {
			d.phase = GapSeen
		}
		return
	}

	// Second consecutive gap: check the intervening normal tooth count.
	if d.normalSinceGap == d.normalTeethPerRev {
		d.toothIndex = 0
		d.syncLossCounter = 0
		if d.phase != FullySynced {
			d.phase = CrankLocked
		}
	} else {
		d.demote()
	}
	d.gapPending = true
	d.normalSinceGap = 0
}

// demote drops the state machine back to Searching and clears
// transient tracking, per spec §4.2 step 4's "classification failure"
// rule.
func (d *Decoder) demote() {
	d.phase = Searching
	d.gapPending = false
	d.normalSinceGap = 0
	d.periodFull = false
	d.periodIdx = 0
	d.lastPeriod = 0
}

// OnCamEdge is the ISR-callable cam edge entry point. captureTick is
// the edge's hardware-captured tick; expectedTick is the tick the
// calibrated cam signature predicts for the current cycle position.
// On a match within cfg.CamWindowTicks, promotes CrankLocked to
// FullySynced; on mismatch the decoder stays CrankLocked and keeps
// running wasted-spark, per spec §4.2 step 4.
func (d *Decoder) OnCamEdge(captureTick, expectedTick uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != CrankLocked && d.phase != FullySynced {
		return
	}

	delta := hwtime.Since(captureTick, expectedTick)
	if delta < 0 {
		delta = -delta
	}
	if uint32(delta) <= d.cfg.CamWindowTicks {
		d.phase = FullySynced
		if d.revolution%2 == 0 {
			d.camPhase = FirstRev
		} else {
			d.camPhase = SecondRev
		}
	}
}

// pushPeriod records a normal-tooth period and recomputes lastPeriod
// as the median of the retained window, per spec §4.2 step 1. Must be
// called with mu held.
func (d *Decoder) pushPeriod(period uint32) {
	if period == 0 {
		return
	}
	d.periods[d.periodIdx] = period
	d.periodIdx++
	if d.periodIdx >= len(d.periods) {
		d.periodIdx = 0
		d.periodFull = true
	}

	n := d.periodIdx
	if d.periodFull {
		n = len(d.periods)
	}
	scratch := d.scratch[:n]
	copy(scratch, d.periods[:n])
	insertionSort(scratch)
	d.lastPeriod = scratch[len(scratch)/2]
}

// SyncLossTick should be called once per fail-safe monitor tick (spec
// §4.8's 10ms period) with whether decoder preconditions held this
// tick. After cfg.SyncLossTicks consecutive failures it demotes to
// Searching and reports true so the caller can clear the plan ring.
func (d *Decoder) SyncLossTick(ok bool) (lost bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ok {
		d.syncLossCounter = 0
		return false
	}
	d.syncLossCounter++
	threshold := d.cfg.SyncLossTicks
	if threshold <= 0 {
		threshold = 3
	}
	if d.syncLossCounter >= threshold && d.phase != Searching {
		d.demote()
		return true
	}
	return false
}

// Package executor implements the T1 dispatch context from spec §4.7:
// pop the newest plan off the ring, age-gate it, pick injector/ignition
// channels based on current sync phase, and arm the scheduler.
package executor

import (
	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/decoder"
	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/planner"
	"github.com/oecu/goefi-core/internal/scheduler"
	"github.com/oecu/goefi-core/internal/types"
)

// Watchdog is fed once per dispatch, last, after every channel arm
// attempt has been made — spec §4.7's "feed the software watchdog
// last, after dispatch, never before" rule.
type Watchdog interface {
	Feed()
}

// nominalDwellTicks is the fixed ignition coil dwell; board calibration
// overrides the duration range via the scheduler's ignition on-time
// limits, but the dwell itself is not yet a calibrated table.
const nominalDwellTicks = 3000

// Executor owns no state the planner reads; it only consumes plans and
// drives the scheduler.
type Executor struct {
	ring        *planner.Ring
	sched       *scheduler.Scheduler
	dec         *decoder.Decoder
	toothPerRev int
	counter     hwtime.Counter
	watchdog    Watchdog
	cfg         config.PlannerConfig
	log         *corelog.Logger

	misses uint64
	fires  uint64
}

// New constructs an Executor. dec supplies the live crank angle
// (spec §4.2 step 6) the angle-to-time conversion needs; toothPerRev
// is the decoder's tooth count, the other half of scheduler.
// TicksForDegrees's µs-per-degree constant.
func New(ring *planner.Ring, sched *scheduler.Scheduler, dec *decoder.Decoder, toothPerRev int, counter hwtime.Counter, watchdog Watchdog, cfg config.PlannerConfig) *Executor {
	return &Executor{
		ring:        ring,
		sched:       sched,
		dec:         dec,
		toothPerRev: toothPerRev,
		counter:     counter,
		watchdog:    watchdog,
		cfg:         cfg,
		log:         corelog.New(nil, "executor"),
	}
}

// channelPair names the injector/ignition channel for one cylinder.
type channelPair struct {
	injector scheduler.Channel
	ignition scheduler.Channel
}

// cylinderOrder maps a tooth index range to the cylinder whose
// injection/ignition event is due, for a 4-cylinder wasted-spark
// layout on a 60-2 wheel (firing order 1-3-4-2, one event per 180°).
// This is a simplified, fixed lookup appropriate to the one engine
// this core targets; spec §1 fixes the cylinder count and firing
// order as a given, not a calibration.
var cylinderOrder = [4]channelPair{
	{scheduler.Injector0, scheduler.Ignition0},
	{scheduler.Injector2, scheduler.Ignition2},
	{scheduler.Injector3, scheduler.Ignition3},
	{scheduler.Injector1, scheduler.Ignition1},
}

// Dispatch pops the newest plan and arms the scheduler, per spec §4.7.
// Returns false if there was nothing to dispatch or the plan was
// rejected as stale.
func (e *Executor) Dispatch() bool {
	plan, ok := e.ring.PopNewest()
	if !ok {
		e.feedWatchdog()
		return false
	}

	ageUS := hwtime.Since(e.counter.Now(), plan.PlannedAtTick)
	if ageUS < 0 || float64(ageUS) > e.cfg.ExecutorMaxAgeUS {
		e.misses++
		e.feedWatchdog()
		return false
	}

	pair := e.channelFor(plan)
	now := e.counter.Now()

	cycleDeg := 360.0
	if plan.SyncPhase == decoder.FullySynced {
		cycleDeg = 720.0
	}
	currentDeg := e.dec.CrankAngleDeg()
	lastPeriod := plan.Tooth.PeriodUS

	// Full-sequential injection targets the table's per-cylinder EOI
	// angle; the paired/wasted-spark fallback while only CrankLocked
	// targets the fixed fallback EOI angle instead (spec §4.7).
	eoiDeg := plan.FallbackEOIDeg
	if plan.SyncPhase == decoder.FullySynced {
		eoiDeg = plan.EOIDeg
	}

	var injTicks, ignTicks uint32
	if lastPeriod == 0 {
		// No period measurement yet to derive an angle-to-time constant
		// from (shouldn't happen once CrankLocked, but the arithmetic
		// would divide by zero) — fire as soon as possible instead.
		injTicks, ignTicks = 1, 1
	} else {
		soiDeg := eoiDeg - pulsewidthDeg(plan.PulsewidthUS, lastPeriod, e.toothPerRev)
		injTicks = scheduler.TicksForDegrees(lastPeriod, e.toothPerRev, soiDeg, currentDeg, cycleDeg)

		advanceDeg := float64(plan.AdvanceTenthsDeg) / 10.0
		ignTargetDeg := cycleDeg - advanceDeg // advanceDeg BTDC
		ignTicks = scheduler.TicksForDegrees(lastPeriod, e.toothPerRev, ignTargetDeg, currentDeg, cycleDeg)
	}

	injDurTicks := clampDur(uint32(plan.PulsewidthUS))
	if err := e.sched.Arm(pair.injector, now+clampDur(injTicks), injDurTicks); err != nil {
		e.log.Printf("injector arm rejected: %v", err)
	}

	if err := e.sched.Arm(pair.ignition, now+clampDur(ignTicks), nominalDwellTicks); err != nil {
		e.log.Printf("ignition arm rejected: %v", err)
	}

	e.fires++
	e.feedWatchdog()
	return true
}

// pulsewidthDeg converts an injector pulsewidth in microseconds to the
// crank-angle degrees it spans, using the same instantaneous
// µs-per-degree constant scheduler.TicksForDegrees derives from
// lastPeriodUS (spec §4.3), so SOI = EOI − pulsewidth·µs/° resolves to
// an angle rather than a raw time delta.
func pulsewidthDeg(pulsewidthUS float64, lastPeriodUS uint32, toothPerRev int) float64 {
	if lastPeriodUS == 0 || toothPerRev == 0 {
		return 0
	}
	usPerDeg := float64(lastPeriodUS) * float64(toothPerRev) / 360.0
	return pulsewidthUS / usPerDeg
}

func clampDur(d uint32) uint32 {
	if d == 0 {
		return 1
	}
	return d
}

// channelFor selects the firing cylinder's channel pair from the
// current tooth index. Timing, not channel selection, is what
// diverges between FullySynced full-sequential and CrankLocked
// paired/wasted-spark dispatch (see the EOI-angle selection above) —
// this fixed 4-cylinder wasted-spark-capable target fires the same
// channel pair in both cases.
func (e *Executor) channelFor(p types.Plan) channelPair {
	idx := (p.Tooth.ToothIndex / 15) % 4
	return cylinderOrder[idx]
}

func (e *Executor) feedWatchdog() {
	if e.watchdog != nil {
		e.watchdog.Feed()
	}
}

// Misses reports the cumulative count of plans dropped for staleness.
func (e *Executor) Misses() uint64 { return e.misses }

// Fires reports the cumulative count of successful dispatches.
func (e *Executor) Fires() uint64 { return e.fires }

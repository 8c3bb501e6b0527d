// Package planner implements the tooth-triggered task (spec §4.6):
// read sensors, look up fuel/ignition tables, apply enrichments and
// closed-loop correction, and push an immutable Plan to the ring.
package planner

import (
	"sync"

	"github.com/oecu/goefi-core/internal/closedloop"
	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/coreerr"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/decoder"
	"github.com/oecu/goefi-core/internal/fueling"
	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/ignition"
	"github.com/oecu/goefi-core/internal/types"
)

// Gate reports the fail-safe gate the planner must honor before
// building a plan (spec §4.6 step 3): over-rev/over-heat/under-volt
// or a latched limp condition.
type Gate interface {
	// Allow reports whether fueling/ignition may be planned this tick,
	// and the VE/advance/lambda overrides to apply while limp is
	// latched.
	Allow(rpm float64) (ok bool, limpVE, limpAdvanceDeg, limpLambda float64, limping bool)
	// ReportFault is called when the planner itself observes a fault
	// condition (e.g. rpm >= RPM_FUEL_CUT) so the fail-safe state
	// machine can latch limp.
	ReportFault(kind coreerr.Kind)
}

// Planner is the T2 execution context from spec §5: single-threaded,
// wakes on tooth notification, and waits on the map-table mutex (a
// plain sync.Mutex) with no timeout.
type Planner struct {
	decoderP *decoder.Decoder
	sensors  types.SensorProvider
	lambda   types.LambdaProvider
	tables   *fueling.TableSet
	trims    *closedloop.Trims
	knock    *ignition.KnockRetard
	accel    fueling.AccelState
	ring     *Ring
	counter  hwtime.Counter
	gate     Gate
	log      *corelog.Logger

	fuelCfg       config.FuelingConfig
	ignCfg        config.IgnitionConfig
	closedLoopCfg config.ClosedLoopConfig
	plannerCfg    config.PlannerConfig

	fallbackEOIDeg float64

	mu             sync.Mutex
	lastSnapshot   types.SensorSnapshot
	haveLast       bool
	lastRPM        float64
	lastLoad       float64
	lastStableLoad float64
	lastTickTime   uint32
	haveLastTime   bool
	stableMS       float64

	deadlineMisses uint64
	ticksRun       uint64
}

// New constructs a Planner.
func New(
	fuelCfg config.FuelingConfig,
	ignCfg config.IgnitionConfig,
	closedLoopCfg config.ClosedLoopConfig,
	plannerCfg config.PlannerConfig,
	dec *decoder.Decoder,
	sensors types.SensorProvider,
	lambda types.LambdaProvider,
	tables *fueling.TableSet,
	trims *closedloop.Trims,
	knock *ignition.KnockRetard,
	ring *Ring,
	counter hwtime.Counter,
	gate Gate,
	fallbackEOIDeg float64,
) *Planner {
	return &Planner{
		fuelCfg:        fuelCfg,
		ignCfg:         ignCfg,
		closedLoopCfg:  closedLoopCfg,
		plannerCfg:     plannerCfg,
		decoderP:       dec,
		sensors:        sensors,
		lambda:         lambda,
		tables:         tables,
		trims:          trims,
		knock:          knock,
		ring:           ring,
		counter:        counter,
		gate:           gate,
		fallbackEOIDeg: fallbackEOIDeg,
		log:            corelog.New(nil, "planner"),
	}
}

// Tick runs one planner iteration for the given tooth event, per spec
// §4.6's seven steps. Errors are swallowed by design — no plan is
// emitted this tooth and the caller sees only whether one was.
func (p *Planner) Tick(ev decoder.ToothEvent) bool {
	start := p.counter.Now()
	ok := p.tickInner(ev)
	elapsedUS := hwtime.Since(p.counter.Now(), start)
	p.mu.Lock()
	p.ticksRun++
	if float64(elapsedUS) > p.plannerCfg.DeadlineUS {
		p.deadlineMisses++
	}
	p.mu.Unlock()
	return ok
}

func (p *Planner) tickInner(ev decoder.ToothEvent) bool {
	// Step 1: sync state.
	state := p.decoderP.State()
	if state.Phase != decoder.CrankLocked && state.Phase != decoder.FullySynced {
		return false
	}

	// Step 2: sensor snapshot with staleness handling.
	snap, ok := p.readSnapshot()
	if !ok {
		return false
	}

	rpm := state.RPM
	mapKPa := float64(snap.MAPkPaX10) / 10.0
	cltC := float64(snap.CLTC)
	vbatV := float64(snap.VBatVX10) / 10.0
	load := mapKPa

	// Step 3: over-rev / over-heat / under-volt gate.
	if rpm >= float64(p.fuelCfg.RPMFuelCut) {
		p.gate.ReportFault(coreerr.Fault)
	}
	allow, limpVE, limpAdvance, limpLambda, limping := p.gate.Allow(rpm)
	if !allow {
		return false
	}

	// Step 4: table lookups under the single map-table mutex.
	ve, ignTenths, lambdaX1000, eoiDeg, haveEOI := p.tables.Lookup(rpm, load)
	lambdaTarget := lambdaX1000 / 1000.0
	if limping {
		ve = limpVE
		lambdaTarget = limpLambda
	}

	dtMS := p.tickDurationMS()
	warmup := fueling.WarmupFactor(p.fuelCfg, cltC)
	mapDotPerTick := p.mapDot(mapKPa)
	accelMult := p.accel.Step(p.fuelCfg, mapDotPerTick, dtMS)

	// Step 5: closed-loop fuel.
	var lambdaCorr float64
	if p.closedLoopCfg.Enabled {
		reading := closedloop.LambdaReading{}
		if ls, fresh := p.lambda.Latest(); fresh {
			reading = closedloop.LambdaReading{Lambda: float64(ls.Lambda), Valid: true}
		}
		p.trims.Step(p.closedLoopCfg, lambdaTarget, reading, dtMS/1000.0)

		stable := p.updateStability(rpm, load, dtMS)
		p.trims.UpdateLTFT(p.closedLoopCfg, stable, dtMS)
		if mult, apply := p.trims.ApplyAndReset(p.closedLoopCfg); apply {
			p.tables.ApplyLTFT(rpm, load, mult)
		}
		lambdaCorr = p.trims.STFT
	}

	deadTimeUS := 0.0
	if p.tables.DeadTime != nil {
		deadTimeUS = p.tables.DeadTime.Lookup(vbatV)
	}

	pw := fueling.Pulsewidth(p.fuelCfg, fueling.Inputs{
		VEPct:      ve,
		MAPKPa:     mapKPa,
		CLTC:       cltC,
		VBatV:      vbatV,
		IATC:       float64(snap.IATC),
		LambdaCorr: lambdaCorr,
	}, warmup, accelMult, deadTimeUS)

	advanceDeg := ignTenths / 10.0
	if limping {
		advanceDeg = limpAdvance
	}
	advanceDeg = ignition.AdvanceDeg(p.ignCfg, advanceDeg, p.knock.Deg())

	plan := types.Plan{
		RPM:              rpm,
		Load:             load,
		AdvanceTenthsDeg: int32(advanceDeg * 10),
		PulsewidthUS:     pw,
		Tooth:            ev,
		PlannedAtTick:    p.counter.Now(),
		SyncPhase:        state.Phase,
	}
	// Sequential injection targets the table's per-RPM/load EOI angle;
	// the paired/wasted-spark fallback used while only CrankLocked is a
	// fixed calibration angle, not interpolated (spec §4.7).
	if haveEOI {
		plan.EOIDeg = eoiDeg
	}
	plan.FallbackEOIDeg = p.fallbackEOIDeg

	// Step 6: push to ring (overrun-overwrite).
	p.ring.Push(plan)
	return true
}

func (p *Planner) readSnapshot() (types.SensorSnapshot, bool) {
	now := p.counter.Now()
	var snap types.SensorSnapshot
	err := p.sensors.Read(now, &snap)
	if err == nil {
		p.mu.Lock()
		p.lastSnapshot = snap
		p.haveLast = true
		p.mu.Unlock()
		return snap, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveLast {
		return types.SensorSnapshot{}, false
	}
	ageUS := hwtime.Since(now, p.lastSnapshot.SampledAtTick)
	if ageUS < 0 || float64(ageUS) > p.plannerCfg.SensorMaxAgeMS*1000 {
		return types.SensorSnapshot{}, false
	}
	return p.lastSnapshot, true
}

// tickDurationMS returns the elapsed time since the previous Tick, in
// milliseconds, used for the accel-decay and LTFT-stability timers.
func (p *Planner) tickDurationMS() float64 {
	now := p.counter.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveLastTime {
		p.lastTickTime = now
		p.haveLastTime = true
		return 0
	}
	dtUS := hwtime.Since(now, p.lastTickTime)
	p.lastTickTime = now
	if dtUS < 0 {
		return 0
	}
	return float64(dtUS) / 1000.0
}

// mapDot tracks the per-tick MAP delta used for acceleration
// enrichment (spec §4.4: "triggered when ΔMAP per tick exceeds
// TPS_DOT_THRESHOLD").
func (p *Planner) mapDot(mapKPa float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.lastLoad
	p.lastLoad = mapKPa
	return mapKPa - prev
}

// updateStability reports whether rpm/load have stayed within ±50
// units of their previous tick's values, per spec §3's LTFT learning
// gate; the stable-time accumulation is done by the caller's
// Trims.UpdateLTFT.
// Tracks its own previous-load field rather than mapDot's lastLoad,
// which mapDot already overwrites with the current tick's load before
// this runs.
func (p *Planner) updateStability(rpm, load, dtMS float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	stable := abs64(rpm-p.lastRPM) <= 50 && abs64(load-p.lastStableLoad) <= 50
	p.lastRPM = rpm
	p.lastStableLoad = load
	return stable
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// DeadlineMisses reports the cumulative count of tick-time overruns
// (spec §4.6 step 7: "a miss is recorded but does not gate emission").
func (p *Planner) DeadlineMisses() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadlineMisses
}

// TicksRun reports the cumulative number of Tick invocations.
func (p *Planner) TicksRun() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticksRun
}

// Package core owns the single Core value that composes every
// subsystem by plain struct composition, per the re-architecture note
// that this engine control core has exactly one of everything: one
// decoder, one scheduler, one planner, one executor, one fail-safe
// monitor, wired together at construction time and driven by the
// tooth-edge callback from there on.
package core

import (
	"context"
	"time"

	"github.com/oecu/goefi-core/internal/calstore"
	"github.com/oecu/goefi-core/internal/closedloop"
	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/decoder"
	"github.com/oecu/goefi-core/internal/diaglog"
	"github.com/oecu/goefi-core/internal/executor"
	"github.com/oecu/goefi-core/internal/failsafe"
	"github.com/oecu/goefi-core/internal/fueling"
	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/ignition"
	"github.com/oecu/goefi-core/internal/planner"
	"github.com/oecu/goefi-core/internal/scheduler"
	"github.com/oecu/goefi-core/internal/seqlock"
	"github.com/oecu/goefi-core/internal/types"
)

// Core wires every subsystem together. It has no behavior of its own
// beyond construction and the glue needed to connect the decoder's
// tooth-edge notification to the planner and the planner's ring to the
// executor.
type Core struct {
	Counter   hwtime.Counter
	Decoder   *decoder.Decoder
	Tables    *fueling.TableSet
	Trims     *closedloop.Trims
	Knock     *ignition.KnockRetard
	Ring      *planner.Ring
	Planner   *planner.Planner
	Scheduler *executor.Executor
	Failsafe  *failsafe.Monitor
	Calstore  *calstore.Store
	Diaglog   *diaglog.Logger

	RuntimeState *seqlock.Cell[types.RuntimeState]
	Diagnostic   *seqlock.Cell[types.InjectionDiagnostic]

	cfg *config.Config
	log *corelog.Logger
}

// Deps bundles the collaborators only the caller can supply: the
// hardware counter, the actuator backend, sensor/lambda providers, and
// the calibration blob backend.
type Deps struct {
	Counter    hwtime.Counter
	HWBackend  scheduler.HardwareBackend
	Sensors    types.SensorProvider
	Lambda     types.LambdaProvider
	CalBackend calstore.BlobStore
	Watchdog   executor.Watchdog
}

// New constructs a fully wired Core from configuration and
// collaborators, loading calibration from CalBackend (falling back to
// freshly initialized defaults on NotReady/Integrity, per spec §7).
func New(cfg *config.Config, deps Deps) (*Core, error) {
	log := corelog.New(nil, "core")

	cs := calstore.New(deps.CalBackend, cfg.Calstore.MaxLoadAttempts)
	tables, err := loadOrDefaultTables(cs, log)
	if err != nil {
		return nil, err
	}
	tables.EOINormal = loadOrDefaultEOITMap(cs, log)
	fallbackEOIDeg := loadOrDefaultEOIConfig(cs, log)

	sched := scheduler.New(scheduler.Config{
		Injector: scheduler.Limits{
			MinOnTicks: uint32(cfg.Scheduler.InjectorMinOnUS),
			MaxOnTicks: uint32(cfg.Scheduler.InjectorMaxOnUS),
		},
		Ignition: scheduler.Limits{
			MinOnTicks: uint32(cfg.Scheduler.IgnitionMinOnUS),
			MaxOnTicks: uint32(cfg.Scheduler.IgnitionMaxOnUS),
		},
	}, deps.HWBackend, deps.Counter)

	fs := failsafe.New(cfg.Failsafe, sched, deps.Counter)

	ring := &planner.Ring{}
	knock := &ignition.KnockRetard{}
	trims := &closedloop.Trims{}

	// The decoder's notify callback must tick the planner, but the
	// planner construction needs the decoder instance it reads State()
	// from — wire the callback through a forward-declared indirection
	// rather than constructing the decoder twice.
	var pl *planner.Planner
	dec := decoder.New(cfg.Decoder, deps.Counter, func(ev decoder.ToothEvent) {
		pl.Tick(ev)
	})
	pl = planner.New(cfg.Fueling, cfg.Ignition, cfg.ClosedLoop, cfg.Planner,
		dec, deps.Sensors, deps.Lambda, tables, trims, knock, ring, deps.Counter, fs, fallbackEOIDeg)

	ex := executor.New(ring, sched, dec, cfg.Decoder.ToothPerRev, deps.Counter, deps.Watchdog, cfg.Planner)

	c := &Core{
		Counter:      deps.Counter,
		Decoder:      dec,
		Tables:       tables,
		Trims:        trims,
		Knock:        knock,
		Ring:         ring,
		Planner:      pl,
		Scheduler:    ex,
		Failsafe:     fs,
		Calstore:     cs,
		Diaglog:      diaglog.New(diaglog.Config{}),
		RuntimeState: seqlock.New(types.RuntimeState{}),
		Diagnostic:   seqlock.New(types.InjectionDiagnostic{}),
		cfg:          cfg,
		log:          log,
	}
	return c, nil
}

func loadOrDefaultTables(cs *calstore.Store, log *corelog.Logger) (*fueling.TableSet, error) {
	fm, err := cs.LoadFuelMaps()
	if err != nil {
		log.Printf("fuel_maps unavailable (%v), installing defaults", err)
		fm = defaultFuelMaps()
		if serr := cs.SaveFuelMaps(fm); serr != nil {
			log.Printf("failed to persist default fuel_maps: %v", serr)
		}
	}
	return &fueling.TableSet{VE: fm.VE, Ignition: fm.Ignition, LambdaTarget: fm.LambdaTarget}, nil
}

// defaultFuelMaps builds flat, safe tables: modest VE, conservative
// timing, stoichiometric lambda target everywhere — a starting point
// no bench rig should ever run an engine against unmodified.
func defaultFuelMaps() *calstore.FuelMaps {
	mk := func(fill uint16, loBin, hiBinMul uint16) *fueling.MapTable {
		t := &fueling.MapTable{}
		for i := 0; i < fueling.TableSize; i++ {
			t.RPMBins[i] = loBin + uint16(i)*hiBinMul
			t.LoadBins[i] = loBin + uint16(i)*hiBinMul
			for j := 0; j < fueling.TableSize; j++ {
				t.Cells[i][j] = fill
			}
		}
		t.RecomputeChecksum()
		return t
	}
	return &calstore.FuelMaps{
		VE:           mk(80, 500, 500),
		Ignition:     mk(150, 500, 500), // 15.0 deg in tenths
		LambdaTarget: mk(1000, 500, 500),
	}
}

// loadOrDefaultEOITMap loads the end-of-injection timing table,
// installing a flat default on first boot or a disabled/missing blob —
// haveEOI on TableSet.Lookup then reports false and the planner leaves
// plan.EOIDeg unset, which is the correct behavior for a board that
// hasn't been calibrated for full-sequential injection yet.
func loadOrDefaultEOITMap(cs *calstore.Store, log *corelog.Logger) *fueling.MapTable {
	cfg, err := cs.LoadEOITMapConfig()
	if err != nil {
		log.Printf("eoit_map_config unavailable (%v), installing default", err)
		cfg = defaultEOITMapConfig()
		if serr := cs.SaveEOITMapConfig(cfg); serr != nil {
			log.Printf("failed to persist default eoit_map_config: %v", serr)
		}
	}
	if !cfg.Enabled {
		return nil
	}
	return cfg.Map
}

// defaultEOITMapConfig builds a flat, disabled EOI-timing table: a
// board ships with sequential injection off until someone calibrates
// and enables it explicitly.
func defaultEOITMapConfig() *calstore.EOITMapConfig {
	t := &fueling.MapTable{}
	for i := 0; i < fueling.TableSize; i++ {
		t.RPMBins[i] = 500 + uint16(i)*500
		t.LoadBins[i] = 500 + uint16(i)*500
		for j := 0; j < fueling.TableSize; j++ {
			t.Cells[i][j] = 20 // plain degrees, not tenths
		}
	}
	t.RecomputeChecksum()
	return &calstore.EOITMapConfig{Enabled: false, Map: t}
}

// loadOrDefaultEOIConfig loads the scalar EOI calibration and returns
// the absolute fallback end-of-injection angle the executor targets
// while only CrankLocked (spec §4.7): the boundary-relative fallback
// angle plus the boundary itself.
func loadOrDefaultEOIConfig(cs *calstore.Store, log *corelog.Logger) float64 {
	cfg, err := cs.LoadEOIConfig()
	if err != nil {
		log.Printf("eoi_config unavailable (%v), installing default", err)
		cfg = defaultEOIConfig()
		if serr := cs.SaveEOIConfig(cfg); serr != nil {
			log.Printf("failed to persist default eoi_config: %v", serr)
		}
	}
	return float64(cfg.FallbackNormalDeg + cfg.BoundaryDeg)
}

func defaultEOIConfig() calstore.EOIConfig {
	return calstore.EOIConfig{BoundaryDeg: 6.5, NormalDeg: 13.5, FallbackNormalDeg: 3.5}
}

// RunFailsafeMonitor runs the 10ms fault-monitor tick loop until ctx
// is cancelled, per spec §4.8.
func (c *Core) RunFailsafeMonitor(ctx context.Context, rpmFn func() float64, cltFn func() float64, vbatFn func() float64) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Failsafe.Tick(rpmFn(), cltFn(), vbatFn())
			lost := c.Decoder.SyncLossTick(c.Decoder.State().Phase != decoder.Searching)
			if lost {
				c.Ring.Clear()
			}
			c.publishRuntimeState()
		}
	}
}

func (c *Core) publishRuntimeState() {
	state := c.Decoder.State()
	c.RuntimeState.Publish(types.RuntimeState{
		Phase:          state.Phase,
		RPM:            state.RPM,
		Limp:           c.Failsafe.Limping(),
		LimpLatchedAt:  c.Failsafe.LatchedAt(),
		PlanOverruns:   c.Ring.Overruns(),
		DeadlineMisses: c.Planner.DeadlineMisses(),
	})
}

// Dispatch runs one executor dispatch cycle, called from the T1
// context (timer ISR or its deferred work item).
func (c *Core) Dispatch() bool {
	return c.Scheduler.Dispatch()
}

// AllOutputsOff is the emergency escape hatch, callable from any
// context per spec §4.8.
func (c *Core) AllOutputsOff() {
	c.Failsafe.AllOutputsOff()
}

// Package failsafe implements the fault-latch state machine from spec
// §4.8: over-rev, over-heat, under/over-volt, watchdog timeout, sync
// loss, arm rejection, and calibration-integrity faults all latch a
// single limp condition, gated off by a hysteresis/minimum-time
// recovery rule, and force every actuator off independent of the
// planner/executor pipeline.
package failsafe

import (
	"sync"

	"github.com/oecu/goefi-core/internal/config"
	"github.com/oecu/goefi-core/internal/coreerr"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/scheduler"
)

// ForceOffTarget is the minimal surface failsafe needs from the
// scheduler: drive every channel low, independent of any in-flight
// plan dispatch.
type ForceOffTarget interface {
	ForceAllOff()
}

// Monitor owns the fault latch. It is read by the planner (via the
// Gate interface it satisfies) and written by every collaborator that
// observes a fault condition.
type Monitor struct {
	cfg     config.FailsafeConfig
	sched   ForceOffTarget
	counter hwtime.Counter
	log     *corelog.Logger

	mu           sync.Mutex
	latched      bool
	latchedAt    uint32
	clearedFault uint32 // tick a not-faulted reading was last observed, while latched
	fault        coreerr.Kind
	faultCount   map[coreerr.Kind]uint64
}

// New constructs a Monitor.
func New(cfg config.FailsafeConfig, sched ForceOffTarget, counter hwtime.Counter) *Monitor {
	return &Monitor{
		cfg:        cfg,
		sched:      sched,
		counter:    counter,
		log:        corelog.New(nil, "failsafe"),
		faultCount: make(map[coreerr.Kind]uint64),
	}
}

// ReportFault latches limp immediately and forces every actuator off,
// per spec §4.8: "the transition to limp is immediate and unconditional;
// only the return from limp is gated."
func (m *Monitor) ReportFault(kind coreerr.Kind) {
	m.mu.Lock()
	wasLatched := m.latched
	m.latched = true
	m.fault = kind
	m.faultCount[kind]++
	if !wasLatched {
		m.latchedAt = m.counter.Now()
		m.log.Printf("fault latched: %s", kind)
	}
	m.mu.Unlock()

	m.sched.ForceAllOff()
}

// Tick evaluates the live sensor-derived fault conditions this tick
// (over-heat, under/over-volt), latches a fault if any is breached,
// and otherwise attempts recovery via TryRecover. Called once per
// fail-safe monitor tick (spec §4.8's 10ms period), separately from
// Allow, which only gates the planner.
func (m *Monitor) Tick(rpm, cltC, vbatV float64) {
	faulted := cltC >= m.cfg.CLTOverheatC || vbatV < m.cfg.VBatSafeMinV || vbatV > m.cfg.VBatSafeMaxV
	if faulted {
		m.ReportFault(coreerr.Fault)
		return
	}
	m.TryRecover(true)
}

// Allow implements planner.Gate: while not latched, always allows
// planning with no overrides. While latched, allows planning only with
// the limp VE/advance/lambda overrides and only below LimpRPMLimit.
func (m *Monitor) Allow(rpm float64) (ok bool, limpVE, limpAdvanceDeg, limpLambda float64, limping bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.latched {
		return true, 0, 0, 0, false
	}
	if rpm > float64(m.cfg.LimpRPMLimit) {
		return false, 0, 0, 0, true
	}
	return true, float64(m.cfg.LimpVE), m.cfg.LimpTimingDeg, m.cfg.LimpLambdaTarget, true
}

// TryRecover evaluates the hysteresis/minimum-time recovery rule from
// spec §4.8: the latch clears only after RecoveryHysteresisMS of
// continuously fault-free readings AND at least LimpMinMS have elapsed
// since the fault latched. ok must be the caller's fresh fault-free
// determination for this tick.
func (m *Monitor) TryRecover(ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.latched {
		return true
	}
	now := m.counter.Now()
	if !ok {
		m.clearedFault = 0
		return false
	}
	if m.clearedFault == 0 {
		m.clearedFault = now
	}
	sinceFaultFreeMS := float64(hwtime.Since(now, m.clearedFault)) / 1000.0
	sinceLatchMS := float64(hwtime.Since(now, m.latchedAt)) / 1000.0
	if sinceFaultFreeMS < m.cfg.RecoveryHysteresisMS || sinceLatchMS < m.cfg.LimpMinMS {
		return false
	}
	m.latched = false
	m.clearedFault = 0
	m.log.Printf("fault cleared, exiting limp")
	return true
}

// Limping reports whether limp is currently latched.
func (m *Monitor) Limping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latched
}

// LatchedAt reports the tick the current latch began, or 0 if not
// latched.
func (m *Monitor) LatchedAt() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.latched {
		return 0
	}
	return m.latchedAt
}

// AllOutputsOff forces every scheduler channel off unconditionally,
// independent of planner/executor state — the emergency escape hatch
// spec §4.8 requires to be callable from anywhere.
func (m *Monitor) AllOutputsOff() {
	m.sched.ForceAllOff()
}

var _ ForceOffTarget = (*scheduler.Scheduler)(nil)

package scheduler

import (
	"errors"
	"testing"

	"github.com/oecu/goefi-core/internal/hwtime"
)

type fakeHW struct {
	armed      map[Channel]struct{ fireAtTick, durationTicks uint32 }
	rejectNext bool
	offCalls   int
}

func newFakeHW() *fakeHW {
	return &fakeHW{armed: make(map[Channel]struct{ fireAtTick, durationTicks uint32 })}
}

func (f *fakeHW) ArmAbsolute(channel Channel, fireAtTick, durationTicks uint32) error {
	if f.rejectNext {
		f.rejectNext = false
		return errors.New("rejected by fake hardware")
	}
	f.armed[channel] = struct{ fireAtTick, durationTicks uint32 }{fireAtTick, durationTicks}
	return nil
}

func (f *fakeHW) Counter(channel Channel) uint32 { return 0 }

func (f *fakeHW) ForceAllOff() {
	f.offCalls++
	f.armed = make(map[Channel]struct{ fireAtTick, durationTicks uint32 })
}

func testConfig() Config {
	return Config{
		Injector: Limits{MinOnTicks: 500, MaxOnTicks: 20000},
		Ignition: Limits{MinOnTicks: 1500, MaxOnTicks: 6000},
	}
}

func TestArmRejectsOutOfRangeChannel(t *testing.T) {
	hw := newFakeHW()
	s := New(testConfig(), hw, hwtime.NewFakeCounter(0))
	if err := s.Arm(Channel(99), 100, 1000); err == nil {
		t.Error("Arm should reject an out-of-range channel")
	}
}

func TestArmRejectsDurationOutOfRange(t *testing.T) {
	hw := newFakeHW()
	counter := hwtime.NewFakeCounter(0)
	s := New(testConfig(), hw, counter)
	if err := s.Arm(Injector0, 100, 1); err == nil {
		t.Error("Arm should reject a duration below MinOnTicks")
	}
	if err := s.Arm(Injector0, 100, 1_000_000); err == nil {
		t.Error("Arm should reject a duration above MaxOnTicks")
	}
}

func TestArmRejectsPastFireTick(t *testing.T) {
	hw := newFakeHW()
	counter := hwtime.NewFakeCounter(1000)
	s := New(testConfig(), hw, counter)
	if err := s.Arm(Injector0, 500, 1000); err == nil {
		t.Error("Arm should reject a fire_at_tick that is not in the future")
	}
}

func TestArmSucceedsAndRecordsState(t *testing.T) {
	hw := newFakeHW()
	counter := hwtime.NewFakeCounter(0)
	s := New(testConfig(), hw, counter)
	if err := s.Arm(Injector0, 1000, 2000); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	got, ok := hw.armed[Injector0]
	if !ok {
		t.Fatal("hardware backend never saw the arm call")
	}
	if got.fireAtTick != 1000 || got.durationTicks != 2000 {
		t.Errorf("armed = %+v, want fireAtTick=1000 durationTicks=2000", got)
	}
}

func TestArmRejectsOverlapWithPendingArm(t *testing.T) {
	hw := newFakeHW()
	counter := hwtime.NewFakeCounter(0)
	s := New(testConfig(), hw, counter)
	if err := s.Arm(Injector0, 1000, 2000); err != nil {
		t.Fatalf("first Arm failed: %v", err)
	}
	if err := s.Arm(Injector0, 1500, 2000); err == nil {
		t.Error("second Arm overlapping the first pending arm should be rejected")
	}
}

func TestArmDoesNotChangeStateOnHardwareRejection(t *testing.T) {
	hw := newFakeHW()
	hw.rejectNext = true
	counter := hwtime.NewFakeCounter(0)
	s := New(testConfig(), hw, counter)
	if err := s.Arm(Injector0, 1000, 2000); err == nil {
		t.Fatal("Arm should propagate the hardware rejection")
	}
	if _, ok := hw.armed[Injector0]; ok {
		t.Error("rejected arm should not leave hardware state changed")
	}
	// A following Arm at the same tick should succeed normally since no
	// pending-arm bookkeeping was left behind by the rejected call.
	if err := s.Arm(Injector0, 1000, 2000); err != nil {
		t.Errorf("Arm after a rejected call failed unexpectedly: %v", err)
	}
}

func TestForceAllOffClearsArmedState(t *testing.T) {
	hw := newFakeHW()
	counter := hwtime.NewFakeCounter(0)
	s := New(testConfig(), hw, counter)
	s.Arm(Injector0, 1000, 2000)
	s.ForceAllOff()
	if hw.offCalls != 1 {
		t.Errorf("ForceAllOff should call the hardware backend once, got %d", hw.offCalls)
	}
	if err := s.Arm(Injector0, 1000, 2000); err != nil {
		t.Errorf("Arm after ForceAllOff should succeed (no stale pending-arm state): %v", err)
	}
}

func TestChannelKind(t *testing.T) {
	if Injector0.Kind() != "injector" {
		t.Errorf("Injector0.Kind() = %q, want injector", Injector0.Kind())
	}
	if Ignition0.Kind() != "ignition" {
		t.Errorf("Ignition0.Kind() = %q, want ignition", Ignition0.Kind())
	}
}

func TestTicksForDegreesWraps(t *testing.T) {
	got := TicksForDegrees(1000, 60, 10, 350, 360)
	ticksPerDeg := 1000.0 * 60.0 / 360.0
	want := uint32(ticksPerDeg * 20.0) // wraps 350->10 as a 20deg delta; 3333 after truncation
	if got != want {
		t.Errorf("TicksForDegrees = %d, want %d", got, want)
	}
}

package bench

import (
	"strings"
	"testing"

	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/scheduler"
	"github.com/oecu/goefi-core/internal/types"
)

const sampleTrace = `tick_us,map_kpa,tps_pct,clt_c,iat_c,vbat_v,lambda,lambda_valid
0,45.0,0.0,20.0,20.0,13.8,0.98,1
1000,60.0,10.0,25.0,22.0,13.9,1.02,1
2000,90.0,40.0,30.0,24.0,14.0,0.0,0
`

func TestParseTraceParsesAllRows(t *testing.T) {
	rows, err := parseTrace(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("parseTrace failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[1].TickUS != 1000 || rows[1].MAPkPa != 60.0 {
		t.Errorf("row[1] = %+v, want TickUS=1000 MAPkPa=60.0", rows[1])
	}
	if rows[2].LambdaValid {
		t.Error("row[2] lambda_valid should be false")
	}
}

func TestParseTraceRejectsNarrowHeader(t *testing.T) {
	_, err := parseTrace(strings.NewReader("tick_us,map_kpa\n"))
	if err == nil {
		t.Error("parseTrace should reject a header narrower than traceHeader")
	}
}

func TestParseTraceSkipsMalformedDataRows(t *testing.T) {
	bad := "tick_us,map_kpa,tps_pct,clt_c,iat_c,vbat_v,lambda,lambda_valid\n" +
		"not-a-number,1,2,3,4,5,6,1\n" +
		"500,1,2,3,4,5,6,1\n"
	rows, err := parseTrace(strings.NewReader(bad))
	if err != nil {
		t.Fatalf("parseTrace failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (malformed row skipped)", len(rows))
	}
}

func TestTraceProviderReadAdvancesWithTick(t *testing.T) {
	rows, err := parseTrace(strings.NewReader(sampleTrace))
	if err != nil {
		t.Fatalf("parseTrace failed: %v", err)
	}
	counter := hwtime.NewFakeCounter(0)
	tp := NewTraceProvider(rows, counter)

	var snap types.SensorSnapshot
	if err := tp.Read(0, &snap); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if snap.MAPkPaX10 != 450 {
		t.Errorf("MAPkPaX10 = %d, want 450 at tick 0", snap.MAPkPaX10)
	}

	if err := tp.Read(1500, &snap); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if snap.MAPkPaX10 != 600 {
		t.Errorf("MAPkPaX10 = %d, want 600 at tick 1500", snap.MAPkPaX10)
	}
}

func TestTraceProviderReadEmptyTraceReturnsStale(t *testing.T) {
	tp := NewTraceProvider(nil, hwtime.NewFakeCounter(0))
	var snap types.SensorSnapshot
	if err := tp.Read(0, &snap); err == nil {
		t.Error("Read on an empty trace should fail")
	}
}

func TestTraceProviderLatestReflectsCurrentRow(t *testing.T) {
	rows, _ := parseTrace(strings.NewReader(sampleTrace))
	tp := NewTraceProvider(rows, hwtime.NewFakeCounter(0))

	var snap types.SensorSnapshot
	tp.Read(0, &snap)
	sample, ok := tp.Latest()
	if !ok || sample.Lambda != float32(0.98) {
		t.Errorf("Latest() = (%+v, %v), want (lambda=0.98, true)", sample, ok)
	}

	tp.Read(2000, &snap)
	if _, ok := tp.Latest(); ok {
		t.Error("Latest() should report invalid once the trace reaches an invalid-lambda row")
	}
}

func TestDemoHardwareArmAndForceAllOff(t *testing.T) {
	counter := hwtime.NewFakeCounter(1000)
	d := NewDemoHardware(counter)

	if err := d.ArmAbsolute(scheduler.Injector0, 2000, 500); err != nil {
		t.Fatalf("ArmAbsolute failed: %v", err)
	}
	if got := d.Counter(scheduler.Injector0); got != 1000 {
		t.Errorf("Counter = %d, want 1000", got)
	}
	if len(d.armed) != 1 {
		t.Fatalf("expected 1 armed channel, got %d", len(d.armed))
	}

	d.ForceAllOff()
	if len(d.armed) != 0 {
		t.Error("ForceAllOff should clear all armed state")
	}
}

func TestNoopWatchdogFeedDoesNotPanic(t *testing.T) {
	var w NoopWatchdog
	w.Feed()
}

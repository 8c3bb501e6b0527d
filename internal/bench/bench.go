// Package bench provides the hardware-in-the-loop / replay harness:
// a file-based trace replay SensorProvider/LambdaProvider pair for
// deterministic bench runs, and a serial-backed live sensor bridge for
// bench rigs wired to a real sensor harness, grounded on the teacher's
// go.bug.st/serial usage and bufio.Scanner line-reading idiom.
package bench

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/oecu/goefi-core/internal/coreerr"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/hwtime"
	"github.com/oecu/goefi-core/internal/scheduler"
	"github.com/oecu/goefi-core/internal/types"
)

// traceHeader is the column order a bench trace CSV must use.
var traceHeader = []string{
	"tick_us", "map_kpa", "tps_pct", "clt_c", "iat_c", "vbat_v",
	"lambda", "lambda_valid",
}

// TraceRow is one sampled instant from a recorded bench run.
type TraceRow struct {
	TickUS      uint32
	MAPkPa      float64
	TPSPct      float64
	CLTC        float64
	IATC        float64
	VBatV       float64
	Lambda      float64
	LambdaValid bool
}

// LoadTrace reads a bench trace CSV (see traceHeader) from path.
func LoadTrace(path string) ([]TraceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NotReady, "bench.LoadTrace", "open failed", err)
	}
	defer f.Close()
	return parseTrace(f)
}

func parseTrace(r io.Reader) ([]TraceRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Integrity, "bench.parseTrace", "missing header", err)
	}
	if len(header) < len(traceHeader) {
		return nil, coreerr.New(coreerr.Integrity, "bench.parseTrace", "unexpected header width")
	}

	var rows []TraceRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Integrity, "bench.parseTrace", "malformed row", err)
		}
		row, err := parseTraceRow(rec)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseTraceRow(rec []string) (TraceRow, error) {
	if len(rec) < 8 {
		return TraceRow{}, fmt.Errorf("short row")
	}
	tick, err := strconv.ParseUint(rec[0], 10, 32)
	if err != nil {
		return TraceRow{}, err
	}
	fields := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return TraceRow{}, err
		}
		fields[i] = v
	}
	return TraceRow{
		TickUS:      uint32(tick),
		MAPkPa:      fields[0],
		TPSPct:      fields[1],
		CLTC:        fields[2],
		IATC:        fields[3],
		VBatV:       fields[4],
		Lambda:      fields[5],
		LambdaValid: rec[7] == "1" || strings.EqualFold(rec[7], "true"),
	}, nil
}

// TraceProvider replays a loaded trace as both a SensorProvider and a
// LambdaProvider, advancing through rows as the driving counter ticks
// forward past each row's TickUS.
type TraceProvider struct {
	mu      sync.Mutex
	rows    []TraceRow
	idx     int
	counter hwtime.Counter
	log     *corelog.Logger
}

// NewTraceProvider constructs a TraceProvider over rows, driven by counter.
func NewTraceProvider(rows []TraceRow, counter hwtime.Counter) *TraceProvider {
	return &TraceProvider{rows: rows, counter: counter, log: corelog.New(nil, "bench")}
}

// Read implements types.SensorProvider: advances to the last row whose
// TickUS has elapsed and fills snapshot from it.
func (t *TraceProvider) Read(now uint32, snapshot *types.SensorSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.idx+1 < len(t.rows) && hwtime.Since(now, t.rows[t.idx+1].TickUS) >= 0 {
		t.idx++
	}
	if len(t.rows) == 0 {
		return coreerr.New(coreerr.Stale, "bench.TraceProvider.Read", "empty trace")
	}
	row := t.rows[t.idx]
	*snapshot = types.SensorSnapshot{
		MAPkPaX10:      uint16(row.MAPkPa * 10),
		TPSPctX10:      uint16(row.TPSPct * 10),
		CLTC:           int16(row.CLTC),
		IATC:           int16(row.IATC),
		VBatVX10:       uint16(row.VBatV * 10),
		WidebandLambda: row.Lambda,
		WidebandValid:  row.LambdaValid,
		SampledAtTick:  row.TickUS,
	}
	return nil
}

// Latest implements types.LambdaProvider from the same trace row.
func (t *TraceProvider) Latest() (types.LambdaSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rows) == 0 {
		return types.LambdaSample{}, false
	}
	row := t.rows[t.idx]
	if !row.LambdaValid {
		return types.LambdaSample{}, false
	}
	return types.LambdaSample{Lambda: float32(row.Lambda), AgeMS: 0}, true
}

// SerialSensorBridge reads newline-delimited CSV sensor rows from a
// live serial-connected bench rig, following the teacher's
// go.bug.st/serial connect/bufio.Scanner idiom.
type SerialSensorBridge struct {
	portPath string
	baudRate int
	port     serial.Port
	scanner  *bufio.Scanner

	mu   sync.Mutex
	last types.SensorSnapshot
	log  *corelog.Logger
}

// NewSerialSensorBridge constructs a bridge; Connect must be called
// before Read.
func NewSerialSensorBridge(portPath string, baudRate int) *SerialSensorBridge {
	if baudRate == 0 {
		baudRate = 115200
	}
	return &SerialSensorBridge{portPath: portPath, baudRate: baudRate, log: corelog.New(nil, "bench")}
}

// Connect opens the serial port, following the teacher's mode/timeout
// configuration for UART sensor rigs.
func (b *SerialSensorBridge) Connect() error {
	mode := &serial.Mode{BaudRate: b.baudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(b.portPath, mode)
	if err != nil {
		return coreerr.Wrap(coreerr.NotReady, "bench.SerialSensorBridge.Connect", "open failed", err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return coreerr.Wrap(coreerr.NotReady, "bench.SerialSensorBridge.Connect", "set timeout failed", err)
	}
	b.port = port
	b.scanner = bufio.NewScanner(port)
	b.log.Printf("connected to %s at %d baud", b.portPath, b.baudRate)
	return nil
}

// Close closes the underlying serial port.
func (b *SerialSensorBridge) Close() error {
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}

// Read implements types.SensorProvider, pulling the next available
// line and parsing it as a trace row.
func (b *SerialSensorBridge) Read(now uint32, snapshot *types.SensorSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scanner == nil {
		return coreerr.New(coreerr.NotReady, "bench.SerialSensorBridge.Read", "not connected")
	}
	if !b.scanner.Scan() {
		*snapshot = b.last
		return nil
	}
	rec := strings.Split(strings.TrimSpace(b.scanner.Text()), ",")
	row, err := parseTraceRow(rec)
	if err != nil {
		*snapshot = b.last
		return nil
	}
	b.last = types.SensorSnapshot{
		MAPkPaX10:      uint16(row.MAPkPa * 10),
		TPSPctX10:      uint16(row.TPSPct * 10),
		CLTC:           int16(row.CLTC),
		IATC:           int16(row.IATC),
		VBatVX10:       uint16(row.VBatV * 10),
		WidebandLambda: row.Lambda,
		WidebandValid:  row.LambdaValid,
		SampledAtTick:  now,
	}
	*snapshot = b.last
	return nil
}

// DemoHardware is an in-memory scheduler.HardwareBackend for bench
// runs with no real actuator wiring: it records the last arm per
// channel and never rejects a well-formed request, mirroring the
// teacher's DemoProvider role of letting the rest of the stack run
// unmodified with no hardware attached.
type DemoHardware struct {
	mu      sync.Mutex
	counter hwtime.Counter
	armed   map[scheduler.Channel]demoArm
}

type demoArm struct {
	fireAtTick    uint32
	durationTicks uint32
}

// NewDemoHardware constructs a DemoHardware driven by counter.
func NewDemoHardware(counter hwtime.Counter) *DemoHardware {
	return &DemoHardware{counter: counter, armed: make(map[scheduler.Channel]demoArm)}
}

func (d *DemoHardware) ArmAbsolute(channel scheduler.Channel, fireAtTick, durationTicks uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed[channel] = demoArm{fireAtTick: fireAtTick, durationTicks: durationTicks}
	return nil
}

func (d *DemoHardware) Counter(channel scheduler.Channel) uint32 {
	return d.counter.Now()
}

func (d *DemoHardware) ForceAllOff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = make(map[scheduler.Channel]demoArm)
}

// NoopWatchdog satisfies executor.Watchdog for bench runs with no real
// hardware watchdog timer to feed.
type NoopWatchdog struct{}

func (NoopWatchdog) Feed() {}

var _ scheduler.HardwareBackend = (*DemoHardware)(nil)

package diaglog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oecu/goefi-core/internal/types"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func findCSV(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".csv") {
			return filepath.Join(dir, e.Name())
		}
	}
	t.Fatal("no csv file found")
	return ""
}

func TestNewDefaultsPathWhenEmpty(t *testing.T) {
	l := New(Config{Enabled: true})
	if l.dir != "/var/log/goefi-core" {
		t.Errorf("dir = %q, want default path", l.dir)
	}
}

func TestNewClampsTooSmallInterval(t *testing.T) {
	l := New(Config{Enabled: true, IntervalMs: 1})
	if l.interval.Milliseconds() != 100 {
		t.Errorf("interval = %v, want clamped to 100ms", l.interval)
	}
}

func TestRecordNoopWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Error("Record should not create a file when disabled")
	}
}

func TestRecordWritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 0})
	l.Record(types.Plan{RPM: 3000, Load: 55.5, AdvanceTenthsDeg: 125, PulsewidthUS: 2400},
		types.RuntimeState{Limp: true, DeadlineMisses: 2, PlanOverruns: 3},
		types.InjectionDiagnostic{STFT: 0.02, LTFT: -0.01, ExecutorMisses: 1})
	l.Close()

	path := findCSV(t, dir)
	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1 row", len(lines))
	}
	if lines[0] != strings.Join(csvHeader, ",") {
		t.Errorf("header = %q, want %q", lines[0], strings.Join(csvHeader, ","))
	}
	if !strings.Contains(lines[1], "3000.0") || !strings.Contains(lines[1], "12.5") {
		t.Errorf("row %q missing expected rpm/advance fields", lines[1])
	}
	if !strings.HasSuffix(lines[1], "1,2,1,3") {
		t.Errorf("row %q should end with limp,deadline_misses,executor_misses,plan_overruns = 1,2,1,3", lines[1])
	}
}

func TestRecordRespectsMinimumInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100_000})
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})
	l.Close()

	path := findCSV(t, dir)
	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Errorf("got %d lines, want header + exactly 1 row (second call should be throttled)", len(lines))
	}
}

func TestSetEnabledFalseClosesFile(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 0})
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})
	if l.file == nil {
		t.Fatal("expected an open file after Record")
	}
	l.SetEnabled(false)
	if l.file != nil {
		t.Error("SetEnabled(false) should close the active file")
	}
}

func TestSetEnabledTrueAllowsSubsequentRecord(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir, IntervalMs: 0})
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})
	l.SetEnabled(true)
	l.Record(types.Plan{}, types.RuntimeState{}, types.InjectionDiagnostic{})

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Fatal("expected a csv file to exist after enabling and recording")
	}
}

func TestBoolStr(t *testing.T) {
	if boolStr(true) != "1" || boolStr(false) != "0" {
		t.Error("boolStr should map true/false to 1/0")
	}
}

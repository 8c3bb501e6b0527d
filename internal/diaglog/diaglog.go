// Package diaglog is a rotating CSV logger for plan/fault diagnostics,
// generalized from the teacher's internal/logger CSV writer to the
// fields this core produces instead of an OBD dashboard's.
package diaglog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/types"
)

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "rpm", "load_kpa", "advance_deg", "pulsewidth_us",
	"eoi_deg", "sync_phase", "stft", "ltft", "limp", "deadline_misses",
	"executor_misses", "plan_overruns",
}

// Config holds diaglog configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// Logger records timestamped plan/runtime snapshots to CSV files with
// automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int

	log *corelog.Logger
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/goefi-core"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      corelog.New(nil, "diaglog"),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// Record writes one plan/runtime/diagnostic row if the minimum
// interval has elapsed since the last write.
func (l *Logger) Record(plan types.Plan, rt types.RuntimeState, diag types.InjectionDiagnostic) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.Printf("rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		fmt.Sprintf("%.1f", plan.RPM),
		fmt.Sprintf("%.1f", plan.Load),
		fmt.Sprintf("%.1f", float64(plan.AdvanceTenthsDeg)/10.0),
		fmt.Sprintf("%.1f", plan.PulsewidthUS),
		fmt.Sprintf("%.1f", plan.EOIDeg),
		plan.SyncPhase.String(),
		fmt.Sprintf("%.4f", diag.STFT),
		fmt.Sprintf("%.4f", diag.LTFT),
		boolStr(rt.Limp),
		fmt.Sprintf("%d", rt.DeadlineMisses),
		fmt.Sprintf("%d", diag.ExecutorMisses),
		fmt.Sprintf("%d", rt.PlanOverruns),
	}
	if err := l.writer.Write(row); err != nil {
		l.log.Printf("write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("goefi_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Printf("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

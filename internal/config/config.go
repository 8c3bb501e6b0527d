// Package config loads and defaults the configuration knobs the core
// recognizes at build or init time (spec §6), following the teacher's
// config shape: a struct with yaml+json tags, a DefaultConfig, a
// LoadConfig that falls back to defaults on read/parse failure, a
// .env loader, and environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oecu/goefi-core/internal/corelog"
)

var log = corelog.New(nil, "config")

// Config holds every calibration-adjacent constant named in spec §6,
// plus the bench/runtime wiring the core needs to start.
type Config struct {
	Decoder    DecoderConfig    `yaml:"decoder" json:"decoder"`
	Fueling    FuelingConfig    `yaml:"fueling" json:"fueling"`
	Ignition   IgnitionConfig   `yaml:"ignition" json:"ignition"`
	ClosedLoop ClosedLoopConfig `yaml:"closed_loop" json:"closedLoop"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Planner    PlannerConfig    `yaml:"planner" json:"planner"`
	Failsafe   FailsafeConfig   `yaml:"failsafe" json:"failsafe"`
	Calstore   CalstoreConfig   `yaml:"calstore" json:"calstore"`

	path string
}

type DecoderConfig struct {
	ToothPerRev         int     `yaml:"tooth_per_rev" json:"toothPerRev"`
	MissingTeeth        int     `yaml:"missing_teeth" json:"missingTeeth"`
	TDCOffsetDeg        float64 `yaml:"tdc_offset_deg" json:"tdcOffsetDeg"`
	SyncLossTicks       int     `yaml:"sync_loss_ticks" json:"syncLossTicks"`
	CamWindowTicks      uint32  `yaml:"cam_window_ticks" json:"camWindowTicks"`
	GapRatioMin         float64 `yaml:"gap_ratio_min" json:"gapRatioMin"`
	GapRatioMax         float64 `yaml:"gap_ratio_max" json:"gapRatioMax"`
	PeriodMedianWindow  int     `yaml:"period_median_window" json:"periodMedianWindow"`
}

type FuelingConfig struct {
	RPMMin           int     `yaml:"rpm_min" json:"rpmMin"`
	RPMMax           int     `yaml:"rpm_max" json:"rpmMax"`
	RPMFuelCut       int     `yaml:"rpm_fuel_cut" json:"rpmFuelCut"`
	PWMinUS          float64 `yaml:"pw_min_us" json:"pwMinUs"`
	PWMaxUS          float64 `yaml:"pw_max_us" json:"pwMaxUs"`
	ReqFuelUS        float64 `yaml:"req_fuel_us" json:"reqFuelUs"`
	WarmupEnrichMax  float64 `yaml:"warmup_enrich_max" json:"warmupEnrichMax"`
	WarmupTempMinC   float64 `yaml:"warmup_temp_min_c" json:"warmupTempMinC"`
	WarmupTempMaxC   float64 `yaml:"warmup_temp_max_c" json:"warmupTempMaxC"`
	TPSDotThreshold  float64 `yaml:"tps_dot_threshold" json:"tpsDotThreshold"`
	AccelEnrichMax   float64 `yaml:"accel_enrich_max" json:"accelEnrichMax"`
	AccelDecayMS     float64 `yaml:"accel_decay_ms" json:"accelDecayMs"`
}

type IgnitionConfig struct {
	AdvanceMinDeg float64 `yaml:"advance_min_deg" json:"advanceMinDeg"`
	AdvanceMaxDeg float64 `yaml:"advance_max_deg" json:"advanceMaxDeg"`
}

type ClosedLoopConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	KP                 float64 `yaml:"kp" json:"kp"`
	KI                 float64 `yaml:"ki" json:"ki"`
	STFTLimit          float64 `yaml:"stft_limit" json:"stftLimit"`
	LTFTLimit          float64 `yaml:"ltft_limit" json:"ltftLimit"`
	LTFTAlpha          float64 `yaml:"ltft_alpha" json:"ltftAlpha"`
	LTFTStableMS       float64 `yaml:"ltft_stable_ms" json:"ltftStableMs"`
	LTFTApplyThreshold float64 `yaml:"ltft_apply_threshold" json:"ltftApplyThreshold"`
	LambdaMaxAgeMS     float64 `yaml:"lambda_max_age_ms" json:"lambdaMaxAgeMs"`
}

type SchedulerConfig struct {
	InjectorMinOnUS float64 `yaml:"injector_min_on_us" json:"injectorMinOnUs"`
	InjectorMaxOnUS float64 `yaml:"injector_max_on_us" json:"injectorMaxOnUs"`
	IgnitionMinOnUS float64 `yaml:"ignition_min_on_us" json:"ignitionMinOnUs"`
	IgnitionMaxOnUS float64 `yaml:"ignition_max_on_us" json:"ignitionMaxOnUs"`
}

type PlannerConfig struct {
	DeadlineUS       float64 `yaml:"deadline_us" json:"deadlineUs"`
	SensorMaxAgeMS   float64 `yaml:"sensor_max_age_ms" json:"sensorMaxAgeMs"`
	ExecutorMaxAgeUS float64 `yaml:"executor_max_age_us" json:"executorMaxAgeUs"`
}

type FailsafeConfig struct {
	CLTOverheatC       float64 `yaml:"clt_overheat_c" json:"cltOverheatC"`
	VBatSafeMinV       float64 `yaml:"vbat_safe_min_v" json:"vbatSafeMinV"`
	VBatSafeMaxV       float64 `yaml:"vbat_safe_max_v" json:"vbatSafeMaxV"`
	WatchdogTimeoutMS  float64 `yaml:"watchdog_timeout_ms" json:"watchdogTimeoutMs"`
	RecoveryHysteresisMS float64 `yaml:"recovery_hysteresis_ms" json:"recoveryHysteresisMs"`
	LimpMinMS          float64 `yaml:"limp_min_ms" json:"limpMinMs"`
	LimpRPMLimit       int     `yaml:"limp_rpm_limit" json:"limpRpmLimit"`
	LimpVE             int     `yaml:"limp_ve" json:"limpVe"`
	LimpTimingDeg      float64 `yaml:"limp_timing_deg" json:"limpTimingDeg"`
	LimpLambdaTarget   float64 `yaml:"limp_lambda_target" json:"limpLambdaTarget"`
}

type CalstoreConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	SaveIntervalMS  int    `yaml:"save_interval_ms" json:"saveIntervalMs"`
	MaxLoadAttempts int    `yaml:"max_load_attempts" json:"maxLoadAttempts"`
}

// DefaultConfig returns a config with the defaults spec §6 names.
func DefaultConfig() *Config {
	return &Config{
		Decoder: DecoderConfig{
			ToothPerRev:        60,
			MissingTeeth:       2,
			TDCOffsetDeg:       114.0,
			SyncLossTicks:      3,
			CamWindowTicks:     2000,
			GapRatioMin:        1.75,
			GapRatioMax:        3.5,
			PeriodMedianWindow: 7,
		},
		Fueling: FuelingConfig{
			RPMMin:          300,
			RPMMax:          8000,
			RPMFuelCut:      7500,
			PWMinUS:         500,
			PWMaxUS:         18000,
			ReqFuelUS:       7730,
			WarmupEnrichMax: 1.40,
			WarmupTempMinC:  -20,
			WarmupTempMaxC:  80,
			TPSDotThreshold: 10,
			AccelEnrichMax:  1.50,
			AccelDecayMS:    200,
		},
		Ignition: IgnitionConfig{
			AdvanceMinDeg: -5,
			AdvanceMaxDeg: 45,
		},
		ClosedLoop: ClosedLoopConfig{
			Enabled:            true,
			KP:                 0.08,
			KI:                 0.02,
			STFTLimit:          0.25,
			LTFTLimit:          0.20,
			LTFTAlpha:          0.01,
			LTFTStableMS:       500,
			LTFTApplyThreshold: 0.03,
			LambdaMaxAgeMS:     200,
		},
		Scheduler: SchedulerConfig{
			InjectorMinOnUS: 500,
			InjectorMaxOnUS: 20000,
			IgnitionMinOnUS: 1500,
			IgnitionMaxOnUS: 6000,
		},
		Planner: PlannerConfig{
			DeadlineUS:       700,
			SensorMaxAgeMS:   100,
			ExecutorMaxAgeUS: 3000,
		},
		Failsafe: FailsafeConfig{
			CLTOverheatC:         120,
			VBatSafeMinV:         9.0,
			VBatSafeMaxV:         16.0,
			WatchdogTimeoutMS:    50,
			RecoveryHysteresisMS: 1000,
			LimpMinMS:            5000,
			LimpRPMLimit:         3000,
			LimpVE:               80,
			LimpTimingDeg:        10,
			LimpLambdaTarget:     0.85,
		},
		Calstore: CalstoreConfig{
			Dir:             "/var/lib/goefi-core/cal",
			SaveIntervalMS:  5000,
			MaxLoadAttempts: 3,
		},
	}
}

// LoadConfig reads a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing
// or fails to parse, the same resilience the teacher's LoadConfig
// gives a dashboard that must start with or without its config file.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads a small set of environment variables and
// overrides config values, matching the teacher's ECU_*/GPS_* idiom.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOEFI_RPM_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fueling.RPMMax = n
		}
	}
	if v := os.Getenv("GOEFI_RPM_FUEL_CUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fueling.RPMFuelCut = n
		}
	}
	if v := os.Getenv("GOEFI_TDC_OFFSET_DEG"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Decoder.TDCOffsetDeg = n
		}
	}
	if v := os.Getenv("GOEFI_CAL_DIR"); v != "" {
		c.Calstore.Dir = v
	}
	if v := os.Getenv("GOEFI_CLOSED_LOOP_ENABLED"); v != "" {
		c.ClosedLoop.Enabled = v == "1" || v == "true" || v == "yes"
	}
}

// Save writes the config back to its YAML file.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = "/etc/goefi-core/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Package types holds the small shared records that cross package
// boundaries on the hot path: sensor snapshots, the Plan record, and
// the runtime-state/diagnostic records published to collaborators.
// Kept separate from decoder/planner/executor so those packages don't
// need to import each other just to share a struct.
package types

import "github.com/oecu/goefi-core/internal/decoder"

// SensorSnapshot is the atomic record from spec §3: produced by the
// sampling collaborator, read by the planner through
// SensorProvider.Read.
type SensorSnapshot struct {
	MAPkPaX10       uint16
	TPSPctX10       uint16
	CLTC            int16
	IATC            int16
	VBatVX10        uint16
	WidebandLambda  float64
	WidebandValid   bool
	NarrowbandMV    uint16
	NarrowbandValid bool
	SampledAtTick   uint32
}

// SensorProvider is the §6 "Sensor provider" collaborator interface.
type SensorProvider interface {
	// Read fills snapshot with the latest reading. Returns an error
	// (coreerr.Stale) if now-sampled_at exceeds the freshness bound.
	Read(now uint32, snapshot *SensorSnapshot) error
}

// LambdaSample is the §6 "λ provider" reading.
type LambdaSample struct {
	Lambda float32
	AgeMS  uint32
}

// LambdaProvider is the §6 "λ provider" collaborator interface.
// Latest returns (sample, true) when fresh (age_ms < 200), (zero,
// false) otherwise.
type LambdaProvider interface {
	Latest() (LambdaSample, bool)
}

// Plan is the immutable record produced by one planner tick, per spec
// §3.
type Plan struct {
	RPM              float64
	Load             float64
	AdvanceTenthsDeg int32
	PulsewidthUS     float64
	EOIDeg           float64
	FallbackEOIDeg   float64
	Tooth            decoder.ToothEvent
	PlannedAtTick    uint32
	SyncPhase        decoder.Phase
}

// RuntimeState is published to collaborators via seqlock.
type RuntimeState struct {
	Phase          decoder.Phase
	RPM            float64
	Limp           bool
	LimpLatchedAt  uint32
	PlanOverruns   uint64
	DeadlineMisses uint64
	SyncLossCount  uint64
}

// InjectionDiagnostic is published to collaborators via seqlock.
type InjectionDiagnostic struct {
	LastPulsewidthUS float64
	LastAdvanceDeg   float64
	LastEOIDeg       float64
	STFT             float64
	LTFT             float64
	ExecutorMisses   uint64
	LastPlannedAt    uint32
}

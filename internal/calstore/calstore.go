// Package calstore implements the calibration blob store from spec
// §6: version-tagged, CRC-checked blobs identified by a textual key,
// loaded at init and re-saved on change, with a migration path for
// older blob versions. Retry-with-backoff on load follows the
// teacher's connectWithRetry idiom for external I/O that may be
// transiently unavailable (a cold SD card, a not-yet-mounted fs).
package calstore

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/oecu/goefi-core/internal/coreerr"
	"github.com/oecu/goefi-core/internal/corelog"
	"github.com/oecu/goefi-core/internal/fueling"
)

// Recognized calibration keys (spec §6).
const (
	KeyFuelMaps      = "fuel_maps"
	KeyEOIConfig     = "eoi_config"
	KeyEOITMapConfig = "eoit_map_config"
	KeyClosedLoopCfg = "closed_loop_cfg"
)

const (
	eoiConfigVersionV1 = 1
	eoiConfigVersionV2 = 2

	fuelMapsVersion      = 1
	eoitMapConfigVersion = 1
	closedLoopCfgVersion = 1
)

// BlobStore is the raw key/value byte backend (spec §6: "load(key,
// buf) -> Ok | NotFound | Err", "save(key, buf) -> Ok | Err"). FileStore
// is the production implementation; tests use an in-memory fake.
type BlobStore interface {
	Load(key string) ([]byte, error)
	Save(key string, buf []byte) error
}

// FileStore persists each key as one file under Dir.
type FileStore struct {
	Dir string
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.Dir, key+".cal")
}

// Load reads the file for key. A missing file returns coreerr.NotReady
// rather than the raw os.IsNotExist error, so callers can branch on
// the abstract Kind per spec §7.
func (f *FileStore) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.NotReady, "calstore.Load", "no blob for key "+key)
		}
		return nil, coreerr.Wrap(coreerr.NotReady, "calstore.Load", "read failed", err)
	}
	return data, nil
}

// Save writes buf to the file for key, creating Dir if needed.
func (f *FileStore) Save(key string, buf []byte) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return coreerr.Wrap(coreerr.NotReady, "calstore.Save", "mkdir failed", err)
	}
	if err := os.WriteFile(f.path(key), buf, 0644); err != nil {
		return coreerr.Wrap(coreerr.NotReady, "calstore.Save", "write failed", err)
	}
	return nil
}

// frame applies the spec §6 byte layout: version u32 LE, payload, then
// CRC-32/ISO-HDLC over the payload only, as u32 LE.
func frame(version uint32, payload []byte) []byte {
	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], version)
	copy(buf[4:4+len(payload)], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc)
	return buf
}

// unframe validates and splits a blob, returning its version and
// payload. Integrity failures (short buffer, CRC mismatch) are
// reported as coreerr.Integrity per spec §7.
func unframe(buf []byte) (version uint32, payload []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, coreerr.New(coreerr.Integrity, "calstore.unframe", "blob too short")
	}
	version = binary.LittleEndian.Uint32(buf[0:4])
	payload = buf[4 : len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return 0, nil, coreerr.New(coreerr.Integrity, "calstore.unframe", "crc mismatch")
	}
	return version, payload, nil
}

// Store wraps a BlobStore with the recognized-key schemas, retry, and
// the eoi_config v1->v2 migration.
type Store struct {
	backend     BlobStore
	maxAttempts int
	log         *corelog.Logger
}

// New constructs a Store. maxAttempts bounds the retry-with-backoff
// loop in LoadWithRetry; it does not affect Save.
func New(backend BlobStore, maxAttempts int) *Store {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Store{backend: backend, maxAttempts: maxAttempts, log: corelog.New(nil, "calstore")}
}

// LoadWithRetry retries transient load failures with the teacher's
// exponential backoff (1s, doubling, capped at 60s), stopping after
// maxAttempts successive failures and returning the last error.
func (s *Store) LoadWithRetry(key string) ([]byte, error) {
	interval := time.Second
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		buf, err := s.backend.Load(key)
		if err == nil {
			return buf, nil
		}
		lastErr = err
		if ce, ok := err.(*coreerr.Error); ok && ce.Kind == coreerr.NotReady && attempt == 1 {
			// Absent on first try is the common "never calibrated yet"
			// case; don't burn the whole retry budget on it.
			return nil, err
		}
		s.log.Printf("load %s attempt %d/%d failed: %v", key, attempt, s.maxAttempts, err)
		if attempt < s.maxAttempts {
			time.Sleep(interval)
			interval *= 2
			if interval > 60*time.Second {
				interval = 60 * time.Second
			}
		}
	}
	return nil, lastErr
}

// FuelMaps bundles the three 16x16 tables persisted under fuel_maps.
type FuelMaps struct {
	VE           *fueling.MapTable
	Ignition     *fueling.MapTable
	LambdaTarget *fueling.MapTable
}

func marshalMapTable(t *fueling.MapTable) []byte {
	buf := make([]byte, 2*(fueling.TableSize*2+fueling.TableSize*fueling.TableSize)+4)
	off := 0
	for _, v := range t.RPMBins {
		binary.LittleEndian.PutUint16(buf[off:], v)
		off += 2
	}
	for _, v := range t.LoadBins {
		binary.LittleEndian.PutUint16(buf[off:], v)
		off += 2
	}
	for i := 0; i < fueling.TableSize; i++ {
		for j := 0; j < fueling.TableSize; j++ {
			binary.LittleEndian.PutUint16(buf[off:], t.Cells[i][j])
			off += 2
		}
	}
	binary.LittleEndian.PutUint32(buf[off:], t.Checksum)
	return buf
}

func unmarshalMapTable(buf []byte) (*fueling.MapTable, error) {
	want := 2*(fueling.TableSize*2+fueling.TableSize*fueling.TableSize) + 4
	if len(buf) != want {
		return nil, coreerr.New(coreerr.Integrity, "calstore.unmarshalMapTable", "unexpected payload length")
	}
	t := &fueling.MapTable{}
	off := 0
	for i := range t.RPMBins {
		t.RPMBins[i] = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	for i := range t.LoadBins {
		t.LoadBins[i] = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	for i := 0; i < fueling.TableSize; i++ {
		for j := 0; j < fueling.TableSize; j++ {
			t.Cells[i][j] = binary.LittleEndian.Uint16(buf[off:])
			off += 2
		}
	}
	t.Checksum = binary.LittleEndian.Uint32(buf[off:])
	if err := t.VerifyMonotone(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFuelMaps loads and validates the fuel_maps blob.
func (s *Store) LoadFuelMaps() (*FuelMaps, error) {
	buf, err := s.LoadWithRetry(KeyFuelMaps)
	if err != nil {
		return nil, err
	}
	_, payload, err := unframe(buf)
	if err != nil {
		return nil, err
	}
	one := 2*(fueling.TableSize*2+fueling.TableSize*fueling.TableSize) + 4
	if len(payload) != one*3 {
		return nil, coreerr.New(coreerr.Integrity, "calstore.LoadFuelMaps", "unexpected payload length")
	}
	ve, err := unmarshalMapTable(payload[0:one])
	if err != nil {
		return nil, err
	}
	ign, err := unmarshalMapTable(payload[one : 2*one])
	if err != nil {
		return nil, err
	}
	lam, err := unmarshalMapTable(payload[2*one : 3*one])
	if err != nil {
		return nil, err
	}
	return &FuelMaps{VE: ve, Ignition: ign, LambdaTarget: lam}, nil
}

// SaveFuelMaps persists the three tables under fuel_maps.
func (s *Store) SaveFuelMaps(m *FuelMaps) error {
	payload := append(append(marshalMapTable(m.VE), marshalMapTable(m.Ignition)...), marshalMapTable(m.LambdaTarget)...)
	return s.backend.Save(KeyFuelMaps, frame(fuelMapsVersion, payload))
}

// EOIConfig is the v2 end-of-injection calibration schema.
type EOIConfig struct {
	BoundaryDeg       float32
	NormalDeg         float32
	FallbackNormalDeg float32
}

// eoiToNormal converts a legacy absolute EOI angle into the v2
// boundary-relative "normal" representation: the portion of the
// injection event that falls before the stroke boundary, expressed in
// degrees past that boundary. The boundary is the one free parameter
// the v1 schema didn't carry; LoadEOIConfig's migration uses a fixed
// default of 6.5 for it.
func eoiToNormal(boundaryDeg, eoiDeg float32) float32 {
	return eoiDeg - boundaryDeg
}

// LoadEOIConfig loads the eoi_config blob, migrating a v1 payload to
// v2 in memory (the on-disk copy is rewritten on the next Save).
func (s *Store) LoadEOIConfig() (EOIConfig, error) {
	buf, err := s.LoadWithRetry(KeyEOIConfig)
	if err != nil {
		return EOIConfig{}, err
	}
	version, payload, err := unframe(buf)
	if err != nil {
		return EOIConfig{}, err
	}
	switch version {
	case eoiConfigVersionV2:
		if len(payload) != 12 {
			return EOIConfig{}, coreerr.New(coreerr.Integrity, "calstore.LoadEOIConfig", "unexpected payload length")
		}
		return EOIConfig{
			BoundaryDeg:       math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4])),
			NormalDeg:         math.Float32frombits(binary.LittleEndian.Uint32(payload[4:8])),
			FallbackNormalDeg: math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12])),
		}, nil
	case eoiConfigVersionV1:
		if len(payload) != 8 {
			return EOIConfig{}, coreerr.New(coreerr.Integrity, "calstore.LoadEOIConfig", "unexpected v1 payload length")
		}
		eoiDeg := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
		fallbackDeg := math.Float32frombits(binary.LittleEndian.Uint32(payload[4:8]))
		boundary := float32(6.5)
		s.log.Printf("migrating eoi_config v1 -> v2")
		return EOIConfig{
			BoundaryDeg:       boundary,
			NormalDeg:         eoiToNormal(boundary, eoiDeg),
			FallbackNormalDeg: eoiToNormal(boundary, fallbackDeg),
		}, nil
	default:
		return EOIConfig{}, coreerr.New(coreerr.Integrity, "calstore.LoadEOIConfig", "unrecognized version")
	}
}

// SaveEOIConfig persists cfg as a v2 blob.
func (s *Store) SaveEOIConfig(cfg EOIConfig) error {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(cfg.BoundaryDeg))
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(cfg.NormalDeg))
	binary.LittleEndian.PutUint32(payload[8:12], math.Float32bits(cfg.FallbackNormalDeg))
	return s.backend.Save(KeyEOIConfig, frame(eoiConfigVersionV2, payload))
}

// EOITMapConfig is the eoit_map_config schema: an enable flag plus a
// 16x16 end-of-injection-timing map.
type EOITMapConfig struct {
	Enabled bool
	Map     *fueling.MapTable
}

// LoadEOITMapConfig loads the eoit_map_config blob.
func (s *Store) LoadEOITMapConfig() (*EOITMapConfig, error) {
	buf, err := s.LoadWithRetry(KeyEOITMapConfig)
	if err != nil {
		return nil, err
	}
	_, payload, err := unframe(buf)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, coreerr.New(coreerr.Integrity, "calstore.LoadEOITMapConfig", "payload too short")
	}
	enabled := payload[0] != 0
	mapBuf := payload[4 : len(payload)-2]
	wantChecksum := binary.LittleEndian.Uint16(payload[len(payload)-2:])

	t := &fueling.MapTable{}
	off := 0
	for i := range t.RPMBins {
		t.RPMBins[i] = binary.LittleEndian.Uint16(mapBuf[off:])
		off += 2
	}
	for i := range t.LoadBins {
		t.LoadBins[i] = binary.LittleEndian.Uint16(mapBuf[off:])
		off += 2
	}
	for i := 0; i < fueling.TableSize; i++ {
		for j := 0; j < fueling.TableSize; j++ {
			t.Cells[i][j] = binary.LittleEndian.Uint16(mapBuf[off:])
			off += 2
		}
	}
	t.RecomputeChecksum()
	if uint16(t.Checksum) != wantChecksum {
		return nil, coreerr.New(coreerr.Integrity, "calstore.LoadEOITMapConfig", "map checksum mismatch")
	}
	return &EOITMapConfig{Enabled: enabled, Map: t}, nil
}

// SaveEOITMapConfig persists cfg under eoit_map_config.
func (s *Store) SaveEOITMapConfig(cfg *EOITMapConfig) error {
	mapPayload := marshalMapTable(cfg.Map)
	mapBuf := mapPayload[:len(mapPayload)-4] // drop the 32-bit checksum tail, re-add as u16 below
	cfg.Map.RecomputeChecksum()

	payload := make([]byte, 4+len(mapBuf)+2)
	if cfg.Enabled {
		payload[0] = 1
	}
	copy(payload[4:], mapBuf)
	binary.LittleEndian.PutUint16(payload[4+len(mapBuf):], uint16(cfg.Map.Checksum))
	return s.backend.Save(KeyEOITMapConfig, frame(eoitMapConfigVersion, payload))
}

// ClosedLoopCfg is the closed_loop_cfg schema: a single enable flag.
type ClosedLoopCfg struct {
	Enabled bool
}

// LoadClosedLoopCfg loads the closed_loop_cfg blob.
func (s *Store) LoadClosedLoopCfg() (ClosedLoopCfg, error) {
	buf, err := s.LoadWithRetry(KeyClosedLoopCfg)
	if err != nil {
		return ClosedLoopCfg{}, err
	}
	_, payload, err := unframe(buf)
	if err != nil {
		return ClosedLoopCfg{}, err
	}
	if len(payload) < 1 {
		return ClosedLoopCfg{}, coreerr.New(coreerr.Integrity, "calstore.LoadClosedLoopCfg", "payload too short")
	}
	return ClosedLoopCfg{Enabled: payload[0] != 0}, nil
}

// SaveClosedLoopCfg persists cfg under closed_loop_cfg.
func (s *Store) SaveClosedLoopCfg(cfg ClosedLoopCfg) error {
	payload := make([]byte, 4)
	if cfg.Enabled {
		payload[0] = 1
	}
	return s.backend.Save(KeyClosedLoopCfg, frame(closedLoopCfgVersion, payload))
}

// Package fueling implements the 16x16 map table, the bilinear lookup,
// and the speed-density pulsewidth/enrichment math of spec §3 and
// §4.4.
package fueling

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/oecu/goefi-core/internal/coreerr"
)

const (
	TableSize = 16
)

// MapTable is the fixed 16x16 grid described in spec §3: ascending
// rpm/load bins, u16 cells, and a stored checksum. Cells are modified
// only under Mu; readers use the same mutex.
type MapTable struct {
	Mu       sync.Mutex
	RPMBins  [TableSize]uint16
	LoadBins [TableSize]uint16
	Cells    [TableSize][TableSize]uint16
	Checksum uint32

	cache lookupCache
}

type lookupCache struct {
	valid      bool
	lastRPM    float64
	lastLoad   float64
	lastResult float64
	checksum   uint32
}

// deadband within which a repeated lookup may reuse the cached result,
// provided the table checksum has not changed.
const (
	rpmDeadband  = 5.0
	loadDeadband = 1.0
)

// RecomputeChecksum updates t.Checksum from the current cell and bin
// contents. Callers must hold Mu.
func (t *MapTable) RecomputeChecksum() {
	buf := make([]byte, 2*(TableSize+TableSize+TableSize*TableSize))
	off := 0
	for _, v := range t.RPMBins {
		binary.LittleEndian.PutUint16(buf[off:], v)
		off += 2
	}
	for _, v := range t.LoadBins {
		binary.LittleEndian.PutUint16(buf[off:], v)
		off += 2
	}
	for i := 0; i < TableSize; i++ {
		for j := 0; j < TableSize; j++ {
			binary.LittleEndian.PutUint16(buf[off:], t.Cells[i][j])
			off += 2
		}
	}
	t.Checksum = crc32.ChecksumIEEE(buf)
}

// VerifyMonotone checks that RPMBins and LoadBins are each strictly
// ascending, per spec §3's invariant.
func (t *MapTable) VerifyMonotone() error {
	for i := 1; i < TableSize; i++ {
		if t.RPMBins[i] <= t.RPMBins[i-1] {
			return coreerr.New(coreerr.BadArg, "maptable.VerifyMonotone", "rpm bins not strictly ascending")
		}
		if t.LoadBins[i] <= t.LoadBins[i-1] {
			return coreerr.New(coreerr.BadArg, "maptable.VerifyMonotone", "load bins not strictly ascending")
		}
	}
	return nil
}

// bracket locates (lo, hi, frac) such that bins[lo] <= x <= bins[hi]
// (hi = lo+1) when x lies inside the bin range. When x falls outside
// it, bracket returns lo = hi = the nearer end bin with frac 0 rather
// than underflowing the subtraction, per spec §9.
func bracket(bins [TableSize]uint16, x float64) (lo, hi int, frac float64) {
	if x <= float64(bins[0]) {
		return 0, 0, 0
	}
	if x >= float64(bins[TableSize-1]) {
		return TableSize - 1, TableSize - 1, 0
	}
	for i := 1; i < TableSize; i++ {
		if x <= float64(bins[i]) {
			lo, hi = i-1, i
			span := float64(bins[hi]) - float64(bins[lo])
			if span <= 0 {
				return lo, hi, 0
			}
			return lo, hi, (x - float64(bins[lo])) / span
		}
	}
	return TableSize - 1, TableSize - 1, 0
}

// Lookup performs the bilinear interpolation described in spec §4.4,
// with a small last-result cache keyed on (rpm, load, checksum) and a
// deadband, per spec §3's "Map table" cache rule.
func (t *MapTable) Lookup(rpm, load float64) float64 {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.lookupLocked(rpm, load)
}

func (t *MapTable) lookupLocked(rpm, load float64) float64 {
	if t.cache.valid && t.cache.checksum == t.Checksum &&
		abs(rpm-t.cache.lastRPM) < rpmDeadband && abs(load-t.cache.lastLoad) < loadDeadband {
		return t.cache.lastResult
	}

	xlo, xhi, xf := bracket(t.RPMBins, rpm)
	ylo, yhi, yf := bracket(t.LoadBins, load)

	v00 := float64(t.Cells[ylo][xlo])
	v01 := float64(t.Cells[ylo][xhi])
	v10 := float64(t.Cells[yhi][xlo])
	v11 := float64(t.Cells[yhi][xhi])

	top := v00 + (v01-v00)*xf
	bot := v10 + (v11-v10)*xf
	result := top + (bot-top)*yf

	t.cache = lookupCache{valid: true, lastRPM: rpm, lastLoad: load, lastResult: result, checksum: t.Checksum}
	return result
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

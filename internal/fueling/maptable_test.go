package fueling

import "testing"

func flatTable(fill uint16) *MapTable {
	t := &MapTable{}
	for i := 0; i < TableSize; i++ {
		t.RPMBins[i] = uint16(500 + i*500)
		t.LoadBins[i] = uint16(20 + i*5)
		for j := 0; j < TableSize; j++ {
			t.Cells[i][j] = fill
		}
	}
	t.RecomputeChecksum()
	return t
}

func TestMapTableFlatLookupReturnsFill(t *testing.T) {
	mt := flatTable(80)
	got := mt.Lookup(3000, 50)
	if got != 80 {
		t.Errorf("Lookup on flat table = %v, want 80", got)
	}
}

func TestMapTableLookupClampsOutOfRange(t *testing.T) {
	mt := flatTable(0)
	mt.Cells[0][0] = 10
	mt.Cells[TableSize-1][TableSize-1] = 200
	mt.RecomputeChecksum()

	below := mt.Lookup(0, 0)
	if below != 10 {
		t.Errorf("below-range lookup = %v, want 10 (clamped to first cell)", below)
	}
	above := mt.Lookup(1_000_000, 1_000_000)
	if above != 200 {
		t.Errorf("above-range lookup = %v, want 200 (clamped to last cell)", above)
	}
}

func TestMapTableBilinearMonotone(t *testing.T) {
	mt := &MapTable{}
	for i := 0; i < TableSize; i++ {
		mt.RPMBins[i] = uint16(500 + i*500)
		mt.LoadBins[i] = uint16(20 + i*5)
		for j := 0; j < TableSize; j++ {
			mt.Cells[i][j] = uint16(i*TableSize + j)
		}
	}
	mt.RecomputeChecksum()

	prev := mt.Lookup(float64(mt.RPMBins[0]), float64(mt.LoadBins[0]))
	for i := 1; i < TableSize; i++ {
		cur := mt.Lookup(float64(mt.RPMBins[i]), float64(mt.LoadBins[0]))
		if cur < prev {
			t.Errorf("lookup not monotone along rpm axis at bin %d: prev=%v cur=%v", i, prev, cur)
		}
		prev = cur
	}
}

func TestMapTableVerifyMonotoneRejectsBadBins(t *testing.T) {
	mt := flatTable(10)
	mt.RPMBins[5] = mt.RPMBins[4]
	if err := mt.VerifyMonotone(); err == nil {
		t.Error("VerifyMonotone should reject a non-ascending rpm bin")
	}
}

func TestMapTableVerifyMonotoneAcceptsGoodBins(t *testing.T) {
	mt := flatTable(10)
	if err := mt.VerifyMonotone(); err != nil {
		t.Errorf("VerifyMonotone rejected a valid table: %v", err)
	}
}

func TestMapTableLookupCacheInvalidatedByChecksumChange(t *testing.T) {
	mt := flatTable(50)
	first := mt.Lookup(3000, 50)
	if first != 50 {
		t.Fatalf("initial lookup = %v, want 50", first)
	}
	for i := 0; i < TableSize; i++ {
		for j := 0; j < TableSize; j++ {
			mt.Cells[i][j] = 90
		}
	}
	mt.RecomputeChecksum()
	second := mt.Lookup(3000, 50)
	if second != 90 {
		t.Errorf("lookup after table change = %v, want 90 (stale cache not invalidated)", second)
	}
}

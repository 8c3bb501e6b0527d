package fueling

import "testing"

func buildTableSet() *TableSet {
	return &TableSet{
		VE:           flatTable(80),
		Ignition:     flatTable(150),
		LambdaTarget: flatTable(1000),
	}
}

func TestTableSetLookupReturnsAllThree(t *testing.T) {
	ts := buildTableSet()
	ve, ign, lambda, _, haveEOI := ts.Lookup(3000, 50)
	if ve != 80 || ign != 150 || lambda != 1000 {
		t.Errorf("Lookup = (%v, %v, %v), want (80, 150, 1000)", ve, ign, lambda)
	}
	if haveEOI {
		t.Error("haveEOI should be false when EOINormal is nil")
	}
}

func TestTableSetLookupWithEOINormal(t *testing.T) {
	ts := buildTableSet()
	ts.EOINormal = flatTable(65)
	_, _, _, eoi, haveEOI := ts.Lookup(3000, 50)
	if !haveEOI {
		t.Fatal("haveEOI should be true when EOINormal is set")
	}
	if eoi != 65 {
		t.Errorf("eoi lookup = %v, want 65", eoi)
	}
}

func TestTableSetApplyLTFTMultipliesNearestCell(t *testing.T) {
	ts := buildTableSet()
	rpm, load := float64(ts.VE.RPMBins[4]), float64(ts.VE.LoadBins[4])
	before := ts.VE.Cells[4][4]

	ts.ApplyLTFT(rpm, load, 1.10)

	after := ts.VE.Cells[4][4]
	want := uint16(float64(before) * 1.10)
	if after != want {
		t.Errorf("VE cell after ApplyLTFT = %v, want %v", after, want)
	}
}

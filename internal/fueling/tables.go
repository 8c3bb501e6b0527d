package fueling

import "sync"

// TableSet groups the three (or four) map tables the planner reads
// every tick under the single mutex spec §4.6 step 4 requires:
// "Under a single map-table mutex, do three table lookups (VE,
// ignition, λ target) and one optional EOI-normal lookup."
type TableSet struct {
	Mu sync.Mutex

	VE           *MapTable
	Ignition     *MapTable
	LambdaTarget *MapTable
	EOINormal    *MapTable // nil if end-of-injection calibration is disabled

	DeadTime *DeadTimeTable
}

// Lookup performs all configured lookups atomically under Mu and
// returns (ve, ignitionAdvanceTenths, lambdaTargetX1000, eoiNormalDeg, haveEOI).
func (ts *TableSet) Lookup(rpm, load float64) (ve, ignTenths, lambdaX1000, eoiDeg float64, haveEOI bool) {
	ts.Mu.Lock()
	defer ts.Mu.Unlock()

	ve = ts.VE.Lookup(rpm, load)
	ignTenths = ts.Ignition.Lookup(rpm, load)
	lambdaX1000 = ts.LambdaTarget.Lookup(rpm, load)
	if ts.EOINormal != nil {
		eoiDeg = ts.EOINormal.Lookup(rpm, load)
		haveEOI = true
	}
	return
}

// ApplyLTFT multiplies the VE cell nearest (rpm, load) by multiplier,
// per spec §3's "the corresponding VE cell is multiplied by (1+ltft)"
// rule, and recomputes the checksum. Caller already holds no lock;
// ApplyLTFT takes VE.Mu itself.
func (ts *TableSet) ApplyLTFT(rpm, load, multiplier float64) {
	ts.VE.Mu.Lock()
	defer ts.VE.Mu.Unlock()

	xlo, xhi, xf := bracket(ts.VE.RPMBins, rpm)
	ylo, yhi, yf := bracket(ts.VE.LoadBins, load)
	xi, yi := xhi, yhi
	if xf < 0.5 {
		xi = xlo
	}
	if yf < 0.5 {
		yi = ylo
	}
	cell := float64(ts.VE.Cells[yi][xi])
	ts.VE.Cells[yi][xi] = uint16(cell * multiplier)
	ts.VE.RecomputeChecksum()
}

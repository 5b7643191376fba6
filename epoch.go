// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Implements the double-difference observation equations of one epoch.

package ddbatch

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Observation class of a row
type ObsClass int

const (
	CodeObs ObsClass = iota
	PhaseObs
)

func (p ObsClass) String() string {
	switch p {
	case CodeObs:
		return "code"
	case PhaseObs:
		return "phase"
	default:
		return "unknown"
	}
}

// Slant ionospheric delay on code [m] seen from rcv
type IonoFunc func(t GTime, rcv PosXYZ, elev, azim, freq float64) float64

// Antenna phase center range correction [m]
type PcvFunc func(elev, azim, freq float64) float64

// DDOpt contains options for building double-difference observations
type DDOpt struct {
	WghMode    int                 // Weighting mode: 0(OFF), 1(elevation, RTKLIB), 2(SNR)
	CnMask     float64             // Signal strength mask [dB-Hz]
	ElMask     float64             // Elevation mask [deg]
	StdCp      float64             // Carrier phase noise standard deviation [m]
	StdPr      float64             // Pseudorange noise standard deviation [m]
	MaxInnovPr float64             // Threshold of DD pseudorange innovation to detect outliers [m] (0: off)
	MinSats    int                 // Minimum number of satellites including the pivot
	MaxCond    float64             // Maximum condition number of the DD geometry (0: off)
	UseCode    bool                // Use pseudorange
	UsePhase   bool                // Use carrier phase
	SkipTrop   bool                // If true, skip tropospheric correction
	Iono       IonoFunc `yaml:"-"` // Ionospheric model (nil: none)
	PcvRov     PcvFunc  `yaml:"-"` // Rover antenna correction (nil: none)
	PcvBase    PcvFunc  `yaml:"-"` // Base antenna correction (nil: none)
}

// NewDDOpt creates a new DDOpt with default values
func NewDDOpt() *DDOpt {
	return &DDOpt{
		WghMode:    1,     // Elevation-dependent weighting
		CnMask:     0,     // No signal strength mask
		ElMask:     10,    // Elevation mask [deg]
		StdCp:      0.003, // Carrier phase noise [m]
		StdPr:      0.3,   // Pseudorange noise [m]
		MaxInnovPr: 50,    // Pseudorange outlier threshold [m]
		MinSats:    2,     // Pivot plus one
		MaxCond:    1e5,   // Geometry condition cutoff
		UseCode:    true,
		UsePhase:   true,
		SkipTrop:   false,
	}
}

// One double-difference row (pivot minus satellite)
type DDRow struct {
	Sat   SatType    // Non-pivot satellite
	Class ObsClass   // Observation class
	G     [3]float64 // Partial derivatives with respect to the rover position
	Y0    float64    // DD observation [m]
	B     float64    // DD computed range and corrections [m]
}

// EpochDD is the double-difference model of one epoch
type EpochDD struct {
	Time   GTime
	Pivot  SatType             // Pivot satellite ("" when the epoch is excluded)
	Rows   []DDRow             // Code rows followed by phase rows
	Q      *mat.SymDense       // Cofactor of Rows
	Phase  []SatType           // Satellites with phase rows, the pivot first
	Lambda map[SatType]float64 // Wavelength [m]
	Slip   map[SatType]bool    // Cycle slip flagged by the receivers
	Elev   map[SatType]float64 // Elevation at the rover [rad]
	NumSat int                 // Number of satellites used
	Reason string              // Reason of the exclusion
}

// Empty reports whether the epoch contributes nothing
func (p *EpochDD) Empty() bool {
	return p.Pivot == ""
}

// Undifferenced terms of one satellite
type satTerm struct {
	sat      SatType
	rov      lineOfSight
	base     lineOfSight
	code     bool    // Valid pseudorange at both receivers
	phase    bool    // Valid carrier phase at both receivers
	lam      float64 // Wavelength [m]
	obsPr    float64 // SD pseudorange [m]
	obsCp    float64 // SD carrier phase [m]
	calcPr   float64 // SD computed pseudorange [m]
	calcCp   float64 // SD computed carrier phase [m]
	varPr    float64 // SD pseudorange variance [m^2]
	varCp    float64 // SD carrier phase variance [m^2]
	slip     bool
	elevBase float64
}

// BuildEpochDD forms the double-difference rows of one epoch.
// The pivot is the satellite of maximum elevation among those with valid
// carrier phase (among those with valid pseudorange for code-only epochs).
//
// Parameters:
//   - obs: Rover and base observations of the epoch
//   - orb: Satellite orbits
//   - rovPos: A priori rover position
//   - basePos: Known base position
//   - opt: Options
//
// Returns:
//   - *EpochDD: DD model; Pivot is "" when the epoch has to be excluded
//   - error: Invalid input
func BuildEpochDD(
	obs *EpochObs, // Observation data of one epoch
	orb Orbits, // Satellite orbits
	rovPos *PosXYZ, // A priori rover position
	basePos *PosXYZ, // Base station position
	opt *DDOpt, // Calculation options
) (*EpochDD, error) {

	if obs == nil || orb == nil || rovPos == nil || basePos == nil || opt == nil {
		return nil, fmt.Errorf("%w: nil argument to BuildEpochDD()", ErrInvalidInput)
	}
	dd := &EpochDD{
		Time:   obs.Time,
		Lambda: map[SatType]float64{},
		Slip:   map[SatType]bool{},
		Elev:   map[SatType]float64{},
	}

	// Undifferenced terms of the common satellites
	terms := map[SatType]*satTerm{}
	sats := []SatType{}
	for _, sat := range obs.Common() {
		st := makeSatTerm(obs, sat, orb, rovPos, basePos, opt)
		if st == nil {
			continue
		}
		terms[sat] = st
		sats = append(sats, sat)
	}

	// Select pivot
	pivot := maxElevSat(sats, terms)
	if pivot == "" {
		dd.Reason = "no common satellite"
		return dd, nil
	}
	pt := terms[pivot]

	// Exclude pseudorange outliers
	if opt.MaxInnovPr > 0 && pt.code {
		kept := []SatType{}
		for _, sat := range sats {
			st := terms[sat]
			if sat != pivot && st.code {
				innov := (pt.obsPr - st.obsPr) - (pt.calcPr - st.calcPr)
				if math.Abs(innov) > opt.MaxInnovPr {
					PrintD(2, "\t%s %s: pseudorange outlier, innov=%.3f\n", obs.Time, sat, innov)
					continue
				}
			}
			kept = append(kept, sat)
		}
		sats = kept
	}

	// Rows
	nsat := 1
	for _, sat := range sats {
		if sat == pivot {
			continue
		}
		st := terms[sat]
		used := false
		if pt.code && st.code {
			dd.Rows = append(dd.Rows, DDRow{Sat: sat, Class: CodeObs, G: ddGeometry(pt.rov.Dxyz, st.rov.Dxyz),
				Y0: pt.obsPr - st.obsPr, B: pt.calcPr - st.calcPr})
			used = true
		}
		if pt.phase && st.phase {
			used = true
		}
		if used {
			nsat++
		}
	}
	if pt.phase {
		dd.Phase = append(dd.Phase, pivot)
		for _, sat := range sats {
			st := terms[sat]
			if sat == pivot || !st.phase {
				continue
			}
			dd.Rows = append(dd.Rows, DDRow{Sat: sat, Class: PhaseObs, G: ddGeometry(pt.rov.Dxyz, st.rov.Dxyz),
				Y0: pt.obsCp - st.obsCp, B: pt.calcCp - st.calcCp})
			dd.Phase = append(dd.Phase, sat)
		}
	}
	if nsat < max(opt.MinSats, 2) || len(dd.Rows) == 0 {
		dd.Reason = fmt.Sprintf("too few satellites (%d)", nsat)
		return dd, nil
	}

	// Geometry cutoff
	if opt.MaxCond > 0 {
		if c := ddCond(dd.Rows); c > opt.MaxCond {
			dd.Reason = fmt.Sprintf("poor geometry (cond=%.1f)", c)
			return dd, nil
		}
	}

	dd.Q = makeDDCofactor(dd.Rows, pt, terms)
	dd.Pivot = pivot
	dd.NumSat = nsat
	for _, sat := range dd.Phase {
		dd.Lambda[sat] = terms[sat].lam
		dd.Slip[sat] = terms[sat].slip
	}
	for sat, st := range terms {
		dd.Elev[sat] = st.rov.Elev
	}
	return dd, nil
}

// makeSatTerm computes the single-difference terms of one satellite, nil when unusable
func makeSatTerm(obs *EpochObs, sat SatType, orb Orbits, rovPos, basePos *PosXYZ, opt *DDOpt) *satTerm {
	r, b := obs.Rov[sat], obs.Base[sat]
	if r == nil || b == nil {
		return nil
	}
	spos, _, ok := orb.SatPos(obs.Time, sat)
	if !ok {
		PrintD(3, "\t%s %s: no ephemeris\n", obs.Time, sat)
		return nil
	}
	st := &satTerm{
		sat:  sat,
		rov:  newLineOfSight(*rovPos, spos),
		base: newLineOfSight(*basePos, spos),
	}
	if ToDeg(st.rov.Elev) < opt.ElMask || ToDeg(st.base.Elev) < opt.ElMask {
		return nil
	}
	if r.Sn < opt.CnMask || b.Sn < opt.CnMask {
		return nil
	}
	st.code = opt.UseCode && r.HasCode() && b.HasCode()
	st.phase = opt.UsePhase && r.HasPhase() && b.HasPhase() && r.Freq == b.Freq
	if !st.code && !st.phase {
		return nil
	}
	freq := r.Freq
	if freq <= 0 {
		freq = L1
	}
	st.lam = C / freq
	st.elevBase = st.base.Elev

	geo := st.rov.Range - st.base.Range
	if !opt.SkipTrop {
		geo += tropDelay(obs.Time, *rovPos, st.rov.Elev) - tropDelay(obs.Time, *basePos, st.base.Elev)
	}
	if opt.PcvRov != nil {
		geo += opt.PcvRov(st.rov.Elev, st.rov.Azim, freq)
	}
	if opt.PcvBase != nil {
		geo -= opt.PcvBase(st.base.Elev, st.base.Azim, freq)
	}
	st.calcCp = geo
	st.calcPr = geo
	if opt.Iono != nil {
		st.calcPr += opt.Iono(obs.Time, *rovPos, st.rov.Elev, st.rov.Azim, freq) -
			opt.Iono(obs.Time, *basePos, st.base.Elev, st.base.Azim, freq)
	}
	st.obsPr = r.Pr - b.Pr
	st.obsCp = st.lam * (r.Cp - b.Cp)
	st.slip = r.Slipped() || b.Slipped()

	st.varPr = obsVar(opt.StdPr, st.rov.Elev, r.Sn, opt.WghMode) + obsVar(opt.StdPr, st.base.Elev, b.Sn, opt.WghMode)
	st.varCp = obsVar(opt.StdCp, st.rov.Elev, r.Sn, opt.WghMode) + obsVar(opt.StdCp, st.base.Elev, b.Sn, opt.WghMode)
	return st
}

// maxElevSat returns the satellite of maximum rover elevation among those
// with carrier phase, or among those with pseudorange when none has phase
func maxElevSat(sats []SatType, terms map[SatType]*satTerm) SatType {
	for _, phase := range []bool{true, false} {
		var pivot SatType
		mx := -math.MaxFloat64
		for _, sat := range sats {
			st := terms[sat]
			if phase && !st.phase || !phase && !st.code {
				continue
			}
			if st.rov.Elev > mx {
				pivot, mx = sat, st.rov.Elev
			}
		}
		if pivot != "" {
			return pivot
		}
	}
	return ""
}

// Geometry row of a double difference (pivot minus satellite)
func ddGeometry(pivot, sat [3]float64) [3]float64 {
	return [3]float64{pivot[0] - sat[0], pivot[1] - sat[1], pivot[2] - sat[2]}
}

// Condition number of the distinct DD geometry rows, 0 when less than 3 rows
func ddCond(rows []DDRow) float64 {
	seen := map[SatType]bool{}
	g := [][3]float64{}
	for _, r := range rows {
		if seen[r.Sat] {
			continue
		}
		seen[r.Sat] = true
		g = append(g, r.G)
	}
	if len(g) < 3 {
		return 0
	}
	return geomCond(g)
}

// Condition number of the stacked geometry rows
func geomCond(g [][3]float64) float64 {
	data := make([]float64, 0, 3*len(g))
	for _, r := range g {
		data = append(data, r[:]...)
	}
	return mat.Cond(mat.NewDense(len(g), 3, data), 2)
}

// Observation variance of one receiver/satellite pair [m^2]
func obsVar(std, elev, snr float64, mode int) float64 {
	const (
		SNR1 = 50.0 // Signal strength above which no down-weighting occurs [dB-Hz]
		SNRA = 30.0 // Signal strength scale [dB-Hz]
	)
	v := std * std
	switch mode {
	case 1:
		sinel := math.Max(math.Sin(elev), 0.05)
		return v * (1 + 1/(sinel*sinel))
	case 2:
		if snr > 0 && snr < SNR1 {
			return v * math.Pow(10, (SNR1-snr)/SNRA)
		}
		return v
	default:
		return v
	}
}

// makeDDCofactor builds the DD cofactor: diagonal var(pivot)+var(sat),
// off-diagonal var(pivot) within one observation class
func makeDDCofactor(rows []DDRow, pt *satTerm, terms map[SatType]*satTerm) *mat.SymDense {
	n := len(rows)
	Q := mat.NewSymDense(n, nil)
	sdVar := func(st *satTerm, c ObsClass) float64 {
		if c == CodeObs {
			return st.varPr
		}
		return st.varCp
	}
	for i, ri := range rows {
		vp := sdVar(pt, ri.Class)
		Q.SetSym(i, i, vp+sdVar(terms[ri.Sat], ri.Class))
		for j := i + 1; j < n; j++ {
			if rows[j].Class == ri.Class {
				Q.SetSym(i, j, vp)
			}
		}
	}
	return Q
}

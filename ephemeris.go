// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Satellite orbits evaluated from broadcast ephemerides.

package ddbatch

import (
	"fmt"
	"math"
	"strings"
)

// Broadcast ephemeris of one satellite, one issue
type Ephe struct {

	// Common for G,J,E,C,R
	Sat  SatType
	Toc  GTime // Reference time for satellite clock error correction
	Toe  GTime // Reference time for satellite orbit calculation
	Tot  GTime // Transmission time
	Iode int
	Svh  int // Health flag (0: healthy)

	// for GPS, QZSS, GALILEO, BEIDOU
	Af0    float64
	Af1    float64
	Af2    float64
	Crs    float64
	DeltaN float64
	M0     float64
	Cuc    float64
	Ecc    float64
	Cus    float64
	SqrtA  float64
	Cic    float64
	Omega0 float64
	Cis    float64
	I0     float64
	Crc    float64
	Omega  float64
	OmegaD float64
	Idot   float64
	Week   int
	Tgd    float64 // GPS, QZS, GAL(E5a/E1), BDS(B1/B3)
	Tgd2   float64 // GAL(E5b/E1), BDS(B2/B3)

	// for GLONASS
	TauN   float64
	GammaN float64
	Pos    [3]float64 // Position [m]
	Vel    [3]float64 // Velocity [m/s]
	Acc    [3]float64 // Lunisolar acceleration [m/s^2]
	FreqN  int        // Frequency channel
}

func (e *Ephe) String() string {
	return fmt.Sprintf("%s toc=%s toe=%s iode=%d svh=%d", e.Sat, e.Toc, e.Toe, e.Iode, e.Svh)
}

// Ephemerides per satellite, sorted by transmission time
type Nav map[SatType][]*Ephe

// Maximum |t - Toe| of a usable ephemeris [s]
func maxDToe(sys SysType) float64 {
	switch sys {
	case 'E':
		return 14400
	case 'C':
		return 21601
	case 'R':
		return 1801
	default:
		return 7201
	}
}

// GetEphe selects the ephemeris whose Toe is closest to t. Future Toe is not
// allowed for Galileo.
func (nav Nav) GetEphe(sat SatType, t GTime) (*Ephe, error) {
	navs, ok := nav[sat]
	if !ok {
		return nil, fmt.Errorf("can't find %s", sat)
	}
	diffMax := maxDToe(sat.Sys())
	var best *Ephe
	for _, eph := range navs {
		d := eph.Toe.Diff(t)
		if sat.Sys() == 'E' && d >= 0 {
			continue
		}
		if math.Abs(d) < diffMax {
			diffMax = math.Abs(d)
			best = eph
		}
	}
	if best == nil {
		return nil, fmt.Errorf("can't find a valid ephemeris for %s at %s", sat, t)
	}
	return best, nil
}

// Display navigation data overview
func (nav Nav) String() string {
	keys := []SatType{}
	for k := range nav {
		keys = append(keys, k)
	}
	var sb strings.Builder
	sb.WriteString("toc:\n")
	for _, sat := range Sorted(keys) {
		a := nav[sat]
		if len(a) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("\t%s: %s - %s (%d)\n", sat,
			a[0].Toc.ToTime().UTC().Format("2006/01/02 15:04:05"),
			a[len(a)-1].Toc.ToTime().UTC().Format("2006/01/02 15:04:05"), len(a)))
	}
	return sb.String()
}

// EpheOrbits is an Orbits evaluating broadcast ephemerides. The signal travel
// time is taken as the nominal Travel, which is enough for short baselines
// where the orbit error cancels in the double differences.
type EpheOrbits struct {
	Nav    Nav
	Travel float64 // Nominal signal travel time [s]
}

func NewEpheOrbits(nav Nav) *EpheOrbits {
	return &EpheOrbits{Nav: nav, Travel: 0.075}
}

func (p *EpheOrbits) SatPos(t GTime, sat SatType) (PosXYZ, float64, bool) {
	e, err := p.Nav.GetEphe(sat, t)
	if err != nil {
		PrintD(3, "\t%s\n", err.Error())
		return PosXYZ{}, 0, false
	}
	if e.Svh != 0 {
		PrintD(3, "\t%s: unhealthy (svh=%d)\n", sat, e.Svh)
		return PosXYZ{}, 0, false
	}
	psr := p.Travel * C
	return ephePos(e, t, psr), epheClk(e, t, psr), true
}

// Earth rotation rate [rad/s] and gravitational constant [m^3/s^2]
func earthConst(sys SysType) (omge, mu float64) {
	switch sys {
	case 'E':
		return 7.2921151467e-5, 3.986004418e14
	case 'C':
		return 7.292115e-5, 3.986004418e14
	default:
		return 7.2921151467e-5, 3.986005e14
	}
}

// Eccentric anomaly at tk seconds from Toe
func eccAnomaly(e *Ephe, tk, mu float64) float64 {
	n := math.Sqrt(mu)/(e.SqrtA*e.SqrtA*e.SqrtA) + e.DeltaN
	mk := e.M0 + n*tk
	ek := mk
	for range 10 {
		ek = mk + e.Ecc*math.Sin(ek)
	}
	return ek
}

// Satellite position at the transmission of a signal received at rcvt with
// pseudorange psr, in the ECEF frame of the reception time
func ephePos(e *Ephe, rcvt GTime, psr float64) (xyz PosXYZ) {
	sys := e.Sat.Sys()
	omge, mu := earthConst(sys)
	tk0 := rcvt.Diff(e.Toe)
	tk := tk0 - psr/C

	if sys == 'R' {
		x := [6]float64{e.Pos[0], e.Pos[1], e.Pos[2], e.Vel[0], e.Vel[1], e.Vel[2]}
		const TSTEP = 60.0
		tt := TSTEP
		if tk < 0 {
			tt = -TSTEP
		}
		for math.Abs(tk) > 1e-9 {
			if math.Abs(tk) < TSTEP {
				tt = tk
			}
			glorbit(tt, &x, e.Acc)
			tk -= tt
		}
		omk := omge * psr / C // Sagnac
		xyz.X = x[0]*math.Cos(omk) + x[1]*math.Sin(omk)
		xyz.Y = -x[0]*math.Sin(omk) + x[1]*math.Cos(omk)
		xyz.Z = x[2]
		return
	}

	ek := eccAnomaly(e, tk, mu)
	rk := e.SqrtA * e.SqrtA * (1 - e.Ecc*math.Cos(ek))
	vk := math.Atan2(math.Sqrt(1-e.Ecc*e.Ecc)*math.Sin(ek), math.Cos(ek)-e.Ecc)
	pk := vk + e.Omega
	uk := pk + e.Cus*math.Sin(2*pk) + e.Cuc*math.Cos(2*pk)
	rk += e.Crs*math.Sin(2*pk) + e.Crc*math.Cos(2*pk)
	ik := e.I0 + e.Cis*math.Sin(2*pk) + e.Cic*math.Cos(2*pk) + e.Idot*tk
	xk := rk * math.Cos(uk)
	yk := rk * math.Sin(uk)

	// Rotation to ECEF at the reception time includes the Sagnac effect
	toe := e.Toe.Sec
	if sys == 'C' {
		toe -= 14
	}
	omk := e.Omega0 + (e.OmegaD-omge)*tk0 - omge*toe
	xyz.X = xk*math.Cos(omk) - yk*math.Sin(omk)*math.Cos(ik)
	xyz.Y = xk*math.Sin(omk) + yk*math.Cos(omk)*math.Cos(ik)
	xyz.Z = yk * math.Sin(ik)

	// Beidou geostationary
	if sys == 'C' && (e.Sat.Num() <= 5 || e.Sat.Num() >= 59) {
		omk = e.Omega0 + e.OmegaD*tk0 - omge*toe
		xg := xk*math.Cos(omk) - yk*math.Sin(omk)*math.Cos(ik)
		yg := xk*math.Sin(omk) + yk*math.Cos(omk)*math.Cos(ik)
		zg := yk * math.Sin(ik)
		sino, coso := math.Sincos(omge * tk0)
		sin5, cos5 := math.Sincos(-5 * PI / 180.0)
		xyz.X = xg*coso + yg*sino*cos5 + zg*sino*sin5
		xyz.Y = -xg*sino + yg*coso*cos5 + zg*coso*sin5
		xyz.Z = -yg*sin5 + zg*cos5
	}
	return
}

// Satellite clock bias [s] including the relativistic correction and the
// group delay of the first frequency
func epheClk(e *Ephe, rcvt GTime, psr float64) float64 {
	sys := e.Sat.Sys()
	if sys == 'R' {
		tk := rcvt.Diff(e.Toe) - psr/C
		return -e.TauN + e.GammaN*tk
	}
	_, mu := earthConst(sys)
	ek := eccAnomaly(e, rcvt.Diff(e.Toe)-psr/C, mu)
	tr := -2 * math.Sqrt(mu) / C / C * e.Ecc * e.SqrtA * math.Sin(ek)
	tk := rcvt.Diff(e.Toc) - psr/C
	tg := e.Tgd
	if sys == 'E' {
		tg = e.Tgd2 // E1/E5b
	}
	return tr + e.Af0 + e.Af1*tk + e.Af2*tk*tk - tg
}

// Equation of motion of a GLONASS satellite
func deq(x [6]float64, xdot *[6]float64, acc [3]float64) {
	const omge = 7.292115e-5 // Earth rotation rate for GLONASS [rad/s]
	const OMG2 = omge * omge
	const J2_GLO = 1.0826257e-3
	const MU_GLO = 3.9860044e14
	const RE_GLO = 6378136.0

	r2 := x[0]*x[0] + x[1]*x[1] + x[2]*x[2]
	if r2 <= 0 {
		*xdot = [6]float64{}
		return
	}
	r3 := r2 * math.Sqrt(r2)
	a := 1.5 * J2_GLO * MU_GLO * (RE_GLO * RE_GLO) / r2 / r3
	b := 5.0 * x[2] * x[2] / r2
	c := -MU_GLO/r3 - a*(1.0-b)
	xdot[0] = x[3]
	xdot[1] = x[4]
	xdot[2] = x[5]
	xdot[3] = (c+OMG2)*x[0] + 2.0*omge*x[4] + acc[0]
	xdot[4] = (c+OMG2)*x[1] - 2.0*omge*x[3] + acc[1]
	xdot[5] = (c-2.0*a)*x[2] + acc[2]
}

// One Runge-Kutta step of t seconds
func glorbit(t float64, x *[6]float64, acc [3]float64) {
	var k1, k2, k3, k4, w [6]float64
	deq(*x, &k1, acc)
	for i := range 6 {
		w[i] = x[i] + k1[i]*t/2.0
	}
	deq(w, &k2, acc)
	for i := range 6 {
		w[i] = x[i] + k2[i]*t/2.0
	}
	deq(w, &k3, acc)
	for i := range 6 {
		w[i] = x[i] + k3[i]*t
	}
	deq(w, &k4, acc)
	for i := range 6 {
		x[i] += (k1[i] + 2.0*k2[i] + 2.0*k3[i] + k4[i]) * t / 6.0
	}
}

// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.13
//

// Satellite geometry seen from a receiver.

package ddbatch

// Orbits provides satellite positions and clock biases
type Orbits interface {
	// SatPos returns the ECEF position [m] and clock bias [s] of sat at t.
	// ok is false when no valid ephemeris covers t.
	SatPos(t GTime, sat SatType) (pos PosXYZ, clk float64, ok bool)
}

// Satellite state at one epoch
type SatState struct {
	Pos PosXYZ  // ECEF position [m]
	Clk float64 // Clock bias [s]
}

// TableOrbits is an Orbits backed by precomputed satellite states per epoch
type TableOrbits map[int64]map[SatType]SatState

func NewTableOrbits() TableOrbits {
	return TableOrbits{}
}

func (p TableOrbits) Add(t GTime, sat SatType, st SatState) {
	k := t.Key()
	if _, ok := p[k]; !ok {
		p[k] = map[SatType]SatState{}
	}
	p[k][sat] = st
}

func (p TableOrbits) SatPos(t GTime, sat SatType) (PosXYZ, float64, bool) {
	e, ok := p[t.Key()]
	if !ok {
		return PosXYZ{}, 0, false
	}
	st, ok := e[sat]
	if !ok {
		return PosXYZ{}, 0, false
	}
	return st.Pos, st.Clk, true
}

// Line-of-sight terms of one receiver/satellite pair
type lineOfSight struct {
	Range float64    // Geometric range [m]
	Elev  float64    // Elevation [rad]
	Azim  float64    // Azimuth [rad]
	Dxyz  [3]float64 // Partial derivatives of the range with respect to the receiver position
}

func newLineOfSight(rcv, sat PosXYZ) lineOfSight {
	enu := sat.ToENU(rcv)
	return lineOfSight{
		Range: EucDist(&sat, &rcv),
		Elev:  enu.Elevation(),
		Azim:  enu.Azimuth(),
		Dxyz:  [3]float64{DistDx(&sat, &rcv), DistDy(&sat, &rcv), DistDz(&sat, &rcv)},
	}
}

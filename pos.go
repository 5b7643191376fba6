// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.13
//

package ddbatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

//-------------------------------------------------------------------
// PosXYZ (ECEF)
//-------------------------------------------------------------------

type PosXYZ struct {
	X float64
	Y float64
	Z float64
}

func (pos PosXYZ) Vec() *mat.VecDense {
	return mat.NewVecDense(3, []float64{pos.X, pos.Y, pos.Z})
}

func (pos PosXYZ) Add(d PosXYZ) PosXYZ {
	return PosXYZ{X: pos.X + d.X, Y: pos.Y + d.Y, Z: pos.Z + d.Z}
}

func (pos PosXYZ) Sub(d PosXYZ) PosXYZ {
	return PosXYZ{X: pos.X - d.X, Y: pos.Y - d.Y, Z: pos.Z - d.Z}
}

func (pos PosXYZ) Norm() float64 {
	return math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
}

// Geodetic coordinates by fixed-point iteration on the latitude
func (pos PosXYZ) ToLLH() PosLLH {
	e2 := Fe * (2 - Fe)
	r2 := pos.X*pos.X + pos.Y*pos.Y
	if r2 == 0 && pos.Z == 0 {
		return PosLLH{Hei: -Re}
	}
	z := pos.Z
	zk := 0.0
	v := Re
	for i := 0; i < 20 && math.Abs(z-zk) >= 1e-4; i++ {
		zk = z
		sinp := z / math.Sqrt(r2+z*z)
		v = Re / math.Sqrt(1-e2*sinp*sinp)
		z = pos.Z + v*e2*sinp
	}
	llh := PosLLH{}
	if r2 > 1e-12 {
		llh.Lat = math.Atan(z / math.Sqrt(r2))
		llh.Lon = math.Atan2(pos.Y, pos.X)
	} else if pos.Z > 0 {
		llh.Lat = PI / 2
	} else {
		llh.Lat = -PI / 2
	}
	llh.Hei = math.Sqrt(r2+z*z) - v
	return llh
}

// Local ENU coordinates of pos relative to base
func (pos PosXYZ) ToENU(base PosXYZ) PosENU {
	R := enuRotation(base.ToLLH())
	var e mat.VecDense
	e.MulVec(R, pos.Sub(base).Vec())
	return PosENU{E: e.AtVec(0), N: e.AtVec(1), U: e.AtVec(2)}
}

// Elevation angle [rad] of sat seen from usr
func (usr PosXYZ) Elevation(sat PosXYZ) float64 {
	return sat.ToENU(usr).Elevation()
}

// Azimuth angle [rad] of sat seen from usr
func (usr PosXYZ) Azimuth(sat PosXYZ) float64 {
	return sat.ToENU(usr).Azimuth()
}

func (pos PosXYZ) String() string {
	return fmt.Sprintf("%.4f %.4f %.4f", pos.X, pos.Y, pos.Z)
}

// Rotation from ECEF to local ENU at llh
func enuRotation(llh PosLLH) *mat.Dense {
	sl, cl := math.Sin(llh.Lon), math.Cos(llh.Lon)
	sp, cp := math.Sin(llh.Lat), math.Cos(llh.Lat)
	return mat.NewDense(3, 3, []float64{
		-sl, cl, 0,
		-sp * cl, -sp * sl, cp,
		cp * cl, cp * sl, sp,
	})
}

// Rotate a 3x3 ECEF covariance into ENU at base
func CovToENU(cov mat.Symmetric, base PosXYZ) *mat.SymDense {
	R := enuRotation(base.ToLLH())
	var tmp mat.Dense
	tmp.Mul(R, cov)
	var out mat.Dense
	out.Mul(&tmp, R.T())
	q := mat.NewSymDense(3, nil)
	for i := range 3 {
		for j := i; j < 3; j++ {
			q.SetSym(i, j, (out.At(i, j)+out.At(j, i))/2)
		}
	}
	return q
}

//-------------------------------------------------------------------
// PosLLH (geodetic, radians and meters)
//-------------------------------------------------------------------

type PosLLH struct {
	Lat float64
	Lon float64
	Hei float64
}

func (llh PosLLH) ToXYZ() PosXYZ {
	e2 := Fe * (2 - Fe)
	sp, cp := math.Sin(llh.Lat), math.Cos(llh.Lat)
	n := Re / math.Sqrt(1-e2*sp*sp)
	return PosXYZ{
		X: (n + llh.Hei) * cp * math.Cos(llh.Lon),
		Y: (n + llh.Hei) * cp * math.Sin(llh.Lon),
		Z: (n*(1-e2) + llh.Hei) * sp,
	}
}

// Read "lat lon hei" in degrees and meters
func (llh *PosLLH) Set(s string) error {
	f := strings.Fields(s)
	if len(f) != 3 {
		return fmt.Errorf("invalid position: %q", s)
	}
	v := [3]float64{}
	for i := range 3 {
		x, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return err
		}
		v[i] = x
	}
	llh.Lat = ToRad(v[0])
	llh.Lon = ToRad(v[1])
	llh.Hei = v[2]
	return nil
}

func (llh *PosLLH) String() string {
	return fmt.Sprintf("%.9f %.9f %.4f", ToDeg(llh.Lat), ToDeg(llh.Lon), llh.Hei)
}

//-------------------------------------------------------------------
// PosENU
//-------------------------------------------------------------------

type PosENU struct {
	E float64
	N float64
	U float64
}

// ECEF position of the local vector enu placed at base
func (enu PosENU) ToXYZ(base PosXYZ) PosXYZ {
	R := enuRotation(base.ToLLH())
	var d mat.VecDense
	d.MulVec(R.T(), mat.NewVecDense(3, []float64{enu.E, enu.N, enu.U}))
	return base.Add(PosXYZ{X: d.AtVec(0), Y: d.AtVec(1), Z: d.AtVec(2)})
}

func (enu PosENU) Elevation() float64 {
	return math.Atan2(enu.U, math.Hypot(enu.E, enu.N))
}

func (enu PosENU) Azimuth() float64 {
	return math.Atan2(enu.E, enu.N)
}

func (enu PosENU) String() string {
	return fmt.Sprintf("%.4f %.4f %.4f", enu.E, enu.N, enu.U)
}

// This code is adapted from RTKLIB.
// The author gratefully acknowledges T.Takasu for his outstanding contribution in developing RTKLIB.
//
// Last modified: 2026.10.13
//

package ddbatch

import (
	"math"
)

// Slant tropospheric delay [m]: Saastamoinen zenith delay (standard atmosphere,
// dry part only) mapped with the Niell mapping function.
func tropDelay(t GTime, pos PosXYZ, elev float64) float64 {
	if elev <= 0 {
		return 0
	}
	llh := pos.ToLLH()
	if llh.Hei < -100.0 || llh.Hei > 1e4 {
		return 0
	}
	return zenithDelay(llh) * niellMapf(t, llh, elev)
}

// Saastamoinen zenith delay with relative humidity 0
func zenithDelay(llh PosLLH) float64 {
	const TEMP0 = 15.0 // Temperature at sea level [degC]
	hgt := math.Max(llh.Hei, 0)
	pres := 1013.25 * math.Pow(1.0-2.2557e-5*hgt, 5.2568)
	return 0.0022768 * pres / (1.0 - 0.00266*math.Cos(2.0*llh.Lat) - 0.00028*hgt/1e3)
}

// Niell hydrostatic mapping function coefficients at latitudes 15,30,45,60,75 deg
var nmfCoef = [6][5]float64{
	{1.2769934e-3, 1.2683230e-3, 1.2465397e-3, 1.2196049e-3, 1.2045996e-3},
	{2.9153695e-3, 2.9152299e-3, 2.9288445e-3, 2.9022565e-3, 2.9024912e-3},
	{62.610505e-3, 62.837393e-3, 63.721774e-3, 63.824265e-3, 64.258455e-3},

	{0.0000000e-0, 1.2709626e-5, 2.6523662e-5, 3.4000452e-5, 4.1202191e-5},
	{0.0000000e-0, 2.1414979e-5, 3.0160779e-5, 7.2562722e-5, 11.723375e-5},
	{0.0000000e-0, 9.0128400e-5, 4.3497037e-5, 84.795348e-5, 170.37206e-5},
}

// Height correction coefficients
var nmfHeight = [3]float64{2.53e-5, 5.49e-3, 1.14e-3}

func niellMapf(t GTime, llh PosLLH, elev float64) float64 {
	lat := ToDeg(llh.Lat)
	y := (float64(t.ToTime().YearDay()) - 28.0) / 365.25
	if lat < 0 {
		y += 0.5
	}
	cosy := math.Cos(2 * PI * y)
	lat = math.Abs(lat)
	var ah [3]float64
	for i := range ah {
		ah[i] = interpLat(nmfCoef[i], lat) - interpLat(nmfCoef[i+3], lat)*cosy
	}
	dm := (1.0/math.Sin(elev) - marini(elev, nmfHeight)) * llh.Hei / 1e3
	return marini(elev, ah) + dm
}

func interpLat(coef [5]float64, lat float64) float64 {
	i := int(lat / 15.0)
	switch {
	case i < 1:
		return coef[0]
	case i > 4:
		return coef[4]
	}
	f := lat/15.0 - float64(i)
	return coef[i-1]*(1.0-f) + coef[i]*f
}

// Marini continued fraction
func marini(el float64, c [3]float64) float64 {
	s := math.Sin(el)
	return (1.0 + c[0]/(1.0+c[1]/(1.0+c[2]))) / (s + c[0]/(s+c[1]/(s+c[2])))
}

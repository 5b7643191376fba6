// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"io"
	"math"
	"math/rand"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	SetLogWriter(io.Discard)
	os.Exit(m.Run())
}

// Satellite track seen from the base: azimuth and elevation at t0 [deg] and
// their rates [deg/s]
type scenSat struct {
	sat          SatType
	az, el       float64
	dAz, dEl     float64
	nRov, nBase  float64 // Integer ambiguities [cycle]
	rovOnly      bool
	firstEpoch   int // Tracking starts at this epoch
	lastEpoch    int // Tracking ends after this epoch (<0: end)
	jumpEpoch    int // Undetected rover phase jump from this epoch (<0: none)
	jumpCycles   float64
	lliEpoch     int // Loss-of-lock flagged with a jump at this epoch (<0: none)
	lliCycles    float64
	codeOutlierE int     // Epoch of a rover pseudorange outlier (<0: none)
	codeOutlier  float64 // [m]
}

// Synthetic short baseline: base in Tokyo, rover ~200 m away
type scenario struct {
	base     PosXYZ
	rov      PosXYZ // True rover position
	apriori  PosXYZ // A priori rover position
	t0       GTime
	interval float64 // [s]
	nepoch   int
	sats     []*scenSat
	stdCp    float64 // Undifferenced phase noise [m]
	stdPr    float64 // Undifferenced code noise [m]
	seed     int64
	empty    map[int]bool // Epochs without observations
}

func newScenario() *scenario {
	base := PosLLH{Lat: ToRad(35.71), Lon: ToRad(139.74), Hei: 60}.ToXYZ()
	rov := PosENU{E: 120.3, N: 185.7, U: 4.2}.ToXYZ(base)
	sc := &scenario{
		base:     base,
		rov:      rov,
		apriori:  rov.Add(PosXYZ{X: 0.6, Y: -0.4, Z: 0.5}),
		t0:       GTime{Week: 2330, Sec: 345600},
		interval: 30,
		nepoch:   121,
		stdCp:    0.001,
		stdPr:    0.2,
		seed:     1,
		empty:    map[int]bool{},
	}
	tracks := []struct {
		sat      SatType
		az, el   float64
		dAz, dEl float64
	}{
		{"G01", 30, 75, 0.008, -0.002},
		{"G03", 100, 50, 0.007, 0.004},
		{"G06", 170, 40, -0.006, -0.004},
		{"G09", 230, 55, 0.008, 0.001},
		{"G12", 300, 35, -0.007, 0.004},
		{"G17", 10, 25, 0.006, 0.004},
		{"G22", 140, 22, 0.007, 0.003},
	}
	for i, t := range tracks {
		sc.sats = append(sc.sats, &scenSat{
			sat: t.sat, az: t.az, el: t.el, dAz: t.dAz, dEl: t.dEl,
			nRov:         float64(1000 + 37*i),
			nBase:        float64(-500 + 11*i*i),
			lastEpoch:    -1,
			jumpEpoch:    -1,
			lliEpoch:     -1,
			codeOutlierE: -1,
		})
	}
	return sc
}

func (sc *scenario) satOf(sat SatType) *scenSat {
	for _, s := range sc.sats {
		if s.sat == sat {
			return s
		}
	}
	return nil
}

func (sc *scenario) epochTime(k int) GTime {
	return sc.t0.Add(float64(k) * sc.interval)
}

// Satellite position at epoch k
func (sc *scenario) satPos(s *scenSat, k int) PosXYZ {
	const R = 22000e3
	t := float64(k) * sc.interval
	az := ToRad(s.az + s.dAz*t)
	el := ToRad(s.el + s.dEl*t)
	return PosENU{E: R * math.Cos(el) * math.Sin(az), N: R * math.Cos(el) * math.Cos(az), U: R * math.Sin(el)}.ToXYZ(sc.base)
}

// generate returns the epochs and the orbits of the scenario
func (sc *scenario) generate() (ObsSet, TableOrbits) {
	rnd := rand.New(rand.NewSource(sc.seed))
	lam := C / L1
	orb := NewTableOrbits()
	epochs := ObsSet{}
	for k := range sc.nepoch {
		t := sc.epochTime(k)
		ep := &EpochObs{Time: t, Rov: map[SatType]*ObsS{}, Base: map[SatType]*ObsS{}}
		epochs = append(epochs, ep)
		if sc.empty[k] {
			continue
		}
		clkRov := 30.0 * float64(k%7)
		clkBase := -12.0 * float64(k%5)
		for _, s := range sc.sats {
			if k < s.firstEpoch || (s.lastEpoch >= 0 && k > s.lastEpoch) {
				continue
			}
			spos := sc.satPos(s, k)
			clkSat := 1e-4 * float64(k)
			orb.Add(t, s.sat, SatState{Pos: spos, Clk: clkSat})

			obs := func(rcv PosXYZ, clk, n float64) *ObsS {
				rng := EucDist(&spos, &rcv)
				return &ObsS{
					Pr:   rng + clk - C*clkSat + sc.stdPr*rnd.NormFloat64(),
					Cp:   (rng+clk-C*clkSat+sc.stdCp*rnd.NormFloat64())/lam + n,
					Sn:   45,
					Freq: L1,
				}
			}
			r := obs(sc.rov, clkRov, s.nRov)
			if s.jumpEpoch >= 0 && k >= s.jumpEpoch {
				r.Cp += s.jumpCycles
			}
			if s.lliEpoch >= 0 && k >= s.lliEpoch {
				r.Cp += s.lliCycles
				if k == s.lliEpoch {
					r.LLI = 1
				}
			}
			if k == s.codeOutlierE {
				r.Pr += s.codeOutlier
			}
			ep.Rov[s.sat] = r
			if !s.rovOnly {
				ep.Base[s.sat] = obs(sc.base, clkBase, s.nBase)
			}
		}
	}
	return epochs, orb
}

// Options matching the synthetic data: no troposphere, noise as generated
func scenarioDDOpt() *DDOpt {
	opt := NewDDOpt()
	opt.SkipTrop = true
	return opt
}

func (sc *scenario) system(opt *DDOpt) (*System, error) {
	epochs, orb := sc.generate()
	if opt == nil {
		opt = scenarioDDOpt()
	}
	return AssembleSystem(epochs, orb, &sc.apriori, &sc.base, opt)
}

// Distance of pos from the true rover position
func (sc *scenario) errorOf(pos PosXYZ) float64 {
	return pos.Sub(sc.rov).Norm()
}

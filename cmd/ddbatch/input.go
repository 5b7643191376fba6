// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	m "github.com/mkhts/ddbatch"
	"gopkg.in/yaml.v3"
)

// One line of the epoch file
//
//	{"week":2330,"sec":345600,
//	 "sats":{"G01":{"pos":[x,y,z],"clk":1e-5}, ...},
//	 "rov":{"G01":{"pr":2.1e7,"cp":1.1e8,"sn":45,"freq":1575.42e6,"lli":0}, ...},
//	 "base":{...}}
type epochLine struct {
	Week int                `json:"week"`
	Sec  float64            `json:"sec"`
	Sats map[string]satLine `json:"sats"`
	Rov  map[string]obsLine `json:"rov"`
	Base map[string]obsLine `json:"base"`
}

type satLine struct {
	Pos [3]float64 `json:"pos"` // ECEF [m]
	Clk float64    `json:"clk"` // [s]
}

type obsLine struct {
	Pr   float64 `json:"pr"`
	Cp   float64 `json:"cp"`
	Sn   float64 `json:"sn"`
	Freq float64 `json:"freq"`
	LLI  byte    `json:"lli"`
}

// Read the epoch file (JSON lines). Empty lines and lines starting with '#'
// are skipped.
func readEpochs(fn string) (m.ObsSet, m.TableOrbits, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return decodeEpochs(f)
}

func decodeEpochs(r io.Reader) (m.ObsSet, m.TableOrbits, error) {
	epochs := m.ObsSet{}
	orb := m.NewTableOrbits()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for ln := 1; sc.Scan(); ln++ {
		s := strings.TrimSpace(sc.Text())
		if len(s) == 0 || s[0] == '#' {
			continue
		}
		var el epochLine
		if err := json.Unmarshal([]byte(s), &el); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", ln, err)
		}
		t := m.GTime{Week: el.Week, Sec: el.Sec}
		for sat, st := range el.Sats {
			orb.Add(t, m.SatType(sat), m.SatState{
				Pos: m.PosXYZ{X: st.Pos[0], Y: st.Pos[1], Z: st.Pos[2]},
				Clk: st.Clk,
			})
		}
		epochs = append(epochs, &m.EpochObs{Time: t, Rov: toObs(el.Rov), Base: toObs(el.Base)})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	if len(epochs) == 0 {
		return nil, nil, errors.New("no epoch")
	}
	return epochs, orb, nil
}

// Read the rover and base RINEX observation files and the navigation file
func readRinex(rovFn, baseFn, navFn, systems string) (m.ObsSet, *m.EpheOrbits, error) {
	read := func(fn string) (*m.RcvObs, error) {
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return m.ReadObs(f, systems)
	}
	rov, err := read(rovFn)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", rovFn, err)
	}
	base, err := read(baseFn)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", baseFn, err)
	}
	f, err := os.Open(navFn)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	nav, err := m.ReadNav(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", navFn, err)
	}
	if m.DBG_ >= 1 {
		m.PrintA("--- nav data (%s)---\n%s\n", navFn, nav)
	}
	epochs := m.MergeObs(rov, base)
	if len(epochs) == 0 {
		return nil, nil, errors.New("no epoch")
	}
	return epochs, m.NewEpheOrbits(nav), nil
}

func toObs(src map[string]obsLine) map[m.SatType]*m.ObsS {
	dst := make(map[m.SatType]*m.ObsS, len(src))
	for sat, o := range src {
		dst[m.SatType(sat)] = &m.ObsS{Pr: o.Pr, Cp: o.Cp, Sn: o.Sn, Freq: o.Freq, LLI: o.LLI}
	}
	return dst
}

// Sections of the options file. Keys are the lower-cased option field names,
// for example
//
//	dd:
//	  elmask: 15
//	batch:
//	  minarc: 20
//	amb:
//	  ratiothres: 2.5
//	highrate:
//	  interval: 10
type fileOpt struct {
	DD       *m.DDOpt       `yaml:"dd"`
	Batch    *m.BatchOpt    `yaml:"batch"`
	Amb      *m.AmbOpt      `yaml:"amb"`
	HighRate *m.HighRateOpt `yaml:"highrate"`
}

// Load the options file over opt. Fields not in the file keep their values.
func loadOptions(fn string, opt *m.SessionOpt) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	fo := fileOpt{DD: opt.DD, Batch: opt.Batch, Amb: opt.Amb, HighRate: opt.HighRate}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fo); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Option values given by flags
type cmdFlags struct {
	cnMask       float64
	elMask       float64
	wghMode      int
	stdCp        float64
	stdPr        float64
	noTrop       bool
	minArc       int
	split        int
	cleaning     int
	noOutlier    bool
	noStab       bool
	preCorr      bool
	discriminate bool
	interval     float64
}

// Apply the flags in set to opt
func (f *cmdFlags) apply(set map[string]bool, opt *m.SessionOpt) {
	if set["cn"] {
		opt.DD.CnMask = f.cnMask
	}
	if set["m"] {
		opt.DD.ElMask = f.elMask
	}
	if set["r"] {
		opt.DD.WghMode = f.wghMode
	}
	if set["stdCp"] {
		opt.DD.StdCp = f.stdCp
	}
	if set["stdPr"] {
		opt.DD.StdPr = f.stdPr
	}
	if set["ntr"] {
		opt.DD.SkipTrop = f.noTrop
	}
	if set["ma"] {
		opt.Batch.MinArc = f.minArc
	}
	if set["fs"] {
		opt.Batch.FullSlipSplit = f.split
	}
	if set["cl"] {
		opt.Batch.CleaningLoops = f.cleaning
	}
	if set["nor"] {
		opt.Batch.OutlierRejection = !f.noOutlier
	}
	if set["nst"] {
		opt.Batch.ForceStabilization = !f.noStab
	}
	if set["pc"] {
		opt.Batch.PreCorrection = f.preCorr
	}
	if set["dc"] {
		opt.Amb.Discriminate = f.discriminate
	}
	if set["hr"] {
		opt.HighRate.Interval = f.interval
	}
}

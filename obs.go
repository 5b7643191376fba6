// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.12
//

package ddbatch

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Type representing satellite name like "G10"
type SatType string

// Type representing satellite system like 'G'
type SysType byte

// Extract satellite system from satellite name
func (p SatType) Sys() SysType {
	if len(p) == 0 {
		return 0
	}
	return SysType(p[0])
}

// Extract satellite number from satellite name
func (p SatType) Num() int {
	if len(p) < 2 {
		return 0
	}
	i, err := strconv.Atoi(string(p[1:]))
	if err != nil {
		return 0
	}
	return i
}

// Check validity of satellite system
func (p SysType) IsValid() bool {
	return p == 'G' || p == 'J' || p == 'E' || p == 'R' || p == 'C' || p == 'S'
}

// Single-frequency observation of one satellite at one receiver
type ObsS struct {
	Pr   float64 // Pseudorange [m]
	Cp   float64 // Carrier phase [cycle]
	Sn   float64 // Signal strength [dB-Hz]
	Freq float64 // Carrier frequency [Hz]
	LLI  byte    // Loss-of-lock indicator (bit 0: cycle slip)
}

// Wavelength [m], zero when the frequency is unknown
func (p *ObsS) Lambda() float64 {
	if p.Freq <= 0 {
		return 0
	}
	return C / p.Freq
}

func (p *ObsS) HasCode() bool {
	return p != nil && p.Pr != 0
}

func (p *ObsS) HasPhase() bool {
	return p != nil && p.Cp != 0 && p.Freq > 0
}

func (p *ObsS) Slipped() bool {
	return p != nil && p.LLI&1 != 0
}

// Rover and base observations of one epoch
type EpochObs struct {
	Time GTime             // Epoch time
	Rov  map[SatType]*ObsS // Rover observations
	Base map[SatType]*ObsS // Base observations
}

// Satellites observed by both receivers, sorted
func (p *EpochObs) Common() []SatType {
	s := []SatType{}
	for sat := range p.Rov {
		if _, ok := p.Base[sat]; ok {
			s = append(s, sat)
		}
	}
	return Sorted(s)
}

// Batch of epochs sorted by time
type ObsSet []*EpochObs

// Display overview of the batch
func (p ObsSet) String() string {
	if len(p) == 0 {
		return "NO DATA"
	}
	sl := map[SysType][]SatType{}
	for _, e := range p {
		for _, sat := range e.Common() {
			if !slices.Contains(sl[sat.Sys()], sat) {
				sl[sat.Sys()] = append(sl[sat.Sys()], sat)
			}
		}
	}
	var sb strings.Builder
	syss := maps.Keys(sl)
	slices.Sort(syss)
	for _, sys := range syss {
		a := Sorted(sl[sys])
		sb.WriteString(fmt.Sprintf("\t%c (%2d):", sys, len(a)))
		for _, b := range a {
			sb.WriteString(fmt.Sprintf(" %s", b[1:]))
		}
		sb.WriteString("\n")
	}
	return fmt.Sprintf("datetime:\n\t%s - %s (%d)\n\nsats:\n%s",
		p[0].Time.ToTime().UTC().Format("2006/01/02 15:04:05.000"),
		p[len(p)-1].Time.ToTime().UTC().Format("2006/01/02 15:04:05.000"),
		len(p), sb.String())
}

// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// RINEX 3.04 specification
// https://files.igs.org/pub/data/format/rinex304.pdf
//

// Type representing observation codes like C1C (3 or 2 characters)
type CodeType string

// Returns observation type (C,L,D,S)
func (p CodeType) T() byte {
	return p[0]
}

// Returns frequency band and attributes of observation (1C,2P,5I etc.)
func (p CodeType) NA() CodeType {
	return p[1:]
}

// Priority and frequency of the first-frequency signals. GLONASS FDMA is not
// listed since its frequency depends on the channel.
var CODE_ASSIGNS = map[SysType]map[CodeType]struct {
	priority int
	freq     float64
}{
	'G': {
		"1C": {0, L1},
		"1P": {1, L1},
		"1Y": {2, L1},
		"1W": {3, L1},
		"1M": {4, L1},
		"1N": {5, L1},
		"1S": {6, L1},
		"1L": {7, L1},
		"1X": {8, L1},
	},
	'J': {
		"1C": {0, L1},
		"1L": {1, L1},
		"1S": {2, L1},
		"1X": {3, L1},
		"1Z": {4, L1},
	},
	'E': {
		"1C": {0, E1},
		"1A": {1, E1},
		"1B": {2, E1},
		"1X": {3, E1},
		"1Z": {4, E1},
	},
	'C': {
		"2I": {0, B1}, // B1I
		"2Q": {1, B1},
		"2X": {2, B1},
		"1D": {3, L1}, // B1C
		"1P": {4, L1},
		"1X": {5, L1},
	},
	'S': {
		"1C": {0, L1},
	},
}

// Observations of one receiver at one epoch
type RcvEpoch struct {
	Time GTime
	Sats map[SatType]*ObsS
}

// Observations of one receiver
type RcvObs struct {
	Epochs []*RcvEpoch            // Sorted by time, without duplicates
	Codes  map[SysType][]CodeType // Observation codes in the header
	Used   map[SatType]CodeType   // Signal selected for each satellite
}

// Extract HEADER LABEL string from header line
func getHeaderLabel(l string) string {
	if len(l) < 60 {
		return ""
	}
	return strings.TrimSpace(l[60:])
}

// Check version and file type in the "RINEX VERSION / TYPE" line
func checkVersion(l string, typ byte) (string, error) {
	if len(l) < 21 {
		return "", fmt.Errorf("short header line: %q", l)
	}
	ver := l[5:9]
	if ver != "3.02" && ver != "3.03" && ver != "3.04" {
		return ver, fmt.Errorf("unsupported RINEX version. RINEX version must be 3.02 - 3.04 (ver=%s)", ver)
	}
	if l[20] != typ {
		return ver, fmt.Errorf("unexpected file type (typ=%c, want %c)", l[20], typ)
	}
	return ver, nil
}

// Fix Beidou B1 observation codes in RINEX 3.02
func fixRnx302BeidouCode(la []string) []string {
	la2 := []string{}
	for _, a := range la {
		if a[1:3] == "1I" || a[1:3] == "1Q" || a[1:3] == "1X" {
			// {C|L|D|S}1{I|Q|X} of 3.02 are {C|L|D|S}2{I|Q|X} in 3.04
			la2 = append(la2, a[:1]+"2"+a[2:3])
		} else {
			la2 = append(la2, a)
		}
	}
	return la2
}

// Read date, time, epoch flag and number of satellites from the epoch line
func getObsTime(l string) (gt GTime, flag, ns int, err error) {
	la := strings.Fields(l)
	if len(la) < 9 {
		return gt, 0, 0, fmt.Errorf("not enough fields in epoch line: %s (%d)", l, len(la))
	}
	var v [5]int
	for i := range 5 {
		if v[i], err = strconv.Atoi(la[i+1]); err != nil {
			return gt, 0, 0, err
		}
	}
	sec, err := strconv.ParseFloat(la[6], 64)
	if err != nil {
		return gt, 0, 0, err
	}
	if flag, err = strconv.Atoi(la[7]); err != nil {
		return gt, 0, 0, err
	}
	if ns, err = strconv.Atoi(la[8]); err != nil {
		return gt, 0, 0, err
	}
	gt = NewGTime(time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], 0, 0, time.UTC)).Add(sec)
	return gt, flag, ns, nil
}

// Set a value according to the observation type
func setValObsS(val float64, lli byte, code CodeType, out *ObsS) {
	if lli > 0 {
		out.LLI = lli
	}
	switch code.T() {
	case 'C':
		out.Pr = val
	case 'L':
		out.Cp = val
	case 'S':
		out.Sn = val
	}
}

// Read each observation value from observation data line. Of the signals
// with a pseudorange or a carrier phase, the one of highest priority is used.
func getObsData(l string, oc map[SysType][]CodeType) (SatType, *ObsS, CodeType, error) {
	if len(l) < 3 {
		return "", nil, "", fmt.Errorf("can't read data. line too short: %q", l)
	}
	num, err := strconv.Atoi(strings.TrimSpace(l[1:3]))
	if err != nil {
		return "", nil, "", err
	}
	sat := SatType(fmt.Sprintf("%c%02d", l[0], num))
	codes, ok := oc[sat.Sys()]
	if !ok {
		return sat, nil, "", fmt.Errorf("unknown satellite system, '%c'", sat.Sys())
	}
	n := len(codes)
	if len(l) < n*16+3 { // Fill in blanks if omitted to end of line
		l = l + strings.Repeat(" ", n*16+3-len(l))
	}
	assigns := CODE_ASSIGNS[sat.Sys()]
	sigs := map[CodeType]*ObsS{}
	for i, code := range codes {
		a, ok := assigns[code.NA()]
		if !ok {
			continue
		}
		j := 3 + 16*i
		v, err := strconv.ParseFloat(strings.TrimSpace(l[j:j+14]), 64)
		if err != nil {
			continue
		}
		lli, err := strconv.ParseUint(strings.TrimSpace(l[j+14:j+15]), 10, 8)
		if err != nil {
			lli = 0
		}
		o := sigs[code.NA()]
		if o == nil {
			o = &ObsS{Freq: a.freq}
			sigs[code.NA()] = o
		}
		setValObsS(v, byte(lli), code, o)
	}
	var best CodeType
	for na, o := range sigs {
		if !o.HasCode() && !o.HasPhase() {
			continue
		}
		if best == "" || assigns[na].priority < assigns[best].priority {
			best = na
		}
	}
	if best == "" {
		return sat, &ObsS{}, "", nil
	}
	return sat, sigs[best], best, nil
}

// ReadObs reads the first-frequency observations of a RINEX 3 observation file.
//
// Parameters:
//   - r: RINEX observation data
//   - systems: Satellite systems to read, like "GJE"
//
// Returns:
//   - *RcvObs: Epochs sorted by time
//   - error: Unsupported version or file type, read error
func ReadObs(
	r io.Reader, // RINEX observation data
	systems string, // Satellite systems to read
) (*RcvObs, error) {

	headerDone := false
	var ver string
	oc := map[SysType][]CodeType{}
	obs := &RcvObs{Codes: oc, Used: map[SatType]CodeType{}}

	// Epochs by time to eliminate duplicates
	me := map[int64]*RcvEpoch{}
	var cur *RcvEpoch
	skip := 0

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()

		// Header lines
		if !headerDone {
			switch getHeaderLabel(line) {
			case "RINEX VERSION / TYPE":
				var err error
				if ver, err = checkVersion(line, 'O'); err != nil {
					return nil, err
				}
			case "SYS / # / OBS TYPES":
				sys := SysType(line[0])
				if !strings.ContainsRune(systems, rune(sys)) || CODE_ASSIGNS[sys] == nil {
					continue
				}
				la := strings.Fields(line[6:60])
				nc, err := strconv.Atoi(strings.TrimSpace(line[1:6]))
				if err == nil && nc > 13 && s.Scan() { // Codes span 2 lines
					if l2 := s.Text(); len(l2) >= 60 {
						la = append(la, strings.Fields(l2[6:60])...)
					}
				}
				if ver == "3.02" && sys == 'C' {
					la = fixRnx302BeidouCode(la)
				}
				for _, code := range la {
					oc[sys] = append(oc[sys], CodeType(code))
				}
			case "END OF HEADER":
				headerDone = true
			}
			continue
		}

		// Observation data lines
		if len(line) == 0 {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if line[0] == '>' {
			t, flag, ns, err := getObsTime(line)
			if err != nil {
				PrintD(2, "getObsTime() failed. err=%s\n", err.Error())
				cur = nil
				continue
			}
			if flag > 1 { // Event records
				skip = ns
				cur = nil
				continue
			}
			cur = &RcvEpoch{Time: t, Sats: make(map[SatType]*ObsS, ns)}
			me[t.Key()] = cur
			continue
		}
		if cur == nil {
			continue
		}
		sat, obsS, code, err := getObsData(line, oc)
		if err != nil {
			PrintD(3, "getObsData() failed. err=%s\n", err.Error())
			continue
		}
		if obsS.HasCode() || obsS.HasPhase() {
			cur.Sats[sat] = obsS
			obs.Used[sat] = code
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if !headerDone {
		return nil, fmt.Errorf("no END OF HEADER")
	}

	for _, e := range me {
		obs.Epochs = append(obs.Epochs, e)
	}
	slices.SortFunc(obs.Epochs, func(a, b *RcvEpoch) int {
		return int(a.Time.Key() - b.Time.Key())
	})
	return obs, nil
}

// MergeObs pairs the rover epochs with the base epochs of the same time.
// Rover epochs without base data are kept with no base observation.
func MergeObs(rov, base *RcvObs) ObsSet {
	be := make(map[int64]*RcvEpoch, len(base.Epochs))
	for _, e := range base.Epochs {
		be[e.Time.Key()] = e
	}
	set := make(ObsSet, 0, len(rov.Epochs))
	for _, e := range rov.Epochs {
		ep := &EpochObs{Time: e.Time, Rov: e.Sats, Base: map[SatType]*ObsS{}}
		if b, ok := be[e.Time.Key()]; ok {
			ep.Base = b.Sats
		} else {
			PrintD(2, "%s: no base epoch\n", e.Time)
		}
		set = append(set, ep)
	}
	return set
}

var (
	navTimeRe = regexp.MustCompile(`^([GJERCS])([0-9 ][0-9]) (\d{4}) ([ \d]{2}) ([ \d]{2}) ([ \d]{2}) ([ \d]{2}) ([ \d]{2})`)
	navDataRe = regexp.MustCompile(`[- +\d]{2}\.\d{12}[DE][-+]\d{2}`)
)

// Read satellite name and ToC from navigation data epoch line
func getNavTime(l string) (gt GTime, sat SatType, err error) {
	ms := navTimeRe.FindStringSubmatch(l)
	if ms == nil {
		return gt, sat, fmt.Errorf("regexp match failed. l=%s", l)
	}
	var v [7]int
	for i := range 7 {
		if v[i], err = strconv.Atoi(strings.TrimSpace(ms[i+2])); err != nil {
			return gt, sat, err
		}
	}
	sys := SysType(ms[1][0])
	sat = SatType(fmt.Sprintf("%c%02d", sys, v[0]))
	if sys == 'C' {
		v[6] += 14 // BDT -> GPST
	}
	gt = *NewGTime(time.Date(v[1], time.Month(v[2]), v[3], v[4], v[5], v[6], 0, time.UTC))
	return
}

// Shift t by whole weeks to within half a week of ref
func nearWeek(t, ref GTime) GTime {
	if d := t.Diff(ref); d < -302400 {
		t.Sec += SEC_PER_WEEK
	} else if d > 302400 {
		t.Sec -= SEC_PER_WEEK
	}
	return t
}

// ReadNav reads the ephemerides of a RINEX 3 navigation file. SBAS records
// are skipped.
func ReadNav(r io.Reader) (Nav, error) {

	headerDone := false
	nav := Nav{}
	var eph *Ephe
	var sys SysType
	lineCount := 0

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()

		if !headerDone {
			switch getHeaderLabel(line) {
			case "RINEX VERSION / TYPE":
				if _, err := checkVersion(line, 'N'); err != nil {
					return nil, err
				}
			case "END OF HEADER":
				headerDone = true
			}
			continue
		}

		if !navDataRe.MatchString(line) {
			continue
		}
		if line[0] != ' ' {
			sys = SysType(line[0])
			eph = nil
			if len(line) < 80 || sys == 'S' {
				continue
			}
			var err error
			eph = &Ephe{}
			eph.Toc, eph.Sat, err = getNavTime(line)
			if err != nil {
				return nil, fmt.Errorf("failed to read time of clock in navigation message. err=%w", err)
			}
			switch sys {
			case 'G', 'J', 'E', 'C':
				eph.Af0 = parseFloat(line[23:42])
				eph.Af1 = parseFloat(line[42:61])
				eph.Af2 = parseFloat(line[61:80])
			case 'R':
				eph.TauN = -parseFloat(line[23:42])
				eph.GammaN = parseFloat(line[42:61])
				toc15 := GTime{Week: eph.Toc.Week, Sec: math.Floor((eph.Toc.Sec+450)/900) * 900}
				dow := math.Floor(eph.Toc.Sec / 86400.0)
				tod := math.Mod(parseFloat(line[61:80]), 86400)
				eph.Tot = GTime{Week: eph.Toc.Week, Sec: tod + dow*86400}
				if eph.Tot.Sec-toc15.Sec < -43200 {
					eph.Tot.Sec += 86400
				} else if eph.Tot.Sec-toc15.Sec > 43200 {
					eph.Tot.Sec -= 86400
				}
				// GLONASS is in UTC; Toe is the ToC rounded to 15 minutes
				eph.Toe = toc15.Add(LS)
				eph.Tot = eph.Tot.Add(LS)
				eph.Iode = int(math.Mod(eph.Toc.Sec+10800.0, 86400.0)/900.0 + 0.5)
			}
			lineCount = 0
			continue
		}
		if eph == nil {
			continue
		}

		if len(line) < 80 {
			line = line + strings.Repeat(" ", 80-len(line))
		}
		v0 := parseFloat(line[4:23])
		v1 := parseFloat(line[23:42])
		v2 := parseFloat(line[42:61])
		v3 := parseFloat(line[61:80])
		lineCount++
		switch sys {
		case 'G', 'J', 'E', 'C':
			switch lineCount {
			case 1:
				eph.Iode = int(v0)
				eph.Crs = v1
				eph.DeltaN = v2
				eph.M0 = v3
			case 2:
				eph.Cuc = v0
				eph.Ecc = v1
				eph.Cus = v2
				eph.SqrtA = v3
			case 3:
				// Week is set on the next line
				eph.Toe = GTime{Week: eph.Toc.Week, Sec: v0}
				if sys == 'C' {
					eph.Toe.Sec += 14
				}
				eph.Cic = v1
				eph.Omega0 = v2
				eph.Cis = v3
			case 4:
				eph.I0 = v0
				eph.Crc = v1
				eph.Omega = v2
				eph.OmegaD = v3
			case 5:
				eph.Idot = v0
				eph.Week = int(v2)
				if sys == 'C' {
					eph.Week += 1356 // BDT week -> GPS week
				}
				eph.Toe.Week = eph.Week
				eph.Toe = nearWeek(eph.Toe, eph.Toc)
			case 6:
				eph.Svh = int(v1)
				eph.Tgd = v2
				eph.Tgd2 = v3
			case 7:
				eph.Tot = GTime{Week: eph.Week, Sec: v0}
				if sys == 'C' {
					eph.Tot.Sec += 14
				}
				eph.Tot = nearWeek(eph.Tot, eph.Toc)
				nav[eph.Sat] = append(nav[eph.Sat], eph)
				eph = nil
			}
		case 'R':
			switch lineCount {
			case 1, 2, 3:
				i := lineCount - 1
				eph.Pos[i] = v0 * 1000
				eph.Vel[i] = v1 * 1000
				eph.Acc[i] = v2 * 1000
				switch lineCount {
				case 1:
					eph.Svh = int(v3)
				case 2:
					eph.FreqN = int(v3)
					if eph.FreqN > 128 {
						eph.FreqN -= 256
					}
				case 3:
					nav[eph.Sat] = append(nav[eph.Sat], eph)
					eph = nil
				}
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if !headerDone {
		return nil, fmt.Errorf("no END OF HEADER")
	}

	// Sort by transmission time
	for _, v := range nav {
		slices.SortFunc(v, func(a, b *Ephe) int {
			return int(a.Tot.Key() - b.Tot.Key())
		})
	}
	return nav, nil
}

// Read real values by absorbing variations in exponential notation within RINEX files
func parseFloat(str string) float64 {
	s := strings.TrimSpace(str)
	if strings.ContainsAny(s, "Dd") {
		s = strings.Replace(s, "D", "E", 1)
		s = strings.Replace(s, "d", "e", 1)
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

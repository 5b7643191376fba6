// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rnxHeader(content, label string) string {
	return fmt.Sprintf("%-60s%s\n", content, label)
}

func rnxVersion(typ string) string {
	return rnxHeader(fmt.Sprintf("%9s%11s%-20s", "3.04", "", typ), "RINEX VERSION / TYPE")
}

// Observation field: value, LLI and signal strength indicator
func rnxObs(v float64, lli byte) string {
	if v == 0 {
		return strings.Repeat(" ", 16)
	}
	return fmt.Sprintf("%14.3f%c ", v, lli)
}

func rnxObsLine(sat string, vals ...float64) string {
	var sb strings.Builder
	sb.WriteString(sat)
	for _, v := range vals {
		sb.WriteString(rnxObs(v, ' '))
	}
	return sb.String() + "\n"
}

func testObsFile() string {
	var sb strings.Builder
	sb.WriteString(rnxVersion("OBSERVATION DATA    M: Mixed"))
	sb.WriteString(rnxHeader("G    5 C1W L1W C1C L1C S1C", "SYS / # / OBS TYPES"))
	sb.WriteString(rnxHeader("E    2 C1C L1C", "SYS / # / OBS TYPES"))
	sb.WriteString(rnxHeader("", "END OF HEADER"))

	sb.WriteString("> 2024 01 07 02 00  0.0000000  0  4\n")
	sb.WriteString("G01" + rnxObs(21000000.1, ' ') + rnxObs(110000000, ' ') + rnxObs(21000000.5, ' ') + rnxObs(110000000.25, '1') + rnxObs(45, ' ') + "\n")
	sb.WriteString(rnxObsLine("G05", 22000000, 115000000, 0, 0, 40))
	sb.WriteString(rnxObsLine("E11", 23000000, 120000000))
	sb.WriteString(rnxObsLine("R01", 19000000, 100000000))

	sb.WriteString("> 2024 01 07 02 01  0.0000000  0  1\n")
	sb.WriteString(rnxObsLine("G01", 21000001, 110000005, 21000001.5, 110000005.5, 44))

	sb.WriteString("> 2024 01 07 02 00 30.0000000  4  1\n")
	sb.WriteString(rnxHeader("RECEIVER RESTARTED", "COMMENT"))

	sb.WriteString("> 2024 01 07 02 00 30.0000000  0  1\n")
	sb.WriteString(rnxObsLine("G01", 21000000.8, 110000002, 21000001, 110000002.5, 46))
	return sb.String()
}

func TestReadObs(t *testing.T) {
	assert := assert.New(t)
	obs, err := ReadObs(strings.NewReader(testObsFile()), "GJE")
	require.NoError(t, err)
	assert.Equal([]CodeType{"C1W", "L1W", "C1C", "L1C", "S1C"}, obs.Codes['G'])
	require.Len(t, obs.Epochs, 3)

	t0 := *NewGTime(time.Date(2024, 1, 7, 2, 0, 0, 0, time.UTC))
	assert.Equal(t0.Key(), obs.Epochs[0].Time.Key())
	assert.Equal(t0.Add(30).Key(), obs.Epochs[1].Time.Key())
	assert.Equal(t0.Add(60).Key(), obs.Epochs[2].Time.Key())

	// 1C is preferred over 1W
	e0 := obs.Epochs[0]
	assert.Len(e0.Sats, 3)
	g01 := e0.Sats["G01"]
	require.NotNil(t, g01)
	assert.Equal(21000000.5, g01.Pr)
	assert.Equal(110000000.25, g01.Cp)
	assert.Equal(45.0, g01.Sn)
	assert.Equal(byte(1), g01.LLI)
	assert.Equal(L1, g01.Freq)
	assert.Equal(CodeType("1C"), obs.Used["G01"])

	// Only 1W has a pseudorange and a carrier phase
	g05 := e0.Sats["G05"]
	require.NotNil(t, g05)
	assert.Equal(22000000.0, g05.Pr)
	assert.Equal(CodeType("1W"), obs.Used["G05"])
	assert.Equal(E1, e0.Sats["E11"].Freq)
	assert.NotContains(e0.Sats, SatType("R01"))

	// The event record is skipped
	assert.Equal(21000001.0, obs.Epochs[1].Sats["G01"].Pr)

	obs, err = ReadObs(strings.NewReader(testObsFile()), "G")
	require.NoError(t, err)
	assert.Len(obs.Epochs[0].Sats, 2)
}

func TestReadObsInvalid(t *testing.T) {
	assert := assert.New(t)
	_, err := ReadObs(strings.NewReader(rnxHeader(fmt.Sprintf("%9s%11s%-20s", "2.11", "", "OBSERVATION DATA"), "RINEX VERSION / TYPE")), "G")
	assert.Error(err)
	_, err = ReadObs(strings.NewReader(rnxVersion("N: GNSS NAV DATA")), "G")
	assert.Error(err)
	_, err = ReadObs(strings.NewReader(rnxVersion("OBSERVATION DATA")), "G")
	assert.Error(err)
}

func TestMergeObs(t *testing.T) {
	assert := assert.New(t)
	rov, err := ReadObs(strings.NewReader(testObsFile()), "GJE")
	require.NoError(t, err)
	base := &RcvObs{Epochs: rov.Epochs[:1]}

	set := MergeObs(rov, base)
	require.Len(t, set, 3)
	assert.Equal([]SatType{"G01", "G05", "E11"}, set[0].Common())
	assert.Empty(set[1].Base)
	assert.Empty(set[2].Common())
}

func navField(v float64) string {
	return fmt.Sprintf("%19.12E", v)
}

func navLine(prefix string, v ...float64) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, x := range v {
		sb.WriteString(navField(x))
	}
	return sb.String() + "\n"
}

// GPS record in a circular orbit
func gpsRecord(sat string, tm time.Time, toe, week, svh float64) string {
	var sb strings.Builder
	sb.WriteString(navLine(fmt.Sprintf("%s %s", sat, tm.Format("2006 01 02 15 04 05")), 1.5e-4, -2e-12, 0))
	sb.WriteString(navLine("    ", 45, 0, 0, 0.5))
	sb.WriteString(navLine("    ", 0, 0, 0, 5153.7))
	sb.WriteString(navLine("    ", toe, 0, 1.0, 0))
	sb.WriteString(navLine("    ", 0.95, 0, 0.3, 0))
	sb.WriteString(navLine("    ", 0, 1, week, 0))
	sb.WriteString(navLine("    ", 2, svh, -5e-9, 45))
	sb.WriteString(navLine("    ", toe-7200, 4, 0, 0))
	return sb.String()
}

func testNavFile(week int) string {
	var sb strings.Builder
	sb.WriteString(rnxVersion("N: GNSS NAV DATA    M: MIXED"))
	sb.WriteString(rnxHeader("", "END OF HEADER"))
	sb.WriteString(gpsRecord("G01", time.Date(2024, 1, 7, 2, 0, 0, 0, time.UTC), 7200, float64(week), 0))
	sb.WriteString(gpsRecord("G01", time.Date(2024, 1, 7, 4, 0, 0, 0, time.UTC), 14400, float64(week), 1))

	// SBAS is skipped
	sb.WriteString(navLine("S20 2024 01 07 02 00 00", 0, 0, 7200))
	sb.WriteString(navLine("    ", 40000, 0, 0, 0))
	sb.WriteString(navLine("    ", 10000, 0, 0, 2))
	sb.WriteString(navLine("    ", 0, 0, 0, 1))

	sb.WriteString(navLine("R03 2024 01 07 01 45 00", -1e-5, 1e-12, 6300))
	sb.WriteString(navLine("    ", 25510, 0, 0, 0))
	sb.WriteString(navLine("    ", 0, 2.093, 0, -2))
	sb.WriteString(navLine("    ", 0, 1.5, 0, 0))
	return sb.String()
}

func TestReadNav(t *testing.T) {
	assert := assert.New(t)
	toc := *NewGTime(time.Date(2024, 1, 7, 2, 0, 0, 0, time.UTC))
	nav, err := ReadNav(strings.NewReader(testNavFile(toc.Week)))
	require.NoError(t, err)
	assert.Len(nav, 2)
	assert.NotContains(nav, SatType("S20"))

	require.Len(t, nav["G01"], 2)
	e := nav["G01"][0]
	assert.Equal(toc, e.Toc)
	assert.Equal(GTime{Week: toc.Week, Sec: 7200}, e.Toe)
	assert.Equal(45, e.Iode)
	assert.Equal(5153.7, e.SqrtA)
	assert.Equal(-5e-9, e.Tgd)
	assert.Equal(1.5e-4, e.Af0)
	assert.Equal(0, e.Svh)
	assert.Equal(1, nav["G01"][1].Svh)

	require.Len(t, nav["R03"], 1)
	r := nav["R03"][0]
	assert.Equal([3]float64{25510e3, 0, 0}, r.Pos)
	assert.InDelta(2093.0, r.Vel[1], 1e-9)
	assert.InDelta(1500.0, r.Vel[2], 1e-9)
	assert.Equal(-2, r.FreqN)
	assert.Equal(1e-5, r.TauN)
	assert.InDelta(6300+LS, r.Toe.Sec, 1e-9)

	_, err = ReadNav(strings.NewReader(testObsFile()))
	assert.Error(err)
}

func TestEpheOrbits(t *testing.T) {
	assert := assert.New(t)
	toc := *NewGTime(time.Date(2024, 1, 7, 2, 0, 0, 0, time.UTC))
	nav, err := ReadNav(strings.NewReader(testNavFile(toc.Week)))
	require.NoError(t, err)
	orb := NewEpheOrbits(nav)

	// Circular orbit
	tm := toc.Add(1800)
	pos, clk, ok := orb.SatPos(tm, "G01")
	require.True(t, ok)
	assert.InDelta(5153.7*5153.7, pos.Norm(), 1e-4)
	tk := tm.Diff(toc) - orb.Travel
	assert.InDelta(1.5e-4-2e-12*tk+5e-9, clk, 1e-15)

	// Closest Toe is unhealthy
	_, _, ok = orb.SatPos(toc.Add(6000), "G01")
	assert.False(ok)
	_, _, ok = orb.SatPos(tm, "G02")
	assert.False(ok)
	_, _, ok = orb.SatPos(toc.Add(-8000), "G01")
	assert.False(ok)

	// GLONASS state at Toe
	r := nav["R03"][0]
	assert.Equal(PosXYZ{X: 25510e3}, ephePos(r, r.Toe, 0))
	_, clk, ok = orb.SatPos(r.Toe.Add(orb.Travel), "R03")
	require.True(t, ok)
	assert.InDelta(-1e-5, clk, 1e-15)
}

// Integration forward and back returns to the start
func TestGlorbit(t *testing.T) {
	assert := assert.New(t)
	x0 := [6]float64{25510e3, 0, 0, 0, 2093, 1500}
	acc := [3]float64{}
	x := x0
	for range 15 {
		glorbit(60, &x, acc)
	}
	d := PosXYZ{X: x[0] - x0[0], Y: x[1] - x0[1], Z: x[2] - x0[2]}
	assert.Greater(d.Norm(), 1000e3)
	for range 15 {
		glorbit(-60, &x, acc)
	}
	for i := range 3 {
		assert.InDelta(x0[i], x[i], 1.0)
	}
}

func TestGetEpheGalileo(t *testing.T) {
	assert := assert.New(t)
	t0 := GTime{Week: 2296, Sec: 100000}
	nav := Nav{"E11": {{Sat: "E11", Toe: t0.Add(100)}}}
	_, err := nav.GetEphe("E11", t0)
	assert.Error(err)
	nav["E11"] = append(nav["E11"], &Ephe{Sat: "E11", Toe: t0.Add(-600)})
	e, err := nav.GetEphe("E11", t0)
	require.NoError(t, err)
	assert.Equal(t0.Add(-600), e.Toe)
}

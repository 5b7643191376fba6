// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.12
//

package ddbatch

import (
	"fmt"
	"math"
	"time"
)

const SEC_PER_WEEK = 3600 * 24 * 7

// GPS time (week number and seconds of week)
type GTime struct {
	Week int
	Sec  float64
}

// GPS epoch 1980/1/6 00:00:00
var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

func NewGTime(dt time.Time) *GTime {
	d := dt.Sub(gpsEpoch).Seconds()
	w := int(math.Floor(d / SEC_PER_WEEK))
	return &GTime{Week: w, Sec: d - float64(w)*SEC_PER_WEEK}
}

func (p GTime) ToTime() time.Time {
	ns := int64(math.Round(p.Sec * 1e9))
	return gpsEpoch.Add(time.Duration(p.Week) * SEC_PER_WEEK * time.Second).Add(time.Duration(ns))
}

// Seconds elapsed from b to p
func (p GTime) Diff(b GTime) float64 {
	return float64(p.Week-b.Week)*SEC_PER_WEEK + p.Sec - b.Sec
}

// Time shifted by sec seconds, normalized to [0, SEC_PER_WEEK)
func (p GTime) Add(sec float64) GTime {
	t := GTime{Week: p.Week, Sec: p.Sec + sec}
	for t.Sec >= SEC_PER_WEEK {
		t.Sec -= SEC_PER_WEEK
		t.Week++
	}
	for t.Sec < 0 {
		t.Sec += SEC_PER_WEEK
		t.Week--
	}
	return t
}

func (p GTime) Less(b GTime) bool {
	return p.Diff(b) < 0
}

// Key at millisecond resolution, used to index tabulated data
func (p GTime) Key() int64 {
	return int64(p.Week)*SEC_PER_WEEK*1000 + int64(math.Round(p.Sec*1000))
}

func (p GTime) String() string {
	return fmt.Sprintf("%d %.3f", p.Week, p.Sec)
}

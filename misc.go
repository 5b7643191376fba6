// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ------------------------------------
// Mini functions
// ------------------------------------

func SQ(x float64) float64 {
	return x * x
}

func EucDist(a, b *PosXYZ) float64 {
	return math.Sqrt(SQ(a.X-b.X) + SQ(a.Y-b.Y) + SQ(a.Z-b.Z))
}

// Partial derivatives of |b-a| with respect to b
func DistDx(a, b *PosXYZ) float64 {
	return (b.X - a.X) / EucDist(a, b)
}

func DistDy(a, b *PosXYZ) float64 {
	return (b.Y - a.Y) / EucDist(a, b)
}

func DistDz(a, b *PosXYZ) float64 {
	return (b.Z - a.Z) / EucDist(a, b)
}

func ToDeg(rad float64) float64 {
	return rad / PI * 180.0
}

func ToRad(deg float64) float64 {
	return deg / 180.0 * PI
}

// ------------------------------------
// Debug print function
// ------------------------------------

// Debug display level
var DBG_ int

var logw io.Writer = os.Stderr

// SetLogWriter redirects all debug and warning output
func SetLogWriter(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	logw = w
}

func PrintMat(X mat.Matrix) {
	r, c := X.Dims()
	fmt.Fprintf(logw, "(%d x %d)\n", r, c)
	fa := mat.Formatted(X, mat.Prefix(""), mat.Squeeze())
	fmt.Fprintf(logw, "%v\n", fa)
}

func PrintA(format string, a ...any) {
	fmt.Fprintf(logw, format, a...)
}

func PrintAIf(cond bool, format string, a ...any) {
	if cond {
		PrintA(format, a...)
	}
}

// Debug display
func PrintD(v int, format string, a ...any) {
	PrintAIf(DBG_ >= v, format, a...)
}

// Warnings are always displayed
func PrintW(format string, a ...any) {
	PrintA("warning: "+strings.TrimLeft(format, "\t"), a...)
}

func PrintE(err error) {
	fmt.Fprintf(logw, "err=%s\n", err.Error())
}

// ------------------------------------
// Others
// ------------------------------------

var sysOrder = map[SysType]int{'G': 0, 'J': 1, 'E': 2, 'R': 3, 'C': 4, 'S': 5}

// Sort the list of satellite names
func Sorted(s []SatType) []SatType {
	s2 := slices.Clone(s)
	slices.SortFunc(s2, func(a, b SatType) int {
		if a.Sys() != b.Sys() {
			return sysOrder[a.Sys()] - sysOrder[b.Sys()]
		}
		return a.Num() - b.Num()
	})
	return s2
}

// Median of x, the lower one of the two middle values for an even length
// (x is not modified)
func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := slices.Clone(x)
	slices.Sort(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

// Centered moving median with the window truncated at both ends
func movingMedian(x []float64, win int) []float64 {
	if win < 1 {
		win = 1
	}
	h := win / 2
	m := make([]float64, len(x))
	for i := range x {
		lo := max(0, i-h)
		hi := min(len(x), i+h+1)
		m[i] = median(x[lo:hi])
	}
	return m
}

// First difference
func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	d := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		d[i-1] = x[i] - x[i-1]
	}
	return d
}

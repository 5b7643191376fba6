// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.17
//

// Detects and corrects cycle slips missed by the receivers.

package ddbatch

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Phase rows of an arc: rows where it is the non-pivot satellite, and rows
// where it is the pivot
func arcRows(rows []*Row, id int) (sat, piv []int) {
	for i, r := range rows {
		if r.Class != PhaseObs {
			continue
		}
		v := r.AmbOf(id)
		switch {
		case v < 0:
			sat = append(sat, i)
		case v > 0:
			piv = append(piv, i)
		}
	}
	return
}

// applySlip removes an integer slip path q (one value per non-pivot row, in
// cycles of the non-pivot residual) from the observations of the arc. Pivot
// rows take the value of the last preceding non-pivot row with the opposite sign.
func applySlip(rows []*Row, sat, piv []int, q []float64, lam float64) {
	for k, i := range sat {
		rows[i].Y0 -= q[k] * lam
	}
	for _, i := range piv {
		e := rows[i].Epoch
		qv := 0.0
		for k, j := range sat {
			if rows[j].Epoch > e {
				break
			}
			qv = q[k]
		}
		rows[i].Y0 += qv * lam
	}
}

// cleanSlips corrects missed cycle slips from the phase residuals. For each
// arc the moving median of the residuals [cycle] is quantized relative to the
// arc start. The path is removed when it strictly reduces the standard
// deviation of the first difference. It returns the number of corrected arcs.
func cleanSlips(sys *System, st *lsState, win int) int {
	rows := st.ls.rows
	n := 0
	for _, a := range sys.Arcs {
		sat, piv := arcRows(rows, a.ID)
		if len(sat) < 3 || a.Lambda <= 0 {
			continue
		}
		x := make([]float64, len(sat))
		for k, i := range sat {
			x[k] = st.res.V.AtVec(i) / a.Lambda
		}
		m := movingMedian(x, win)
		q := make([]float64, len(x))
		slip := false
		for k := range m {
			q[k] = math.Round(m[k] - m[0])
			slip = slip || q[k] != 0
		}
		if !slip {
			continue
		}
		xc := make([]float64, len(x))
		for k := range x {
			xc[k] = x[k] - q[k]
		}
		s0 := stat.StdDev(diff(x), nil)
		s1 := stat.StdDev(diff(xc), nil)
		if !(s1 < s0) {
			continue
		}
		applySlip(rows, sat, piv, q, a.Lambda)
		a.Corrected = true
		n++
		PrintD(2, "\tarc %d (%s): missed cycle slip corrected, std(diff)=%.3f -> %.3f\n", a.ID, a.Sat, s0, s1)
	}
	return n
}

// preCorrectSlips corrects integer discontinuities of the raw phase before
// the first solve. First differences of (y0-b)/lambda are compared with their
// running median within runs of the same pivot. It returns the number of
// corrections.
func preCorrectSlips(sys *System, win int) int {
	if win < 1 {
		win = 1
	}
	n := 0
	for _, a := range sys.Arcs {
		sat, piv := arcRows(sys.Rows, a.ID)
		if len(sat) < 3 || a.Lambda <= 0 {
			continue
		}
		hist := []float64{}
		for k := 1; k < len(sat); k++ {
			r0, r1 := sys.Rows[sat[k-1]], sys.Rows[sat[k]]
			if r0.Pivot != r1.Pivot {
				hist = hist[:0]
				continue
			}
			d := ((r1.Y0 - r1.B) - (r0.Y0 - r0.B)) / a.Lambda
			med := 0.0
			if len(hist) > 0 {
				med = median(hist[max(0, len(hist)-win):])
			}
			jump := math.Round(d - med)
			if jump != 0 {
				q := make([]float64, len(sat))
				for j := k; j < len(sat); j++ {
					q[j] = jump
				}
				applySlip(sys.Rows, sat, piv, q, a.Lambda)
				d -= jump
				n++
				PrintD(2, "\tarc %d (%s): epoch %d, phase jump of %.0f cycles corrected\n", a.ID, a.Sat, r1.Epoch, jump)
			}
			hist = append(hist, d)
		}
	}
	return n
}

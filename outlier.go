// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.17
//

package ddbatch

import (
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
)

// Quantile of the residuals used as the outlier threshold
const OUTLIER_QUANTILE = 0.995

// Inflation factor of the variance of an outlier
const OUTLIER_INFLATION = 1.2

// rejectOutliers down-weights outliers iteratively. The threshold of each
// observation class is max(floor, 99.5% quantile of |v| of unflagged rows).
// Flags are never cleared, so the flagged count is non-decreasing.
func (p *refiner) rejectOutliers(sys *System, blocks []*Block, st *lsState) (*lsState, error) {
	for loop := 0; loop < p.opt.MaxOutlierLoop; loop++ {
		n := flagOutliers(st, CodeObs, p.opt.MaxCodeResidual) + flagOutliers(st, PhaseObs, p.opt.MaxPhaseResidual)
		p.stats.Outliers += n
		p.stats.OutlierHistory = append(p.stats.OutlierHistory, countOutliers(sys))
		if n == 0 {
			return st, nil
		}
		PrintD(2, "\toutliers(%d): %d new\n", loop+1, n)
		next, err := p.solve(sys, blocks)
		if err != nil {
			return st, err
		}
		st = next
	}
	PrintW("outlier loop count overflow (%d)\n", p.opt.MaxOutlierLoop)
	return st, nil
}

// flagOutliers flags the rows of class c exceeding the threshold and
// inflates their variances. It returns the number of new outliers.
func flagOutliers(st *lsState, c ObsClass, floor float64) int {
	absv := []float64{}
	for i, r := range st.ls.rows {
		if r.Class == c && !r.Outlier {
			absv = append(absv, math.Abs(st.res.V.AtVec(i)))
		}
	}
	if len(absv) == 0 {
		return 0
	}
	slices.Sort(absv)
	thres := math.Max(floor, stat.Quantile(OUTLIER_QUANTILE, stat.LinInterp, absv, nil))

	n := 0
	for i, r := range st.ls.rows {
		if r.Class != c || r.Outlier {
			continue
		}
		v := st.res.V.AtVec(i)
		if math.Abs(v) <= thres {
			continue
		}
		cur := st.ls.Q.At(i, i)
		r.QDiag = math.Max(OUTLIER_INFLATION*cur, OUTLIER_INFLATION*v*v)
		r.Outlier = true
		n++
		PrintD(3, "\trow %d %s-%s(%s): outlier, v=%.3f > %.3f\n", r.ID, r.Pivot, r.Sat, c, v, thres)
	}
	return n
}

func countOutliers(sys *System) int {
	n := 0
	for _, r := range sys.Rows {
		if r.Outlier {
			n++
		}
	}
	return n
}

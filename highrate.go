// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Implements positions at a finer time resolution than the batch.

package ddbatch

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

var ErrInterval = errors.New("invalid sub-interval")

// HighRateOpt contains options for the high-rate solution
type HighRateOpt struct {
	Interval float64 // Sub-interval length [s]
	MinRows  int     // Minimum number of rows of a sub-interval
	MaxCond  float64 // Maximum condition number of the sub-interval geometry (0: off)
	MaxVar   float64 // Ceiling of the position variances [m^2] (0: off)
}

// NewHighRateOpt creates a new HighRateOpt with default values
func NewHighRateOpt() *HighRateOpt {
	return &HighRateOpt{
		Interval: 30,  // 30 s
		MinRows:  4,   // 3 position components plus redundancy
		MaxCond:  1e5, // Same cutoff as the epoch geometry
		MaxVar:   100, // 10 m
	}
}

// Position of one sub-interval
type SubPos struct {
	Start   GTime         // Start of the sub-interval
	Rows    int           // Number of rows
	Missing bool          // No estimable position
	Pos     PosXYZ        // Rover position
	Cov     *mat.SymDense // Covariance of Pos (ECEF)
	ENU     PosENU        // Baseline in ENU from the base
}

// HighRateSol is the sequence of sub-interval positions
type HighRateSol struct {
	Interval float64
	Fixed    bool // Fixed ambiguities applied
	Subs     []SubPos
	S02      float64
	Dof      int
}

// SolveHighRate re-solves the float system with one position triple per
// sub-interval, keeping the ambiguity columns and the reference arcs. When fix
// is *Fixed, the integer ambiguities are applied to each sub-interval.
//
// Parameters:
//   - fs: Float solution
//   - fix: Outcome of FixAmbiguities (nil: float only)
//   - opt: Options
//
// Returns:
//   - *HighRateSol: Sub-interval positions; sub-intervals without an estimable position are Missing
//   - error: Invalid interval or a failed solve
func SolveHighRate(
	fs *FloatSol, // Float solution
	fix FixOutcome, // Fix outcome
	opt *HighRateOpt, // Calculation options
) (*HighRateSol, error) {

	if fs == nil || fs.ls == nil || opt == nil {
		return nil, fmt.Errorf("%w: nil argument to SolveHighRate()", ErrInvalidInput)
	}
	sys := fs.Sys
	t0, t1, ok := timeSpan(sys)
	if !ok {
		return nil, ErrEmptySystem
	}
	span := t1.Diff(t0)
	if opt.Interval <= 0 || opt.Interval >= span {
		return nil, fmt.Errorf("%w: interval=%.3f, span=%.3f", ErrInterval, opt.Interval, span)
	}

	// Sub-interval of each epoch
	nsub := int(math.Floor(span/opt.Interval)) + 1
	subOf := func(r *Row) int {
		return int(math.Floor(sys.Epochs[r.Epoch].Time.Diff(t0) / opt.Interval))
	}
	rowsOf := make([][]*Row, nsub)
	for _, r := range sys.Rows {
		k := subOf(r)
		rowsOf[k] = append(rowsOf[k], r)
	}
	hr := &HighRateSol{Interval: opt.Interval, Subs: make([]SubPos, nsub)}
	for k := range nsub {
		sp := &hr.Subs[k]
		sp.Start = t0.Add(float64(k) * opt.Interval)
		sp.Rows = len(rowsOf[k])
		if reason := subUnestimable(rowsOf[k], opt); reason != "" {
			sp.Missing = true
			if sp.Rows > 0 {
				PrintW("sub-interval %d (%s): %s, missing\n", k, sp.Start, reason)
			}
		}
	}

	// Solve until every kept sub-interval has a valid position
	fx, _ := fix.(*Fixed)
	for range nsub {
		bad, err := solveSubs(fs, fx, hr, subOf, opt)
		if err != nil {
			return nil, err
		}
		if len(bad) == 0 {
			break
		}
		for _, k := range bad {
			hr.Subs[k] = SubPos{Start: hr.Subs[k].Start, Rows: hr.Subs[k].Rows, Missing: true}
		}
	}
	return hr, nil
}

// subUnestimable returns why the rows of a sub-interval give no position, ""
// if they do
func subUnestimable(rows []*Row, opt *HighRateOpt) string {
	if len(rows) < max(opt.MinRows, 1) {
		return fmt.Sprintf("too few rows (%d)", len(rows))
	}
	seen := map[[2]SatType]bool{}
	g := [][3]float64{}
	for _, r := range rows {
		key := [2]SatType{r.Sat, r.Pivot}
		if seen[key] {
			continue
		}
		seen[key] = true
		g = append(g, r.G)
	}
	if len(g) < 3 {
		return fmt.Sprintf("too few satellites (%d)", len(g))
	}
	if opt.MaxCond > 0 {
		if c := geomCond(g); c > opt.MaxCond {
			return fmt.Sprintf("poor geometry (cond=%.3g)", c)
		}
	}
	return ""
}

// solveSubs solves the system with one position triple per sub-interval not
// yet missing and stores the positions. It returns the sub-intervals whose
// position turned out not to be estimable.
func solveSubs(fs *FloatSol, fx *Fixed, hr *HighRateSol, subOf func(r *Row) int, opt *HighRateOpt) ([]int, error) {
	sys := fs.Sys
	compact := make([]int, len(hr.Subs))
	npos := 0
	for k, sp := range hr.Subs {
		compact[k] = -1
		if !sp.Missing {
			compact[k] = npos
			npos++
		}
	}
	if npos == 0 {
		return nil, fmt.Errorf("%w: no sub-interval with an estimable position", ErrEmptySystem)
	}

	// Rebuild and solve. Arcs without rows are left out.
	lay := newLayout(npos, fs.ls.lay.arcs)
	ls := sys.compile(lay, func(r *Row) int { return compact[subOf(r)] })
	ne, err := ls.normalEq()
	if err != nil {
		return nil, err
	}
	live := map[int]bool{}
	for _, r := range ls.rows {
		for _, e := range r.Amb {
			live[e.Arc] = true
		}
	}
	skip := slices.Clone(fs.RefArcs)
	for _, id := range lay.arcs {
		if !live[id] {
			skip = append(skip, id)
		}
	}
	res, err := ne.Solve(lay.colsExcept(skip...))
	if err != nil {
		return nil, fmt.Errorf("Solve() failed, err= %w", err)
	}
	hr.S02, hr.Dof = res.S02, res.Dof

	var dd *ddTransform
	var dfix []float64
	if fx != nil {
		if dd, dfix = fx.dd.restrict(func(id int) bool { return live[id] }, fx.DDFix); dd == nil {
			PrintW("less than 2 fixed ambiguities in the sub-intervals, float positions used\n")
		}
	}
	hr.Fixed = dd != nil

	bad := []int{}
	worst, worstVar := -1, 0.0
	for k := range hr.Subs {
		sp := &hr.Subs[k]
		c := compact[k]
		if c < 0 {
			continue
		}
		dx, cov, err := subPos(fmt.Sprintf("sub-interval %d", k), res, lay, [3]int{3 * c, 3*c + 1, 3*c + 2}, dd, dfix)
		if err == nil {
			err = checkPosVar(cov, opt.MaxVar)
		}
		if err != nil {
			PrintW("sub-interval %d (%s): %s, missing\n", k, sp.Start, err.Error())
			bad = append(bad, k)
			continue
		}
		if v := cov.At(0, 0) + cov.At(1, 1) + cov.At(2, 2); v > worstVar {
			worst, worstVar = k, v
		}
		sp.Pos = sys.RovPos.Add(PosXYZ{X: dx.AtVec(0), Y: dx.AtVec(1), Z: dx.AtVec(2)})
		sp.Cov = cov
		sp.ENU = sp.Pos.ToENU(sys.BasePos)
		PrintD(2, "\tsub-interval %d (%s): %s\n", k, sp.Start, sp.ENU)
	}
	if res.Fallback && len(bad) == 0 && worst >= 0 {
		PrintW("sub-interval %d (%s): singular system, missing\n", worst, hr.Subs[worst].Start)
		bad = append(bad, worst)
	}
	return bad, nil
}

// subPos extracts the position correction of the columns pos. With dd the
// fixed ambiguities are applied by conditional adjustment.
func subPos(name string, res *LSResult, lay *layout, pos [3]int, dd *ddTransform, dfix []float64) (*mat.VecDense, *mat.SymDense, error) {
	if dd != nil {
		parts, err := dd.split(res, lay, pos)
		if err != nil {
			return nil, nil, err
		}
		return condAdjust(name, parts.p, parts.Qpp, parts.Qpd, parts.Qdd, parts.d, dfix)
	}
	var ip [3]int
	for i, c := range pos {
		if ip[i] = res.Index(c); ip[i] < 0 {
			return nil, nil, fmt.Errorf("%w: position column %d not estimated", ErrInvalidInput, c)
		}
	}
	dx := mat.NewVecDense(3, nil)
	cov := mat.NewSymDense(3, nil)
	for i := range 3 {
		dx.SetVec(i, res.X.AtVec(ip[i]))
		for j := i; j < 3; j++ {
			cov.SetSym(i, j, res.Cxx.At(ip[i], ip[j]))
		}
	}
	return dx, cov, nil
}

// checkPosVar rejects position variances that are not positive or exceed maxVar
func checkPosVar(cov *mat.SymDense, maxVar float64) error {
	for i := range 3 {
		v := cov.At(i, i)
		if !(v > 0) || (maxVar > 0 && v > maxVar) {
			return fmt.Errorf("position variance %.3g out of range", v)
		}
	}
	return nil
}

// Time span of the epochs with rows
func timeSpan(sys *System) (t0, t1 GTime, ok bool) {
	if len(sys.Rows) == 0 {
		return t0, t1, false
	}
	t0 = sys.Epochs[sys.Rows[0].Epoch].Time
	t1 = sys.Epochs[sys.Rows[len(sys.Rows)-1].Epoch].Time
	return t0, t1, true
}

// Number of missing sub-intervals
func (p *HighRateSol) NumMissing() int {
	n := 0
	for _, s := range p.Subs {
		if s.Missing {
			n++
		}
	}
	return n
}

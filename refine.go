// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Implements the robust float solution of the batch system.

package ddbatch

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// BatchOpt contains options for the float solution
type BatchOpt struct {
	MinArc               int     // Minimum arc length [epochs]
	MaxCodeResidual      float64 // Lower bound of the code outlier threshold [m]
	MaxPhaseResidual     float64 // Lower bound of the phase outlier threshold [m]
	FullSlipSplit        int     // Number of empty epochs that splits blocks (0: single block)
	ForceStabilization   bool    // Reference arc search and unstable arc removal
	OutlierRejection     bool    // Iterative outlier down-weighting
	CleaningLoops        int     // Number of missed cycle slip correction loops
	PreCorrection        bool    // Correct phase discontinuities before the first solve
	RemoveUnstableBlocks bool    // Remove whole blocks left unstable after the global pass
	SlipWindow           int     // Moving median window for cycle slip detection [epochs]
	MaxAmbVar            float64 // Ambiguity variance ceiling [cycle^2]
	MaxOutlierLoop       int     // Maximum number of outlier iterations
	MaxStabilizeLoop     int     // Maximum number of unstable arc removals
}

// NewBatchOpt creates a new BatchOpt with default values
func NewBatchOpt() *BatchOpt {
	return &BatchOpt{
		MinArc:               10,    // 10 epochs
		MaxCodeResidual:      3.0,   // Code threshold floor [m]
		MaxPhaseResidual:     0.05,  // Phase threshold floor [m]
		FullSlipSplit:        10,    // Split at 10 empty epochs
		ForceStabilization:   true,  // Search reference and remove unstable arcs
		OutlierRejection:     true,  // Down-weight outliers
		CleaningLoops:        3,     // Missed cycle slip correction
		PreCorrection:        false, // Unverified, opt-in only
		RemoveUnstableBlocks: false, // Keep degraded blocks
		SlipWindow:           5,     // Moving median window
		MaxAmbVar:            100,   // Ambiguity variance ceiling [cycle^2]
		MaxOutlierLoop:       MAX_OUTLIER_LOOP,
		MaxStabilizeLoop:     MAX_STABILIZE_LOOP,
	}
}

// Phase residual series of one arc
type ResidualSeries struct {
	Arc   int       // Arc ID
	Sat   SatType   // Satellite
	Epoch []int     // Epoch indices
	Time  []GTime   // Epoch times
	V     []float64 // Residuals [m]
	Sigma []float64 // Formal standard deviations [m]
}

// FloatSol is the float solution of the batch system
type FloatSol struct {
	Pos       PosXYZ           // Rover position
	Cov       *mat.SymDense    // Covariance of Pos (ECEF)
	ENU       PosENU           // Baseline in ENU from the base
	S02       float64          // A posteriori unit-weight variance
	Dof       int              // Degrees of freedom
	Sys       *System          // Refined system with the float ambiguities
	Blocks    []*Block         // Blocks
	RefArcs   []int            // Reference arc IDs
	Residuals []ResidualSeries // Phase residuals per arc

	ls  *lsSystem
	ne  *NormalEq
	res *LSResult
}

// AmbArcs returns the estimated (non-reference) arcs in column order
func (p *FloatSol) AmbArcs() []int {
	ids := []int{}
	for _, id := range p.ls.lay.arcs {
		if !slices.Contains(p.RefArcs, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Solver state after a solve
type lsState struct {
	ls  *lsSystem
	ne  *NormalEq
	res *LSResult
}

// refiner runs the robust float estimation with fixed options
type refiner struct {
	opt   *BatchOpt
	stats *RunStats
}

// RefineFloat computes the robust float solution of the system. Blocks are
// refined independently on copies, then merged and refined globally.
//
// Parameters:
//   - sys: Batch system (modified: pruned rows and arcs are removed)
//   - opt: Options
//   - stats: Run statistics to update (nil: not collected)
//
// Returns:
//   - *FloatSol: Float solution
//   - error: Empty system or a global solve failure
func RefineFloat(
	sys *System, // Batch system
	opt *BatchOpt, // Calculation options
	stats *RunStats, // Run statistics
) (*FloatSol, error) {

	if sys == nil || opt == nil {
		return nil, fmt.Errorf("%w: nil argument to RefineFloat()", ErrInvalidInput)
	}
	if sys.NumEpoch() == 0 || len(sys.Rows) == 0 {
		return nil, ErrEmptySystem
	}
	if stats == nil {
		stats = &RunStats{}
	}
	p := &refiner{opt: opt, stats: stats}

	// Per block
	blocks := PartitionBlocks(sys, opt.FullSlipSplit)
	stats.Blocks = len(blocks)
	parts := []*System{}
	for _, b := range blocks {
		sub := b.Subsystem(sys)
		if err := p.refineBlock(sub, b); err != nil {
			PrintW("block %d (epochs %d-%d): %s, kept as is\n", b.Index, b.First, b.Last, err.Error())
		}
		parts = append(parts, sub)
	}

	// Global
	global := mergeSystems(parts...)
	refreshBlocks(global, blocks)
	st, err := p.refineSystem(global, blocks)
	if err != nil {
		return nil, fmt.Errorf("refineSystem() failed, err= %w", err)
	}
	if opt.RemoveUnstableBlocks {
		if st, err = p.removeUnstableBlocks(global, blocks, st); err != nil {
			return nil, fmt.Errorf("removeUnstableBlocks() failed, err= %w", err)
		}
	}
	*sys = *global
	return p.floatSol(global, blocks, st), nil
}

// refineBlock runs steps (a) to (g) on the system of one block
func (p *refiner) refineBlock(sys *System, b *Block) error {
	blocks := []*Block{b}
	p.prune(sys, blocks)
	if len(sys.Rows) == 0 {
		b.Degraded = true
		return ErrEmptySystem
	}
	if p.opt.ForceStabilization {
		p.searchRefArc(sys, b)
	}
	if p.opt.PreCorrection {
		p.stats.PreCorrected += preCorrectSlips(sys, p.opt.SlipWindow)
	}
	_, err := p.refineSystem(sys, blocks)
	return err
}

// refineSystem runs steps (d) to (g) and returns the final state
func (p *refiner) refineSystem(sys *System, blocks []*Block) (*lsState, error) {
	st, err := p.solve(sys, blocks)
	if err != nil && !p.opt.ForceStabilization {
		return nil, err
	}
	if err == nil {
		if p.opt.OutlierRejection {
			st, err = p.rejectOutliers(sys, blocks, st)
			if err != nil {
				return nil, err
			}
		}
		for loop := 0; loop < p.opt.CleaningLoops; loop++ {
			n := cleanSlips(sys, st, p.opt.SlipWindow)
			if n == 0 {
				break
			}
			p.stats.CorrectedArcs += n
			if st, err = p.solve(sys, blocks); err != nil {
				break
			}
		}
	}
	if p.opt.ForceStabilization {
		return p.stabilize(sys, blocks)
	}
	return st, err
}

// solve compiles and solves the system with the reference arcs removed, and
// stores the float ambiguities in the arcs
func (p *refiner) solve(sys *System, blocks []*Block) (*lsState, error) {
	lay := newLayout(1, sys.ArcIDs())
	ls := sys.compile(lay, nil)
	ne, err := ls.normalEq()
	if err != nil {
		return nil, err
	}
	refs := refArcs(blocks)
	res, err := ne.Solve(lay.colsExcept(refs...))
	if err != nil {
		return nil, fmt.Errorf("Solve() failed, err= %w", err)
	}
	for _, a := range sys.Arcs {
		a.Float, a.Var = 0, 0
		if i := res.Index(lay.col[a.ID]); i >= 0 {
			a.Float = res.X.AtVec(i)
			a.Var = res.Cxx.At(i, i)
		}
	}
	PrintD(3, "\tsolve: rows=%d, arcs=%d, s02=%.4f, fallback=%v\n", len(ls.rows), len(lay.arcs), res.S02, res.Fallback)
	return &lsState{ls: ls, ne: ne, res: res}, nil
}

// prune removes arcs shorter than MinArc until no arc is short
func (p *refiner) prune(sys *System, blocks []*Block) {
	for range len(sys.Arcs) + 1 {
		short := []int{}
		for id, n := range sys.ArcLengths() {
			if n < p.opt.MinArc {
				short = append(short, id)
			}
		}
		if len(short) == 0 {
			break
		}
		slices.Sort(short)
		nr := sys.RemoveArcs(short...)
		p.stats.PrunedArcs += len(short)
		p.stats.PrunedRows += nr
		PrintD(2, "\tpruned arcs: %v, rows=%d\n", short, nr)
	}
	refreshBlocks(sys, blocks)
}

// searchRefArc selects in each arc group the reference arc that minimizes
// the summed ambiguity variance
func (p *refiner) searchRefArc(sys *System, b *Block) {
	if len(b.Arcs) < 2 {
		return
	}
	lay := newLayout(1, sys.ArcIDs())
	ne, err := sys.compile(lay, nil).normalEq()
	if err != nil {
		return
	}
	refs := slices.Clone(b.RefArcs)
	for g, ids := range b.groups {
		if len(ids) < 2 {
			continue
		}
		best, bestSum := refs[g], math.MaxFloat64
		for _, c := range ids {
			held := slices.Clone(refs)
			held[g] = c
			res, err := ne.Solve(lay.colsExcept(held...))
			if err != nil || res.Fallback {
				continue
			}
			sum := 0.0
			for i := 3; i < len(res.Cols); i++ {
				sum += res.Qxx.At(i, i)
			}
			if sum < bestSum {
				best, bestSum = c, sum
			}
		}
		if best != refs[g] {
			PrintD(2, "\tblock %d: reference arc %d -> %d\n", b.Index, refs[g], best)
		}
		refs[g] = best
	}
	b.setRefs(sys, refs)
}

// unstableArc returns the most unstable estimated arc, -1 if all are stable
func (p *refiner) unstableArc(sys *System, st *lsState) int {
	vars := []float64{}
	ids := []int{}
	for _, a := range sys.Arcs {
		if a.Ref {
			continue
		}
		ids = append(ids, a.ID)
		vars = append(vars, a.Var)
	}
	if len(vars) == 0 {
		return -1
	}
	for i, v := range vars {
		if v <= 0 {
			return ids[i]
		}
	}
	mean, std := stat.MeanStdDev(vars, nil)
	i := floats.MaxIdx(vars)
	if vars[i] > p.opt.MaxAmbVar || (len(vars) > 2 && vars[i] > mean+10*std) || st.res.Fallback {
		return ids[i]
	}
	return -1
}

// stabilize removes unstable arcs until the solution is stable or less than
// two ambiguities remain
func (p *refiner) stabilize(sys *System, blocks []*Block) (*lsState, error) {
	var st *lsState
	var err error
	for loop := 0; loop < p.opt.MaxStabilizeLoop; loop++ {
		st, err = p.solve(sys, blocks)
		worst := -1
		if err == nil {
			if worst = p.unstableArc(sys, st); worst < 0 {
				return st, nil
			}
		} else if worst = shortestArc(sys); worst < 0 {
			return nil, err
		}
		if namb := len(sys.Arcs) - len(refArcs(blocks)); namb < 2 {
			for _, b := range blocks {
				if !b.Degraded {
					b.Degraded = true
					p.stats.DegradedBlocks++
				}
			}
			PrintW("blocks %v: less than 2 ambiguities (%d), kept as is\n", blockIndices(blocks), namb)
			return st, err
		}
		a := sys.Arc(worst)
		PrintW("arc %d (%s): unstable, var=%.3g, removed\n", worst, a.Sat, a.Var)
		nr := sys.RemoveArcs(worst)
		p.stats.RemovedArcs++
		p.stats.PrunedRows += nr
		p.prune(sys, blocks)
		if len(sys.Rows) == 0 {
			return nil, ErrEmptySystem
		}
	}
	PrintW("stabilization loop count overflow (%d)\n", p.opt.MaxStabilizeLoop)
	if st == nil || err != nil {
		return p.solve(sys, blocks)
	}
	return st, nil
}

// Shortest non-reference arc, -1 if none
func shortestArc(sys *System) int {
	lens := sys.ArcLengths()
	id, mn := -1, math.MaxInt
	for _, a := range sys.Arcs {
		if !a.Ref && lens[a.ID] < mn {
			id, mn = a.ID, lens[a.ID]
		}
	}
	return id
}

func blockIndices(blocks []*Block) []int {
	idx := make([]int, len(blocks))
	for i, b := range blocks {
		idx[i] = b.Index
	}
	return idx
}

// removeUnstableBlocks removes whole blocks with non-positive or excessive
// ambiguity variances until the system is stable
func (p *refiner) removeUnstableBlocks(sys *System, blocks []*Block, st *lsState) (*lsState, error) {
	for range len(blocks) {
		var bad *Block
		for _, b := range blocks {
			if b.Removed {
				continue
			}
			for _, id := range b.Arcs {
				a := sys.Arc(id)
				if a != nil && !a.Ref && (a.Var <= 0 || a.Var > p.opt.MaxAmbVar) {
					bad = b
					break
				}
			}
			if bad != nil {
				break
			}
		}
		if bad == nil {
			return st, nil
		}
		nr := sys.RemoveRows(func(r *Row) bool { return bad.Contains(r.Epoch) })
		bad.Removed = true
		p.stats.RemovedBlocks++
		PrintW("block %d (epochs %d-%d): unstable, removed (rows=%d)\n", bad.Index, bad.First, bad.Last, nr)
		if len(sys.Rows) == 0 {
			return nil, ErrEmptySystem
		}
		refreshBlocks(sys, blocks)
		var err error
		if st, err = p.solve(sys, blocks); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// floatSol builds the float solution from the final state
func (p *refiner) floatSol(sys *System, blocks []*Block, st *lsState) *FloatSol {
	res := st.res
	fs := &FloatSol{
		Sys:     sys,
		Blocks:  blocks,
		RefArcs: refArcs(blocks),
		S02:     res.S02,
		Dof:     res.Dof,
		ls:      st.ls,
		ne:      st.ne,
		res:     res,
	}
	fs.Pos = sys.RovPos.Add(PosXYZ{X: res.X.AtVec(0), Y: res.X.AtVec(1), Z: res.X.AtVec(2)})
	fs.Cov = mat.NewSymDense(3, nil)
	for i := range 3 {
		for j := i; j < 3; j++ {
			fs.Cov.SetSym(i, j, res.Cxx.At(i, j))
		}
	}
	fs.ENU = fs.Pos.ToENU(sys.BasePos)
	fs.Residuals = residualSeries(sys, st)

	p.stats.Rows = len(st.ls.rows)
	p.stats.Arcs = len(sys.Arcs)
	p.stats.S02 = res.S02
	PrintD(1, "\tfloat: %s, s02=%.4f, dof=%d\n", fs.ENU, res.S02, res.Dof)
	return fs
}

// residualSeries collects the phase residuals of each arc from the rows
// where the arc is the non-pivot satellite
func residualSeries(sys *System, st *lsState) []ResidualSeries {
	sig := st.ne.ResidualSigma(st.res)
	idx := map[int]int{}
	out := []ResidualSeries{}
	for _, a := range sys.Arcs {
		idx[a.ID] = len(out)
		out = append(out, ResidualSeries{Arc: a.ID, Sat: a.Sat})
	}
	for i, r := range st.ls.rows {
		if r.Class != PhaseObs {
			continue
		}
		for _, e := range r.Amb {
			if e.Val >= 0 {
				continue
			}
			k, ok := idx[e.Arc]
			if !ok {
				continue
			}
			rs := &out[k]
			rs.Epoch = append(rs.Epoch, r.Epoch)
			rs.Time = append(rs.Time, sys.Epochs[r.Epoch].Time)
			rs.V = append(rs.V, st.res.V.AtVec(i))
			rs.Sigma = append(rs.Sigma, sig[i])
		}
	}
	return out
}

// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

// Implements integer ambiguity resolution of the batch float solution.

package ddbatch

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrTooFewAmb = errors.New("too few ambiguities")
	ErrRatioTest = errors.New("ratio test failed")
)

// AmbOpt contains options for integer ambiguity resolution
type AmbOpt struct {
	RatioThres   float64 // Threshold for ratio test to determine successful fix
	RefIndex     int     // Index of the reference ambiguity of the DD transform
	NumCands     int     // Number of candidates searched (>= 2)
	MinAmb       int     // Minimum number of ambiguities
	Discriminate bool    // Select among the candidates by unit variance when the ratio test fails
}

// NewAmbOpt creates a new AmbOpt with default values
func NewAmbOpt() *AmbOpt {
	return &AmbOpt{
		RatioThres:   3.0,   // Standard ratio threshold for fix acceptance
		RefIndex:     0,     // First candidate; the choice has a negligible effect
		NumCands:     2,     // Best and second best
		MinAmb:       2,     // At least one DD ambiguity
		Discriminate: false, // Ratio test only
	}
}

// Fix status of a session
type FixStatus int

const (
	StatusUnfixed FixStatus = iota
	StatusFixed
	StatusFixedHighRate
)

func (p FixStatus) String() string {
	switch p {
	case StatusFixed:
		return "fixed"
	case StatusFixedHighRate:
		return "fixed(high-rate)"
	default:
		return "unfixed"
	}
}

// FixOutcome is the result of FixAmbiguities: *Fixed or *Degraded
type FixOutcome interface {
	Status() FixStatus
	isFixOutcome()
}

// Fixed is a validated integer solution
type Fixed struct {
	Pos           PosXYZ        // Rover position
	Cov           *mat.SymDense // Covariance of Pos (ECEF)
	ENU           PosENU        // Baseline in ENU from the base
	Ratio         float64       // Ratio test value (second best / best)
	Norms         []float64     // Squared norms of the candidates
	Ints          map[int]int   // Integer ambiguity of each arc ID [cycle]
	DDFloat       []float64     // DD float ambiguities
	DDFix         []float64     // DD fixed ambiguities
	Discriminated bool          // Selected by unit variance instead of the ratio test

	dd *ddTransform
}

func (*Fixed) Status() FixStatus { return StatusFixed }
func (*Fixed) isFixOutcome()     {}

// Degraded reports the float solution when fixing failed
type Degraded struct {
	Float  *FloatSol
	Reason error
}

func (*Degraded) Status() FixStatus { return StatusUnfixed }
func (*Degraded) isFixOutcome()     {}

// ddTransform differences every ambiguity against the reference:
// d_i = a_ref - a_i for i != ref
type ddTransform struct {
	arcs []int // Arc IDs
	ref  int   // Index of the reference in arcs
}

func (t *ddTransform) matrix() *mat.Dense {
	n := len(t.arcs)
	D := mat.NewDense(n-1, n, nil)
	k := 0
	for i := range n {
		if i == t.ref {
			continue
		}
		D.Set(k, t.ref, 1)
		D.Set(k, i, -1)
		k++
	}
	return D
}

// Partition of a solution into one position triple and the DD ambiguities
type ddParts struct {
	p   *mat.VecDense // Position correction
	d   *mat.VecDense // DD ambiguities
	a   *mat.VecDense // SD ambiguities
	Qpp *mat.SymDense
	Qpd *mat.Dense
	Qdd *mat.SymDense
}

// split extracts the position columns pos and the transformed ambiguities from res
func (t *ddTransform) split(res *LSResult, lay *layout, pos [3]int) (*ddParts, error) {
	n := len(t.arcs)
	ip := make([]int, 3)
	for k, c := range pos {
		if ip[k] = res.Index(c); ip[k] < 0 {
			return nil, fmt.Errorf("%w: position column %d not estimated", ErrInvalidInput, c)
		}
	}
	ia := make([]int, n)
	for k, id := range t.arcs {
		c, ok := lay.col[id]
		if !ok {
			return nil, fmt.Errorf("%w: arc %d not in the system", ErrInvalidInput, id)
		}
		if ia[k] = res.Index(c); ia[k] < 0 {
			return nil, fmt.Errorf("%w: arc %d not estimated", ErrInvalidInput, id)
		}
	}

	cov := res.Cxx
	p := mat.NewVecDense(3, nil)
	Qpp := mat.NewSymDense(3, nil)
	for i := range 3 {
		p.SetVec(i, res.X.AtVec(ip[i]))
		for j := i; j < 3; j++ {
			Qpp.SetSym(i, j, cov.At(ip[i], ip[j]))
		}
	}
	a := mat.NewVecDense(n, nil)
	Qaa := mat.NewSymDense(n, nil)
	Qpa := mat.NewDense(3, n, nil)
	for i := range n {
		a.SetVec(i, res.X.AtVec(ia[i]))
		for j := i; j < n; j++ {
			Qaa.SetSym(i, j, cov.At(ia[i], ia[j]))
		}
		for k := range 3 {
			Qpa.Set(k, i, cov.At(ip[k], ia[i]))
		}
	}

	D := t.matrix()
	parts := &ddParts{p: p, a: a, Qpp: Qpp}
	parts.d = mat.NewVecDense(n-1, nil)
	parts.d.MulVec(D, a)
	var tmp mat.Dense
	tmp.Mul(D, Qaa)
	var qdd mat.Dense
	qdd.Mul(&tmp, D.T())
	parts.Qdd = mat.NewSymDense(n-1, nil)
	for i := range n - 1 {
		for j := i; j < n-1; j++ {
			parts.Qdd.SetSym(i, j, (qdd.At(i, j)+qdd.At(j, i))/2)
		}
	}
	parts.Qpd = mat.NewDense(3, n-1, nil)
	parts.Qpd.Mul(Qpa, D.T())
	return parts, nil
}

// Integer ambiguities of all arcs from the DD fix: a_ref = round(a_ref float), a_i = a_ref - d_i
func (t *ddTransform) ints(a *mat.VecDense, dfix []float64) map[int]int {
	ints := map[int]int{}
	aref := math.Round(a.AtVec(t.ref))
	ints[t.arcs[t.ref]] = int(aref)
	k := 0
	for i, id := range t.arcs {
		if i == t.ref {
			continue
		}
		ints[id] = int(aref - dfix[k])
		k++
	}
	return ints
}

// restrict limits the transform to the arcs selected by keep and rewrites the
// fixed DD ambiguities for it. The reference moves to the first kept arc when
// it is not kept itself. nil when less than 2 arcs are kept.
func (t *ddTransform) restrict(keep func(id int) bool, dfix []float64) (*ddTransform, []float64) {
	z := make([]float64, len(t.arcs)) // a_ref - a_i
	k := 0
	for i := range t.arcs {
		if i == t.ref {
			continue
		}
		z[i] = dfix[k]
		k++
	}
	out := &ddTransform{ref: -1}
	idx := []int{}
	for i, id := range t.arcs {
		if !keep(id) {
			continue
		}
		if i == t.ref {
			out.ref = len(out.arcs)
		}
		out.arcs = append(out.arcs, id)
		idx = append(idx, i)
	}
	if len(out.arcs) < 2 {
		return nil, nil
	}
	if out.ref < 0 {
		out.ref = 0
	}
	zref := z[idx[out.ref]]
	d := make([]float64, 0, len(out.arcs)-1)
	for j, i := range idx {
		if j != out.ref {
			d = append(d, z[i]-zref)
		}
	}
	return out, d
}

// condAdjust applies the fixed ambiguities to the position:
// p_fix = p - Qpd Qdd^-1 (d - d_fix), Q_fix = Qpp - Qpd Qdd^-1 Qdp.
// name identifies the solution in warnings.
func condAdjust(name string, p *mat.VecDense, Qpp *mat.SymDense, Qpd *mat.Dense, Qdd *mat.SymDense, d *mat.VecDense, dfix []float64) (*mat.VecDense, *mat.SymDense, error) {
	var ch mat.Cholesky
	if !ch.Factorize(Qdd) {
		return nil, nil, ErrNotPosDef
	}
	dd := mat.NewVecDense(d.Len(), nil)
	dd.SubVec(d, mat.NewVecDense(len(dfix), dfix))
	var w mat.VecDense
	if err := checkCondition(name, ch.SolveVecTo(&w, dd)); err != nil {
		return nil, nil, err
	}
	np := p.Len()
	pf := mat.NewVecDense(np, nil)
	pf.MulVec(Qpd, &w)
	pf.SubVec(p, pf)

	var X mat.Dense
	if err := checkCondition(name, ch.SolveTo(&X, Qpd.T())); err != nil {
		return nil, nil, err
	}
	var QX mat.Dense
	QX.Mul(Qpd, &X)
	cov := mat.NewSymDense(np, nil)
	for i := range np {
		for j := i; j < np; j++ {
			cov.SetSym(i, j, Qpp.At(i, j)-(QX.At(i, j)+QX.At(j, i))/2)
		}
	}
	return pf, cov, nil
}

// checkCondition warns of an ill-conditioned Qdd, where the result is still
// usable, and passes any other error through
func checkCondition(name string, err error) error {
	var cond mat.Condition
	if errors.As(err, &cond) {
		PrintW("%s: DD ambiguity covariance ill-conditioned (cond=%.3g), conditional adjustment may be inaccurate\n", name, float64(cond))
		return nil
	}
	return err
}

// FixAmbiguities resolves the integer ambiguities of the float solution and
// applies them to the position by conditional adjustment. Any failure gives
// a *Degraded outcome carrying the float solution.
//
// Parameters:
//   - fs: Float solution
//   - solver: Integer least-squares solver
//   - opt: Options
//
// Returns:
//   - FixOutcome: *Fixed or *Degraded
func FixAmbiguities(
	fs *FloatSol, // Float solution
	solver IntegerSolver, // Integer solver
	opt *AmbOpt, // Calculation options
) FixOutcome {
	out, err := fixAmbiguities(fs, solver, opt)
	if err != nil {
		PrintW("ambiguity resolution failed, float solution used: %s\n", err.Error())
		return &Degraded{Float: fs, Reason: err}
	}
	return out
}

func fixAmbiguities(fs *FloatSol, solver IntegerSolver, opt *AmbOpt) (*Fixed, error) {
	if fs == nil || fs.res == nil || solver == nil || opt == nil {
		return nil, fmt.Errorf("%w: nil argument to FixAmbiguities()", ErrInvalidInput)
	}
	arcs := fs.AmbArcs()
	if len(arcs) < max(opt.MinAmb, 2) {
		return nil, fmt.Errorf("%w: %d", ErrTooFewAmb, len(arcs))
	}
	ref := opt.RefIndex
	if ref < 0 || ref >= len(arcs) {
		ref = 0
	}
	dd := &ddTransform{arcs: arcs, ref: ref}
	parts, err := dd.split(fs.res, fs.ls.lay, [3]int{0, 1, 2})
	if err != nil {
		return nil, err
	}
	var ch mat.Cholesky
	if !ch.Factorize(parts.Qdd) {
		return nil, fmt.Errorf("%w: DD ambiguity covariance (%d x %d)", ErrNotPosDef, len(arcs)-1, len(arcs)-1)
	}

	// Integer search
	m := max(opt.NumCands, 2)
	dfl := parts.d.RawVector().Data
	cands, s, err := solver.Search(dfl, parts.Qdd, m)
	if err != nil {
		return nil, fmt.Errorf("Search() failed, err= %w", err)
	}
	ratio := math.Inf(1)
	if s[0] > 0 {
		ratio = s[1] / s[0]
	}
	PrintD(2, "\tratio: %8.2f (%.3f/%.3f)\n", ratio, s[1], s[0])

	best := cands[0]
	disc := false
	if ratio < opt.RatioThres {
		if !opt.Discriminate {
			return nil, fmt.Errorf("%w: ratio=%.2f < %.2f", ErrRatioTest, ratio, opt.RatioThres)
		}
		i, err := discriminate(fs, dd, parts.a, cands)
		if err != nil {
			return nil, fmt.Errorf("%w: ratio=%.2f < %.2f, %s", ErrRatioTest, ratio, opt.RatioThres, err.Error())
		}
		best, disc = cands[i], true
		PrintD(2, "\tcandidate %d selected by unit variance\n", i)
	}

	pf, cov, err := condAdjust("batch", parts.p, parts.Qpp, parts.Qpd, parts.Qdd, parts.d, best)
	if err != nil {
		return nil, err
	}
	fx := &Fixed{
		Pos:           fs.Sys.RovPos.Add(PosXYZ{X: pf.AtVec(0), Y: pf.AtVec(1), Z: pf.AtVec(2)}),
		Cov:           cov,
		Ratio:         ratio,
		Norms:         s,
		Ints:          dd.ints(parts.a, best),
		DDFloat:       dfl,
		DDFix:         best,
		Discriminated: disc,
		dd:            dd,
	}
	fx.ENU = fx.Pos.ToENU(fs.Sys.BasePos)
	if DBG_ >= 2 {
		for i := range dfl {
			PrintA("\t%10.3f ---> %10.1f\n", dfl[i], best[i])
		}
	}
	PrintD(1, "\tfixed: %s, ratio=%.2f\n", fx.ENU, ratio)
	return fx, nil
}

// discriminate substitutes each candidate into the full observation model and
// returns the index of the one with the minimum unit variance
func discriminate(fs *FloatSol, dd *ddTransform, a *mat.VecDense, cands [][]float64) (int, error) {
	best, bestS02 := -1, math.MaxFloat64
	for i, c := range cands {
		held := map[int]float64{}
		for id, v := range dd.ints(a, c) {
			held[fs.ls.lay.col[id]] = float64(v)
		}
		res, err := fs.ne.SolveHeld([]int{0, 1, 2}, held)
		if err != nil {
			continue
		}
		PrintD(3, "\tcandidate %d: s02=%.4f\n", i, res.S02)
		if res.S02 < bestS02 {
			best, bestS02 = i, res.S02
		}
	}
	if best < 0 {
		return -1, ErrSingular
	}
	return best, nil
}

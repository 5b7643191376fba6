// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.15
//

package ddbatch

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrSingular     = errors.New("normal matrix is singular")
	ErrInvalidInput = errors.New("invalid input")
)

// BlockCofactor is a block-diagonal cofactor matrix of the observations
type BlockCofactor struct {
	blocks []*mat.SymDense
	off    []int
	n      int
}

func NewBlockCofactor(blocks ...*mat.SymDense) *BlockCofactor {
	q := &BlockCofactor{}
	for _, b := range blocks {
		q.Append(b)
	}
	return q
}

// Append adds one diagonal block
func (q *BlockCofactor) Append(b *mat.SymDense) {
	q.blocks = append(q.blocks, b)
	q.off = append(q.off, q.n)
	q.n += b.SymmetricDim()
}

func (q *BlockCofactor) Dims() (int, int) {
	return q.n, q.n
}

func (q *BlockCofactor) At(i, j int) float64 {
	for k, b := range q.blocks {
		o := q.off[k]
		m := b.SymmetricDim()
		if i >= o && i < o+m {
			if j >= o && j < o+m {
				return b.At(i-o, j-o)
			}
			return 0
		}
	}
	panic(mat.ErrIndexOutOfRange)
}

func (q *BlockCofactor) T() mat.Matrix {
	return q
}

func (q *BlockCofactor) SymmetricDim() int {
	return q.n
}

// NormalEq holds the normal equations N = A^T Q^-1 A, L = A^T Q^-1 (y0 - b)
// of one observation model, so that it can be solved repeatedly for
// different parameter subsets.
type NormalEq struct {
	N *mat.SymDense // Normal matrix (all columns)
	L *mat.VecDense // Right-hand side (all columns)

	lwl  float64         // (y0-b)^T Q^-1 (y0-b)
	ell  []float64       // y0 - b
	rows [][]nzEntry     // Rows of A
	q    *BlockCofactor  // Cofactor
	w    []*mat.SymDense // Inverse of each cofactor block
	nobs int             // Number of observations
	npar int             // Number of columns of A
}

// Result of a least-squares solve
type LSResult struct {
	Cols     []int         // Columns of A estimated, in the order of X
	X        *mat.VecDense // Estimated parameters
	Qxx      *mat.SymDense // N^-1 restricted to Cols
	Cxx      *mat.SymDense // Parameter covariance s02*N^-1 (N^-1 without redundancy)
	V        *mat.VecDense // Residuals y0 - b - A x of all observations
	S02      float64       // A posteriori unit-weight variance
	Dof      int           // Redundancy
	Fallback bool          // True when Cholesky failed and a general inverse was used
}

// Index of column col in X, -1 if not estimated
func (r *LSResult) Index(col int) int {
	return slices.Index(r.Cols, col)
}

// NewNormalEq forms the normal equations of y0 = b + A x + v, Cov(v) ~ Q.
//
// Parameters:
//   - y0: Observations
//   - b: Known terms
//   - A: Design matrix (dense or *CSR)
//   - Q: Block-diagonal cofactor matrix of the observations
//
// Returns:
//   - *NormalEq: Normal equations over all columns of A
//   - error: Dimension mismatch or a cofactor block that is not positive definite
func NewNormalEq(
	y0, b []float64, // Observations and known terms
	A mat.Matrix, // Design matrix
	Q *BlockCofactor, // Cofactor matrix
) (*NormalEq, error) {

	n, m := A.Dims()
	if len(y0) != n || len(b) != n {
		return nil, fmt.Errorf("%w: A(%d x %d), y0(%d), b(%d)", ErrInvalidInput, n, m, len(y0), len(b))
	}
	if Q.n != n {
		return nil, fmt.Errorf("%w: A(%d x %d), Q(%d x %d)", ErrInvalidInput, n, m, Q.n, Q.n)
	}

	ne := &NormalEq{
		ell:  make([]float64, n),
		rows: sparseRows(A),
		q:    Q,
		nobs: n,
		npar: m,
	}
	for i := range n {
		ne.ell[i] = y0[i] - b[i]
	}

	// Weight blocks
	for k, blk := range Q.blocks {
		var ch mat.Cholesky
		if !ch.Factorize(blk) {
			return nil, fmt.Errorf("%w: cofactor block %d is not positive definite", ErrInvalidInput, k)
		}
		w := mat.NewSymDense(blk.SymmetricDim(), nil)
		if err := ch.InverseTo(w); err != nil {
			return nil, fmt.Errorf("cofactor block %d: %w", k, err)
		}
		ne.w = append(ne.w, w)
	}

	// Accumulate block by block
	acc := make([]float64, m*m)
	l := make([]float64, m)
	for k, w := range ne.w {
		o := Q.off[k]
		nb := w.SymmetricDim()
		for i := range nb {
			ri := ne.rows[o+i]
			for j := range nb {
				wij := w.At(i, j)
				if wij == 0 {
					continue
				}
				rj := ne.rows[o+j]
				for _, p := range ri {
					pw := p.Val * wij
					for _, q := range rj {
						acc[p.Col*m+q.Col] += pw * q.Val
					}
					l[p.Col] += pw * ne.ell[o+j]
				}
				ne.lwl += ne.ell[o+i] * wij * ne.ell[o+j]
			}
		}
	}
	ne.N = mat.NewSymDense(m, acc)
	ne.L = mat.NewVecDense(m, l)
	return ne, nil
}

// Solve estimates the parameters in cols
func (ne *NormalEq) Solve(cols []int) (*LSResult, error) {
	return ne.SolveHeld(cols, nil)
}

// SolveHeld estimates the parameters in cols while the parameters in held
// are fixed to the given values. Columns in neither set are left out of the model.
func (ne *NormalEq) SolveHeld(cols []int, held map[int]float64) (*LSResult, error) {
	np := len(cols)
	if np == 0 {
		return nil, fmt.Errorf("%w: no parameter to estimate", ErrInvalidInput)
	}
	for _, c := range cols {
		if c < 0 || c >= ne.npar {
			return nil, fmt.Errorf("%w: column %d out of range (%d)", ErrInvalidInput, c, ne.npar)
		}
		if _, ok := held[c]; ok {
			return nil, fmt.Errorf("%w: column %d is both estimated and held", ErrInvalidInput, c)
		}
	}
	hc := maps.Keys(held)
	slices.Sort(hc)

	Ns := mat.NewSymDense(np, nil)
	Ls := mat.NewVecDense(np, nil)
	for i, ci := range cols {
		l := ne.L.AtVec(ci)
		for _, h := range hc {
			l -= ne.N.At(ci, h) * held[h]
		}
		Ls.SetVec(i, l)
		for j := i; j < np; j++ {
			Ns.SetSym(i, j, ne.N.At(ci, cols[j]))
		}
	}

	Qxx, fallback, err := invertNormal(Ns)
	if err != nil {
		return nil, err
	}
	x := mat.NewVecDense(np, nil)
	x.MulVec(Qxx, Ls)

	// Residuals over all observations
	xf := make([]float64, ne.npar)
	for _, h := range hc {
		xf[h] = held[h]
	}
	for i, c := range cols {
		xf[c] = x.AtVec(i)
	}
	v := ne.residuals(xf)

	res := &LSResult{
		Cols:     slices.Clone(cols),
		X:        x,
		Qxx:      Qxx,
		V:        v,
		Dof:      ne.nobs - np,
		Fallback: fallback,
	}
	Cxx := mat.NewSymDense(np, nil)
	if res.Dof > 0 {
		res.S02 = ne.weightedSquare(v) / float64(res.Dof)
		Cxx.ScaleSym(res.S02, Qxx)
	} else {
		Cxx.CopySym(Qxx)
	}
	res.Cxx = Cxx
	return res, nil
}

// ResidualSigma returns the formal standard deviation of each residual,
// sqrt(s02 * diag(Q - A N^-1 A^T)).
func (ne *NormalEq) ResidualSigma(res *LSResult) []float64 {
	idx := make(map[int]int, len(res.Cols))
	for i, c := range res.Cols {
		idx[c] = i
	}
	s02 := res.S02
	if res.Dof <= 0 {
		s02 = 1
	}
	sig := make([]float64, ne.nobs)
	for k, blk := range ne.q.blocks {
		o := ne.q.off[k]
		for i := range blk.SymmetricDim() {
			row := ne.rows[o+i]
			d := blk.At(i, i)
			for _, p := range row {
				ip, ok := idx[p.Col]
				if !ok {
					continue
				}
				for _, q := range row {
					if iq, ok := idx[q.Col]; ok {
						d -= p.Val * res.Qxx.At(ip, iq) * q.Val
					}
				}
			}
			sig[o+i] = math.Sqrt(math.Max(d, 0) * s02)
		}
	}
	return sig
}

// Observation count
func (ne *NormalEq) NumObs() int {
	return ne.nobs
}

func (ne *NormalEq) residuals(x []float64) *mat.VecDense {
	v := mat.NewVecDense(ne.nobs, nil)
	for i, row := range ne.rows {
		s := ne.ell[i]
		for _, e := range row {
			s -= e.Val * x[e.Col]
		}
		v.SetVec(i, s)
	}
	return v
}

// v^T Q^-1 v
func (ne *NormalEq) weightedSquare(v mat.Vector) float64 {
	s := 0.0
	for k, w := range ne.w {
		o := ne.q.off[k]
		nb := w.SymmetricDim()
		for i := range nb {
			for j := range nb {
				s += v.AtVec(o+i) * w.At(i, j) * v.AtVec(o+j)
			}
		}
	}
	return s
}

// invertNormal inverts N by Cholesky, falling back to a general inverse.
// fallback is true when the result comes from the general inverse or from
// an ill-conditioned factorization.
func invertNormal(N *mat.SymDense) (inv *mat.SymDense, fallback bool, err error) {
	n := N.SymmetricDim()
	var ch mat.Cholesky
	if ch.Factorize(N) {
		inv = mat.NewSymDense(n, nil)
		err = ch.InverseTo(inv)
		if err == nil {
			return inv, false, nil
		}
		var cond mat.Condition
		if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) {
			return inv, true, nil
		}
	}
	PrintD(3, "\tcholesky failed (%d x %d), fallback to general inverse\n", n, n)
	var d mat.Dense
	err = d.Inverse(N)
	if err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, true, fmt.Errorf("%w: %s", ErrSingular, err.Error())
		}
	}
	inv = mat.NewSymDense(n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			inv.SetSym(i, j, (d.At(i, j)+d.At(j, i))/2)
		}
	}
	return inv, true, nil
}

// SolveLS solves y0 = b + A x + v for the parameters in cols.
//
// Parameters:
//   - y0: Observations
//   - b: Known terms
//   - A: Design matrix
//   - Q: Cofactor matrix of the observations
//   - cols: Columns of A to estimate (all columns when nil)
//
// Returns:
//   - *LSResult: x, Cxx, s02 and residuals
//   - error: Invalid input or singular normal matrix
func SolveLS(y0, b []float64, A mat.Matrix, Q *BlockCofactor, cols []int) (*LSResult, error) {
	ne, err := NewNormalEq(y0, b, A, Q)
	if err != nil {
		return nil, err
	}
	if cols == nil {
		_, m := A.Dims()
		cols = make([]int, m)
		for i := range cols {
			cols[i] = i
		}
	}
	return ne.Solve(cols)
}

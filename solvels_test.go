// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func identityCof(n int, v float64) *BlockCofactor {
	q := mat.NewSymDense(n, nil)
	for i := range n {
		q.SetSym(i, i, v)
	}
	return NewBlockCofactor(q)
}

// Straight line fit y = 2 + 0.5 t with exact data
func TestSolveLSLine(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(4, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3})
	y0 := []float64{2, 2.5, 3, 3.5}
	b := make([]float64, 4)

	res, err := SolveLS(y0, b, A, identityCof(4, 1), nil)
	require.NoError(t, err)
	assert.InDelta(2.0, res.X.AtVec(0), 1e-12)
	assert.InDelta(0.5, res.X.AtVec(1), 1e-12)
	assert.Equal(2, res.Dof)
	assert.InDelta(0.0, res.S02, 1e-20)
	assert.False(res.Fallback)
	for i := range 4 {
		assert.InDelta(0.0, res.V.AtVec(i), 1e-12)
	}
}

// Solving twice, or with the solution as known term, changes nothing
func TestSolveLSIdempotent(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(5, 2, []float64{1, 0.1, 1, 0.9, 1, 2.2, 1, 2.8, 1, 4.1})
	y0 := []float64{1.1, 1.9, 3.2, 3.7, 5.2}
	b := make([]float64, 5)
	Q := NewBlockCofactor(
		mat.NewSymDense(2, []float64{2, 1, 1, 2}),
		mat.NewSymDense(3, []float64{1, 0, 0, 0, 1, 0.5, 0, 0.5, 1}),
	)

	r1, err := SolveLS(y0, b, A, Q, nil)
	require.NoError(t, err)
	r2, err := SolveLS(y0, b, A, Q, nil)
	require.NoError(t, err)
	assert.True(mat.EqualApprox(r1.X, r2.X, 1e-14))

	var ax mat.VecDense
	ax.MulVec(A, r1.X)
	b2 := ax.RawVector().Data
	r3, err := SolveLS(y0, b2, A, Q, nil)
	require.NoError(t, err)
	for i := range 2 {
		assert.InDelta(0.0, r3.X.AtVec(i), 1e-10)
	}
	assert.InDelta(r1.S02, r3.S02, 1e-10)
}

// Block-diagonal cofactor gives the same result as the dense one
func TestBlockCofactorMatchesDense(t *testing.T) {
	assert := assert.New(t)
	Q := NewBlockCofactor(
		mat.NewSymDense(2, []float64{2, 1, 1, 2}),
		mat.NewSymDense(1, []float64{3}),
	)
	r, c := Q.Dims()
	assert.Equal(3, r)
	assert.Equal(3, c)
	assert.Equal(1.0, Q.At(0, 1))
	assert.Equal(0.0, Q.At(0, 2))
	assert.Equal(3.0, Q.At(2, 2))

	A := mat.NewDense(3, 1, []float64{1, 1, 1})
	y0 := []float64{1, 2, 4}
	b := make([]float64, 3)
	res, err := SolveLS(y0, b, A, Q, nil)
	require.NoError(t, err)

	// x = (A' W A)^-1 A' W y with W = Q^-1
	var W mat.Dense
	require.NoError(t, W.Inverse(mat.DenseCopyOf(Q)))
	var AtW, N mat.Dense
	AtW.Mul(A.T(), &W)
	N.Mul(&AtW, A)
	var l mat.VecDense
	l.MulVec(&AtW, mat.NewVecDense(3, y0))
	assert.InDelta(l.AtVec(0)/N.At(0, 0), res.X.AtVec(0), 1e-12)
}

// Held parameters are removed from the estimation
func TestSolveHeld(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(4, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3})
	y0 := []float64{2, 2.5, 3, 3.5}
	ne, err := NewNormalEq(y0, make([]float64, 4), A, identityCof(4, 1))
	require.NoError(t, err)

	res, err := ne.SolveHeld([]int{0}, map[int]float64{1: 0.5})
	require.NoError(t, err)
	assert.Equal([]int{0}, res.Cols)
	assert.InDelta(2.0, res.X.AtVec(0), 1e-12)
	assert.Equal(3, res.Dof)
	assert.Equal(-1, res.Index(1))

	_, err = ne.SolveHeld([]int{0, 1}, map[int]float64{1: 0.5})
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = ne.Solve(nil)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = ne.Solve([]int{2})
	assert.ErrorIs(err, ErrInvalidInput)
}

func TestSolveLSInvalid(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	_, err := SolveLS([]float64{1, 2}, []float64{0, 0}, A, identityCof(3, 1), nil)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = SolveLS([]float64{1, 2, 3}, []float64{0, 0, 0}, A, identityCof(2, 1), nil)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = SolveLS([]float64{1, 2, 3}, []float64{0, 0, 0}, A, identityCof(3, -1), nil)
	assert.ErrorIs(err, ErrInvalidInput)

	// Rank deficient: two identical columns
	S := mat.NewDense(3, 2, []float64{1, 1, 2, 2, 3, 3})
	_, err = SolveLS([]float64{1, 2, 3}, []float64{0, 0, 0}, S, identityCof(3, 1), nil)
	assert.ErrorIs(err, ErrSingular)
}

// A unique solution has no redundancy: s02 is 0 and Cxx is the cofactor
func TestSolveLSNoRedundancy(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(2, 2, []float64{1, 0, 0, 2})
	res, err := SolveLS([]float64{3, 4}, []float64{1, 0}, A, identityCof(2, 4), nil)
	require.NoError(t, err)
	assert.Equal(0, res.Dof)
	assert.Equal(0.0, res.S02)
	assert.InDelta(2.0, res.X.AtVec(0), 1e-12)
	assert.InDelta(2.0, res.X.AtVec(1), 1e-12)
	assert.InDelta(4.0, res.Cxx.At(0, 0), 1e-12)
	assert.InDelta(1.0, res.Cxx.At(1, 1), 1e-12)
}

// Residual sigmas: zero for an observation determining a parameter alone
func TestResidualSigma(t *testing.T) {
	assert := assert.New(t)
	A := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 0, 1})
	y0 := []float64{1, 2, 2.2}
	ne, err := NewNormalEq(y0, make([]float64, 3), A, identityCof(3, 1))
	require.NoError(t, err)
	res, err := ne.Solve([]int{0, 1})
	require.NoError(t, err)
	sig := ne.ResidualSigma(res)
	assert.Len(sig, 3)
	assert.InDelta(0.0, sig[0], 1e-9)
	assert.InDelta(math.Sqrt(0.5*res.S02), sig[1], 1e-9)
	assert.InDelta(sig[1], sig[2], 1e-12)
	assert.Equal(3, ne.NumObs())
}

// The position from conditioning the float solution on integer ambiguities
// equals a solve with the ambiguities held
func TestCondAdjustMatchesHeld(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	sys, err := sc.system(nil)
	require.NoError(t, err)
	fs, err := RefineFloat(sys, NewBatchOpt(), nil)
	require.NoError(t, err)

	res, lay := fs.res, fs.ls.lay
	arcs := fs.AmbArcs()
	n := len(arcs)
	require.GreaterOrEqual(t, n, 2)

	p := mat.NewVecDense(3, nil)
	Qpp := mat.NewSymDense(3, nil)
	Qpa := mat.NewDense(3, n, nil)
	a := mat.NewVecDense(n, nil)
	Qaa := mat.NewSymDense(n, nil)
	afix := make([]float64, n)
	held := map[int]float64{}
	for i := range 3 {
		p.SetVec(i, res.X.AtVec(i))
		for j := i; j < 3; j++ {
			Qpp.SetSym(i, j, res.Cxx.At(i, j))
		}
	}
	for i, id := range arcs {
		ci := res.Index(lay.col[id])
		a.SetVec(i, res.X.AtVec(ci))
		afix[i] = math.Round(res.X.AtVec(ci))
		held[lay.col[id]] = afix[i]
		for j := i; j < n; j++ {
			Qaa.SetSym(i, j, res.Cxx.At(ci, res.Index(lay.col[arcs[j]])))
		}
		for k := range 3 {
			Qpa.Set(k, i, res.Cxx.At(k, ci))
		}
	}
	pf, _, err := condAdjust("test", p, Qpp, Qpa, Qaa, a, afix)
	require.NoError(t, err)

	for _, id := range fs.RefArcs {
		held[lay.col[id]] = 0
	}
	hres, err := fs.ne.SolveHeld([]int{0, 1, 2}, held)
	require.NoError(t, err)
	for i := range 3 {
		assert.InDelta(hres.X.AtVec(i), pf.AtVec(i), 1e-6)
	}
}

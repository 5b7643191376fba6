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

// Squared norm (a-z)' Q^-1 (a-z)
func ilsNorm(a, z []float64, Qi *mat.SymDense) float64 {
	n := len(a)
	d := mat.NewVecDense(n, nil)
	for i := range n {
		d.SetVec(i, a[i]-z[i])
	}
	return mat.Inner(d, Qi, d)
}

// The two best candidates agree with an exhaustive search around the float
// vector for a strongly correlated covariance
func TestLambdaExhaustive(t *testing.T) {
	assert := assert.New(t)
	a := []float64{5.45, 3.10, 2.97}
	Q := mat.NewSymDense(3, []float64{
		6.290, 5.978, 0.544,
		5.978, 6.292, 2.340,
		0.544, 2.340, 6.288,
	})
	var ch mat.Cholesky
	require.True(t, ch.Factorize(Q))
	Qi := mat.NewSymDense(3, nil)
	require.NoError(t, ch.InverseTo(Qi))

	s0, s1 := math.MaxFloat64, math.MaxFloat64
	var z0 []float64
	const R = 6
	for i := -R; i <= R; i++ {
		for j := -R; j <= R; j++ {
			for k := -R; k <= R; k++ {
				z := []float64{math.Round(a[0]) + float64(i), math.Round(a[1]) + float64(j), math.Round(a[2]) + float64(k)}
				v := ilsNorm(a, z, Qi)
				switch {
				case v < s0:
					s0, s1, z0 = v, s0, z
				case v < s1:
					s1 = v
				}
			}
		}
	}

	cands, s, err := LambdaSolver{}.Search(a, Q, 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(z0, cands[0])
	assert.InDelta(s0, s[0], 1e-8)
	assert.InDelta(s1, s[1], 1e-8)
	assert.InDelta(s[0], ilsNorm(a, cands[0], Qi), 1e-8)
	assert.InDelta(s[1], ilsNorm(a, cands[1], Qi), 1e-8)
}

// Float values near integers with a small covariance resolve to them
func TestLambdaNearInteger(t *testing.T) {
	assert := assert.New(t)
	a := []float64{3.02, -7.01, 12.98}
	Q := mat.NewSymDense(3, []float64{
		0.010, 0.004, 0.002,
		0.004, 0.012, 0.003,
		0.002, 0.003, 0.011,
	})
	cands, s, err := LambdaSolver{}.Search(a, Q, 2)
	require.NoError(t, err)
	assert.Equal([]float64{3, -7, 13}, cands[0])
	assert.Greater(s[1]/s[0], 10.0)
}

func TestLambdaInvalid(t *testing.T) {
	assert := assert.New(t)
	_, _, err := LambdaSolver{}.Search([]float64{1, 2}, mat.NewSymDense(2, []float64{1, 2, 2, 1}), 2)
	assert.ErrorIs(err, ErrNotPosDef)
	_, _, err = LambdaSolver{}.Search([]float64{1, 2}, mat.NewSymDense(3, nil), 2)
	assert.ErrorIs(err, ErrInvalidInput)
	_, _, err = LambdaSolver{}.Search(nil, mat.NewSymDense(1, nil), 2)
	assert.ErrorIs(err, ErrInvalidInput)
}

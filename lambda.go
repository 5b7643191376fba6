// This code is adapted from RTKLIB.
// The author gratefully acknowledges T.Takasu for his outstanding contribution in developing RTKLIB.
//
// Last modified: 2026.10.16
//

package ddbatch

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotPosDef  = errors.New("covariance is not positive definite")
	ErrSearchLoop = errors.New("search loop count overflow")
)

// IntegerSolver searches the m best integer vectors for the float vector a
// with covariance Q. Candidates are returned in ascending order of the
// squared norms s.
type IntegerSolver interface {
	Search(a []float64, Q mat.Symmetric, m int) (cands [][]float64, s []float64, err error)
}

// LambdaSolver is the LAMBDA method (LD factorization, decorrelation and
// integer search)
type LambdaSolver struct {
	MaxLoop int // Maximum search loop count (0: MAX_SEARCH_LOOP)
}

func (p LambdaSolver) Search(a []float64, Q mat.Symmetric, m int) ([][]float64, []float64, error) {
	loop := p.MaxLoop
	if loop <= 0 {
		loop = MAX_SEARCH_LOOP
	}
	F, s, err := lambda(a, Q, m, loop)
	if err != nil {
		return nil, nil, err
	}
	n := len(a)
	cands := make([][]float64, m)
	for j := range m {
		cands[j] = make([]float64, n)
		for i := range n {
			cands[j][i] = F.At(i, j)
		}
	}
	return cands, s, nil
}

func sgn(x float64) float64 {
	if x <= 0.0 {
		return -1.0
	}
	return 1.0
}

// ld computes Q = L' D L with unit lower triangular L
func ld(Q mat.Symmetric) (L *mat.Dense, D []float64, err error) {
	n := Q.SymmetricDim()
	A := mat.DenseCopyOf(Q)
	L = mat.NewDense(n, n, nil)
	D = make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		D[i] = A.At(i, i)
		if D[i] <= 0 {
			return nil, nil, fmt.Errorf("%w: LD factorization error", ErrNotPosDef)
		}
		a := math.Sqrt(D[i])
		for j := 0; j <= i; j++ {
			L.Set(i, j, A.At(i, j)/a)
		}
		for j := 0; j < i; j++ {
			for k := 0; k <= j; k++ {
				A.Set(j, k, A.At(j, k)-L.At(i, k)*L.At(i, j))
			}
		}
		lii := L.At(i, i)
		for j := 0; j <= i; j++ {
			L.Set(i, j, L.At(i, j)/lii)
		}
	}
	return L, D, nil
}

// Integer gauss transformation
func gauss(L, Z *mat.Dense, i, j int) {
	n, _ := L.Dims()
	mu := math.Round(L.At(i, j))
	if mu == 0 {
		return
	}
	for k := i; k < n; k++ {
		L.Set(k, j, L.At(k, j)-mu*L.At(k, i))
	}
	for k := range n {
		Z.Set(k, j, Z.At(k, j)-mu*Z.At(k, i))
	}
}

// Permutation of columns j and j+1
func perm(L *mat.Dense, D []float64, j int, del float64, Z *mat.Dense) {
	n, _ := L.Dims()
	eta := D[j] / del
	lam := D[j+1] * L.At(j+1, j) / del
	D[j] = eta * D[j+1]
	D[j+1] = del
	for k := 0; k < j; k++ {
		a0, a1 := L.At(j, k), L.At(j+1, k)
		L.Set(j, k, -L.At(j+1, j)*a0+a1)
		L.Set(j+1, k, eta*a0+lam*a1)
	}
	L.Set(j+1, j, lam)
	for k := j + 2; k < n; k++ {
		a, b := L.At(k, j), L.At(k, j+1)
		L.Set(k, j, b)
		L.Set(k, j+1, a)
	}
	for k := range n {
		a, b := Z.At(k, j), Z.At(k, j+1)
		Z.Set(k, j, b)
		Z.Set(k, j+1, a)
	}
}

// Lambda reduction (z = Z' a, Qz = Z' Q Z = L' D L)
func reduction(L *mat.Dense, D []float64, Z *mat.Dense) {
	n := len(D)
	j, k := n-2, n-2
	for j >= 0 {
		if j <= k {
			for i := j + 1; i < n; i++ {
				gauss(L, Z, i, j)
			}
		}
		del := D[j] + L.At(j+1, j)*L.At(j+1, j)*D[j+1]
		if del+1e-6 < D[j+1] {
			perm(L, D, j, del, Z)
			k = j
			j = n - 2
		} else {
			j--
		}
	}
}

// Modified LAMBDA search. Returns the m best candidates as columns of zn and
// their squared norms in ascending order.
func search(L *mat.Dense, D []float64, zs []float64, m, maxLoop int) (zn *mat.Dense, s []float64, err error) {
	n := len(D)
	nn, imax := 0, 0
	maxdist := 1e99
	S := mat.NewDense(n, n, nil)
	dist := make([]float64, n)
	zb := make([]float64, n)
	z := make([]float64, n)
	step := make([]float64, n)
	zn = mat.NewDense(n, m, nil)
	s = make([]float64, m)

	k := n - 1
	dist[k] = 0.0
	zb[k] = zs[k]
	z[k] = math.Round(zb[k])
	y := zb[k] - z[k]
	step[k] = sgn(y)
	c := 0
	for c = 0; c < maxLoop; c++ {
		newdist := dist[k] + y*y/D[k]
		if newdist < maxdist {
			if k != 0 {
				// Move down
				k--
				dist[k] = newdist
				for i := 0; i <= k; i++ {
					S.Set(k, i, S.At(k+1, i)+(z[k+1]-zb[k+1])*L.At(k+1, i))
				}
				zb[k] = zs[k] + S.At(k, k)
				z[k] = math.Round(zb[k])
				y = zb[k] - z[k]
				step[k] = sgn(y)
			} else {
				// Store candidate and move up
				if nn < m {
					if nn == 0 || newdist > s[imax] {
						imax = nn
					}
					zn.SetCol(nn, z)
					s[nn] = newdist
					nn++
				} else {
					if newdist < s[imax] {
						zn.SetCol(imax, z)
						s[imax] = newdist
						imax = 0
						for i := range m {
							if s[imax] < s[i] {
								imax = i
							}
						}
					}
					maxdist = s[imax]
				}
				z[0] += step[0]
				y = zb[0] - z[0]
				step[0] = -step[0] - sgn(step[0])
			}
		} else {
			if k == n-1 {
				break
			}
			k++
			z[k] += step[k]
			y = zb[k] - z[k]
			step[k] = -step[k] - sgn(step[k])
		}
	}
	if c >= maxLoop {
		return nil, nil, fmt.Errorf("%w (%d)", ErrSearchLoop, maxLoop)
	}
	if nn < m {
		return nil, nil, fmt.Errorf("%w: only %d of %d candidates found", ErrSearchLoop, nn, m)
	}

	// Sort by norm
	for i := 0; i < m-1; i++ {
		for j := i + 1; j < m; j++ {
			if s[i] < s[j] {
				continue
			}
			s[i], s[j] = s[j], s[i]
			for k := range n {
				a, b := zn.At(k, i), zn.At(k, j)
				zn.Set(k, i, b)
				zn.Set(k, j, a)
			}
		}
	}
	return zn, s, nil
}

// lambda resolves the integer ambiguities of a (n) with covariance Q (n x n).
// It returns the m best candidates as columns of F (n x m) and their squared
// residual norms s.
func lambda(a []float64, Q mat.Symmetric, m, maxLoop int) (F *mat.Dense, s []float64, err error) {
	n := len(a)
	if n <= 0 || m <= 0 {
		return nil, nil, fmt.Errorf("%w: n=%d, m=%d", ErrInvalidInput, n, m)
	}
	if Q.SymmetricDim() != n {
		return nil, nil, fmt.Errorf("%w: a(%d), Q(%d x %d)", ErrInvalidInput, n, Q.SymmetricDim(), Q.SymmetricDim())
	}
	L, D, err := ld(Q)
	if err != nil {
		return nil, nil, err
	}
	Z := mat.NewDense(n, n, nil)
	for i := range n {
		Z.Set(i, i, 1.0)
	}
	reduction(L, D, Z)

	z := mat.NewVecDense(n, nil)
	z.MulVec(Z.T(), mat.NewVecDense(n, a))
	E, s, err := search(L, D, z.RawVector().Data, m, maxLoop)
	if err != nil {
		return nil, nil, err
	}

	// F = Z'^-1 E
	F = mat.NewDense(n, m, nil)
	if err := F.Solve(Z.T(), E); err != nil {
		return nil, nil, fmt.Errorf("back transformation failed, err= %w", err)
	}
	for i := range n {
		for j := range m {
			F.Set(i, j, math.Round(F.At(i, j)))
		}
	}
	return F, s, nil
}

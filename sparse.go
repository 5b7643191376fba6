// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Sparse design matrix: triplets are accumulated while the system grows and
// compacted to compressed rows when a solve needs them.

package ddbatch

import (
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// Nonzero element of a sparse row
type nzEntry struct {
	Col int
	Val float64
}

// cooBuilder accumulates (row, col, value) triplets
type cooBuilder struct {
	r, c int
	ri   []int
	ci   []int
	v    []float64
}

func newCOO(r, c int) *cooBuilder {
	return &cooBuilder{r: r, c: c}
}

// Set appends one element. Zeros are skipped; duplicates are summed on compaction.
func (p *cooBuilder) Set(i, j int, v float64) {
	if i < 0 || i >= p.r || j < 0 || j >= p.c {
		panic(mat.ErrIndexOutOfRange)
	}
	if v == 0 {
		return
	}
	p.ri = append(p.ri, i)
	p.ci = append(p.ci, j)
	p.v = append(p.v, v)
}

// ToCSR compacts the triplets to compressed sparse rows with sorted columns
func (p *cooBuilder) ToCSR() *CSR {
	m := &CSR{r: p.r, c: p.c, indptr: make([]int, p.r+1)}
	for _, i := range p.ri {
		m.indptr[i+1]++
	}
	for i := 0; i < p.r; i++ {
		m.indptr[i+1] += m.indptr[i]
	}
	ind := make([]nzEntry, len(p.v))
	next := slices.Clone(m.indptr[:p.r])
	for k, i := range p.ri {
		ind[next[i]] = nzEntry{Col: p.ci[k], Val: p.v[k]}
		next[i]++
	}
	m.ind = make([]int, 0, len(ind))
	m.data = make([]float64, 0, len(ind))
	ptr := make([]int, p.r+1)
	for i := 0; i < p.r; i++ {
		row := ind[m.indptr[i]:m.indptr[i+1]]
		slices.SortStableFunc(row, func(a, b nzEntry) int { return a.Col - b.Col })
		for k, e := range row {
			if k > 0 && row[k-1].Col == e.Col {
				m.data[len(m.data)-1] += e.Val
				continue
			}
			m.ind = append(m.ind, e.Col)
			m.data = append(m.data, e.Val)
		}
		ptr[i+1] = len(m.ind)
	}
	m.indptr = ptr
	return m
}

// CSR is a read-only compressed sparse row matrix
type CSR struct {
	r, c   int
	indptr []int
	ind    []int
	data   []float64
}

func (m *CSR) Dims() (int, int) {
	return m.r, m.c
}

func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.r || j < 0 || j >= m.c {
		panic(mat.ErrIndexOutOfRange)
	}
	cols := m.ind[m.indptr[i]:m.indptr[i+1]]
	if k, ok := slices.BinarySearch(cols, j); ok {
		return m.data[m.indptr[i]+k]
	}
	return 0
}

func (m *CSR) T() mat.Matrix {
	return mat.Transpose{Matrix: m}
}

func (m *CSR) NNZ() int {
	return len(m.data)
}

// Row returns the nonzero elements of row i
func (m *CSR) Row(i int) []nzEntry {
	row := make([]nzEntry, 0, m.indptr[i+1]-m.indptr[i])
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		row = append(row, nzEntry{Col: m.ind[k], Val: m.data[k]})
	}
	return row
}

// sparseRows extracts the nonzero elements of every row of A
func sparseRows(A mat.Matrix) [][]nzEntry {
	r, c := A.Dims()
	rows := make([][]nzEntry, r)
	if s, ok := A.(*CSR); ok {
		for i := range r {
			rows[i] = s.Row(i)
		}
		return rows
	}
	for i := range r {
		for j := range c {
			if v := A.At(i, j); v != 0 {
				rows[i] = append(rows[i], nzEntry{Col: j, Val: v})
			}
		}
	}
	return rows
}

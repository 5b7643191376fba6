// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.16
//

// Implements the batch observation system and the ambiguity arc bookkeeping.

package ddbatch

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoEpoch     = errors.New("no epoch")
	ErrEmptySystem = errors.New("no observation in the system")
)

// Ambiguity entry of a row
type AmbEntry struct {
	Arc int     // Arc ID
	Val float64 // Coefficient [m/cycle]
}

// Row is one scalar observation equation
type Row struct {
	ID      int        // Stable row ID
	Epoch   int        // Epoch index
	Sat     SatType    // Non-pivot satellite
	Pivot   SatType    // Pivot satellite
	Class   ObsClass   // Observation class
	G       [3]float64 // Position partials
	Amb     []AmbEntry // -lambda for the satellite arc, +lambda for the pivot arc
	Y0      float64    // Observation [m]
	B       float64    // Known term [m]
	QIdx    int        // Index in the epoch cofactor block
	QDiag   float64    // Inflated variance (0: not inflated)
	Outlier bool       // Flagged as outlier
}

// Coefficient of arc id in the row, 0 if absent
func (r *Row) AmbOf(id int) float64 {
	for _, a := range r.Amb {
		if a.Arc == id {
			return a.Val
		}
	}
	return 0
}

// Arc is one ambiguity unknown: an unbroken span of phase tracking of a satellite
type Arc struct {
	ID        int     // Stable arc ID
	Sat       SatType // Satellite
	Lambda    float64 // Wavelength [m]
	First     int     // First epoch index
	Last      int     // Last epoch index
	Block     int     // Block index
	Float     float64 // Float estimate [cycle]
	Var       float64 // Variance of Float [cycle^2]
	Int       int     // Fixed integer [cycle]
	Fixed     bool
	Corrected bool // Corrected for a missed cycle slip
	Ref       bool // Reference arc of its block
}

// Epoch of the system
type Epoch struct {
	Time   GTime
	Pivot  SatType       // Pivot satellite ("" for an empty epoch)
	Empty  bool          // No usable observation
	NumSat int           // Number of satellites used
	Cof    *mat.SymDense // Cofactor block of the epoch rows
	Reason string        // Reason of the exclusion
}

// Satellite state of an epoch
type SatFlag int

const (
	SatAbsent SatFlag = iota
	SatActive         // Phase active, non-pivot
	SatPivot          // Pivot
)

// System is the batch observation system
type System struct {
	RovPos  PosXYZ   // A priori rover position
	BasePos PosXYZ   // Base station position
	Epochs  []*Epoch // All input epochs, including empty ones
	Rows    []*Row   // Rows in ascending ID order
	Arcs    []*Arc   // Arcs in ascending ID order

	flags []map[SatType]SatFlag
}

// AssembleSystem builds the batch DD system from the epoch observations.
// A new ambiguity arc is opened when a satellite starts phase tracking, when it
// was not tracked in the previous epoch, or when a receiver flags a slip.
//
// Parameters:
//   - epochs: Observations in time order
//   - orb: Satellite orbits
//   - rovPos: A priori rover position
//   - basePos: Known base position
//   - opt: Options of the epoch builder
//
// Returns:
//   - *System: Batch system; every epoch may be empty
//   - error: No epoch or invalid input
func AssembleSystem(
	epochs []*EpochObs, // Observations
	orb Orbits, // Satellite orbits
	rovPos *PosXYZ, // A priori rover position
	basePos *PosXYZ, // Base station position
	opt *DDOpt, // Calculation options
) (*System, error) {

	if len(epochs) == 0 {
		return nil, ErrNoEpoch
	}
	if orb == nil || rovPos == nil || basePos == nil || opt == nil {
		return nil, fmt.Errorf("%w: nil argument to AssembleSystem()", ErrInvalidInput)
	}

	sys := &System{RovPos: *rovPos, BasePos: *basePos}
	openArc := map[SatType]*Arc{}
	lastActive := map[SatType]int{}
	nextRow := 0

	for e, obs := range epochs {
		if obs == nil {
			return nil, fmt.Errorf("%w: nil epoch %d", ErrInvalidInput, e)
		}
		if e > 0 && !epochs[e-1].Time.Less(obs.Time) {
			return nil, fmt.Errorf("%w: epoch %d (%s) is not after %s", ErrInvalidInput, e, obs.Time, epochs[e-1].Time)
		}
		ep := &Epoch{Time: obs.Time}
		sys.Epochs = append(sys.Epochs, ep)
		flags := map[SatType]SatFlag{}
		sys.flags = append(sys.flags, flags)

		dd, err := BuildEpochDD(obs, orb, rovPos, basePos, opt)
		if err != nil {
			return nil, fmt.Errorf("BuildEpochDD() failed, epoch=%d, err= %w", e, err)
		}
		if dd.Empty() {
			ep.Empty = true
			ep.Reason = dd.Reason
			PrintD(2, "\t%s: epoch excluded, %s\n", obs.Time, dd.Reason)
			continue
		}
		ep.Pivot = dd.Pivot
		ep.NumSat = dd.NumSat
		ep.Cof = dd.Q

		// Arcs of the satellites with phase rows
		if len(dd.Phase) >= 2 {
			for _, sat := range dd.Phase {
				arc, ok := openArc[sat]
				last, seen := lastActive[sat]
				if !ok || !seen || last != e-1 || dd.Slip[sat] {
					arc = &Arc{ID: len(sys.Arcs), Sat: sat, Lambda: dd.Lambda[sat], First: e}
					sys.Arcs = append(sys.Arcs, arc)
					openArc[sat] = arc
					PrintD(3, "\t%s %s: new arc %d\n", obs.Time, sat, arc.ID)
				}
				arc.Last = e
				lastActive[sat] = e
				flags[sat] = SatActive
			}
			flags[dd.Pivot] = SatPivot
		}

		for i, d := range dd.Rows {
			row := &Row{
				ID:    nextRow,
				Epoch: e,
				Sat:   d.Sat,
				Pivot: dd.Pivot,
				Class: d.Class,
				G:     d.G,
				Y0:    d.Y0,
				B:     d.B,
				QIdx:  i,
			}
			if d.Class == PhaseObs {
				sa, pa := openArc[d.Sat], openArc[dd.Pivot]
				row.Amb = []AmbEntry{{Arc: sa.ID, Val: -sa.Lambda}, {Arc: pa.ID, Val: pa.Lambda}}
			}
			sys.Rows = append(sys.Rows, row)
			nextRow++
		}
	}

	PrintD(1, "\tsystem: epochs=%d/%d, rows=%d, arcs=%d\n", sys.NumEpoch(), len(sys.Epochs), len(sys.Rows), len(sys.Arcs))
	return sys, nil
}

// Number of non-empty epochs
func (s *System) NumEpoch() int {
	n := 0
	for _, ep := range s.Epochs {
		if !ep.Empty {
			n++
		}
	}
	return n
}

// Arc returns the arc of id, nil if it has been removed
func (s *System) Arc(id int) *Arc {
	i, ok := slices.BinarySearchFunc(s.Arcs, id, func(a *Arc, id int) int { return a.ID - id })
	if !ok {
		return nil
	}
	return s.Arcs[i]
}

// ArcIDs returns the IDs of the live arcs in ascending order
func (s *System) ArcIDs() []int {
	ids := make([]int, len(s.Arcs))
	for i, a := range s.Arcs {
		ids[i] = a.ID
	}
	return ids
}

// ArcLengths returns the number of distinct epochs observed by each arc
func (s *System) ArcLengths() map[int]int {
	n := make(map[int]int, len(s.Arcs))
	last := map[int]int{}
	for _, a := range s.Arcs {
		n[a.ID] = 0
	}
	for _, r := range s.Rows {
		for _, e := range r.Amb {
			if l, ok := last[e.Arc]; ok && l == r.Epoch {
				continue
			}
			last[e.Arc] = r.Epoch
			n[e.Arc]++
		}
	}
	return n
}

// Subset returns an independent copy of the rows selected by keep and the
// arcs they reference. Epochs are shared read-only.
func (s *System) Subset(keep func(r *Row) bool) *System {
	sub := &System{RovPos: s.RovPos, BasePos: s.BasePos, Epochs: s.Epochs, flags: s.flags}
	used := map[int]bool{}
	for _, r := range s.Rows {
		if keep != nil && !keep(r) {
			continue
		}
		c := *r
		c.Amb = slices.Clone(r.Amb)
		sub.Rows = append(sub.Rows, &c)
		for _, e := range r.Amb {
			used[e.Arc] = true
		}
	}
	for _, a := range s.Arcs {
		if used[a.ID] {
			c := *a
			sub.Arcs = append(sub.Arcs, &c)
		}
	}
	return sub
}

// RemoveArcs removes the arcs and every row that references them.
// It returns the number of rows removed.
func (s *System) RemoveArcs(ids ...int) int {
	if len(ids) == 0 {
		return 0
	}
	rm := map[int]bool{}
	for _, id := range ids {
		rm[id] = true
	}
	n := len(s.Rows)
	s.Rows = slices.DeleteFunc(s.Rows, func(r *Row) bool {
		for _, e := range r.Amb {
			if rm[e.Arc] {
				return true
			}
		}
		return false
	})
	s.Arcs = slices.DeleteFunc(s.Arcs, func(a *Arc) bool { return rm[a.ID] })
	return n - len(s.Rows)
}

// RemoveRows removes the rows selected by del and the arcs left without rows
func (s *System) RemoveRows(del func(r *Row) bool) int {
	n := len(s.Rows)
	s.Rows = slices.DeleteFunc(s.Rows, del)
	s.dropUnusedArcs()
	return n - len(s.Rows)
}

func (s *System) dropUnusedArcs() {
	used := map[int]bool{}
	for _, r := range s.Rows {
		for _, e := range r.Amb {
			used[e.Arc] = true
		}
	}
	s.Arcs = slices.DeleteFunc(s.Arcs, func(a *Arc) bool { return !used[a.ID] })
}

// mergeSystems reassembles systems that share epochs into one. Rows and arcs
// are matched by ID; later parts override earlier ones.
func mergeSystems(parts ...*System) *System {
	if len(parts) == 0 {
		return nil
	}
	out := &System{RovPos: parts[0].RovPos, BasePos: parts[0].BasePos, Epochs: parts[0].Epochs, flags: parts[0].flags}
	rows := map[int]*Row{}
	arcs := map[int]*Arc{}
	for _, p := range parts {
		for _, r := range p.Rows {
			rows[r.ID] = r
		}
		for _, a := range p.Arcs {
			arcs[a.ID] = a
		}
	}
	out.Rows = maps.Values(rows)
	slices.SortFunc(out.Rows, func(a, b *Row) int { return a.ID - b.ID })
	out.Arcs = maps.Values(arcs)
	slices.SortFunc(out.Arcs, func(a, b *Arc) int { return a.ID - b.ID })
	return out
}

// Flags returns the satellite states (absent / active non-pivot / pivot) of each epoch
func (s *System) Flags() []map[SatType]SatFlag {
	return s.flags
}

// One entry of the epoch-to-row tracking table
type TrackEntry struct {
	Epoch int
	Time  GTime
	Row   int // Row ID
	Sat   SatType
	Pivot SatType
	Class ObsClass
	Arc   int // Arc ID of Sat (-1 for code rows)
}

// Tracking returns the epoch-to-row/PRN table of the live rows
func (s *System) Tracking() []TrackEntry {
	t := make([]TrackEntry, 0, len(s.Rows))
	for _, r := range s.Rows {
		arc := -1
		for _, e := range r.Amb {
			if e.Val < 0 {
				arc = e.Arc
			}
		}
		t = append(t, TrackEntry{Epoch: r.Epoch, Time: s.Epochs[r.Epoch].Time, Row: r.ID,
			Sat: r.Sat, Pivot: r.Pivot, Class: r.Class, Arc: arc})
	}
	return t
}

// Column layout of the design matrix
type layout struct {
	npos int         // Number of position triples
	arcs []int       // Arc IDs in column order
	col  map[int]int // Arc ID to column
}

func newLayout(npos int, arcIDs []int) *layout {
	lay := &layout{npos: npos, arcs: slices.Clone(arcIDs), col: make(map[int]int, len(arcIDs))}
	for i, id := range arcIDs {
		lay.col[id] = 3*npos + i
	}
	return lay
}

func (l *layout) NumCols() int {
	return 3*l.npos + len(l.arcs)
}

// Columns of all parameters except the listed arcs
func (l *layout) colsExcept(arcs ...int) []int {
	cols := make([]int, 0, l.NumCols())
	for i := 0; i < 3*l.npos; i++ {
		cols = append(cols, i)
	}
	for _, id := range l.arcs {
		if !slices.Contains(arcs, id) {
			cols = append(cols, l.col[id])
		}
	}
	return cols
}

// lsSystem is the compiled least-squares form of a System
type lsSystem struct {
	rows []*Row // Rows in the order of y0
	lay  *layout
	y0   []float64
	b    []float64
	A    *CSR
	Q    *BlockCofactor
}

// compile builds y0, b, A and Q. posOf gives the position triple of a row;
// rows with a negative triple are left out. nil means a single triple.
func (s *System) compile(lay *layout, posOf func(r *Row) int) *lsSystem {
	ls := &lsSystem{lay: lay}
	for _, r := range s.Rows {
		if posOf != nil && posOf(r) < 0 {
			continue
		}
		ls.rows = append(ls.rows, r)
	}
	n := len(ls.rows)
	coo := newCOO(n, lay.NumCols())
	ls.y0 = make([]float64, n)
	ls.b = make([]float64, n)
	for i, r := range ls.rows {
		p := 0
		if posOf != nil {
			p = posOf(r)
		}
		for k := range 3 {
			coo.Set(i, 3*p+k, r.G[k])
		}
		for _, e := range r.Amb {
			if c, ok := lay.col[e.Arc]; ok {
				coo.Set(i, c, e.Val)
			}
		}
		ls.y0[i] = r.Y0
		ls.b[i] = r.B
	}
	ls.A = coo.ToCSR()

	// One cofactor block per epoch
	ls.Q = NewBlockCofactor()
	for i := 0; i < n; {
		j := i
		for j < n && ls.rows[j].Epoch == ls.rows[i].Epoch {
			j++
		}
		cof := s.Epochs[ls.rows[i].Epoch].Cof
		blk := mat.NewSymDense(j-i, nil)
		for a := i; a < j; a++ {
			ra := ls.rows[a]
			for c := a; c < j; c++ {
				v := cof.At(ra.QIdx, ls.rows[c].QIdx)
				if c == a && ra.QDiag > 0 {
					v = ra.QDiag
				}
				blk.SetSym(a-i, c-i, v)
			}
		}
		ls.Q.Append(blk)
		i = j
	}
	return ls
}

// Normal equations of the compiled system
func (ls *lsSystem) normalEq() (*NormalEq, error) {
	if len(ls.rows) == 0 {
		return nil, ErrEmptySystem
	}
	return NewNormalEq(ls.y0, ls.b, ls.A, ls.Q)
}

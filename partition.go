// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"golang.org/x/exp/slices"
)

// Block is a run of epochs without a full outage, estimated independently
type Block struct {
	Index    int
	First    int   // First non-empty epoch index
	Last     int   // Last non-empty epoch index
	Rows     []int // Row IDs
	Arcs     []int // Arc IDs
	RefArcs  []int // Reference arc ID of each arc group
	Degraded bool  // Less than 2 usable ambiguities remained after stabilization
	Removed  bool  // Removed as unstable

	groups [][]int // Arc IDs of each arc group, aligned with RefArcs
}

// Contains reports whether epoch e is inside the block
func (b *Block) Contains(e int) bool {
	return e >= b.First && e <= b.Last
}

// PartitionBlocks splits the system at runs of empty epochs of at least
// fullSlipSplit epochs. fullSlipSplit <= 0 gives a single block.
func PartitionBlocks(sys *System, fullSlipSplit int) []*Block {
	blocks := []*Block{}
	var cur *Block
	gap := 0
	for e, ep := range sys.Epochs {
		if ep.Empty {
			gap++
			continue
		}
		if cur == nil || (fullSlipSplit > 0 && gap >= fullSlipSplit) {
			if cur != nil {
				PrintD(2, "\tblock %d: epochs %d-%d, full slip of %d epochs\n", cur.Index, cur.First, cur.Last, gap)
			}
			cur = &Block{Index: len(blocks), First: e}
			blocks = append(blocks, cur)
		}
		cur.Last = e
		gap = 0
	}

	for _, b := range blocks {
		b.assign(sys)
	}
	return blocks
}

// assign collects the rows and arcs of the block and gives every arc group
// one reference arc. A reference is kept while it is alive, otherwise a new
// one is selected for its group.
func (b *Block) assign(sys *System) {
	b.Rows = b.Rows[:0]
	arcs := map[int]bool{}
	rows := []*Row{}
	for _, r := range sys.Rows {
		if !b.Contains(r.Epoch) {
			continue
		}
		b.Rows = append(b.Rows, r.ID)
		rows = append(rows, r)
		for _, e := range r.Amb {
			arcs[e.Arc] = true
		}
	}
	b.Arcs = b.Arcs[:0]
	for _, a := range sys.Arcs {
		if arcs[a.ID] {
			b.Arcs = append(b.Arcs, a.ID)
			a.Block = b.Index
		}
	}

	groups, grows := arcGroups(rows)
	refs := make([]int, len(groups))
	for g, ids := range groups {
		refs[g] = -1
		for _, id := range b.RefArcs {
			if slices.Contains(ids, id) {
				refs[g] = id
				break
			}
		}
		if refs[g] < 0 {
			refs[g] = selectRefArc(grows[g])
		}
	}
	if len(groups) > 1 {
		PrintD(2, "\tblock %d: %d arc groups, references %v\n", b.Index, len(groups), refs)
	}
	b.groups = groups
	b.setRefs(sys, refs)
}

// arcGroups splits the arcs of the rows into groups connected by common
// rows. Every group needs its own reference arc. Groups are ordered by their
// smallest arc ID; the rows of each group are returned in input order.
func arcGroups(rows []*Row) ([][]int, [][]*Row) {
	parent := map[int]int{}
	find := func(id int) int {
		for parent[id] != id {
			parent[id] = parent[parent[id]]
			id = parent[id]
		}
		return id
	}
	for _, r := range rows {
		for _, e := range r.Amb {
			if _, ok := parent[e.Arc]; !ok {
				parent[e.Arc] = e.Arc
			}
		}
		for _, e := range r.Amb[min(1, len(r.Amb)):] {
			ra, rb := find(r.Amb[0].Arc), find(e.Arc)
			if ra != rb {
				parent[max(ra, rb)] = min(ra, rb)
			}
		}
	}

	ids := make([]int, 0, len(parent))
	for id := range parent {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	index := map[int]int{}
	groups := [][]int{}
	for _, id := range ids {
		root := find(id)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], id)
	}
	grows := make([][]*Row, len(groups))
	for _, r := range rows {
		if len(r.Amb) > 0 {
			g := index[find(r.Amb[0].Arc)]
			grows[g] = append(grows[g], r)
		}
	}
	return groups, grows
}

// refreshBlocks reassigns the rows and arcs of sys to the blocks after removals
func refreshBlocks(sys *System, blocks []*Block) {
	for _, b := range blocks {
		if !b.Removed {
			b.assign(sys)
		}
	}
}

func (b *Block) setRefs(sys *System, ids []int) {
	for _, aid := range b.Arcs {
		if a := sys.Arc(aid); a != nil {
			a.Ref = slices.Contains(ids, aid)
		}
	}
	b.RefArcs = ids
}

// RefOf returns the reference arc of the group of arc id, -1 if id is not in the block
func (b *Block) RefOf(id int) int {
	for g, ids := range b.groups {
		if slices.Contains(ids, id) {
			return b.RefArcs[g]
		}
	}
	return -1
}

// selectRefArc scans the rows backwards and returns the pivot arc of the last
// phase row, or its satellite arc when the pivot has none. -1 if no phase row.
func selectRefArc(rows []*Row) int {
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if r.Class != PhaseObs || len(r.Amb) == 0 {
			continue
		}
		for _, e := range r.Amb {
			if e.Val > 0 {
				return e.Arc
			}
		}
		return r.Amb[0].Arc
	}
	return -1
}

// RowMask marks the rows of sys that belong to the block
func (b *Block) RowMask(sys *System) []bool {
	mask := make([]bool, len(sys.Rows))
	for i, r := range sys.Rows {
		mask[i] = b.Contains(r.Epoch)
	}
	return mask
}

// ArcMask marks the arcs of sys that belong to the block
func (b *Block) ArcMask(sys *System) []bool {
	mask := make([]bool, len(sys.Arcs))
	for i, a := range sys.Arcs {
		mask[i] = slices.Contains(b.Arcs, a.ID)
	}
	return mask
}

// Subsystem returns an independent copy of the block rows
func (b *Block) Subsystem(sys *System) *System {
	return sys.Subset(func(r *Row) bool { return b.Contains(r.Epoch) })
}

// Reference arcs of the blocks
func refArcs(blocks []*Block) []int {
	refs := []int{}
	for _, b := range blocks {
		if b.Removed {
			continue
		}
		for _, id := range b.RefArcs {
			if id >= 0 {
				refs = append(refs, id)
			}
		}
	}
	return refs
}

// ColOK lists the columns of the single-triple design matrix of sys to be
// estimated: the 3 position columns and every arc except the reference arcs
func ColOK(sys *System, blocks []*Block) []int {
	return newLayout(1, sys.ArcIDs()).colsExcept(refArcs(blocks)...)
}

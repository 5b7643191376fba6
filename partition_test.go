// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.18
//

package ddbatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Outage of 12 epochs in the middle of 60
func outageScenario() *scenario {
	sc := newScenario()
	sc.nepoch = 60
	for k := 24; k < 36; k++ {
		sc.empty[k] = true
	}
	return sc
}

func TestPartitionBlocks(t *testing.T) {
	assert := assert.New(t)
	sys, err := outageScenario().system(nil)
	require.NoError(t, err)

	blocks := PartitionBlocks(sys, 10)
	require.Len(t, blocks, 2)
	assert.Equal(0, blocks[0].First)
	assert.Equal(23, blocks[0].Last)
	assert.Equal(36, blocks[1].First)
	assert.Equal(59, blocks[1].Last)
	assert.True(blocks[0].Contains(10))
	assert.False(blocks[0].Contains(30))
	assert.Len(blocks[0].Arcs, 7)
	assert.Len(blocks[1].Arcs, 7)
	assert.Len(blocks[0].Rows, 24*12)

	// The reference is the pivot arc of the last phase row
	for _, b := range blocks {
		require.Len(t, b.RefArcs, 1)
		ref := sys.Arc(b.RefArcs[0])
		require.NotNil(t, ref)
		assert.Equal(SatType("G01"), ref.Sat)
		assert.True(ref.Ref)
		assert.Equal(b.Index, ref.Block)
		assert.Equal(ref.ID, b.RefOf(b.Arcs[len(b.Arcs)-1]))
	}
	assert.Equal([]int{blocks[0].RefArcs[0], blocks[1].RefArcs[0]}, refArcs(blocks))
	assert.Equal(-1, blocks[0].RefOf(blocks[1].Arcs[0]))

	// Masks
	rm := blocks[1].RowMask(sys)
	assert.Len(rm, len(sys.Rows))
	assert.False(rm[0])
	assert.True(rm[len(rm)-1])
	am := blocks[0].ArcMask(sys)
	assert.Equal(7, countTrue(am))

	// Columns: 3 position + 14 arcs - 2 references
	assert.Len(ColOK(sys, blocks), 3+14-2)
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// A short outage does not split, a split of 0 gives a single block
func TestPartitionBlocksNoSplit(t *testing.T) {
	assert := assert.New(t)
	sys, err := outageScenario().system(nil)
	require.NoError(t, err)
	assert.Len(PartitionBlocks(sys, 13), 1)
	assert.Len(PartitionBlocks(sys, 12), 2)
	blocks := PartitionBlocks(sys, 0)
	require.Len(t, blocks, 1)
	assert.Equal(0, blocks[0].First)
	assert.Equal(59, blocks[0].Last)
}

// The reference arc is kept while alive and replaced after its removal
func TestRefreshBlocks(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	sc.nepoch = 20
	sys, err := sc.system(nil)
	require.NoError(t, err)
	blocks := PartitionBlocks(sys, 10)
	require.Len(t, blocks, 1)
	b := blocks[0]
	require.Len(t, b.RefArcs, 1)
	old := b.RefArcs[0]

	other := -1
	for _, id := range b.Arcs {
		if id != old {
			other = id
			break
		}
	}
	b.setRefs(sys, []int{other})
	refreshBlocks(sys, blocks)
	assert.Equal([]int{other}, b.RefArcs)

	sys.RemoveArcs(other)
	refreshBlocks(sys, blocks)
	require.Len(t, b.RefArcs, 1)
	assert.NotEqual(other, b.RefArcs[0])
	assert.GreaterOrEqual(b.RefArcs[0], 0)
	assert.Len(b.Arcs, 6)
	n := 0
	for _, a := range sys.Arcs {
		if a.Ref {
			n++
		}
	}
	assert.Equal(1, n)
}

// An outage shorter than the split reopens every arc inside one block; each
// group of arcs gets its own reference
func TestPartitionBlocksArcGroups(t *testing.T) {
	assert := assert.New(t)
	sc := newScenario()
	sc.nepoch = 40
	sc.empty[20] = true
	sys, err := sc.system(nil)
	require.NoError(t, err)
	require.Len(t, sys.Arcs, 14)

	blocks := PartitionBlocks(sys, 10)
	require.Len(t, blocks, 1)
	b := blocks[0]
	require.Len(t, b.RefArcs, 2)
	require.Len(t, b.groups, 2)
	for g, ids := range b.groups {
		assert.Len(ids, 7)
		assert.Contains(ids, b.RefArcs[g])
		for _, id := range ids {
			assert.Equal(b.RefArcs[g], b.RefOf(id))
		}
	}
	for _, id := range b.groups[0] {
		assert.Less(sys.Arc(id).Last, 20)
	}
	for _, id := range b.groups[1] {
		assert.Greater(sys.Arc(id).First, 20)
	}
	assert.ElementsMatch(b.RefArcs, refArcs(blocks))
	assert.Len(ColOK(sys, blocks), 3+14-2)
}

func TestArcGroups(t *testing.T) {
	assert := assert.New(t)
	rows := []*Row{
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 5, Val: -0.19}, {Arc: 4, Val: 0.19}}},
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 1, Val: -0.19}, {Arc: 0, Val: 0.19}}},
		{Class: CodeObs},
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 2, Val: -0.19}, {Arc: 0, Val: 0.19}}},
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 6, Val: -0.19}, {Arc: 5, Val: 0.19}}},
	}
	groups, grows := arcGroups(rows)
	assert.Equal([][]int{{0, 1, 2}, {4, 5, 6}}, groups)
	require.Len(t, grows, 2)
	assert.Equal([]*Row{rows[1], rows[3]}, grows[0])
	assert.Equal([]*Row{rows[0], rows[4]}, grows[1])

	// A row joining both groups
	rows = append(rows, &Row{Class: PhaseObs, Amb: []AmbEntry{{Arc: 6, Val: -0.19}, {Arc: 2, Val: 0.19}}})
	groups, _ = arcGroups(rows)
	assert.Equal([][]int{{0, 1, 2, 4, 5, 6}}, groups)

	groups, grows = arcGroups(rows[2:3])
	assert.Empty(groups)
	assert.Empty(grows)
}

func TestSelectRefArc(t *testing.T) {
	assert := assert.New(t)
	rows := []*Row{
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 3, Val: -0.19}, {Arc: 1, Val: 0.19}}},
		{Class: PhaseObs, Amb: []AmbEntry{{Arc: 4, Val: -0.19}, {Arc: 2, Val: 0.19}}},
		{Class: CodeObs},
	}
	assert.Equal(2, selectRefArc(rows))
	rows[1].Amb = []AmbEntry{{Arc: 4, Val: -0.19}}
	assert.Equal(4, selectRefArc(rows))
	assert.Equal(-1, selectRefArc(rows[2:]))
}

package toptree

import (
	"sort"

	"github.com/cosmo-nbody/nbodydomain/peano"
)

// Entry is one local particle's contribution to the top-tree build: its
// cached key and its work cost (spec §4.4's per-particle work, computed
// by the caller before Build runs).
type Entry struct {
	Key  peano.Key
	Cost float64
}

// Build performs the local refinement of spec §4.3: sort local entries by
// key, start a root node covering the whole curve, and refine any node
// whose count or cost exceeds 80% of its parent's, stopping below 8 cells
// of key space, bounded by maxNodes.
func Build(entries []Entry, maxNodes int) (*Tree, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	t := NewTree(maxNodes)
	rootIdx, err := t.alloc()
	if err != nil {
		return nil, err
	}
	count, cost := summarize(sorted, 0, len(sorted))
	t.Nodes[rootIdx].StartKey = 0
	t.Nodes[rootIdx].Size = uint64(peano.Cells)
	t.Nodes[rootIdx].Count = count
	t.Nodes[rootIdx].Cost = cost
	t.Nodes[rootIdx].PIndex = 0

	if err := t.maybeRefine(rootIdx, sorted, 0, len(sorted), 0, 0, true); err != nil {
		return nil, err
	}
	return t, nil
}

func summarize(entries []Entry, lo, hi int) (int64, float64) {
	var cost float64
	for i := lo; i < hi; i++ {
		cost += entries[i].Cost
	}
	return int64(hi - lo), cost
}

// partitionBound returns the first index in [lo, hi) whose key is >= bound.
func partitionBound(entries []Entry, lo, hi int, bound peano.Key) int {
	return lo + sort.Search(hi-lo, func(i int) bool { return entries[lo+i].Key >= bound })
}

// maybeRefine implements spec §4.3's local-refinement rule. isRoot bypasses
// the 80%-of-parent test since the root has no parent to compare against.
func (t *Tree) maybeRefine(
	nodeIdx int32, entries []Entry, lo, hi int,
	parentCount int64, parentCost float64, isRoot bool,
) error {
	size := t.Nodes[nodeIdx].Size
	count := t.Nodes[nodeIdx].Count
	cost := t.Nodes[nodeIdx].Cost

	refine := size >= minCellsForRefine && (isRoot ||
		float64(count) > concentrationFraction*float64(parentCount) ||
		cost > concentrationFraction*parentCost)
	if !refine {
		return nil
	}

	daughterSize := size / 8
	startKey := t.Nodes[nodeIdx].StartKey

	first := int32(-1)
	cursor := lo
	for d := 0; d < 8; d++ {
		dStart := startKey + peano.Key(daughterSize)*peano.Key(d)

		var dEnd int
		if d == 7 {
			dEnd = hi
		} else {
			bound := startKey + peano.Key(daughterSize)*peano.Key(d+1)
			dEnd = partitionBound(entries, cursor, hi, bound)
		}

		dIdx, err := t.alloc()
		if err != nil {
			return err
		}
		if d == 0 {
			first = dIdx
		}
		dCount, dCost := summarize(entries, cursor, dEnd)
		t.Nodes[dIdx].StartKey = dStart
		t.Nodes[dIdx].Size = daughterSize
		t.Nodes[dIdx].Parent = nodeIdx
		t.Nodes[dIdx].Count = dCount
		t.Nodes[dIdx].Cost = dCost
		t.Nodes[dIdx].PIndex = cursor

		cursor = dEnd
	}
	t.Nodes[nodeIdx].Daughter = first

	for d := int32(0); d < 8; d++ {
		dIdx := first + d
		dLo := t.Nodes[dIdx].PIndex
		dHi := hi
		if d != 7 {
			dHi = t.Nodes[first+d+1].PIndex
		}
		if err := t.maybeRefine(dIdx, entries, dLo, dHi, count, cost, false); err != nil {
			return err
		}
	}
	return nil
}

// Package toptree builds the global octree over Peano-Hilbert key space
// described in spec §4.3: a local parallel refinement per rank, a
// non-recursive pairwise merge across ranks, and a post-merge leaf-quota
// adaptation. There is no teacher-repo analogue for this component — it
// is grounded directly on original_source/domain.c's
// domain_determineTopTree/domain_insertnode, per the task's instruction
// to fall back to the original source when the spec names a structural
// merge semantics a generic reduce would not preserve.
package toptree

import (
	"errors"

	"github.com/cosmo-nbody/nbodydomain/peano"
)

// TopNodeFactor is the constant in the post-merge leaf-quota formula
// (spec §4.3 "Post-merge adaptation"), matching the original's
// `#define TOPNODEFACTOR 0.1`.
const TopNodeFactor = 0.1

// concentrationFraction is the 80% local-refinement threshold of spec §4.3.
const concentrationFraction = 0.8

// minCellsForRefine is the 8-cell floor below which refinement stops.
const minCellsForRefine = 8

var (
	// ErrBudgetOverflow is spec §7 kind 1. decomp.Decomposer retries the
	// top-tree build after it with the node budget multiplied by
	// 1 + TopNodeAllocFactor; when it comes from post-merge adaptation it
	// is fatal there.
	ErrBudgetOverflow = errors.New("toptree: node budget exhausted")
	// ErrCorrupt is spec §7 kind 4: fatal, never retried.
	ErrCorrupt = errors.New("toptree: structural corruption")
)

// Node is one node of the global octree: spec §3 "Top-Tree node".
type Node struct {
	StartKey peano.Key
	Size     uint64 // power of 8 share of peano.Cells this node spans
	Daughter int32  // index of the first of 8 daughters, -1 if leaf
	Parent   int32
	Leaf     int32 // ordinal among leaves in Peano-Hilbert order, -1 until assigned
	Count    int64
	Cost     float64

	// PIndex is the offset into the caller's sorted (key, cost) array
	// where this node's particles begin; meaningful only during local
	// refinement (see build.go), stale afterward.
	PIndex int
}

// IsLeaf reports whether this node has no daughters.
func (n *Node) IsLeaf() bool { return n.Daughter < 0 }

// DaughterSize is this node's Size/8, the key-space width of each child.
func (n *Node) DaughterSize() uint64 { return n.Size / 8 }

// Tree is a top-tree under construction or finalized, bounded by MaxNodes
// (spec §4.3 "Recursion is bounded by a global MaxTopNodes budget").
type Tree struct {
	Nodes    []Node
	MaxNodes int
}

// NewTree allocates an empty tree with the given node budget.
func NewTree(maxNodes int) *Tree {
	return &Tree{MaxNodes: maxNodes}
}

func (t *Tree) alloc() (int32, error) {
	if len(t.Nodes) >= t.MaxNodes {
		return -1, ErrBudgetOverflow
	}
	t.Nodes = append(t.Nodes, Node{Daughter: -1, Leaf: -1, Parent: -1, PIndex: -1})
	return int32(len(t.Nodes) - 1), nil
}

// AssignLeafOrdinals walks the tree in Peano-Hilbert order, stamping
// Node.Leaf on every leaf and returning the leaves' node indices in that
// order (spec §3 "leaf ordinals enumerate leaves in Peano-Hilbert order").
func (t *Tree) AssignLeafOrdinals() []int32 {
	var leaves []int32
	var walk func(idx int32)
	walk = func(idx int32) {
		if t.Nodes[idx].IsLeaf() {
			t.Nodes[idx].Leaf = int32(len(leaves))
			leaves = append(leaves, idx)
			return
		}
		first := t.Nodes[idx].Daughter
		for d := int32(0); d < 8; d++ {
			walk(first + d)
		}
	}
	walk(0)
	return leaves
}

// LeafForKey descends from the root to the leaf owning key, per spec
// §4.4's lookup rule: "at each interior node advance to Daughter +
// (key-StartKey)/(Size/8)".
func (t *Tree) LeafForKey(key peano.Key) int32 {
	idx := int32(0)
	for {
		n := &t.Nodes[idx]
		if n.IsLeaf() {
			return n.Leaf
		}
		offset := (uint64(key) - uint64(n.StartKey)) / n.DaughterSize()
		idx = n.Daughter + int32(offset)
	}
}

package toptree

import (
	"fmt"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/peano"
)

// openIfNeeded turns a leaf into an interior node with 8 daughters,
// distributing its current count and cost uniformly across them (1/8
// each, except the first daughter absorbs the remainder), subject to the
// node budget. No-op if the node already has daughters.
func openIfNeeded(t *Tree, idx int32) error {
	if t.Nodes[idx].Daughter >= 0 {
		return nil
	}
	size := t.Nodes[idx].Size
	if size < minCellsForRefine {
		return fmt.Errorf("%w: cannot open a node smaller than %d cells", ErrCorrupt, minCellsForRefine)
	}
	startKey := t.Nodes[idx].StartKey
	daughterSize := size / 8
	count := t.Nodes[idx].Count
	cost := t.Nodes[idx].Cost

	countShare := count / 8
	costShare := cost / 8

	first := int32(-1)
	for d := 0; d < 8; d++ {
		dIdx, err := t.alloc()
		if err != nil {
			return err
		}
		if d == 0 {
			first = dIdx
		}
		dCount := countShare
		dCost := costShare
		if d == 0 {
			dCount = count - countShare*7
			dCost = cost - costShare*7
		}
		t.Nodes[dIdx] = Node{
			StartKey: startKey + peano.Key(daughterKeyOffset(daughterSize, d)),
			Size:     daughterSize,
			Daughter: -1,
			Parent:   idx,
			Leaf:     -1,
			Count:    dCount,
			Cost:     dCost,
			PIndex:   -1,
		}
	}
	t.Nodes[idx].Daughter = first
	return nil
}

// Insert implements spec §4.3's "Global merge" reception rule: a
// size-ordered structural merge of the incoming subtree (rooted at
// incoming[incomingIdx]) into the local tree (rooted at local index
// localIdx). This is deliberately not a generic numeric reduce — see
// spec §9 Design Notes.
func Insert(local *Tree, localIdx int32, incoming []Node, incomingIdx int32) error {
	locSize := local.Nodes[localIdx].Size
	inNode := incoming[incomingIdx]

	switch {
	case inNode.Size < locSize:
		// Incoming is finer: open the local side (if not already) and
		// descend to the daughter covering the incoming node's key range.
		if err := openIfNeeded(local, localIdx); err != nil {
			return err
		}
		daughterSize := local.Nodes[localIdx].Size / 8
		offset := (uint64(inNode.StartKey) - uint64(local.Nodes[localIdx].StartKey)) / daughterSize
		childIdx := local.Nodes[localIdx].Daughter + int32(offset)
		return Insert(local, childIdx, incoming, incomingIdx)

	case inNode.Size == locSize:
		if inNode.Daughter >= 0 {
			// Incoming has finer structure below this level; match it
			// locally before folding in counts, so the daughters opened
			// here start from the local node's own pre-merge share
			// rather than double-counting the incoming contribution.
			if err := openIfNeeded(local, localIdx); err != nil {
				return err
			}
		}
		local.Nodes[localIdx].Count += inNode.Count
		local.Nodes[localIdx].Cost += inNode.Cost
		if inNode.Daughter < 0 {
			return nil
		}
		localFirst := local.Nodes[localIdx].Daughter
		for d := int32(0); d < 8; d++ {
			if err := Insert(local, localFirst+d, incoming, inNode.Daughter+d); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: incoming node (size %d) larger than local counterpart (size %d)",
			ErrCorrupt, inNode.Size, locSize)
	}
}

func mergeTag(round int) int { return 1000 + round }

// Merge runs the non-recursive, log2(NTask)-round pairwise merge of spec
// §4.3 "Global merge": in round s, ranks whose id is a multiple of 2s
// receive from rank self+s and fold it in via Insert; all other ranks
// send once, to rank self-s, then stop participating.
func Merge(c comm.Communicator, local *Tree) error {
	rank := c.Rank()
	ntask := c.Size()
	done := false

	for s := 1; s < ntask; s <<= 1 {
		if done {
			continue
		}
		switch {
		case rank%(2*s) == 0:
			partner := rank + s
			if partner >= ntask {
				continue
			}
			payload, err := c.Recv(partner, mergeTag(s))
			if err != nil {
				return fmt.Errorf("toptree: merge round %d recv: %w", s, err)
			}
			incoming, err := decodeNodes(payload)
			if err != nil {
				return err
			}
			if err := Insert(local, 0, incoming, 0); err != nil {
				return err
			}
		case rank%(2*s) == s:
			partner := rank - s
			payload := encodeNodes(local.Nodes)
			if err := c.Send(partner, mergeTag(s), payload); err != nil {
				return fmt.Errorf("toptree: merge round %d send: %w", s, err)
			}
			done = true
		}
	}
	return nil
}

// MergeAndBroadcast runs Merge and then broadcasts the fully-aggregated
// tree (which resides on rank 0 after the last round) to every rank.
func MergeAndBroadcast(c comm.Communicator, local *Tree) (*Tree, error) {
	if err := Merge(c, local); err != nil {
		return nil, err
	}
	var payload []byte
	if c.Rank() == 0 {
		payload = encodeNodes(local.Nodes)
	}
	data := c.Broadcast(0, payload)
	nodes, err := decodeNodes(data)
	if err != nil {
		return nil, err
	}
	return &Tree{Nodes: nodes, MaxNodes: local.MaxNodes}, nil
}

func daughterKeyOffset(daughterSize uint64, d int) uint64 {
	return daughterSize * uint64(d)
}

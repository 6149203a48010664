package toptree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/peano"
)

// splitEntries partitions entries round-robin across nranks, simulating
// each rank owning a disjoint shard of particles.
func splitEntries(entries []Entry, nranks int) [][]Entry {
	out := make([][]Entry, nranks)
	for i, e := range entries {
		r := i % nranks
		out[r] = append(out[r], e)
	}
	return out
}

func runMerge(t *testing.T, nranks int, entries []Entry, maxNodes int) []*Tree {
	shards := splitEntries(entries, nranks)
	comms := comm.NewLocal(nranks)

	results := make([]*Tree, nranks)
	errs := make([]error, nranks)
	var wg sync.WaitGroup
	wg.Add(nranks)
	for r := 0; r < nranks; r++ {
		go func(r int) {
			defer wg.Done()
			local, err := Build(shards[r], maxNodes)
			if err != nil {
				errs[r] = err
				return
			}
			merged, err := MergeAndBroadcast(comms[r], local)
			if err != nil {
				errs[r] = err
				return
			}
			results[r] = merged
		}(r)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestMergeTwoRanksPreservesTotalCount(t *testing.T) {
	entries := randomEntries(2000, 10)
	results := runMerge(t, 2, entries, 100000)

	for _, tr := range results {
		assert.EqualValues(t, len(entries), tr.Nodes[0].Count)
	}
}

func TestMergeFourRanksPreservesTotalCount(t *testing.T) {
	entries := randomEntries(4000, 11)
	results := runMerge(t, 4, entries, 100000)

	for _, tr := range results {
		assert.EqualValues(t, len(entries), tr.Nodes[0].Count)
	}
}

func TestMergeEightRanksAllAgree(t *testing.T) {
	entries := randomEntries(8000, 12)
	results := runMerge(t, 8, entries, 200000)

	first := results[0]
	for _, tr := range results[1:] {
		assert.Equal(t, len(first.Nodes), len(tr.Nodes))
		assert.Equal(t, first.Nodes[0].Count, tr.Nodes[0].Count)
		assert.InDelta(t, first.Nodes[0].Cost, tr.Nodes[0].Cost, 1e-6)
	}
}

func TestMergeLeafCountsSumToTotalAfterMerge(t *testing.T) {
	entries := randomEntries(3000, 13)
	results := runMerge(t, 4, entries, 100000)

	tr := results[0]
	leaves := tr.AssignLeafOrdinals()
	var sum int64
	for _, idx := range leaves {
		sum += tr.Nodes[idx].Count
	}
	assert.EqualValues(t, len(entries), sum)
}

func TestInsertRejectsLargerIncomingNode(t *testing.T) {
	local := NewTree(100)
	idx, err := local.alloc()
	require.NoError(t, err)
	local.Nodes[idx].Size = 8

	incoming := []Node{{StartKey: 0, Size: 64, Daughter: -1, Leaf: -1, Parent: -1}}
	err = Insert(local, idx, incoming, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDaughterKeyOffsetCoversWholeParent(t *testing.T) {
	var sum uint64
	daughterSize := uint64(peano.Cells) / 8
	for d := 0; d < 8; d++ {
		sum += daughterKeyOffset(daughterSize, d)
	}
	assert.Equal(t, daughterSize*28, sum) // 0+1+...+7 = 28
}

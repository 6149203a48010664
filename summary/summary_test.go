package summary

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/particle"
	"github.com/cosmo-nbody/nbodydomain/peano"
	"github.com/cosmo-nbody/nbodydomain/toptree"
)

func randomManager(n int, seed int64) *particle.Manager {
	rng := rand.New(rand.NewSource(seed))
	m := particle.NewManager(particle.Bounds{MaxPart: int64(n) * 2, MaxPartBh: int64(n)})
	for i := 0; i < n; i++ {
		cx := peano.CellIndex(rng.Intn(peano.CellsPerAxis))
		cy := peano.CellIndex(rng.Intn(peano.CellsPerAxis))
		cz := peano.CellIndex(rng.Intn(peano.CellsPerAxis))
		key := peano.FromCell(cx, cy, cz)
		_, err := m.AppendBase(particle.Particle{
			ID: uint64(i) + 1, Type: particle.TypeDM, Mass: 1.0, Key: uint64(key),
		})
		if err != nil {
			panic(err)
		}
	}
	return m
}

func TestReduceSingleRankCountsMatchManager(t *testing.T) {
	m := randomManager(1000, 1)
	entries := make([]toptree.Entry, len(m.P))
	for i, p := range m.P {
		entries[i] = toptree.Entry{Key: peano.Key(p.Key), Cost: 1.0}
	}
	tr, err := toptree.Build(entries, 100000)
	require.NoError(t, err)
	leaves := tr.AssignLeafOrdinals()

	comms := comm.NewLocal(1)
	totals := Reduce(comms[0], tr, leaves, m, DefaultCost)

	assert.EqualValues(t, len(m.P), totals.TotalCount())
	assert.InDelta(t, float64(len(m.P)), totals.TotalCost(), 1e-9)
}

func TestReduceAcrossRanksSumsToGlobalTotal(t *testing.T) {
	const nranks = 4
	const perRank = 500

	managers := make([]*particle.Manager, nranks)
	allEntries := make([]toptree.Entry, 0, nranks*perRank)
	for r := 0; r < nranks; r++ {
		managers[r] = randomManager(perRank, int64(100+r))
		for _, p := range managers[r].P {
			allEntries = append(allEntries, toptree.Entry{Key: peano.Key(p.Key), Cost: 1.0})
		}
	}

	// Build one shared tree structure (as if already merged) so every
	// rank's local LeafForKey lookups land on the same leaf set.
	sharedTree, err := toptree.Build(allEntries, 200000)
	require.NoError(t, err)
	leaves := sharedTree.AssignLeafOrdinals()

	comms := comm.NewLocal(nranks)
	trees := make([]*toptree.Tree, nranks)
	for r := range trees {
		nodesCopy := make([]toptree.Node, len(sharedTree.Nodes))
		copy(nodesCopy, sharedTree.Nodes)
		trees[r] = &toptree.Tree{Nodes: nodesCopy, MaxNodes: sharedTree.MaxNodes}
	}

	results := make([]Totals, nranks)
	var wg sync.WaitGroup
	wg.Add(nranks)
	for r := 0; r < nranks; r++ {
		go func(r int) {
			defer wg.Done()
			results[r] = Reduce(comms[r], trees[r], leaves, managers[r], DefaultCost)
		}(r)
	}
	wg.Wait()

	for _, totals := range results {
		assert.EqualValues(t, nranks*perRank, totals.TotalCount())
	}
}

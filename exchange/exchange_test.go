package exchange

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/particle"
	"github.com/cosmo-nbody/nbodydomain/peano"
	"github.com/cosmo-nbody/nbodydomain/toptree"
)

// twoLeafLayout builds an 8-leaf top tree (Build always opens the root
// once, since the root's refinement test has no parent to compare
// against) and assigns its first 4 leaves to rank 0 and the rest to rank
// 1, so a particle's owning rank is purely a function of which half of
// key space it falls in.
func twoLeafLayout(t *testing.T) Layout {
	entries := []toptree.Entry{
		{Key: 0, Cost: 1},
		{Key: peano.Key(peano.Cells) - 1, Cost: 1},
	}
	tr, err := toptree.Build(entries, 1000)
	require.NoError(t, err)
	leaves := tr.AssignLeafOrdinals()
	require.Len(t, leaves, 8)

	ranks := make([]int, 8)
	for i := range ranks {
		if i < 4 {
			ranks[i] = 0
		} else {
			ranks[i] = 1
		}
	}
	return Layout{Tree: tr, Ranks: ranks}
}

func TestRoundMovesMisplacedParticles(t *testing.T) {
	layout := twoLeafLayout(t)
	comms := comm.NewLocal(2)

	managers := make([]*particle.Manager, 2)
	managers[0] = particle.NewManager(particle.Bounds{MaxPart: 1000, MaxPartBh: 100})
	managers[1] = particle.NewManager(particle.Bounds{MaxPart: 1000, MaxPartBh: 100})

	// Rank 0 holds 5 particles that belong on rank 1 (high key), and 5
	// that belong on itself (low key).
	for i := 0; i < 5; i++ {
		key := uint64(peano.Cells) - 1 - uint64(i)
		_, err := managers[0].AppendBase(particle.Particle{ID: uint64(i) + 1, Mass: 1, Key: key, Type: particle.TypeDM})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := managers[0].AppendBase(particle.Particle{ID: uint64(i) + 100, Mass: 1, Key: uint64(i), Type: particle.TypeDM})
		require.NoError(t, err)
	}

	engines := []*Engine{NewEngine(1 << 20), NewEngine(1 << 20)}
	var wg sync.WaitGroup
	results := make([]int, 2)
	errs := make([]error, 2)
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func(r int) {
			defer wg.Done()
			moved, err := engines[r].Run(comms[r], managers[r], layout)
			results[r] = moved
			errs[r] = err
		}(r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 5, managers[0].NumPart())
	assert.Equal(t, 5, managers[1].NumPart())
	for i := range managers[0].P {
		assert.False(t, managers[0].P[i].OnAnotherDomain)
	}
	for i := range managers[1].P {
		assert.False(t, managers[1].P[i].OnAnotherDomain)
	}
}

func TestRoundPreservesGasSlotWiring(t *testing.T) {
	layout := twoLeafLayout(t)
	comms := comm.NewLocal(2)

	managers := make([]*particle.Manager, 2)
	managers[0] = particle.NewManager(particle.Bounds{MaxPart: 1000, MaxPartBh: 100})
	managers[1] = particle.NewManager(particle.Bounds{MaxPart: 1000, MaxPartBh: 100})

	highKey := uint64(peano.Cells) - 1
	pi, err := managers[0].AppendGas(particle.GasSlot{ID: 42, Density: 3.5})
	require.NoError(t, err)
	_, err = managers[0].AppendBase(particle.Particle{ID: 42, Mass: 1, Key: highKey, Type: particle.TypeGas, PI: pi})
	require.NoError(t, err)

	engines := []*Engine{NewEngine(1 << 20), NewEngine(1 << 20)}
	var wg sync.WaitGroup
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func(r int) {
			defer wg.Done()
			_, err := engines[r].Run(comms[r], managers[r], layout)
			require.NoError(t, err)
		}(r)
	}
	wg.Wait()

	require.Equal(t, 1, managers[1].NumPart())
	require.NoError(t, managers[1].VerifyConsistency())
	gotPI := managers[1].P[0].PI
	assert.Equal(t, 3.5, managers[1].Gas[gotPI].Density)
}

// TestRoundShedsWhenOnlyTheReceiverIsOverBudget reproduces spec §4.6 step
// 4 / §7 kind 3: rank 0 sends particles that all belong to rank 1, rank 1
// never sends anything back, so only rank 1's inbound volume overflows its
// MaxPart. Round's shed-vs-transfer decision must be made globally — if it
// were made from each rank's own local over* values, rank 0 (whose inbound
// volume is always 0, so it is never over) would call doTransfer while
// rank 1 still needs to run the shedding round, mismatching their
// collectives and corrupting the transfer.
func TestRoundShedsWhenOnlyTheReceiverIsOverBudget(t *testing.T) {
	layout := twoLeafLayout(t)
	comms := comm.NewLocal(2)

	managers := make([]*particle.Manager, 2)
	managers[0] = particle.NewManager(particle.Bounds{MaxPart: 1000, MaxPartBh: 100})
	// Rank 1 has room for only 3 of the 6 particles rank 0 is about to
	// stage for it.
	managers[1] = particle.NewManager(particle.Bounds{MaxPart: 3, MaxPartBh: 100})

	const nsend = 6
	for i := 0; i < nsend; i++ {
		key := uint64(peano.Cells) - 1 - uint64(i)
		_, err := managers[0].AppendBase(particle.Particle{ID: uint64(i) + 1, Mass: 1, Key: key, Type: particle.TypeDM})
		require.NoError(t, err)
	}

	engines := []*Engine{NewEngine(1 << 20), NewEngine(1 << 20)}
	var wg sync.WaitGroup
	results := make([]int, 2)
	errs := make([]error, 2)
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func(r int) {
			defer wg.Done()
			moved, err := engines[r].Round(comms[r], managers[r], layout)
			results[r] = moved
			errs[r] = err
		}(r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.LessOrEqual(t, managers[1].NumPart(), 3, "rank 1 accepted more than its MaxPart")
	assert.Equal(t, nsend, managers[0].NumPart()+managers[1].NumPart(), "particles vanished or were duplicated")
	assert.Equal(t, 3, managers[1].NumPart(), "rank 1 should have been filled exactly to its MaxPart headroom")
}

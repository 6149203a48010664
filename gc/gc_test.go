package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmo-nbody/nbodydomain/particle"
)

func TestReclaimGasRemovesTypeChangedEntries(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})

	pi0, err := m.AppendGas(particle.GasSlot{ID: 1})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 1, Mass: 1, Type: particle.TypeGas, PI: pi0})
	require.NoError(t, err)

	pi1, err := m.AppendGas(particle.GasSlot{ID: 2})
	require.NoError(t, err)
	starIdx, err := m.AppendBase(particle.Particle{ID: 2, Mass: 1, Type: particle.TypeStar, PI: pi1})
	require.NoError(t, err)
	_ = starIdx

	res, err := Collect(m, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GasReclaimed)
	assert.Equal(t, 1, m.NGasSlots)
	assert.NoError(t, m.VerifyConsistency())
}

func TestMassZeroEliminationRemovesGarbage(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})
	_, err := m.AppendBase(particle.Particle{ID: 1, Mass: 1, Type: particle.TypeDM})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 2, Mass: 0, Type: particle.TypeDM})
	require.NoError(t, err)

	res, err := Collect(m, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MassZeroRemoved)
	assert.Equal(t, 1, m.NumPart())
	assert.Equal(t, uint64(1), m.P[0].ID)
}

func TestBHCompactionRepairsPIAndShrinksTable(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})

	pi0, err := m.AppendBH(particle.BHSlot{ID: 10})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 10, Mass: 1, Type: particle.TypeBH, PI: pi0})
	require.NoError(t, err)

	// An orphaned BH slot with no owning base entry (left behind by a
	// prior exchange round, e.g.) should be dropped.
	_, err = m.AppendBH(particle.BHSlot{ID: 999})
	require.NoError(t, err)

	pi2, err := m.AppendBH(particle.BHSlot{ID: 20})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 20, Mass: 1, Type: particle.TypeBH, PI: pi2})
	require.NoError(t, err)

	res, err := Collect(m, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BHSlotsReclaimed)
	assert.Len(t, m.BH, 2)
	require.NoError(t, m.VerifyConsistency())

	for i := range m.P {
		if m.P[i].Type == particle.TypeBH {
			assert.Equal(t, m.P[i].ID, m.BH[m.P[i].PI].ID)
		}
	}
}

func TestCollectRunsAllThreePassesInOrder(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})

	gasPI, err := m.AppendGas(particle.GasSlot{ID: 1})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 1, Mass: 1, Type: particle.TypeStar, PI: gasPI})
	require.NoError(t, err)

	_, err = m.AppendBase(particle.Particle{ID: 2, Mass: 0, Type: particle.TypeDM})
	require.NoError(t, err)

	bhPI, err := m.AppendBH(particle.BHSlot{ID: 3})
	require.NoError(t, err)
	_, err = m.AppendBase(particle.Particle{ID: 3, Mass: 1, Type: particle.TypeBH, PI: bhPI})
	require.NoError(t, err)

	res, err := Collect(m, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GasReclaimed)
	assert.Equal(t, 1, res.MassZeroRemoved)
	assert.True(t, res.ForceTreeInvalid)
	assert.NoError(t, m.VerifyConsistency())
	assert.NoError(t, m.CheckUniqueIDs())
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) InvalidateForceTree() { c.calls++ }

func TestCollectNotifiesForceTreeInvalidatorWhenSomethingChanged(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})
	_, err := m.AppendBase(particle.Particle{ID: 1, Mass: 0, Type: particle.TypeDM})
	require.NoError(t, err)

	inv := &countingInvalidator{}
	res, err := Collect(m, inv)
	require.NoError(t, err)
	assert.True(t, res.ForceTreeInvalid)
	assert.Equal(t, 1, inv.calls)
}

func TestCollectSkipsInvalidatorWhenNothingChanged(t *testing.T) {
	m := particle.NewManager(particle.Bounds{MaxPart: 100, MaxPartBh: 100})
	_, err := m.AppendBase(particle.Particle{ID: 1, Mass: 1, Type: particle.TypeDM})
	require.NoError(t, err)

	inv := &countingInvalidator{}
	res, err := Collect(m, inv)
	require.NoError(t, err)
	assert.False(t, res.ForceTreeInvalid)
	assert.Equal(t, 0, inv.calls)
}

package toptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptLeavesOpensOverQuotaLeaf(t *testing.T) {
	entries := make([]Entry, 0, 1000)
	for i := 0; i < 1000; i++ {
		entries = append(entries, Entry{Key: 0, Cost: 1.0})
	}
	tr, err := Build(entries, 100000)
	require.NoError(t, err)

	q := Quota{CountQuota: 100, CostQuota: 100}
	require.NoError(t, AdaptLeaves(tr, q))

	leaves := tr.AssignLeafOrdinals()
	for _, idx := range leaves {
		n := tr.Nodes[idx]
		// Only a single-cell leaf is allowed to stay over quota: it
		// cannot be subdivided further (all 1000 entries share one key,
		// so a Size-1 leaf holding all of them is the unavoidable floor).
		if n.Size > 1 {
			assert.LessOrEqualf(t, n.Count, q.CountQuota, "leaf %d count over quota after adaptation", idx)
		}
	}
}

func TestAdaptLeavesPreservesTotalCount(t *testing.T) {
	entries := randomEntries(5000, 20)
	tr, err := Build(entries, 100000)
	require.NoError(t, err)

	q := Quota{CountQuota: 50, CostQuota: 50}
	require.NoError(t, AdaptLeaves(tr, q))

	leaves := tr.AssignLeafOrdinals()
	var sum int64
	for _, idx := range leaves {
		sum += tr.Nodes[idx].Count
	}
	assert.EqualValues(t, len(entries), sum)
}

func TestAdaptLeavesNoopUnderQuota(t *testing.T) {
	entries := randomEntries(10, 21)
	tr, err := Build(entries, 100000)
	require.NoError(t, err)
	before := len(tr.Nodes)

	q := Quota{CountQuota: 1000000, CostQuota: 1000000}
	require.NoError(t, AdaptLeaves(tr, q))
	assert.Equal(t, before, len(tr.Nodes))
}

func TestAdaptLeavesReturnsBudgetOverflow(t *testing.T) {
	entries := randomEntries(100, 22)
	tr, err := Build(entries, 100000)
	require.NoError(t, err)
	// Leave no room beyond the nodes Build itself used, so the first
	// over-quota leaf adaptation tries to open exhausts the budget.
	tr.MaxNodes = len(tr.Nodes)

	q := Quota{CountQuota: 1, CostQuota: 1}
	err = AdaptLeaves(tr, q)
	assert.ErrorIs(t, err, ErrBudgetOverflow)
}

func TestNewQuotaScalesWithOverDecompAndNTask(t *testing.T) {
	q1 := NewQuota(1000, 1000, 1, 4)
	q2 := NewQuota(1000, 1000, 2, 4)
	assert.Greater(t, q1.CountQuota, q2.CountQuota)
}

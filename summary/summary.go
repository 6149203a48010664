// Package summary implements the Cost/Count Summarizer of spec §4.4: a
// per-leaf reduction of local particle counts and work cost into the
// top-tree's Node.Count/Node.Cost fields, followed by a collective
// all-reduce so every rank agrees on global leaf totals before splitting.
//
// Grounded on original_source/domain.c's domain_sumCost, which walks each
// local particle once, looks up its owning top-tree leaf, and accumulates
// into per-leaf arrays before an MPI_Allreduce. The per-thread partial
// arrays merged by one goroutine at the end follow the teacher's
// gotetra.go worker-reduction shape, generalized by internal/workpool.
package summary

import (
	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/internal/workpool"
	"github.com/cosmo-nbody/nbodydomain/particle"
	"github.com/cosmo-nbody/nbodydomain/peano"
	"github.com/cosmo-nbody/nbodydomain/toptree"
)

// CostProvider is the narrow interface the gravity collaborator excluded
// from this module (spec.md §1) is represented by: a per-particle work
// estimate fed into the summarizer. DefaultCost is the unit-cost
// implementation used absent a real gravity cost model.
type CostProvider func(*particle.Particle) float64

// Totals holds the globally-reduced per-leaf counts and costs after
// Reduce, indexed by leaf ordinal (toptree.Node.Leaf).
type Totals struct {
	Count []int64
	Cost  []float64
}

// TotalCount and TotalCost sum Totals across every leaf, the global
// totals spec §4.3's post-merge adaptation quota is derived from.
func (t Totals) TotalCount() int64 {
	var sum int64
	for _, c := range t.Count {
		sum += c
	}
	return sum
}

func (t Totals) TotalCost() float64 {
	var sum float64
	for _, c := range t.Cost {
		sum += c
	}
	return sum
}

// Reduce computes this rank's local per-leaf count/cost (spread across
// workpool.Workers() goroutines, one pass over p.P), then all-reduces
// both arrays across every rank in c so the result is globally consistent.
func Reduce(c comm.Communicator, tree *toptree.Tree, leaves []int32, p *particle.Manager, cost CostProvider) Totals {
	nleaf := len(leaves)
	shardCount := make([][]int64, workpool.Workers())
	shardCost := make([][]float64, workpool.Workers())

	workpool.Run(len(p.P), func(shardID, lo, hi int) {
		localCount := make([]int64, nleaf)
		localCost := make([]float64, nleaf)
		for i := lo; i < hi; i++ {
			leaf := tree.LeafForKey(peano.Key(p.P[i].Key))
			localCount[leaf]++
			localCost[leaf] += cost(&p.P[i])
		}
		shardCount[shardID] = localCount
		shardCost[shardID] = localCost
	})

	count := make([]int64, nleaf)
	costSum := make([]float64, nleaf)
	for s := 0; s < len(shardCount); s++ {
		if shardCount[s] == nil {
			continue
		}
		for i := 0; i < nleaf; i++ {
			count[i] += shardCount[s][i]
			costSum[i] += shardCost[s][i]
		}
	}

	c.AllReduceSumInt64(count)
	c.AllReduceSumFloat64(costSum)

	for i, idx := range leaves {
		tree.Nodes[idx].Count = count[i]
		tree.Nodes[idx].Cost = costSum[i]
	}

	return Totals{Count: count, Cost: costSum}
}

// DefaultCost is the unit work-cost function used when the caller has no
// finer per-particle cost model (spec §4.4 "absent a real gravity cost,
// every particle counts as one unit of work").
func DefaultCost(*particle.Particle) float64 { return 1.0 }

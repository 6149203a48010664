package toptree

// Quota is the per-leaf count/cost ceiling of spec §4.3 "Post-merge
// adaptation": TotNumPart/(TopNodeFactor*OverDecomp*NTask), and the
// analogous cost quota computed from TotCost. A leaf exceeding either
// quota is opened into 8 daughters sharing its count/cost evenly, and the
// daughters are themselves checked against the same quota, recursively.
type Quota struct {
	CountQuota int64
	CostQuota  float64
}

// NewQuota derives the quotas from the global totals gathered by the
// summarizer (spec §4.4): totCount/(TopNodeFactor*overDecomp*ntask) for
// count, and totCost over the same denominator for cost.
func NewQuota(totCount int64, totCost float64, overDecomp, ntask int) Quota {
	denom := TopNodeFactor * float64(overDecomp*ntask)
	return Quota{
		CountQuota: int64(float64(totCount) / denom),
		CostQuota:  totCost / denom,
	}
}

// AdaptLeaves applies spec §4.3's post-merge leaf-quota adaptation in
// place: every leaf whose Count or Cost exceeds its quota is opened, its
// share divided uniformly across 8 new daughters (there is no per-particle
// data left to repartition by key at this stage, only aggregate counts),
// and the daughters are adapted in turn. Returns ErrBudgetOverflow,
// unchanged, if the node budget runs out mid-adaptation, leaving the tree
// partially adapted. decomp.Decomposer.Decompose treats that error as
// fatal: it does not retry the decomposition with a larger budget.
func AdaptLeaves(t *Tree, q Quota) error {
	return adapt(t, 0, q)
}

func adapt(t *Tree, idx int32, q Quota) error {
	if !t.Nodes[idx].IsLeaf() {
		first := t.Nodes[idx].Daughter
		for d := int32(0); d < 8; d++ {
			if err := adapt(t, first+d, q); err != nil {
				return err
			}
		}
		return nil
	}

	n := t.Nodes[idx]
	// Post-merge adaptation has no 8-cell floor: spec.md §4.3 scopes
	// minCellsForRefine to local refinement only. A single-cell leaf is
	// the sole irreducible case (original_source's domain_determineTopTree
	// post-merge loop: "if(topNodes[i].Size > 1)").
	if n.Size <= 1 {
		return nil
	}
	if n.Count <= q.CountQuota && n.Cost <= q.CostQuota {
		return nil
	}
	if err := openIfNeeded(t, idx); err != nil {
		return err
	}
	first := t.Nodes[idx].Daughter
	for d := int32(0); d < 8; d++ {
		if err := adapt(t, first+d, q); err != nil {
			return err
		}
	}
	return nil
}

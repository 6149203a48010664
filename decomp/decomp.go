// Package decomp orchestrates one full domain decomposition pass: the
// control flow of spec.md §2 wiring together peano, particle, toptree,
// summary, split, exchange and gc behind a single entry point, plus the
// collective abort/retry policy of spec.md §7.
//
// There is no teacher-repo analogue for a top-level orchestrator of this
// shape; the Decomposer struct borrows gotetra.go's Manager-owns-tables
// layout, and the retry/abort policy is grounded on
// original_source/domain.c's domain_decompose, which retries the
// top-tree build with a growing node-count factor and calls
// endrun (fatal abort) on unrecoverable conditions.
package decomp

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/exchange"
	"github.com/cosmo-nbody/nbodydomain/gc"
	"github.com/cosmo-nbody/nbodydomain/particle"
	"github.com/cosmo-nbody/nbodydomain/peano"
	"github.com/cosmo-nbody/nbodydomain/split"
	"github.com/cosmo-nbody/nbodydomain/summary"
	"github.com/cosmo-nbody/nbodydomain/toptree"
)

// Config bundles the run-time parameters a Decomposer needs, loaded by
// config.Load in cmd/nbodydomain.
type Config struct {
	BoxSize            float64
	OverDecomp         int
	MaxPart            int64
	MaxPartBh          int64
	FreeBytes          int64
	TopNodeAllocFactor float64
	MaxShedIterations  int

	// InitialTopNodes is the starting node budget handed to the
	// Top-Tree Builder; grown by TopNodeAllocFactor on
	// toptree.ErrBudgetOverflow, up to maxBudgetRetries times.
	InitialTopNodes int
}

const maxBudgetRetries = 10

// Decomposer runs decompositions for one rank against a shared
// comm.Communicator, owning nothing itself — the particle.Manager
// belongs to the caller for the lifetime between decompositions, per
// spec.md §3 "Ownership".
type Decomposer struct {
	Comm   comm.Communicator
	Config Config

	// ForceTree is the optional force-tree cache collaborator notified
	// whenever the Garbage Collector's gas-reclaim or mass-zero pass
	// actually changes the particle tables (see gc.ForceTreeInvalidator).
	// Nil when no such collaborator is attached.
	ForceTree gc.ForceTreeInvalidator
}

// New constructs a Decomposer bound to one rank's communicator.
func New(c comm.Communicator, cfg Config) *Decomposer {
	return &Decomposer{Comm: c, Config: cfg}
}

// Report is the diagnostic record left behind after Decompose, handed to
// diag.WriteSummary by the caller.
type Report struct {
	Rank        int
	NumPart     int
	CountByType [particle.NumTypes]int64
	NLeaves     int
	GCReclaimed int
	Strategy    string
	Moved       int
}

// Decompose runs spec.md §2's control flow once: move particles into the
// periodic box, run the Garbage Collector, build and merge the top tree
// (retrying with a larger node budget on overflow), summarize cost and
// count, split and assign leaves to ranks, run the Exchange Engine until
// no rank has residue, and recount per-type totals.
func (d *Decomposer) Decompose(m *particle.Manager) (Report, error) {
	wrapPositions(m, d.Config.BoxSize)

	gcRes, err := gc.Collect(m, d.ForceTree)
	if err != nil {
		d.abort(fmt.Errorf("garbage collection: %w", err))
	}

	tree, leaves, err := d.buildTopTree(m)
	if err != nil {
		d.abort(err)
	}

	totals := summary.Reduce(d.Comm, tree, leaves, m, summary.DefaultCost)

	ntask := d.Comm.Size()
	quota := toptree.NewQuota(totals.TotalCount(), totals.TotalCost(), d.Config.OverDecomp, ntask)
	if err := toptree.AdaptLeaves(tree, quota); err != nil {
		d.abort(fmt.Errorf("post-merge adaptation: %w", err))
	}
	leaves = tree.AssignLeafOrdinals()
	totals = summary.Reduce(d.Comm, tree, leaves, m, summary.DefaultCost)

	assignment, strategy, err := split.Assign(
		totals.Cost, totals.Count, d.Config.OverDecomp, ntask, d.Config.MaxPart,
	)
	if err != nil {
		d.abort(fmt.Errorf("splitter: %w", err))
	}

	ranks := leafRanks(assignment, len(leaves))
	layout := exchange.Layout{Tree: tree, Ranks: ranks}
	eng := &exchange.Engine{FreeBytes: d.Config.FreeBytes, MaxShedIterations: d.Config.MaxShedIterations}
	moved, err := eng.Run(d.Comm, m, layout)
	if err != nil {
		d.abort(fmt.Errorf("exchange engine: %w", err))
	}
	sortByKey(m)

	return Report{
		Rank:        d.Comm.Rank(),
		NumPart:     m.NumPart(),
		CountByType: m.CountByType(),
		NLeaves:     len(leaves),
		GCReclaimed: gcRes.GasReclaimed + gcRes.MassZeroRemoved + gcRes.BHSlotsReclaimed,
		Strategy:    strategyName(strategy),
		Moved:       moved,
	}, nil
}

// buildTopTree runs the local build, pairwise merge and broadcast,
// retrying with a TopNodeAllocFactor-larger budget whenever
// toptree.ErrBudgetOverflow occurs, per spec.md §7 kind 1.
func (d *Decomposer) buildTopTree(m *particle.Manager) (*toptree.Tree, []int32, error) {
	budget := d.Config.InitialTopNodes
	if budget <= 0 {
		budget = 8 * (ntaskOr1(d.Comm) + 1)
	}
	factor := d.Config.TopNodeAllocFactor
	if factor <= 0 {
		factor = 1.3
	}

	for attempt := 0; attempt < maxBudgetRetries; attempt++ {
		entries := make([]toptree.Entry, len(m.P))
		for i, p := range m.P {
			entries[i] = toptree.Entry{Key: peano.Key(p.Key), Cost: summary.DefaultCost(&m.P[i])}
		}

		local, err := toptree.Build(entries, budget)
		overflowed := false
		if err != nil {
			if toptreeIsOverflow(err) {
				overflowed = true
			} else {
				return nil, nil, err
			}
		}

		// Every rank must agree whether to retry: a single rank hitting
		// the budget still forces a global restart (spec.md §4.3
		// "Any budget overflow during merge is reduced across all ranks").
		localFlag := int64(0)
		if overflowed {
			localFlag = 1
		}
		flags := []int64{localFlag}
		d.Comm.AllReduceSumInt64(flags)
		if flags[0] > 0 {
			budget = int(float64(budget) * (1 + factor))
			continue
		}

		merged, err := toptree.MergeAndBroadcast(d.Comm, local)
		if err != nil {
			if toptreeIsOverflow(err) {
				budget = int(float64(budget) * (1 + factor))
				continue
			}
			return nil, nil, err
		}
		leaves := merged.AssignLeafOrdinals()
		return merged, leaves, nil
	}
	return nil, nil, fmt.Errorf("toptree: exhausted %d budget-growth retries", maxBudgetRetries)
}

func toptreeIsOverflow(err error) bool {
	return errors.Is(err, toptree.ErrBudgetOverflow)
}

func ntaskOr1(c comm.Communicator) int {
	if c.Size() <= 0 {
		return 1
	}
	return c.Size()
}

func strategyName(s split.Strategy) string {
	if s == split.LoadBalanced {
		return "load-balanced"
	}
	return "work-balanced"
}

// leafRanks expands a segment assignment into a per-leaf-ordinal rank
// lookup table, the shape exchange.Layout needs.
func leafRanks(a split.Assignment, nleaves int) []int {
	ranks := make([]int, nleaves)
	for seg, rank := range a.Ranks {
		s := a.Segments[seg]
		for leaf := s.Start; leaf < s.End; leaf++ {
			ranks[leaf] = rank
		}
	}
	return ranks
}

// wrapPositions is spec.md §2's "move particles into the canonical
// periodic box" step, then recomputes each particle's cached key — the
// Top-Tree Builder and Exchange Engine both assume Key reflects the
// wrapped position.
func wrapPositions(m *particle.Manager, boxSize float64) {
	for i := range m.P {
		p := &m.P[i]
		for d := 0; d < 3; d++ {
			p.Pos[d] = wrap(p.Pos[d], boxSize)
		}
		p.Key = uint64(peano.KeyOf(p.Pos[0], p.Pos[1], p.Pos[2], boxSize))
	}
}

// sortByKey restores spec.md §5's "Ordering guarantees" postcondition: the
// particle ordering after decomposition is Peano-Hilbert within each rank.
// Safe to do purely by re-sorting the base slice — PI indexes into the Gas
// and BH slot tables, not into P, so reordering P never invalidates it.
func sortByKey(m *particle.Manager) {
	sort.Slice(m.P, func(i, j int) bool { return m.P[i].Key < m.P[j].Key })
}

func wrap(x, boxSize float64) float64 {
	for x < 0 {
		x += boxSize
	}
	for x >= boxSize {
		x -= boxSize
	}
	return x
}

// abort is the single collective-termination helper of spec.md §7
// "Policy": gather a compact diagnostic from every rank via one more
// Alltoallv round, log it on rank 0 tagged with a fresh run uuid, and
// have every rank fail fatally. It never returns.
func (d *Decomposer) abort(cause error) {
	runID := uuid.New()
	ntask := d.Comm.Size()
	send := make([][]byte, ntask)
	msg := []byte(cause.Error())
	for j := range send {
		send[j] = []byte{}
	}
	// Every rank reports its own cause to rank 0 only; other slots are
	// empty, matching the sparse Alltoallv convention used elsewhere.
	send[0] = msg

	recv, err := d.Comm.Alltoallv(send)
	if err == nil && d.Comm.Rank() == 0 {
		log.Printf("decomp: aborting run %s, causes:", runID)
		for src, b := range recv {
			if len(b) > 0 {
				log.Printf("  rank %d: %s", src, string(b))
			}
		}
	}
	log.Fatalf("decomp: run %s: fatal: %v", runID, cause)
}

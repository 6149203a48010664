// Package split implements the Splitter & Assigner of spec §4.5: it
// slices a top-tree leaf sequence into contiguous segments, optimizing
// work balance subject to a per-rank memory ceiling, and assigns segments
// to ranks via pair-down bucket merging.
//
// Grounded on original_source/domain.c's domain_findSplit_work_balanced,
// domain_findSplit_load_balanced, and domain_assign_balanced — there is no
// teacher-repo analogue, so the control flow (closing a segment once its
// running total would cross the next quota multiple, reserving enough
// leaves for the remaining segments) follows the original directly.
package split

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMemoryCeiling is spec §7 kind 2: recoverable by switching strategy,
// fatal if neither strategy satisfies the bound.
var ErrMemoryCeiling = errors.New("split: projected load exceeds MaxPart")

// Segment is one contiguous run of leaf ordinals, [Start, End).
type Segment struct {
	Start, End int
}

// Strategy picks which per-leaf metric a split walks: work-balanced uses
// cost, load-balanced uses count (spec §4.5).
type Strategy int

const (
	WorkBalanced Strategy = iota
	LoadBalanced
)

// split is the shared walk behind both work-balanced and load-balanced
// splitting: it differs from domain.c only in which per-leaf metric array
// it is handed.
func split(metric []float64, ncpu int) ([]Segment, error) {
	n := len(metric)
	if ncpu <= 0 {
		return nil, fmt.Errorf("split: ncpu must be positive, got %d", ncpu)
	}
	var total float64
	for _, v := range metric {
		total += v
	}
	avg := total / float64(ncpu)

	segments := make([]Segment, 0, ncpu)
	start := 0
	var committed float64
	var running float64
	quota := 1

	for i := 0; i < n; i++ {
		running += metric[i]
		remainingSegments := ncpu - len(segments)
		closeForQuota := avg > 0 && committed+running > float64(quota)*avg
		mustCloseForSupply := (n - (i + 1)) <= remainingSegments-1
		last := len(segments) == ncpu-1

		if last {
			continue
		}
		if closeForQuota || mustCloseForSupply {
			segments = append(segments, Segment{Start: start, End: i + 1})
			committed += running
			running = 0
			start = i + 1
			quota++
		}
	}
	segments = append(segments, Segment{Start: start, End: n})
	return segments, nil
}

// WorkBalancedSplit walks leaves accumulating cost, closing a segment once
// its running total (combined with cost already committed) would cross
// the next multiple of the global average, reserving enough leaves for
// the remaining segments. The final segment absorbs all residue.
func WorkBalancedSplit(cost []float64, ncpu int) ([]Segment, error) {
	return split(cost, ncpu)
}

// LoadBalancedSplit is WorkBalancedSplit's identical algorithm over counts
// instead of cost, used only as the memory-ceiling fallback (spec §4.5).
func LoadBalancedSplit(count []int64, ncpu int) ([]Segment, error) {
	metric := make([]float64, len(count))
	for i, c := range count {
		metric[i] = float64(c)
	}
	return split(metric, ncpu)
}

// CheckMemory evaluates a completed segment-to-rank assignment: it
// computes per-rank particle load from perSegmentCount and assignment,
// and reports ErrMemoryCeiling if any rank's projected load exceeds
// maxPart. It does not rearrange anything — see PairDown for the
// bucket-merging step that produces assignment.
func CheckMemory(perSegmentCount []int64, assignment []int, ntask int, maxPart int64) error {
	load := make([]int64, ntask)
	for seg, rank := range assignment {
		load[rank] += perSegmentCount[seg]
	}
	for rank, l := range load {
		if l > maxPart {
			return fmt.Errorf("%w: rank %d projected %d > %d", ErrMemoryCeiling, rank, l, maxPart)
		}
	}
	return nil
}

// PairDown implements spec §4.5's pair-down assigner: starting from ncpu
// single-segment buckets, repeatedly halve the bucket count by pairing
// the lightest surviving bucket with the heaviest and redirecting both to
// the lighter bucket's index, until only ntask buckets remain. Returns,
// for each original segment, the rank (bucket index after folding) it was
// assigned to.
func PairDown(segmentLoad []int64, ntask int) []int {
	ndomain := len(segmentLoad)
	// redirect[i] is the bucket index segment i currently resolves to.
	redirect := make([]int, ndomain)
	for i := range redirect {
		redirect[i] = i
	}
	// bucketLoad[b] is the combined load of every segment currently
	// redirected to bucket b.
	bucketLoad := make([]int64, ndomain)
	copy(bucketLoad, segmentLoad)

	live := make([]int, ndomain)
	for i := range live {
		live[i] = i
	}

	for ndomain > ntask {
		sort.Slice(live, func(a, b int) bool { return bucketLoad[live[a]] < bucketLoad[live[b]] })
		// Halve, but never undershoot ntask: when ndomain/2 < ntask (ncpu is
		// not an exact power-of-two multiple of ntask), pair down only as
		// many buckets as needed to land exactly on ntask.
		half := ndomain / 2
		if half < ntask {
			half = ntask
		}
		pairs := ndomain - half
		for i := 0; i < pairs; i++ {
			lightBucket := live[i]
			heavyBucket := live[ndomain-1-i]
			bucketLoad[lightBucket] += bucketLoad[heavyBucket]
			for seg := range redirect {
				if redirect[seg] == heavyBucket {
					redirect[seg] = lightBucket
				}
			}
		}
		live = live[:half]
		ndomain = half
	}

	// Collapse bucket indices to a dense [0, ntask) rank space, ranks
	// numbered in ascending bucket-index order. The returned slice keeps
	// the segments in their original leaf order; segments are not
	// re-sorted by target rank.
	sortedLive := make([]int, len(live))
	copy(sortedLive, live)
	sort.Ints(sortedLive)
	rankOf := make(map[int]int, len(sortedLive))
	for r, b := range sortedLive {
		rankOf[b] = r
	}

	assignment := make([]int, len(segmentLoad))
	for seg := range assignment {
		assignment[seg] = rankOf[redirect[seg]]
	}
	return assignment
}

// Assignment is the final leaf-to-rank lookup table spec.md §3 calls out:
// segment s owns leaves [Segments[s].Start, Segments[s].End), and
// Segments[s] is owned by rank Ranks[s].
type Assignment struct {
	Segments []Segment
	Ranks    []int
}

// Assign runs the full spec §4.5 pipeline: work-balanced split, memory
// check, load-balanced fallback, pair-down assignment. On success it
// returns which strategy actually produced the result alongside the
// assignment, since callers (decomp.Decomposer) report it in
// decomp.Report.
func Assign(cost []float64, count []int64, overDecomp, ntask int, maxPart int64) (Assignment, Strategy, error) {
	ncpu := overDecomp * ntask

	try := func(segs []Segment, strat Strategy) (Assignment, Strategy, error) {
		segLoad := make([]int64, len(segs))
		for i, s := range segs {
			var c int64
			for _, v := range count[s.Start:s.End] {
				c += v
			}
			segLoad[i] = c
		}
		ranks := PairDown(segLoad, ntask)
		if err := CheckMemory(segLoad, ranks, ntask, maxPart); err != nil {
			return Assignment{}, strat, err
		}
		return Assignment{Segments: segs, Ranks: ranks}, strat, nil
	}

	workSegs, err := WorkBalancedSplit(cost, ncpu)
	if err != nil {
		return Assignment{}, WorkBalanced, err
	}
	if a, strat, err := try(workSegs, WorkBalanced); err == nil {
		return a, strat, nil
	}

	loadSegs, err := LoadBalancedSplit(count, ncpu)
	if err != nil {
		return Assignment{}, LoadBalanced, err
	}
	a, strat, err := try(loadSegs, LoadBalanced)
	if err != nil {
		return Assignment{}, strat, fmt.Errorf("split: both strategies violate memory ceiling: %w", err)
	}
	return a, strat, nil
}

// Package gc implements the Garbage Collector of spec §4.7: three
// ordered sub-passes over a particle.Manager's tables, each verified
// before the next runs.
//
// Grounded on original_source/domain.c's domain_garbage_collection,
// which runs exactly these three passes in this order; there is no
// teacher-repo analogue, since the teacher repo has no mutable particle
// table of this shape.
package gc

import (
	"fmt"
	"sort"

	"github.com/cosmo-nbody/nbodydomain/particle"
)

// Result reports how many entries each sub-pass reclaimed, useful for
// decomp.Report diagnostics.
type Result struct {
	GasReclaimed      int
	MassZeroRemoved   int
	BHSlotsReclaimed  int
	ForceTreeInvalid  bool
}

// ForceTreeInvalidator is the narrow interface the force-tree cache
// collaborator excluded from this module (spec.md §1) is represented by:
// a signal that a structural change to the particle tables (a slot or
// base entry moved or vanished) has made its cached tree stale. Collect
// calls it, if non-nil, whenever the gas-reclaim or mass-zero sub-pass
// actually reclaims something. Black-hole compaction alone, which leaves
// the base table's entries in place and only rewrites their PI, does not
// trigger it.
type ForceTreeInvalidator interface {
	InvalidateForceTree()
}

// Collect runs all three sub-passes in order (spec §4.7), verifying
// particle.Manager's consistency invariants after each, and returns a
// Result summarizing what each pass reclaimed. Any verification failure
// is a structural-corruption error (spec §7 kind 4) and is returned
// immediately, leaving the manager in its partially-collected state. inv
// may be nil when no force-tree cache collaborator is attached.
func Collect(m *particle.Manager, inv ForceTreeInvalidator) (Result, error) {
	var res Result

	res.GasReclaimed = reclaimGas(m)
	if res.GasReclaimed > 0 {
		res.ForceTreeInvalid = true
	}
	if err := verify(m); err != nil {
		return res, fmt.Errorf("gc: after gas reclaim: %w", err)
	}

	res.MassZeroRemoved = m.RemoveByMassZero()
	if res.MassZeroRemoved > 0 {
		res.ForceTreeInvalid = true
	}
	if err := verify(m); err != nil {
		return res, fmt.Errorf("gc: after mass-zero elimination: %w", err)
	}

	reclaimed, err := compactBH(m)
	if err != nil {
		return res, fmt.Errorf("gc: black-hole compaction: %w", err)
	}
	res.BHSlotsReclaimed = reclaimed
	if err := verify(m); err != nil {
		return res, fmt.Errorf("gc: after black-hole compaction: %w", err)
	}

	if res.ForceTreeInvalid && inv != nil {
		inv.InvalidateForceTree()
	}

	return res, nil
}

// reclaimGas is spec §4.7 sub-pass 1: scan the dense gas prefix for
// entries whose base particle's type changed away from gas, swapping
// each one to the end of the prefix and shrinking it. Unlike
// particle.Manager.RemoveByMassZero, this pass looks for type mismatch,
// not mass == 0.
func reclaimGas(m *particle.Manager) int {
	reclaimed := 0
	i := 0
	for i < m.NGasSlots {
		owner := gasOwnerOf(m, i)
		if owner >= 0 && m.P[owner].Type == particle.TypeGas {
			i++
			continue
		}
		last := m.NGasSlots - 1
		if i != last {
			m.Gas[i] = m.Gas[last]
			if newOwner := gasOwnerOf(m, last); newOwner >= 0 {
				m.P[newOwner].PI = int32(i)
			}
		}
		m.Gas = m.Gas[:last]
		m.NGasSlots--
		reclaimed++
		// Do not advance i: the slot swapped into position i must also
		// be checked.
	}
	return reclaimed
}

// gasOwnerOf finds the base index whose PI references gas slot idx,
// restricted to entries still typed gas (an entry that lost its gas type
// no longer "owns" its old slot for this pass's purposes). Returns -1 if
// no live gas entry references it.
func gasOwnerOf(m *particle.Manager, idx int) int {
	for i := range m.P {
		if m.P[i].Type == particle.TypeGas && int(m.P[i].PI) == idx {
			return i
		}
	}
	return -1
}

// compactBH is spec §4.7 sub-pass 3: stamp ReverseLink on every
// black-hole slot from its owning base entry (or -1 if orphaned), stable
// sort so referenced slots sort first in ReverseLink order, shrink to
// that region, and repair every live base entry's PI.
func compactBH(m *particle.Manager) (int, error) {
	before := len(m.BH)
	for i := range m.BH {
		m.BH[i].ReverseLink = -1
	}
	for i := range m.P {
		if m.P[i].Type != particle.TypeBH {
			continue
		}
		if int(m.P[i].PI) < 0 || int(m.P[i].PI) >= len(m.BH) {
			return 0, fmt.Errorf("%w: base %d (id %d) has PI %d outside BH table of size %d",
				particle.ErrIndexMismatch, i, m.P[i].ID, m.P[i].PI, len(m.BH))
		}
		m.BH[m.P[i].PI].ReverseLink = int32(i)
	}

	sort.SliceStable(m.BH, func(a, b int) bool {
		ra, rb := m.BH[a].ReverseLink, m.BH[b].ReverseLink
		if ra < 0 {
			return false
		}
		if rb < 0 {
			return true
		}
		return ra < rb
	})

	live := 0
	for live < len(m.BH) && m.BH[live].ReverseLink >= 0 {
		live++
	}
	m.BH = m.BH[:live]

	for slot := range m.BH {
		owner := int(m.BH[slot].ReverseLink)
		m.P[owner].PI = int32(slot)
		m.BH[slot].ReverseLink = -1
	}

	return before - live, nil
}

// verify is spec §4.7's post-pass check: every live type-5 base entry i
// satisfies BhP[P[i].PI].ID == P[i].ID; every live type-0 base entry i
// satisfies i < N_gas_slots is folded into particle.Manager's own
// consistency invariant (PI inside the dense prefix), so this just
// delegates.
func verify(m *particle.Manager) error {
	return m.VerifyConsistency()
}

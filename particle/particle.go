// Package particle owns the base particle table and the two auxiliary
// per-type tables (gas, black hole), linked by index rather than pointer
// so the relationship survives wire transmission and re-sorting (see
// spec §9 "Index-based back-links between tables").
//
// The shape is the teacher's catalog.ParticleManager (table-of-slices
// plus an id->location map) generalized from a read-only lookup
// structure into a mutable table supporting fork, removal, and
// compaction, as spec §4.2 and §4.7 require.
package particle

import (
	"errors"
	"fmt"
	"sort"
)

// Type is the base particle's category tag.
type Type uint8

const (
	TypeGas    Type = 0
	TypeDM     Type = 1
	TypeOther2 Type = 2
	TypeOther3 Type = 3
	TypeStar   Type = 4
	TypeBH     Type = 5

	// NumTypes is the fixed width of every per-type count array.
	NumTypes = 6
)

func (t Type) String() string {
	switch t {
	case TypeGas:
		return "gas"
	case TypeDM:
		return "dm"
	case TypeStar:
		return "star"
	case TypeBH:
		return "blackhole"
	default:
		return fmt.Sprintf("type%d", t)
	}
}

// HasSlot reports whether a particle of this type owns an auxiliary slot.
func (t Type) HasSlot() bool { return t == TypeGas || t == TypeBH }

// Particle is the base entry, present for every particle regardless of type.
type Particle struct {
	Pos [3]float64
	Vel [3]float64
	Mass float64
	Type Type

	ID         uint64
	Generation uint8
	TimeBin    int32
	GravCost   float64

	// Key is the cached Peano-Hilbert ordinal, recomputed before every
	// decomposition by the caller (see decomp.Decomposer.Decompose).
	Key uint64

	// PI indexes into the GasSlot or BHSlot table, meaningful only when
	// Type.HasSlot() is true.
	PI int32

	// OnAnotherDomain and WillExport are transient flags set and cleared
	// within a single Exchange Engine round; they carry no meaning
	// between decompositions.
	OnAnotherDomain bool
	WillExport      bool
}

// IsGarbage reports whether mass == 0, the collection criterion of spec §3.
func (p *Particle) IsGarbage() bool { return p.Mass == 0 }

// GasSlot carries fluid state for a type-0 particle.
type GasSlot struct {
	ID uint64

	Density     float64
	Entropy     float64
	SmoothLen   float64
	Temperature float64
}

// BHSlot carries accretion state for a type-5 particle. ReverseLink is
// written only by the garbage collector's black-hole compaction pass
// (spec §4.7) and is meaningless outside that pass.
type BHSlot struct {
	ID uint64

	AccretionRate float64
	Mass          float64

	ReverseLink int32
}

// Bounds are the fatal allocation ceilings of spec §4.2.
type Bounds struct {
	MaxPart   int64
	MaxPartBh int64
}

var (
	// ErrTableFull is spec §7 kind 5: fatal on fork.
	ErrTableFull = errors.New("particle: table full")
	// ErrIndexMismatch is spec §7 kind 4: PI does not reference the
	// expected slot.
	ErrIndexMismatch = errors.New("particle: auxiliary index mismatch")
	// ErrDuplicateID is spec §7 kind 4.
	ErrDuplicateID = errors.New("particle: duplicate identifier")
)

// Manager owns the base table and the two auxiliary tables exclusively;
// the Exchange Engine borrows them under the implicit barrier described in
// spec §3 "Ownership" — nothing outside a decomposition pass should hold a
// reference across a call to Manager methods.
type Manager struct {
	P   []Particle
	Gas []GasSlot
	BH  []BHSlot

	// NGasSlots is the dense-prefix boundary of Gas: Gas[0:NGasSlots]
	// holds no holes. The order of the slots is not tied to the order of
	// their owners in P; each owner finds its slot through PI.
	// After exchange, BH may contain holes until the next garbage
	// collection pass; Gas never does.
	NGasSlots int

	bounds Bounds
}

// NewManager allocates an empty table bounded by MaxPart/MaxPartBh.
func NewManager(bounds Bounds) *Manager {
	return &Manager{bounds: bounds}
}

// Bounds returns the ceilings this manager enforces.
func (m *Manager) Bounds() Bounds { return m.bounds }

// NumPart is the live base particle count.
func (m *Manager) NumPart() int { return len(m.P) }

// CountByType reduces the base table into per-type totals, spec §4.2.
func (m *Manager) CountByType() [NumTypes]int64 {
	var counts [NumTypes]int64
	for i := range m.P {
		counts[m.P[i].Type]++
	}
	return counts
}

// checkBounds enforces the fatal ceilings of spec §4.2.
func (m *Manager) checkBounds() error {
	if int64(len(m.P)) > m.bounds.MaxPart {
		return fmt.Errorf("%w: NumPart %d > MaxPart %d", ErrTableFull, len(m.P), m.bounds.MaxPart)
	}
	if int64(m.NGasSlots) > m.bounds.MaxPart {
		return fmt.Errorf("%w: N_gas %d > MaxPart %d", ErrTableFull, m.NGasSlots, m.bounds.MaxPart)
	}
	if int64(len(m.BH)) > m.bounds.MaxPartBh {
		return fmt.Errorf("%w: N_bh %d > MaxPartBh %d", ErrTableFull, len(m.BH), m.bounds.MaxPartBh)
	}
	return nil
}

// AppendBase appends a base particle with no auxiliary slot wiring; the
// caller is responsible for keeping PI/slot tables consistent (used by
// bulk population loads, not by the fork/exchange hot paths).
func (m *Manager) AppendBase(p Particle) (int, error) {
	m.P = append(m.P, p)
	if err := m.checkBounds(); err != nil {
		m.P = m.P[:len(m.P)-1]
		return 0, err
	}
	return len(m.P) - 1, nil
}

// AppendGas appends a gas slot to the dense prefix and returns its index.
// Gas's length always equals NGasSlots: the table is dense by construction
// (spec §3 invariant), never holding trailing garbage beyond the prefix.
func (m *Manager) AppendGas(slot GasSlot) (int32, error) {
	m.Gas = append(m.Gas, slot)
	m.NGasSlots++
	if err := m.checkBounds(); err != nil {
		m.Gas = m.Gas[:m.NGasSlots-1]
		m.NGasSlots--
		return 0, err
	}
	return int32(m.NGasSlots - 1), nil
}

// AppendBH appends a black-hole slot and returns its index.
func (m *Manager) AppendBH(slot BHSlot) (int32, error) {
	slot.ReverseLink = -1
	m.BH = append(m.BH, slot)
	if err := m.checkBounds(); err != nil {
		m.BH = m.BH[:len(m.BH)-1]
		return 0, err
	}
	return int32(len(m.BH) - 1), nil
}

// childID stamps the high 8 bits of id with generation, per spec §4.2 and
// scenario S5: (parent_id & 0x00FF_FFFF_FFFF_FFFF) | (generation << 56).
func childID(parentID uint64, generation uint8) uint64 {
	return (parentID & 0x00FF_FFFF_FFFF_FFFF) | (uint64(generation) << 56)
}

// Fork atomically appends a copy of P[parent], incrementing the parent's
// generation, stamping the child's id with the new generation, and
// zeroing the child's mass so it is collected as garbage once its
// physical role (if any) is resolved by a collaborator. Up to 256 forks
// per original particle keep ids distinct (spec §4.2 invariant).
func (m *Manager) Fork(parent int) (int, error) {
	if parent < 0 || parent >= len(m.P) {
		return 0, fmt.Errorf("particle: fork index %d out of range", parent)
	}

	p := m.P[parent]
	if p.Generation == 255 {
		return 0, fmt.Errorf("particle: id %d has exhausted its 256 forks", p.ID)
	}
	m.P[parent].Generation++

	child := p
	child.Generation = m.P[parent].Generation
	child.ID = childID(p.ID, child.Generation)
	child.Mass = 0
	// A slot-bearing child keeps the parent's PI rather than being reset:
	// original_source's domain_fork_particle leaves the child's PIndex
	// "still pointing to the old Pindex" so a later pass can resolve it.
	// A non-slot child has no PI to preserve.
	if !p.Type.HasSlot() {
		child.PI = -1
	}

	idx, err := m.AppendBase(child)
	if err != nil {
		m.P[parent].Generation--
		return 0, err
	}
	return idx, nil
}

// endSwapRemoveBase removes base index i by moving the current last entry
// into its slot (spec §4.6 step 6 / §4.7 step 2). The moved entry's PI
// needs no fix-up, since PI indexes the slot tables rather than P. It does
// not touch gas-prefix density; callers that need the gas invariant
// preserved must additionally call removeGasSlotAt beforehand (see
// RemoveByMassZero).
func (m *Manager) endSwapRemoveBase(i int) {
	last := len(m.P) - 1
	if i != last {
		m.P[i] = m.P[last]
	}
	m.P = m.P[:last]
}

// RemoveByMassZero is the collection pass of spec §4.2 / §4.7 step 2: any
// base entry with mass == 0 is removed by end-swap, with the additional
// gas-prefix-end swap if the removed entry was gas.
func (m *Manager) RemoveByMassZero() (removed int) {
	i := 0
	for i < len(m.P) {
		if !m.P[i].IsGarbage() {
			i++
			continue
		}
		if m.P[i].Type == TypeGas && m.gasSlotOwnedSolelyBy(i) {
			m.removeGasSlotAt(int(m.P[i].PI))
		}
		m.endSwapRemoveBase(i)
		removed++
		// Do not advance i: the entry swapped into position i must also
		// be checked.
	}
	return removed
}

// gasSlotOwnedSolelyBy reports whether base entry i is the only live
// reference to its gas slot. A forked zero-mass child shares its
// parent's PI (see Fork) until collected; freeing the slot here would
// either double-free it or, if the slot was never real to begin with
// (PI out of the dense prefix), panic in removeGasSlotAt.
func (m *Manager) gasSlotOwnedSolelyBy(i int) bool {
	pi := m.P[i].PI
	if pi < 0 || int(pi) >= m.NGasSlots {
		return false
	}
	for j := range m.P {
		if j == i {
			continue
		}
		if m.P[j].Type == TypeGas && m.P[j].PI == pi {
			return false
		}
	}
	return true
}

// RemoveIndices removes every base entry named in idxs (not assumed
// sorted) by repeated end-swap, used by the Exchange Engine's compaction
// step (spec §4.6 step 6) to drop entries that were just packed for
// export. Duplicate indices are ignored. Gas entries are additionally
// removed from the dense gas prefix.
func (m *Manager) RemoveIndices(idxs []int) {
	sorted := make([]int, len(idxs))
	copy(sorted, idxs)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	last := -1
	for _, i := range sorted {
		if i == last {
			continue
		}
		last = i
		if m.P[i].Type == TypeGas && m.gasSlotOwnedSolelyBy(i) {
			m.removeGasSlotAt(int(m.P[i].PI))
		}
		m.endSwapRemoveBase(i)
	}
}

// removeGasSlotAt removes gas slot idx by swapping it with the last live
// gas slot and shrinking the dense prefix, keeping [0, NGasSlots) dense
// (spec §4.7 sub-pass 1 shape, reused here for mass-zero elimination).
func (m *Manager) removeGasSlotAt(idx int) {
	last := m.NGasSlots - 1
	if idx != last {
		m.Gas[idx] = m.Gas[last]
		// Whichever base particle owns the slot we just moved into idx
		// must have its PI updated to point at its new home.
		for bi := range m.P {
			if m.P[bi].Type == TypeGas && int(m.P[bi].PI) == last {
				m.P[bi].PI = int32(idx)
				break
			}
		}
	}
	m.Gas = m.Gas[:last]
	m.NGasSlots--
}

// VerifyConsistency checks the invariants of spec §3 / §8 property 4:
// every live gas entry indexes inside the dense prefix, every live BH
// entry's slot ID matches the base ID, and no gas slot is shared.
func (m *Manager) VerifyConsistency() error {
	seenGas := make(map[int32]bool, m.NGasSlots)
	for i := range m.P {
		p := &m.P[i]
		switch p.Type {
		case TypeGas:
			if int(p.PI) >= m.NGasSlots || p.PI < 0 {
				return fmt.Errorf("%w: base %d (id %d) has PI %d outside [0,%d)",
					ErrIndexMismatch, i, p.ID, p.PI, m.NGasSlots)
			}
			if seenGas[p.PI] {
				return fmt.Errorf("%w: gas slot %d referenced by two base entries", ErrIndexMismatch, p.PI)
			}
			seenGas[p.PI] = true
		case TypeBH:
			if p.PI < 0 || int(p.PI) >= len(m.BH) {
				return fmt.Errorf("%w: base %d (id %d) has PI %d outside BH table of size %d",
					ErrIndexMismatch, i, p.ID, p.PI, len(m.BH))
			}
			if m.BH[p.PI].ID != p.ID {
				return fmt.Errorf("%w: base %d id %d != BhP[%d].ID %d",
					ErrIndexMismatch, i, p.ID, p.PI, m.BH[p.PI].ID)
			}
		}
	}
	return nil
}

// CheckUniqueIDs is spec §8 property 2.
func (m *Manager) CheckUniqueIDs() error {
	seen := make(map[uint64]bool, len(m.P))
	for i := range m.P {
		if seen[m.P[i].ID] {
			return fmt.Errorf("%w: %d", ErrDuplicateID, m.P[i].ID)
		}
		seen[m.P[i].ID] = true
	}
	return nil
}

// Package exchange implements the Exchange Engine of spec §4.6: the
// round protocol that migrates particles (and their auxiliary gas/black
// hole slots) from the rank that currently holds them to the rank their
// top-tree leaf assignment says should own them.
//
// Grounded on original_source/domain.c's domain_exchange_particles /
// domain_resize_storage, with the wire layer following the teacher's
// io/io.go packed-binary convention (see wire.go).
package exchange

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cosmo-nbody/nbodydomain/comm"
	"github.com/cosmo-nbody/nbodydomain/particle"
	"github.com/cosmo-nbody/nbodydomain/peano"
	"github.com/cosmo-nbody/nbodydomain/toptree"
)

// ErrOverflow is spec §7 kind 3: the receive-side safety loop could not
// converge within MaxShedIterations.
var ErrOverflow = errors.New("exchange: receive-side volume did not converge")

const defaultMaxShedIterations = 100

// Layout resolves a particle's cached key to its owning rank: spec §4.6
// "Layout function" — descend the final top tree, then look up the
// leaf's assigned rank.
type Layout struct {
	Tree  *toptree.Tree
	Ranks []int // indexed by leaf ordinal (toptree.Node.Leaf)
}

// RankOf returns the rank that owns key under this layout.
func (l Layout) RankOf(key uint64) int {
	leaf := l.Tree.LeafForKey(peano.Key(key))
	return l.Ranks[leaf]
}

// Engine runs exchange rounds bounded by a staging byte budget.
type Engine struct {
	// FreeBytes is the caller's available staging budget (spec §4.6 step
	// 2's FreeBytes).
	FreeBytes int64
	// MaxShedIterations bounds the receive-side safety loop (spec §4.6
	// step 4); zero means defaultMaxShedIterations.
	MaxShedIterations int
}

func NewEngine(freeBytes int64) *Engine {
	return &Engine{FreeBytes: freeBytes, MaxShedIterations: defaultMaxShedIterations}
}

func (e *Engine) maxShedIterations() int {
	if e.MaxShedIterations <= 0 {
		return defaultMaxShedIterations
	}
	return e.MaxShedIterations
}

// budget is spec §4.6 step 2's threshold: FreeBytes minus a per-rank
// reservation for the NTask in-flight request bookkeeping the real
// exchange needs alongside the staged payload.
func (e *Engine) budget(ntask int) int64 {
	const sizeofInt = 8
	const sizeofRequest = 8
	b := e.FreeBytes - int64(ntask)*(24*sizeofInt+16*sizeofRequest)
	if b < 0 {
		return 0
	}
	return b
}

// Round runs one iteration of spec §4.6's round protocol: stage
// candidates, exchange counts, shed until the receive side fits, then
// transfer and absorb. Run runs consecutive rounds until every rank has
// migrated all of its misplaced particles (spec §4.6 "Termination").
func (e *Engine) Round(c comm.Communicator, m *particle.Manager, layout Layout) (moved int, err error) {
	rank := c.Rank()
	ntask := c.Size()

	target := classifyTargets(m, layout, rank)
	exportIdx := stageCandidates(m, target, ntask, e.budget(ntask))
	toGoBase, toGoGas, toGoBH := countsByTarget(m, exportIdx)

	for iter := 0; ; iter++ {
		if iter >= e.maxShedIterations() {
			return 0, fmt.Errorf("%w: exceeded %d shedding iterations", ErrOverflow, e.maxShedIterations())
		}

		toGetBase, toGetGas, toGetBH, err := exchangeCounts(c, toGoBase, toGoGas, toGoBH)
		if err != nil {
			return 0, err
		}

		bounds := m.Bounds()
		overBase := sumInt64(toGetBase) - (bounds.MaxPart - int64(m.NumPart()))
		overGas := sumInt64(toGetGas) - (bounds.MaxPart - int64(m.NGasSlots))
		overBH := sumInt64(toGetBH) - (bounds.MaxPartBh - int64(len(m.BH)))
		localOverflow := overBase > 0 || overGas > 0 || overBH > 0

		// Whether to transfer or shed must be a uniform, global decision:
		// doTransfer and shedRequests are both collectives, and a rank
		// whose own inbound volume happens to fit must not diverge from a
		// rank that still needs to shed (spec §4.6 step 4 / §7 kind 3).
		anyOverflow := int64(0)
		if localOverflow {
			anyOverflow = 1
		}
		flags := []int64{anyOverflow}
		c.AllReduceSumInt64(flags)
		if flags[0] == 0 {
			return doTransfer(c, m, exportIdx)
		}

		senderThisRound := iter % ntask
		wantsShed := rank != senderThisRound && localOverflow
		requesters, err := shedRequests(c, senderThisRound, rank, wantsShed)
		if err != nil {
			return 0, err
		}
		if rank == senderThisRound {
			shedOne(m, exportIdx, requesters, &toGoBase, &toGoGas, &toGoBH)
		}
	}
}

// Run repeats Round until no rank holds a misplaced particle, per spec
// §4.6 "Termination": if any rank's step 2 budget check left particles
// unstaged (OnAnotherDomain still set after a round), another round runs.
func (e *Engine) Run(c comm.Communicator, m *particle.Manager, layout Layout) (totalMoved int, err error) {
	for {
		moved, err := e.Round(c, m, layout)
		if err != nil {
			return totalMoved, err
		}
		totalMoved += moved

		residue := 0
		for i := range m.P {
			if m.P[i].OnAnotherDomain {
				residue++
			}
		}
		residueTotal := []int64{int64(residue)}
		c.AllReduceSumInt64(residueTotal)
		if residueTotal[0] == 0 {
			return totalMoved, nil
		}
	}
}

func classifyTargets(m *particle.Manager, layout Layout, rank int) []int {
	target := make([]int, len(m.P))
	for i := range m.P {
		r := layout.RankOf(m.P[i].Key)
		target[i] = r
		m.P[i].OnAnotherDomain = r != rank
	}
	return target
}

// stageCandidates implements spec §4.6 step 2: accept misplaced
// particles into the round's export set until the cumulative staged size
// would exceed budget.
func stageCandidates(m *particle.Manager, target []int, ntask int, budget int64) [][]int {
	exportIdx := make([][]int, ntask)
	baseSize := int64(binary.Size(wireBase{}))
	gasSize := int64(binary.Size(wireGas{}))
	bhSize := int64(binary.Size(wireBH{}))

	var staged int64
	for i := range m.P {
		if !m.P[i].OnAnotherDomain {
			continue
		}
		size := baseSize
		switch m.P[i].Type {
		case particle.TypeGas:
			size += gasSize
		case particle.TypeBH:
			size += bhSize
		}
		if staged+size > budget {
			break
		}
		staged += size
		m.P[i].WillExport = true
		exportIdx[target[i]] = append(exportIdx[target[i]], i)
	}
	return exportIdx
}

func countsByTarget(m *particle.Manager, exportIdx [][]int) (base, gas, bh []int64) {
	n := len(exportIdx)
	base = make([]int64, n)
	gas = make([]int64, n)
	bh = make([]int64, n)
	for target, idxs := range exportIdx {
		for _, i := range idxs {
			base[target]++
			switch m.P[i].Type {
			case particle.TypeGas:
				gas[target]++
			case particle.TypeBH:
				bh[target]++
			}
		}
	}
	return
}

type countTriple struct{ Base, Gas, BH int64 }

// exchangeCounts all-to-alls the three toGo* arrays into toGet* (spec
// §4.6 step 3), and is re-run every shedding iteration per the decision
// recorded in SPEC_FULL.md §13: toGo is the sole source of truth, toGet
// is always recomputed fresh rather than decremented in place.
func exchangeCounts(c comm.Communicator, toGoBase, toGoGas, toGoBH []int64) (base, gas, bh []int64, err error) {
	ntask := c.Size()
	send := make([][]byte, ntask)
	for j := 0; j < ntask; j++ {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.LittleEndian, countTriple{toGoBase[j], toGoGas[j], toGoBH[j]})
		send[j] = buf.Bytes()
	}
	recv, err := c.Alltoallv(send)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("exchange: count exchange: %w", err)
	}

	base = make([]int64, ntask)
	gas = make([]int64, ntask)
	bh = make([]int64, ntask)
	for src, b := range recv {
		var t countTriple
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &t); err != nil {
			return nil, nil, nil, fmt.Errorf("exchange: decode counts from rank %d: %w", src, err)
		}
		base[src], gas[src], bh[src] = t.Base, t.Gas, t.BH
	}
	return base, gas, bh, nil
}

// shedRequests runs one round of spec §4.6 step 4's round-robin: every
// rank (other than senderThisRound) reports whether it wants a particle
// shed; senderThisRound learns, per requesting rank, whether it asked.
func shedRequests(c comm.Communicator, senderThisRound, rank int, wantsShed bool) ([]bool, error) {
	ntask := c.Size()
	send := make([][]byte, ntask)
	for j := 0; j < ntask; j++ {
		send[j] = []byte{}
	}
	if wantsShed {
		send[senderThisRound] = []byte{1}
	}
	recv, err := c.Alltoallv(send)
	if err != nil {
		return nil, fmt.Errorf("exchange: shed request round: %w", err)
	}
	requesters := make([]bool, ntask)
	if rank == senderThisRound {
		for i, b := range recv {
			requesters[i] = len(b) > 0 && b[0] == 1
		}
	}
	return requesters, nil
}

// shedOne drops one staged particle destined for each requesting rank
// (spec §4.6 step 4 "shed one inbound particle at a time"), updating the
// sender's own toGo* counts and un-staging the dropped entry.
func shedOne(m *particle.Manager, exportIdx [][]int, requesters []bool, toGoBase, toGoGas, toGoBH *[]int64) {
	for target, want := range requesters {
		if !want || len(exportIdx[target]) == 0 {
			continue
		}
		last := len(exportIdx[target]) - 1
		dropped := exportIdx[target][last]
		exportIdx[target] = exportIdx[target][:last]

		m.P[dropped].WillExport = false
		(*toGoBase)[target]--
		switch m.P[dropped].Type {
		case particle.TypeGas:
			(*toGoGas)[target]--
		case particle.TypeBH:
			(*toGoBH)[target]--
		}
	}
}

func sumInt64(xs []int64) int64 {
	var s int64
	for _, x := range xs {
		s += x
	}
	return s
}

// doTransfer runs spec §4.6 steps 5-9: pack, three paired Alltoallv
// transfers, compact the local tables, absorb the incoming entries and
// repair their PI references.
func doTransfer(c comm.Communicator, m *particle.Manager, exportIdx [][]int) (int, error) {
	ntask := c.Size()

	sendBase := make([][]byte, ntask)
	sendGas := make([][]byte, ntask)
	sendBH := make([][]byte, ntask)
	for target, idxs := range exportIdx {
		sendBase[target] = packBase(m, idxs)
		sendGas[target] = packGas(m, idxs)
		sendBH[target] = packBH(m, idxs)
	}

	recvBase, err := c.Alltoallv(sendBase)
	if err != nil {
		return 0, fmt.Errorf("exchange: base transfer: %w", err)
	}
	recvGas, err := c.Alltoallv(sendGas)
	if err != nil {
		return 0, fmt.Errorf("exchange: gas transfer: %w", err)
	}
	recvBH, err := c.Alltoallv(sendBH)
	if err != nil {
		return 0, fmt.Errorf("exchange: black-hole transfer: %w", err)
	}

	var flat []int
	for _, idxs := range exportIdx {
		flat = append(flat, idxs...)
	}
	m.RemoveIndices(flat)

	moved := 0
	for src := 0; src < ntask; src++ {
		bases, err := unpackBase(recvBase[src])
		if err != nil {
			return moved, err
		}
		gases, err := unpackGas(recvGas[src])
		if err != nil {
			return moved, err
		}
		bhs, err := unpackBH(recvBH[src])
		if err != nil {
			return moved, err
		}

		gi, bi := 0, 0
		for _, wb := range bases {
			p := fromWireBase(wb)
			switch p.Type {
			case particle.TypeGas:
				slot := gases[gi]
				gi++
				newPI, err := m.AppendGas(particle.GasSlot{
					ID: slot.ID, Density: slot.Density, Entropy: slot.Entropy,
					SmoothLen: slot.SmoothLen, Temperature: slot.Temperature,
				})
				if err != nil {
					return moved, err
				}
				p.PI = newPI
			case particle.TypeBH:
				slot := bhs[bi]
				bi++
				newPI, err := m.AppendBH(particle.BHSlot{
					ID: slot.ID, AccretionRate: slot.AccretionRate, Mass: slot.Mass,
				})
				if err != nil {
					return moved, err
				}
				p.PI = newPI
			default:
				p.PI = -1
			}
			p.OnAnotherDomain = false
			p.WillExport = false
			if _, err := m.AppendBase(p); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

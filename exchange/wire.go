package exchange

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cosmo-nbody/nbodydomain/particle"
)

// wireBase, wireGas and wireBH are the fixed-size, bitwise wire layouts
// of spec §6 "payload is packed contiguous byte sequences typed by
// fixed-size structs", following the teacher's io/io.go packed-binary
// convention (catalog/catalog.go's gadgetHeader + binary.Read use) rather
// than a self-describing format like encoding/gob.
type wireBase struct {
	Pos        [3]float64
	Vel        [3]float64
	Mass       float64
	Type       uint8
	ID         uint64
	Generation uint8
	TimeBin    int32
	GravCost   float64
	Key        uint64
	PI         int32
}

type wireGas struct {
	ID          uint64
	Density     float64
	Entropy     float64
	SmoothLen   float64
	Temperature float64
}

type wireBH struct {
	ID            uint64
	AccretionRate float64
	Mass          float64
}

func toWireBase(p particle.Particle) wireBase {
	return wireBase{
		Pos: p.Pos, Vel: p.Vel, Mass: p.Mass, Type: uint8(p.Type),
		ID: p.ID, Generation: p.Generation, TimeBin: p.TimeBin, GravCost: p.GravCost,
		Key: p.Key, PI: p.PI,
	}
}

func fromWireBase(w wireBase) particle.Particle {
	return particle.Particle{
		Pos: w.Pos, Vel: w.Vel, Mass: w.Mass, Type: particle.Type(w.Type),
		ID: w.ID, Generation: w.Generation, TimeBin: w.TimeBin, GravCost: w.GravCost,
		Key: w.Key, PI: w.PI,
	}
}

// packBase serializes the base entries at idxs (in order) into one
// contiguous buffer, the shape of an MPI derived-type send for the base
// table half of spec §4.6 step 5.
func packBase(m *particle.Manager, idxs []int) []byte {
	buf := new(bytes.Buffer)
	for _, i := range idxs {
		binary.Write(buf, binary.LittleEndian, toWireBase(m.P[i]))
	}
	return buf.Bytes()
}

// packGas serializes the gas slot belonging to every gas-typed entry in
// idxs, in the same relative order packBase visits them, per spec §4.6
// step 5 "pack its gas slot in the matching offset".
func packGas(m *particle.Manager, idxs []int) []byte {
	buf := new(bytes.Buffer)
	for _, i := range idxs {
		if m.P[i].Type != particle.TypeGas {
			continue
		}
		slot := m.Gas[m.P[i].PI]
		binary.Write(buf, binary.LittleEndian, wireGas{
			ID: slot.ID, Density: slot.Density, Entropy: slot.Entropy,
			SmoothLen: slot.SmoothLen, Temperature: slot.Temperature,
		})
	}
	return buf.Bytes()
}

// packBH serializes the black-hole slot belonging to every BH-typed entry
// in idxs, in the same relative order packBase visits them.
func packBH(m *particle.Manager, idxs []int) []byte {
	buf := new(bytes.Buffer)
	for _, i := range idxs {
		if m.P[i].Type != particle.TypeBH {
			continue
		}
		slot := m.BH[m.P[i].PI]
		binary.Write(buf, binary.LittleEndian, wireBH{
			ID: slot.ID, AccretionRate: slot.AccretionRate, Mass: slot.Mass,
		})
	}
	return buf.Bytes()
}

func unpackBase(data []byte) ([]wireBase, error) {
	elemSize := binary.Size(wireBase{})
	if elemSize <= 0 || len(data)%elemSize != 0 {
		return nil, fmt.Errorf("exchange: malformed base payload (%d bytes)", len(data))
	}
	out := make([]wireBase, len(data)/elemSize)
	if len(out) == 0 {
		return out, nil
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("exchange: decode base payload: %w", err)
	}
	return out, nil
}

func unpackGas(data []byte) ([]wireGas, error) {
	elemSize := binary.Size(wireGas{})
	if elemSize <= 0 || len(data)%elemSize != 0 {
		return nil, fmt.Errorf("exchange: malformed gas payload (%d bytes)", len(data))
	}
	out := make([]wireGas, len(data)/elemSize)
	if len(out) == 0 {
		return out, nil
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("exchange: decode gas payload: %w", err)
	}
	return out, nil
}

func unpackBH(data []byte) ([]wireBH, error) {
	elemSize := binary.Size(wireBH{})
	if elemSize <= 0 || len(data)%elemSize != 0 {
		return nil, fmt.Errorf("exchange: malformed black-hole payload (%d bytes)", len(data))
	}
	out := make([]wireBH, len(data)/elemSize)
	if len(out) == 0 {
		return out, nil
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("exchange: decode black-hole payload: %w", err)
	}
	return out, nil
}

package toptree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cosmo-nbody/nbodydomain/peano"
)

// wireNode is the fixed-size, bitwise wire representation of a Node
// (spec §6 "payload is packed contiguous byte sequences typed by
// fixed-size structs"), following the teacher's io/io.go packed-binary
// convention rather than a self-describing format.
type wireNode struct {
	StartKey uint64
	Size     uint64
	Daughter int32
	Parent   int32
	Leaf     int32
	Count    int64
	Cost     float64
	PIndex   int32
}

func encodeNodes(nodes []Node) []byte {
	wire := make([]wireNode, len(nodes))
	for i, n := range nodes {
		wire[i] = wireNode{
			StartKey: uint64(n.StartKey),
			Size:     n.Size,
			Daughter: n.Daughter,
			Parent:   n.Parent,
			Leaf:     n.Leaf,
			Count:    n.Count,
			Cost:     n.Cost,
			PIndex:   int32(n.PIndex),
		}
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, int32(len(wire)))
	binary.Write(buf, binary.LittleEndian, wire)
	return buf.Bytes()
}

func decodeNodes(data []byte) ([]Node, error) {
	buf := bytes.NewReader(data)
	var count int32
	if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("toptree: decode node count: %w", err)
	}
	wire := make([]wireNode, count)
	if err := binary.Read(buf, binary.LittleEndian, wire); err != nil {
		return nil, fmt.Errorf("toptree: decode nodes: %w", err)
	}
	nodes := make([]Node, count)
	for i, w := range wire {
		nodes[i] = Node{
			StartKey: peano.Key(w.StartKey),
			Size:     w.Size,
			Daughter: w.Daughter,
			Parent:   w.Parent,
			Leaf:     w.Leaf,
			Count:    w.Count,
			Cost:     w.Cost,
			PIndex:   int(w.PIndex),
		}
	}
	return nodes, nil
}

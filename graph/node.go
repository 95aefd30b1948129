package graph

import (
	"encoding/binary"

	"github.com/feldmond/sombra/errs"
)

// recordKindNode tags a stored node payload's first byte (§6: "1-byte
// record kind tag"), distinguishing it from a stored edge payload when
// both live in the same record store.
const recordKindNode byte = 1

// Node is the in-memory form of a node record (§3). OutHead/InHead are
// the EdgeId at the head of the node's outgoing/incoming adjacency
// list, or 0 if the list is empty.
type Node struct {
	ID         uint64
	Labels     []string
	Properties *PropertySet
	OutHead    uint64
	InHead     uint64
}

// NewNode creates a node with the given labels and properties; ID and
// adjacency heads are assigned by the store on creation.
func NewNode(labels []string, properties *PropertySet) *Node {
	if properties == nil {
		properties = NewPropertySet()
	}
	return &Node{Labels: append([]string(nil), labels...), Properties: properties}
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Encode serializes the node record: kind(1) id(8) out_head(8)
// in_head(8) label_count(2) {label_len(2) label}... property_set.
func (n *Node) Encode() []byte {
	buf := make([]byte, 0, 64+len(n.Labels)*8)
	buf = append(buf, recordKindNode)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], n.ID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], n.OutHead)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], n.InHead)
	buf = append(buf, tmp[:]...)

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(n.Labels)))
	buf = append(buf, tmp2[:]...)
	for _, l := range n.Labels {
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(l)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, l...)
	}
	buf = append(buf, n.Properties.Encode()...)
	return buf
}

// DecodeNode parses a buffer written by Node.Encode.
func DecodeNode(buf []byte) (*Node, error) {
	if len(buf) < 25 || buf[0] != recordKindNode {
		return nil, errs.New(errs.KindCorruption, "graph: malformed node record")
	}
	n := &Node{
		ID:      binary.LittleEndian.Uint64(buf[1:9]),
		OutHead: binary.LittleEndian.Uint64(buf[9:17]),
		InHead:  binary.LittleEndian.Uint64(buf[17:25]),
	}
	off := 25
	if off+2 > len(buf) {
		return nil, errs.New(errs.KindCorruption, "graph: truncated node label count")
	}
	labelCount := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	for i := 0; i < labelCount; i++ {
		if off+2 > len(buf) {
			return nil, errs.New(errs.KindCorruption, "graph: truncated node label length")
		}
		labelLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+labelLen > len(buf) {
			return nil, errs.New(errs.KindCorruption, "graph: truncated node label")
		}
		n.Labels = append(n.Labels, string(buf[off:off+labelLen]))
		off += labelLen
	}
	props, _, err := DecodeProperties(buf[off:])
	if err != nil {
		return nil, err
	}
	n.Properties = props
	return n, nil
}

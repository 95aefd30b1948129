package graph

import (
	"encoding/binary"

	"github.com/feldmond/sombra/errs"
)

// recordKindEdge tags a stored edge payload's first byte.
const recordKindEdge byte = 2

// Edge is the in-memory form of an edge record (§3). NextOut/NextIn
// chain the edge onto its source's outgoing and target's incoming
// adjacency lists; 0 means "last in the list".
type Edge struct {
	ID         uint64
	Type       string
	Source     uint64
	Target     uint64
	Properties *PropertySet
	NextOut    uint64
	NextIn     uint64
}

// NewEdge creates an edge between source and target; ID and adjacency
// chain pointers are assigned by the store on creation.
func NewEdge(edgeType string, source, target uint64, properties *PropertySet) *Edge {
	if properties == nil {
		properties = NewPropertySet()
	}
	return &Edge{Type: edgeType, Source: source, Target: target, Properties: properties}
}

// Encode serializes the edge record: kind(1) id(8) source(8) target(8)
// next_out(8) next_in(8) type_len(2) type property_set.
func (e *Edge) Encode() []byte {
	buf := make([]byte, 0, 64+len(e.Type))
	buf = append(buf, recordKindEdge)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], e.ID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.Source)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.Target)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.NextOut)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.NextIn)
	buf = append(buf, tmp[:]...)

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(e.Type)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, e.Type...)
	buf = append(buf, e.Properties.Encode()...)
	return buf
}

// DecodeEdge parses a buffer written by Edge.Encode.
func DecodeEdge(buf []byte) (*Edge, error) {
	if len(buf) < 41 || buf[0] != recordKindEdge {
		return nil, errs.New(errs.KindCorruption, "graph: malformed edge record")
	}
	e := &Edge{
		ID:      binary.LittleEndian.Uint64(buf[1:9]),
		Source:  binary.LittleEndian.Uint64(buf[9:17]),
		Target:  binary.LittleEndian.Uint64(buf[17:25]),
		NextOut: binary.LittleEndian.Uint64(buf[25:33]),
		NextIn:  binary.LittleEndian.Uint64(buf[33:41]),
	}
	off := 41
	if off+2 > len(buf) {
		return nil, errs.New(errs.KindCorruption, "graph: truncated edge type length")
	}
	typeLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+typeLen > len(buf) {
		return nil, errs.New(errs.KindCorruption, "graph: truncated edge type")
	}
	e.Type = string(buf[off : off+typeLen])
	off += typeLen
	props, _, err := DecodeProperties(buf[off:])
	if err != nil {
		return nil, err
	}
	e.Properties = props
	return e, nil
}

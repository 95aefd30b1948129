// Package graph implements the node/edge data model, adjacency lists,
// and the transaction-facing graph engine (§3, §4.7) on top of storage,
// index, and mvcc.
package graph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/feldmond/sombra/errs"
)

// ValueKind tags a PropertyValue's payload. The tag byte is part of the
// canonical on-disk encoding (§6), so these constants are stable.
type ValueKind byte

const (
	KindNull ValueKind = 0
	KindInt  ValueKind = 1
	KindFloat ValueKind = 2
	KindBool ValueKind = 3
	KindString ValueKind = 4
	KindBytes ValueKind = 5
	KindTime ValueKind = 6 // unix nanoseconds, stored as Int
)

// PropertyValue is the tagged union over the property value kinds in
// §3. Encoding is canonical: a fixed tag byte followed by a
// kind-specific payload, so that encode(decode(b)) == b for any valid
// b and equal values always encode identically.
type PropertyValue struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Bytes []byte
}

func NullValue() PropertyValue           { return PropertyValue{Kind: KindNull} }
func IntValue(v int64) PropertyValue     { return PropertyValue{Kind: KindInt, Int: v} }
func FloatValue(v float64) PropertyValue { return PropertyValue{Kind: KindFloat, Float: v} }
func BoolValue(v bool) PropertyValue     { return PropertyValue{Kind: KindBool, Bool: v} }
func StringValue(v string) PropertyValue { return PropertyValue{Kind: KindString, Str: v} }
func BytesValue(v []byte) PropertyValue  { return PropertyValue{Kind: KindBytes, Bytes: v} }
func TimeValue(unixNano int64) PropertyValue {
	return PropertyValue{Kind: KindTime, Int: unixNano}
}

// Equal reports whether two values have the same kind and payload.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt, KindTime:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	default:
		return false
	}
}

// encode appends the canonical tag+payload encoding of v to buf.
func (v PropertyValue) encode(buf []byte) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindInt, KindTime:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int))
		buf = append(buf, tmp[:]...)
	case KindFloat:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float))
		buf = append(buf, tmp[:]...)
	case KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindString:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Str)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, v.Str...)
	case KindBytes:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.Bytes)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, v.Bytes...)
	}
	return buf
}

// decodeValue parses one tagged value from buf, returning the value and
// the number of bytes consumed.
func decodeValue(buf []byte) (PropertyValue, int, error) {
	if len(buf) < 1 {
		return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated property tag")
	}
	kind := ValueKind(buf[0])
	switch kind {
	case KindNull:
		return PropertyValue{Kind: KindNull}, 1, nil
	case KindInt, KindTime:
		if len(buf) < 9 {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated int property")
		}
		return PropertyValue{Kind: kind, Int: int64(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case KindFloat:
		if len(buf) < 9 {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated float property")
		}
		bits := binary.LittleEndian.Uint64(buf[1:9])
		return PropertyValue{Kind: KindFloat, Float: math.Float64frombits(bits)}, 9, nil
	case KindBool:
		if len(buf) < 2 {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated bool property")
		}
		return PropertyValue{Kind: KindBool, Bool: buf[1] != 0}, 2, nil
	case KindString:
		if len(buf) < 5 {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated string property")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated string property body")
		}
		return PropertyValue{Kind: KindString, Str: string(buf[5 : 5+n])}, 5 + n, nil
	case KindBytes:
		if len(buf) < 5 {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated bytes property")
		}
		n := int(binary.LittleEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return PropertyValue{}, 0, errs.New(errs.KindCorruption, "graph: truncated bytes property body")
		}
		out := append([]byte(nil), buf[5:5+n]...)
		return PropertyValue{Kind: KindBytes, Bytes: out}, 5 + n, nil
	default:
		return PropertyValue{}, 0, errs.New(errs.KindCorruption, fmt.Sprintf("graph: unknown property kind %d", kind))
	}
}

// Property is one named entry of a PropertySet.
type Property struct {
	Key   string
	Value PropertyValue
}

// PropertySet is an insertion-ordered set of named properties, matching
// the teacher's field-list document shape but over the canonical
// PropertyValue encoding instead of a document's interface{} payload.
type PropertySet struct {
	fields []Property
}

// NewPropertySet creates an empty property set.
func NewPropertySet() *PropertySet { return &PropertySet{} }

// Set adds or replaces the value stored under key.
func (p *PropertySet) Set(key string, value PropertyValue) {
	for i, f := range p.fields {
		if f.Key == key {
			p.fields[i].Value = value
			return
		}
	}
	p.fields = append(p.fields, Property{Key: key, Value: value})
}

// Unset removes key, if present.
func (p *PropertySet) Unset(key string) {
	for i, f := range p.fields {
		if f.Key == key {
			p.fields = append(p.fields[:i], p.fields[i+1:]...)
			return
		}
	}
}

// Get returns the value stored under key.
func (p *PropertySet) Get(key string) (PropertyValue, bool) {
	for _, f := range p.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return PropertyValue{}, false
}

// Fields returns the properties in insertion order.
func (p *PropertySet) Fields() []Property { return p.fields }

// Clone deep-copies the set.
func (p *PropertySet) Clone() *PropertySet {
	out := &PropertySet{fields: make([]Property, len(p.fields))}
	copy(out.fields, p.fields)
	for i := range out.fields {
		if b := out.fields[i].Value.Bytes; b != nil {
			out.fields[i].Value.Bytes = append([]byte(nil), b...)
		}
	}
	return out
}

// Encode serializes the set as: field_count(2) then, per field,
// name_len(2) name type(1) payload.
func (p *PropertySet) Encode() []byte {
	buf := make([]byte, 0, 64)
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(p.fields)))
	buf = append(buf, tmp[:]...)
	for _, f := range p.fields {
		binary.LittleEndian.PutUint16(tmp[:], uint16(len(f.Key)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, f.Key...)
		buf = f.Value.encode(buf)
	}
	return buf
}

// DecodeProperties parses a buffer written by PropertySet.Encode.
func DecodeProperties(buf []byte) (*PropertySet, int, error) {
	if len(buf) < 2 {
		return nil, 0, errs.New(errs.KindCorruption, "graph: truncated property set")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	set := NewPropertySet()
	for i := 0; i < n; i++ {
		if off+2 > len(buf) {
			return nil, 0, errs.New(errs.KindCorruption, "graph: truncated property name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+nameLen > len(buf) {
			return nil, 0, errs.New(errs.KindCorruption, "graph: truncated property name")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		val, consumed, err := decodeValue(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += consumed
		set.fields = append(set.fields, Property{Key: name, Value: val})
	}
	return set, off, nil
}

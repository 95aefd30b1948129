package storage

import (
	"encoding/binary"

	"github.com/feldmond/sombra/errs"
)

// HeaderPageID is the page holding the database header (§3, §6). It is
// never allocated as a record or index page.
const HeaderPageID uint64 = 0

// headerMagic identifies a Sombra data file.
var headerMagic = [8]byte{'S', 'O', 'M', 'B', 'R', 'A', '1', 0}

// FormatVersion is the on-disk format version written to the header.
const FormatVersion uint32 = 1

// Header mirrors the fixed-offset header page described in spec.md §6:
// magic(8), format_version(4), page_size(4), next_node_id(8),
// next_edge_id(8), last_committed_ts(8), free_page_list_head(8),
// primary_node_index_root(8), primary_edge_index_root(8),
// label_index_root(8), property_index_root(8), last_checkpoint_lsn(8),
// checksum(8).
type Header struct {
	FormatVersion         uint32
	PageSize              uint32
	NextNodeID            uint64
	NextEdgeID             uint64
	LastCommittedTS        uint64
	FreePageListHead       uint64
	PrimaryNodeIndexRoot   uint64
	PrimaryEdgeIndexRoot   uint64
	LabelIndexRoot         uint64
	PropertyIndexRoot      uint64
	LastCheckpointLSN      uint64
}

const (
	hdrOffMagic       = 0
	hdrOffVersion     = 8
	hdrOffPageSize    = 12
	hdrOffNextNode    = 16
	hdrOffNextEdge    = 24
	hdrOffLastCommit  = 32
	hdrOffFreeList    = 40
	hdrOffPrimNode    = 48
	hdrOffPrimEdge    = 56
	hdrOffLabelRoot   = 64
	hdrOffPropRoot    = 72
	hdrOffLastCkptLSN = 80
	hdrOffChecksum    = 88
	// HeaderEncodedSize is the fixed byte length of the encoded header,
	// checksum included.
	HeaderEncodedSize = hdrOffChecksum + 8
)

// Encode serializes the header into a page-sized buffer using the
// fixed little-endian layout from spec.md §6. The checksum covers every
// preceding field.
func (h *Header) Encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[hdrOffMagic:], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[hdrOffVersion:], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[hdrOffPageSize:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[hdrOffNextNode:], h.NextNodeID)
	binary.LittleEndian.PutUint64(buf[hdrOffNextEdge:], h.NextEdgeID)
	binary.LittleEndian.PutUint64(buf[hdrOffLastCommit:], h.LastCommittedTS)
	binary.LittleEndian.PutUint64(buf[hdrOffFreeList:], h.FreePageListHead)
	binary.LittleEndian.PutUint64(buf[hdrOffPrimNode:], h.PrimaryNodeIndexRoot)
	binary.LittleEndian.PutUint64(buf[hdrOffPrimEdge:], h.PrimaryEdgeIndexRoot)
	binary.LittleEndian.PutUint64(buf[hdrOffLabelRoot:], h.LabelIndexRoot)
	binary.LittleEndian.PutUint64(buf[hdrOffPropRoot:], h.PropertyIndexRoot)
	binary.LittleEndian.PutUint64(buf[hdrOffLastCkptLSN:], h.LastCheckpointLSN)
	sum := crc64Checksum(buf[:hdrOffChecksum])
	binary.LittleEndian.PutUint64(buf[hdrOffChecksum:], sum)
	return buf
}

// DecodeHeader parses a header page. It returns an errs.KindCorruption
// error if the magic or checksum do not match.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderEncodedSize {
		return nil, errs.New(errs.KindCorruption, "storage: header page truncated")
	}
	if string(buf[hdrOffMagic:hdrOffMagic+8]) != string(headerMagic[:]) {
		return nil, errs.New(errs.KindCorruption, "storage: bad header magic")
	}
	want := binary.LittleEndian.Uint64(buf[hdrOffChecksum:])
	got := crc64Checksum(buf[:hdrOffChecksum])
	if want != got {
		return nil, errs.New(errs.KindCorruption, "storage: header checksum mismatch")
	}
	h := &Header{
		FormatVersion:        binary.LittleEndian.Uint32(buf[hdrOffVersion:]),
		PageSize:             binary.LittleEndian.Uint32(buf[hdrOffPageSize:]),
		NextNodeID:           binary.LittleEndian.Uint64(buf[hdrOffNextNode:]),
		NextEdgeID:           binary.LittleEndian.Uint64(buf[hdrOffNextEdge:]),
		LastCommittedTS:      binary.LittleEndian.Uint64(buf[hdrOffLastCommit:]),
		FreePageListHead:     binary.LittleEndian.Uint64(buf[hdrOffFreeList:]),
		PrimaryNodeIndexRoot: binary.LittleEndian.Uint64(buf[hdrOffPrimNode:]),
		PrimaryEdgeIndexRoot: binary.LittleEndian.Uint64(buf[hdrOffPrimEdge:]),
		LabelIndexRoot:       binary.LittleEndian.Uint64(buf[hdrOffLabelRoot:]),
		PropertyIndexRoot:    binary.LittleEndian.Uint64(buf[hdrOffPropRoot:]),
		LastCheckpointLSN:    binary.LittleEndian.Uint64(buf[hdrOffLastCkptLSN:]),
	}
	return h, nil
}

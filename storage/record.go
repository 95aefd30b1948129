package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/feldmond/sombra/errs"
)

// RecordPointer locates a stored record: the page holding it and the
// slot within that page. Pointers are stable across updates (§4.4): an
// in-place update never changes PageID/SlotID, and a relocating update
// (when the new value no longer fits) is something only the index layer
// is allowed to react to, by rewriting its posting.
type RecordPointer struct {
	PageID uint64
	SlotID uint16
}

// recordTag is a one-byte prefix recording whether a stored value was
// snappy-compressed.
type recordTag byte

const (
	tagRaw    recordTag = 0
	tagSnappy recordTag = 1
)

// overflow page layout: [PageHeaderSize header][8-byte next pointer][chunk bytes].
// Overflow pages don't use the slotted layout — one page, one chunk —
// since the only thing that ever needs random access inside one is the
// chain pointer.
const (
	overflowNextOff = PageHeaderSize
	overflowDataOff = PageHeaderSize + 8
)

func overflowCapacity(pageSize int) int { return pageSize - overflowDataOff }

// overflowPtrSize is the encoded size of the pointer record.go leaves in
// a record page's slot when a value didn't fit inline: totalLen(4) +
// firstPageID(8).
const overflowPtrSize = 12

func encodeOverflowPtr(totalLen uint32, firstPageID uint64) []byte {
	buf := make([]byte, overflowPtrSize)
	binary.LittleEndian.PutUint32(buf[0:], totalLen)
	binary.LittleEndian.PutUint64(buf[4:], firstPageID)
	return buf
}

func decodeOverflowPtr(buf []byte) (totalLen uint32, firstPageID uint64) {
	return binary.LittleEndian.Uint32(buf[0:]), binary.LittleEndian.Uint64(buf[4:])
}

// RecordStore is the slotted record-store policy layer above the raw
// Page primitive (§4.4): it decides which page a value lands on,
// compresses values with snappy when that shrinks them, and chains
// overflow pages for values too large to fit in a single page.
type RecordStore struct {
	b *WriteBatch
}

// NewRecordStore wraps a WriteBatch with record-level put/get/delete.
func NewRecordStore(b *WriteBatch) *RecordStore {
	return &RecordStore{b: b}
}

// PageGetter is the read-only page access a RecordReader needs —
// satisfied by *WriteBatch (within a write tx) and by
// index.PagerReader (against the last committed state, outside any
// write tx — that adapter lives in package index to avoid an import
// cycle back from storage).
type PageGetter interface {
	Get(pageID uint64) (*Page, error)
}

// RecordReader reads records without a write transaction, serving the
// read-only half of MVCC visibility checks (§4.6).
type RecordReader struct {
	g        PageGetter
	pageSize int
}

// NewRecordReader wraps a PageGetter with record-level reads.
func NewRecordReader(g PageGetter, pageSize int) *RecordReader {
	return &RecordReader{g: g, pageSize: pageSize}
}

// Get reads back the value stored at ptr.
func (r *RecordReader) Get(ptr RecordPointer) ([]byte, error) {
	return readRecord(r.g, ptr, r.pageSize)
}

func readRecord(g PageGetter, ptr RecordPointer, pageSize int) ([]byte, error) {
	pg, err := g.Get(ptr.PageID)
	if err != nil {
		return nil, err
	}
	raw, free, overflow, ok := pg.Read(ptr.SlotID)
	if !ok || free {
		return nil, errs.New(errs.KindNotFound, "storage: record pointer does not resolve to a live slot")
	}
	if overflow {
		tagged, err := readOverflowChain(g, raw, pageSize)
		if err != nil {
			return nil, err
		}
		return untag(tagged)
	}
	return untag(raw)
}

func readOverflowChain(g PageGetter, ptr []byte, pageSize int) ([]byte, error) {
	totalLen, pageID := decodeOverflowPtr(ptr)
	capacity := overflowCapacity(pageSize)
	out := make([]byte, 0, totalLen)
	remaining := int(totalLen)
	for remaining > 0 {
		if pageID == 0 {
			return nil, errs.New(errs.KindCorruption, "storage: overflow chain ended early")
		}
		pg, err := g.Get(pageID)
		if err != nil {
			return nil, err
		}
		chunkLen := remaining
		if chunkLen > capacity {
			chunkLen = capacity
		}
		out = append(out, pg.Data[overflowDataOff:overflowDataOff+chunkLen]...)
		remaining -= chunkLen
		pageID = binary.LittleEndian.Uint64(pg.Data[overflowNextOff:])
	}
	return out, nil
}

func (s *RecordStore) tagAndCompress(data []byte) []byte {
	if s.b.p.cfg.Codec == CodecSnappy {
		compressed := snappy.Encode(nil, data)
		if len(compressed) < len(data) {
			out := make([]byte, 1+len(compressed))
			out[0] = byte(tagSnappy)
			copy(out[1:], compressed)
			return out
		}
	}
	out := make([]byte, 1+len(data))
	out[0] = byte(tagRaw)
	copy(out[1:], data)
	return out
}

func untag(tagged []byte) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, errs.New(errs.KindCorruption, "storage: empty tagged record")
	}
	switch recordTag(tagged[0]) {
	case tagRaw:
		return append([]byte(nil), tagged[1:]...), nil
	case tagSnappy:
		out, err := snappy.Decode(nil, tagged[1:])
		if err != nil {
			return nil, errs.Wrap(errs.KindCorruption, "storage: snappy decode", err)
		}
		return out, nil
	default:
		return nil, errs.New(errs.KindCorruption, "storage: unknown record tag")
	}
}

// inlineBudget is the largest tagged payload a record page slot will
// hold before the value is moved to an overflow chain instead.
func (s *RecordStore) inlineBudget() int {
	pageSize := s.b.p.cfg.PageSize
	return (pageSize - PageHeaderSize) / 4
}

// Put stores data and returns a pointer to it.
func (s *RecordStore) Put(data []byte) (RecordPointer, error) {
	tagged := s.tagAndCompress(data)
	if len(tagged) > s.inlineBudget() {
		return s.putOverflow(tagged)
	}
	return s.putInline(tagged, 0)
}

func (s *RecordStore) putInline(tagged []byte, flags byte) (RecordPointer, error) {
	if s.b.recordPage != 0 {
		pg, err := s.b.Get(s.b.recordPage)
		if err == nil {
			if slot, ok := pg.Allocate(tagged, flags); ok {
				s.b.Put(pg)
				return RecordPointer{PageID: pg.PageID, SlotID: slot}, nil
			}
		}
	}
	pg := s.b.Allocate(PageKindRecord)
	slot, ok := pg.Allocate(tagged, flags)
	if !ok {
		return RecordPointer{}, errs.New(errs.KindInvalidArg, "storage: record too large for an empty page")
	}
	s.b.Put(pg)
	s.b.recordPage = pg.PageID
	return RecordPointer{PageID: pg.PageID, SlotID: slot}, nil
}

func (s *RecordStore) putOverflow(tagged []byte) (RecordPointer, error) {
	capacity := overflowCapacity(s.b.p.cfg.PageSize)
	var first uint64
	var pages []*Page
	for off := 0; off < len(tagged); off += capacity {
		end := off + capacity
		if end > len(tagged) {
			end = len(tagged)
		}
		pg := s.b.Allocate(PageKindOverflow)
		copy(pg.Data[overflowDataOff:], tagged[off:end])
		if first == 0 {
			first = pg.PageID
		}
		pages = append(pages, pg)
	}
	for i, pg := range pages {
		var next uint64
		if i+1 < len(pages) {
			next = pages[i+1].PageID
		}
		binary.LittleEndian.PutUint64(pg.Data[overflowNextOff:], next)
		s.b.Put(pg)
	}
	ptr := encodeOverflowPtr(uint32(len(tagged)), first)
	return s.putInline(ptr, SlotFlagOverflow)
}

// Get reads back the value stored at ptr.
func (s *RecordStore) Get(ptr RecordPointer) ([]byte, error) {
	return readRecord(s.b, ptr, s.b.p.cfg.PageSize)
}

// Delete frees the slot (and any overflow chain) at ptr.
func (s *RecordStore) Delete(ptr RecordPointer) error {
	pg, err := s.b.Get(ptr.PageID)
	if err != nil {
		return err
	}
	raw, free, overflow, ok := pg.Read(ptr.SlotID)
	if !ok || free {
		return nil
	}
	if overflow {
		_, pageID := decodeOverflowPtr(raw)
		for pageID != 0 {
			ovPg, err := s.b.Get(pageID)
			if err != nil {
				return err
			}
			next := binary.LittleEndian.Uint64(ovPg.Data[overflowNextOff:])
			s.b.Release(pageID)
			pageID = next
		}
	}
	pg.Free(ptr.SlotID)
	s.b.Put(pg)
	return nil
}

// Update replaces the value at ptr, reusing the slot in place when the
// new tagged value still fits, or deleting and re-inserting (returning a
// new pointer) when it doesn't (§4.4).
func (s *RecordStore) Update(ptr RecordPointer, data []byte) (RecordPointer, error) {
	tagged := s.tagAndCompress(data)
	pg, err := s.b.Get(ptr.PageID)
	if err != nil {
		return RecordPointer{}, err
	}
	_, free, overflow, ok := pg.Read(ptr.SlotID)
	if !ok || free {
		return RecordPointer{}, errs.New(errs.KindNotFound, "storage: update of a missing record")
	}
	if !overflow && len(tagged) <= s.inlineBudget() && pg.UpdateInPlace(ptr.SlotID, tagged) {
		s.b.Put(pg)
		return ptr, nil
	}
	if err := s.Delete(ptr); err != nil {
		return RecordPointer{}, fmt.Errorf("storage: update: %w", err)
	}
	return s.Put(data)
}

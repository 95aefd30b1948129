package index

import (
	"encoding/binary"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/storage"
)

// idKey encodes a uint64 node/edge ID as a fixed-width big-endian string
// so that lexicographic key order matches numeric order — required for
// the primary index's range scans (e.g. "all nodes with id >= N").
func idKey(id uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return string(buf[:])
}

func encodePointer(ptr storage.RecordPointer) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint64(buf[0:8], ptr.PageID)
	binary.BigEndian.PutUint16(buf[8:10], ptr.SlotID)
	return buf
}

func decodePointer(buf []byte) (storage.RecordPointer, error) {
	if len(buf) != 10 {
		return storage.RecordPointer{}, errs.New(errs.KindCorruption, "index: malformed record pointer")
	}
	return storage.RecordPointer{
		PageID: binary.BigEndian.Uint64(buf[0:8]),
		SlotID: binary.BigEndian.Uint16(buf[8:10]),
	}, nil
}

// PrimaryIndex maps a uint64 id (node or edge) to the RecordPointer
// holding its stored properties (§4.5). There is at most one pointer per
// id; Put replaces any existing entry.
type PrimaryIndex struct {
	tree *BTree
}

// NewPrimaryIndex creates an empty primary index.
func NewPrimaryIndex(w PageWriter) (*PrimaryIndex, error) {
	t, err := New(w)
	if err != nil {
		return nil, err
	}
	return &PrimaryIndex{tree: t}, nil
}

// OpenPrimaryIndex wraps an existing primary index by its root page.
func OpenPrimaryIndex(rootPageID uint64) *PrimaryIndex {
	return &PrimaryIndex{tree: Open(rootPageID)}
}

// RootPageID is persisted in the database header.
func (idx *PrimaryIndex) RootPageID() uint64 { return idx.tree.RootPageID }

// Put inserts or replaces the pointer stored for id.
func (idx *PrimaryIndex) Put(w PageWriter, id uint64, ptr storage.RecordPointer) error {
	if existing, err := idx.tree.Lookup(w, idKey(id)); err == nil {
		for _, v := range existing {
			if old, derr := decodePointer(v); derr == nil {
				idx.tree.Remove(w, idKey(id), encodePointer(old))
			}
		}
	}
	return idx.tree.Insert(w, idKey(id), encodePointer(ptr))
}

// Get returns the pointer stored for id.
func (idx *PrimaryIndex) Get(r PageReader, id uint64) (storage.RecordPointer, bool, error) {
	vals, err := idx.tree.Lookup(r, idKey(id))
	if err != nil {
		return storage.RecordPointer{}, false, err
	}
	if len(vals) == 0 {
		return storage.RecordPointer{}, false, nil
	}
	ptr, err := decodePointer(vals[0])
	if err != nil {
		return storage.RecordPointer{}, false, err
	}
	return ptr, true, nil
}

// Delete removes id's entry, if present.
func (idx *PrimaryIndex) Delete(w PageWriter, id uint64) error {
	ptr, ok, err := idx.Get(w, id)
	if err != nil || !ok {
		return err
	}
	return idx.tree.Remove(w, idKey(id), encodePointer(ptr))
}

// Range returns every (id, pointer) pair with fromID <= id <= toID. A
// zero toID means unbounded above.
func (idx *PrimaryIndex) Range(r PageReader, fromID, toID uint64) (map[uint64]storage.RecordPointer, error) {
	minKey := idKey(fromID)
	maxKey := ""
	if toID != 0 {
		maxKey = idKey(toID)
	}
	vals, err := idx.tree.RangeScan(r, minKey, maxKey)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := idx.tree.All(r, func(key string, value []byte) error {
		if key < minKey || (maxKey != "" && key > maxKey) {
			return nil
		}
		keys = append(keys, key)
		return nil
	}); err != nil {
		return nil, err
	}
	out := make(map[uint64]storage.RecordPointer, len(vals))
	for i, v := range vals {
		ptr, err := decodePointer(v)
		if err != nil {
			return nil, err
		}
		if i < len(keys) {
			out[binary.BigEndian.Uint64([]byte(keys[i]))] = ptr
		}
	}
	return out, nil
}

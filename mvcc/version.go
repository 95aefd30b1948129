// Package mvcc implements Sombra's multi-version concurrency control:
// version chains threaded through the record store, snapshot visibility,
// and safe-point garbage collection (§4.6, §5). Nothing here knows about
// nodes or edges — it versions opaque byte payloads keyed by a uint64 id
// and leaves the graph layer to interpret the payload.
package mvcc

import (
	"encoding/binary"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/storage"
)

// State records whether a version represents a live value or a
// tombstone left by a delete.
type State byte

const (
	StateActive  State = 0
	StateDeleted State = 1
)

// versionHeaderSize is the fixed, bit-exact prefix written ahead of a
// version's payload: state(1), reserved(3), tx_id(8), commit_ts(8),
// prev_page_id(8), prev_slot_id(2), reserved(2).
const versionHeaderSize = 32

// Version is one entry in an id's version chain. Prev, when non-zero,
// points at the record holding the previous version — the chain is
// walked through the record store, not through in-memory pointers, so
// it survives a process restart.
type Version struct {
	TxID     uint64
	CommitTS uint64 // 0 until the writing transaction commits
	State    State
	Prev     storage.RecordPointer // zero value means "no earlier version"
	Data     []byte
}

// IsCommitted reports whether the version has a commit timestamp yet.
func (v *Version) IsCommitted() bool { return v.CommitTS != 0 }

// IsVisibleTo reports whether v should be visible to a reader holding
// snapshotTS, when activeTxID is the id of the transaction performing
// the read (0 for a plain read-only snapshot with no writes of its
// own). A transaction always sees its own uncommitted writes; anyone
// else only sees versions committed at or before their snapshot.
func (v *Version) IsVisibleTo(snapshotTS uint64, activeTxID uint64) bool {
	if activeTxID != 0 && v.TxID == activeTxID {
		return true
	}
	return v.IsCommitted() && v.CommitTS <= snapshotTS
}

// Encode serializes the version's header and payload into one buffer
// suitable for storage.RecordStore.Put.
func (v *Version) Encode() []byte {
	buf := make([]byte, versionHeaderSize+len(v.Data))
	buf[0] = byte(v.State)
	binary.LittleEndian.PutUint64(buf[4:], v.TxID)
	binary.LittleEndian.PutUint64(buf[12:], v.CommitTS)
	binary.LittleEndian.PutUint64(buf[20:], v.Prev.PageID)
	binary.LittleEndian.PutUint16(buf[28:], v.Prev.SlotID)
	copy(buf[versionHeaderSize:], v.Data)
	return buf
}

// Decode parses a buffer written by Encode.
func Decode(buf []byte) (*Version, error) {
	if len(buf) < versionHeaderSize {
		return nil, errs.New(errs.KindCorruption, "mvcc: version record truncated")
	}
	v := &Version{
		State:    State(buf[0]),
		TxID:     binary.LittleEndian.Uint64(buf[4:]),
		CommitTS: binary.LittleEndian.Uint64(buf[12:]),
		Prev: storage.RecordPointer{
			PageID: binary.LittleEndian.Uint64(buf[20:]),
			SlotID: binary.LittleEndian.Uint16(buf[28:]),
		},
		Data: append([]byte(nil), buf[versionHeaderSize:]...),
	}
	return v, nil
}

// ChainLength walks Prev pointers through rs, counting versions. Used by
// diagnostics and tests; production code should never need to walk a
// whole chain just to measure it.
func ChainLength(rs RecordGetter, head storage.RecordPointer) (int, error) {
	n := 0
	ptr := head
	for ptr != (storage.RecordPointer{}) {
		raw, err := rs.Get(ptr)
		if err != nil {
			return n, err
		}
		v, err := Decode(raw)
		if err != nil {
			return n, err
		}
		n++
		ptr = v.Prev
	}
	return n, nil
}

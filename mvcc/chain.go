package mvcc

import (
	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/storage"
)

// RecordGetter is the read-only record access a version chain needs —
// satisfied by both *storage.RecordStore (inside a write tx) and
// *storage.RecordReader (against the last committed state, for a
// read-only tx that never opens a WriteBatch).
type RecordGetter interface {
	Get(ptr storage.RecordPointer) ([]byte, error)
}

// recordWriter is the additional capability Append/Put/CommitHead
// need; only *storage.RecordStore satisfies it.
type recordWriter interface {
	RecordGetter
	Put(data []byte) (storage.RecordPointer, error)
	Update(ptr storage.RecordPointer, data []byte) (storage.RecordPointer, error)
}

// Chains binds a version chain's head pointers to a primary index and a
// record reader/writer. One Chains serves every id versioned the same
// way (nodes, edges, or a future kind); the caller picks which
// PrimaryIndex to hand it. A Chains built over a plain RecordGetter
// (no write capability) still serves Head/Visible/ChainLength for
// read-only transactions; Append/Put/CommitHead require a
// *storage.RecordStore.
type Chains struct {
	idx *index.PrimaryIndex
	rs  RecordGetter
}

// NewChains wires a version-chain manager over an existing primary
// index and record reader or writer.
func NewChains(idx *index.PrimaryIndex, rs RecordGetter) *Chains {
	return &Chains{idx: idx, rs: rs}
}

// Head returns the most recently written version for id, regardless of
// visibility — callers apply IsVisibleTo themselves while walking Prev.
func (c *Chains) Head(r index.PageReader, id uint64) (*Version, storage.RecordPointer, bool, error) {
	ptr, ok, err := c.idx.Get(r, id)
	if err != nil || !ok {
		return nil, storage.RecordPointer{}, false, err
	}
	raw, err := c.rs.Get(ptr)
	if err != nil {
		return nil, storage.RecordPointer{}, false, err
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, storage.RecordPointer{}, false, err
	}
	return v, ptr, true, nil
}

// Visible walks id's chain starting from its head, returning the first
// version visible to a reader at snapshotTS (or writing as activeTxID).
// A chain with no visible version returns ok=false.
func (c *Chains) Visible(r index.PageReader, id uint64, snapshotTS, activeTxID uint64) (*Version, bool, error) {
	v, _, ok, err := c.Head(r, id)
	if err != nil || !ok {
		return nil, false, err
	}
	for {
		if v.IsVisibleTo(snapshotTS, activeTxID) {
			if v.State == StateDeleted {
				return nil, false, nil
			}
			return v, true, nil
		}
		if v.Prev == (storage.RecordPointer{}) {
			return nil, false, nil
		}
		raw, err := c.rs.Get(v.Prev)
		if err != nil {
			return nil, false, err
		}
		v, err = Decode(raw)
		if err != nil {
			return nil, false, err
		}
	}
}

func (c *Chains) writer() (recordWriter, error) {
	rw, ok := c.rs.(recordWriter)
	if !ok {
		return nil, errs.New(errs.KindInvalidArg, "mvcc: chain opened read-only, cannot write a version")
	}
	return rw, nil
}

// Append writes a new head version for id, chaining it onto whatever
// head already existed (none for a brand-new id). The primary
// index is updated to point at the new head's record.
func (c *Chains) Append(w index.PageWriter, id uint64, txID uint64, state State, data []byte) error {
	rw, err := c.writer()
	if err != nil {
		return err
	}
	var prev storage.RecordPointer
	if _, head, ok, err := c.Head(w, id); err != nil {
		return err
	} else if ok {
		prev = head
	}
	v := &Version{TxID: txID, State: state, Prev: prev, Data: data}
	ptr, err := rw.Put(v.Encode())
	if err != nil {
		return err
	}
	return c.idx.Put(w, id, ptr)
}

// Put stages id's value for txID. If txID already owns an uncommitted
// head version for id (an earlier write by the same transaction), that
// version is replaced in place rather than chained again, so a
// transaction that touches the same id several times leaves exactly
// one staged version to be stamped at commit. Otherwise it behaves
// like Append, chaining a new head onto whatever was previously
// committed.
func (c *Chains) Put(w index.PageWriter, id uint64, txID uint64, state State, data []byte) error {
	rw, err := c.writer()
	if err != nil {
		return err
	}
	v, ptr, ok, err := c.Head(w, id)
	if err != nil {
		return err
	}
	if ok && !v.IsCommitted() && v.TxID == txID {
		nv := &Version{TxID: txID, Prev: v.Prev, State: state, Data: data}
		newPtr, err := rw.Update(ptr, nv.Encode())
		if err != nil {
			return err
		}
		if newPtr != ptr {
			return c.idx.Put(w, id, newPtr)
		}
		return nil
	}
	return c.Append(w, id, txID, state, data)
}

// CommitHead stamps the head version for id — which must have been
// written by txID and still be uncommitted — with commitTS. Used at
// transaction commit time once a commit timestamp has been assigned.
func (c *Chains) CommitHead(w index.PageWriter, id uint64, txID, commitTS uint64) error {
	rw, err := c.writer()
	if err != nil {
		return err
	}
	v, ptr, ok, err := c.Head(w, id)
	if err != nil || !ok {
		return err
	}
	if v.TxID != txID {
		return nil
	}
	v.CommitTS = commitTS
	newPtr, err := rw.Update(ptr, v.Encode())
	if err != nil {
		return err
	}
	if newPtr != ptr {
		return c.idx.Put(w, id, newPtr)
	}
	return nil
}

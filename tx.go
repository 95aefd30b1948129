package sombra

import (
	"sync/atomic"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/graph"
	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/storage"
)

// txIDs hands out unique transaction ids, distinct from the header's
// commit_ts sequence (§4.7). 0 is reserved for "no active writer".
var txIDs uint64

func nextTxID() uint64 { return atomic.AddUint64(&txIDs, 1) }

// ReadTx is a snapshot of the database as of the moment it was opened
// (§4.7). It never blocks a concurrent writer and is never blocked by
// one; every read it performs sees exactly the versions committed at
// or before its snapshot_ts.
type ReadTx struct {
	db         *Database
	snapshotTS uint64
	store      *graph.Store
	reader     index.PagerReader
	closed     bool
}

// BeginRead opens a read-only transaction against the last committed
// state of db.
func (db *Database) BeginRead() (*ReadTx, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	snapshotTS := db.lastCommittedTS()
	db.safept.Acquire(snapshotTS)
	db.readers.Add(1)
	return &ReadTx{
		db:         db,
		snapshotTS: snapshotTS,
		store:      db.readOnlyGraph(),
		reader:     index.PagerReader{Pager: db.pager},
	}, nil
}

// Close releases the transaction's snapshot reservation. Once every
// reader holding a given snapshot_ts has closed, garbage collection is
// free to reclaim versions behind it.
func (tx *ReadTx) Close() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.db.safept.Release(tx.snapshotTS)
	tx.db.readers.Done()
	return nil
}

// checkSnapshot rejects reads once the tx's snapshot_ts has fallen
// behind the last GC sweep's safe point: GC may already have freed
// versions this snapshot would need to see, so returning a read instead
// of the error would risk a silently incomplete result (§4.6, §6
// `snapshot_too_old`, §8 scenario 5).
func (tx *ReadTx) checkSnapshot() error {
	if tx.snapshotTS < tx.db.gcHighWater.Load() {
		return errs.New(errs.KindSnapshotTooOld, "sombra: snapshot_ts is behind the garbage collector's safe point")
	}
	return nil
}

func (tx *ReadTx) GetNode(id uint64) (*graph.Node, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.GetNode(tx.reader, id, tx.snapshotTS, 0)
}

func (tx *ReadTx) GetEdge(id uint64) (*graph.Edge, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.GetEdge(tx.reader, id, tx.snapshotTS, 0)
}

func (tx *ReadTx) Neighbors(id uint64, dir graph.Direction, typeFilter string) ([]uint64, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.Neighbors(tx.reader, id, dir, typeFilter, tx.snapshotTS, 0)
}

func (tx *ReadTx) NodesByLabel(label string) ([]uint64, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.NodesByLabel(tx.reader, label, tx.snapshotTS, 0)
}

func (tx *ReadTx) FindNodesByProperty(label, key string, value graph.PropertyValue) ([]uint64, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.FindNodesByProperty(tx.reader, label, key, value, tx.snapshotTS, 0)
}

func (tx *ReadTx) BFS(start uint64, maxDepth int) ([]graph.BFSResult, error) {
	if err := tx.checkSnapshot(); err != nil {
		return nil, err
	}
	return tx.store.BFS(tx.reader, start, maxDepth, tx.snapshotTS, 0)
}

// WriteTx is the single writer transaction Sombra allows at a time
// (§5). It stages every mutation in the pager's shadow pages and the
// MVCC version chains under its own txID; nothing becomes visible to
// other transactions until Commit assigns a commit_ts and durably
// writes the WAL frame group.
type WriteTx struct {
	db         *Database
	txID       uint64
	snapshotTS uint64
	batch      *storage.WriteBatch
	rs         *storage.RecordStore
	store      *graph.Store

	touchedNodes map[uint64]struct{}
	touchedEdges map[uint64]struct{}
	done         bool
}

// BeginWrite acquires the single-writer lease (blocking until any other
// writer commits or rolls back) and opens a new write transaction.
func (db *Database) BeginWrite() (*WriteTx, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	b, err := db.pager.BeginWrite()
	if err != nil {
		return nil, err
	}
	rs := storage.NewRecordStore(b)
	h := b.Header()
	store := graph.Open(graph.Roots{
		NodeIndexRoot:  h.PrimaryNodeIndexRoot,
		EdgeIndexRoot:  h.PrimaryEdgeIndexRoot,
		LabelIndexRoot: h.LabelIndexRoot,
		PropIndexRoot:  h.PropertyIndexRoot,
		NextNodeID:     h.NextNodeID,
		NextEdgeID:     h.NextEdgeID,
	}, rs)
	return &WriteTx{
		db:           db,
		txID:         nextTxID(),
		snapshotTS:   h.LastCommittedTS,
		batch:        b,
		rs:           rs,
		store:        store,
		touchedNodes: make(map[uint64]struct{}),
		touchedEdges: make(map[uint64]struct{}),
	}, nil
}

func (tx *WriteTx) touchNode(id uint64) { tx.touchedNodes[id] = struct{}{} }
func (tx *WriteTx) touchEdge(id uint64) { tx.touchedEdges[id] = struct{}{} }

func (tx *WriteTx) finished() error {
	if tx.done {
		return errs.New(errs.KindInvalidArg, "sombra: transaction already finished")
	}
	return nil
}

func (tx *WriteTx) CreateNode(labels []string, properties *graph.PropertySet) (uint64, error) {
	if err := tx.finished(); err != nil {
		return 0, err
	}
	tx.db.locks.IndexMu.Lock()
	defer tx.db.locks.IndexMu.Unlock()
	id, err := tx.store.CreateNode(tx.batch, tx.txID, labels, properties)
	if err != nil {
		return 0, err
	}
	tx.touchNode(id)
	return id, nil
}

func (tx *WriteTx) GetNode(id uint64) (*graph.Node, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.GetNode(tx.batch, id, tx.snapshotTS, tx.txID)
}

// lockNode and lockEdge take a per-id record lock before a mutation
// touches an existing node/edge, so two goroutines calling methods on
// the same WriteTx concurrently serialize on the id they share instead
// of racing the in-memory graph.Store. IndexMu (taken separately, in
// CreateNode/CreateEdge) covers the coarser case of structural index
// changes; these cover the record itself.
func (tx *WriteTx) lockNode(id uint64) (func(), error) {
	if err := tx.db.locks.Acquire("node", id); err != nil {
		return nil, errs.Wrap(errs.KindConflict, "sombra: acquire node lock", err)
	}
	return func() { tx.db.locks.Release("node", id) }, nil
}

func (tx *WriteTx) lockEdge(id uint64) (func(), error) {
	if err := tx.db.locks.Acquire("edge", id); err != nil {
		return nil, errs.Wrap(errs.KindConflict, "sombra: acquire edge lock", err)
	}
	return func() { tx.db.locks.Release("edge", id) }, nil
}

func (tx *WriteTx) UpdateNode(id uint64, set []graph.Property, unset []string) error {
	if err := tx.finished(); err != nil {
		return err
	}
	unlock, err := tx.lockNode(id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := tx.store.UpdateNode(tx.batch, tx.txID, id, tx.snapshotTS, set, unset); err != nil {
		return err
	}
	tx.touchNode(id)
	return nil
}

func (tx *WriteTx) DeleteNode(id uint64, cascade bool) error {
	if err := tx.finished(); err != nil {
		return err
	}
	unlock, err := tx.lockNode(id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := tx.store.DeleteNode(tx.batch, tx.txID, id, tx.snapshotTS, cascade); err != nil {
		return err
	}
	tx.touchNode(id)
	return nil
}

func (tx *WriteTx) CreateEdge(edgeType string, source, target uint64, properties *graph.PropertySet) (uint64, error) {
	if err := tx.finished(); err != nil {
		return 0, err
	}
	lo, hi := source, target
	if hi < lo {
		lo, hi = hi, lo
	}
	unlockLo, err := tx.lockNode(lo)
	if err != nil {
		return 0, err
	}
	defer unlockLo()
	if hi != lo {
		unlockHi, err := tx.lockNode(hi)
		if err != nil {
			return 0, err
		}
		defer unlockHi()
	}
	tx.db.locks.IndexMu.Lock()
	defer tx.db.locks.IndexMu.Unlock()
	id, err := tx.store.CreateEdge(tx.batch, tx.txID, edgeType, source, target, tx.snapshotTS, properties)
	if err != nil {
		return 0, err
	}
	tx.touchEdge(id)
	tx.touchNode(source)
	tx.touchNode(target)
	return id, nil
}

func (tx *WriteTx) GetEdge(id uint64) (*graph.Edge, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.GetEdge(tx.batch, id, tx.snapshotTS, tx.txID)
}

func (tx *WriteTx) UpdateEdge(id uint64, set []graph.Property, unset []string) error {
	if err := tx.finished(); err != nil {
		return err
	}
	unlock, err := tx.lockEdge(id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := tx.store.UpdateEdge(tx.batch, tx.txID, id, tx.snapshotTS, set, unset); err != nil {
		return err
	}
	tx.touchEdge(id)
	return nil
}

func (tx *WriteTx) DeleteEdge(id uint64) error {
	if err := tx.finished(); err != nil {
		return err
	}
	unlock, err := tx.lockEdge(id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := tx.store.DeleteEdge(tx.batch, tx.txID, id, tx.snapshotTS); err != nil {
		return err
	}
	tx.touchEdge(id)
	return nil
}

func (tx *WriteTx) Neighbors(id uint64, dir graph.Direction, typeFilter string) ([]uint64, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.Neighbors(tx.batch, id, dir, typeFilter, tx.snapshotTS, tx.txID)
}

func (tx *WriteTx) NodesByLabel(label string) ([]uint64, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.NodesByLabel(tx.batch, label, tx.snapshotTS, tx.txID)
}

func (tx *WriteTx) FindNodesByProperty(label, key string, value graph.PropertyValue) ([]uint64, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.FindNodesByProperty(tx.batch, label, key, value, tx.snapshotTS, tx.txID)
}

func (tx *WriteTx) BFS(start uint64, maxDepth int) ([]graph.BFSResult, error) {
	if err := tx.finished(); err != nil {
		return nil, err
	}
	return tx.store.BFS(tx.batch, start, maxDepth, tx.snapshotTS, tx.txID)
}

// Commit assigns the transaction a new commit_ts, stamps every version
// it staged with that timestamp, persists the new index roots and id
// counters into the header, and durably writes the WAL frame group
// (§4.7). Once Commit returns nil, every change is visible to
// transactions that begin afterward.
func (tx *WriteTx) Commit() error {
	if err := tx.finished(); err != nil {
		return err
	}
	tx.done = true

	commitTS := tx.batch.Header().LastCommittedTS + 1
	for id := range tx.touchedNodes {
		if err := tx.store.NodeChains.CommitHead(tx.batch, id, tx.txID, commitTS); err != nil {
			tx.batch.Rollback()
			return err
		}
	}
	for id := range tx.touchedEdges {
		if err := tx.store.EdgeChains.CommitHead(tx.batch, id, tx.txID, commitTS); err != nil {
			tx.batch.Rollback()
			return err
		}
	}

	roots := tx.store.Roots()
	hdr := tx.batch.Header()
	hdr.LastCommittedTS = commitTS
	hdr.PrimaryNodeIndexRoot = roots.NodeIndexRoot
	hdr.PrimaryEdgeIndexRoot = roots.EdgeIndexRoot
	hdr.LabelIndexRoot = roots.LabelIndexRoot
	hdr.PropertyIndexRoot = roots.PropIndexRoot
	hdr.NextNodeID = roots.NextNodeID
	hdr.NextEdgeID = roots.NextEdgeID

	return tx.batch.Commit()
}

// Rollback discards every staged change. Since nothing touched by a
// write transaction is visible until Commit, this never needs to undo
// anything another transaction could have observed.
func (tx *WriteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.batch.Rollback()
}

package mvcc

import (
	"sync"

	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/storage"
)

// SafepointTracker tracks the snapshot timestamps of every open
// read transaction so garbage collection never prunes a version a
// live snapshot could still need (§4.6, §5 snapshot-too-old).
type SafepointTracker struct {
	mu     sync.Mutex
	active map[uint64]int // snapshotTS -> count of open readers holding it
}

// NewSafepointTracker creates an empty tracker.
func NewSafepointTracker() *SafepointTracker {
	return &SafepointTracker{active: make(map[uint64]int)}
}

// Acquire registers a reader holding snapshotTS. Release must be called
// exactly once when the reader's transaction ends.
func (t *SafepointTracker) Acquire(snapshotTS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[snapshotTS]++
}

// Release unregisters a reader previously registered via Acquire.
func (t *SafepointTracker) Release(snapshotTS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.active[snapshotTS]; n <= 1 {
		delete(t.active, snapshotTS)
	} else {
		t.active[snapshotTS] = n - 1
	}
}

// Safepoint returns the oldest snapshot timestamp any reader still
// holds, or latestCommitTS if nothing is currently open — versions
// committed at or before the returned value, once superseded by a
// newer committed version, are safe to reclaim.
func (t *SafepointTracker) Safepoint(latestCommitTS uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := latestCommitTS
	for ts := range t.active {
		if ts < min {
			min = ts
		}
	}
	return min
}

// GCResult summarizes one sweep of version-chain pruning.
type GCResult struct {
	ChainsVisited int
	VersionsFreed int
}

// Sweep walks every id's chain and drops tail versions older than
// safepoint — versions a committed version at or below safepoint
// already supersedes, and that no open snapshot can still be reading.
// A chain is never pruned below its single newest committed version,
// so a reader at exactly the safepoint always finds something visible.
func Sweep(w index.PageWriter, r index.PageReader, idx *index.PrimaryIndex, rs *storage.RecordStore, ids []uint64, safepoint uint64) (GCResult, error) {
	var result GCResult
	for _, id := range ids {
		ptr, ok, err := idx.Get(r, id)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		result.ChainsVisited++
		freed, err := pruneChain(rs, ptr, safepoint)
		if err != nil {
			return result, err
		}
		result.VersionsFreed += freed
	}
	return result, nil
}

// pruneChain walks from head, keeping every version down through the
// newest one committed at or before safepoint, and deletes everything
// older than that.
func pruneChain(rs *storage.RecordStore, head storage.RecordPointer, safepoint uint64) (int, error) {
	ptr := head
	for {
		raw, err := rs.Get(ptr)
		if err != nil {
			return 0, err
		}
		v, err := Decode(raw)
		if err != nil {
			return 0, err
		}
		if v.IsCommitted() && v.CommitTS <= safepoint {
			return deleteTail(rs, v.Prev)
		}
		if v.Prev == (storage.RecordPointer{}) {
			return 0, nil
		}
		ptr = v.Prev
	}
}

func deleteTail(rs *storage.RecordStore, ptr storage.RecordPointer) (int, error) {
	freed := 0
	for ptr != (storage.RecordPointer{}) {
		raw, err := rs.Get(ptr)
		if err != nil {
			return freed, err
		}
		v, err := Decode(raw)
		if err != nil {
			return freed, err
		}
		next := v.Prev
		if err := rs.Delete(ptr); err != nil {
			return freed, err
		}
		freed++
		ptr = next
	}
	return freed, nil
}

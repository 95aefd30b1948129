package sombra

import (
	"fmt"

	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/graph"
	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/mvcc"
)

// CheckpointMode selects how aggressively Checkpoint flushes dirty
// pages (§4.3).
type CheckpointMode int

const (
	CheckpointPassive CheckpointMode = iota
	CheckpointForce
)

// Checkpoint flushes the header, fsyncs the main file when the
// database runs under SyncFull, then truncates the WAL up to the last
// durable LSN. It waits for any open write transaction to release the
// writer lease before running (§4.3). The mode is not consulted:
// Passive and Force behave the same — the mode is kept because callers
// and the config surface both name it.
func (db *Database) Checkpoint(mode CheckpointMode) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.pager.Checkpoint()
}

// VacuumMode selects whether Vacuum rewrites the file in place or
// produces a fresh copy at a different path.
type VacuumMode int

const (
	VacuumReplace VacuumMode = iota
	VacuumInto
)

// Vacuum prunes every version chain, walking id space in batches under
// the writer lease. VacuumReplace frees, in the open file, each
// version that a newer version committed at or before the GC safe
// point supersedes; it does not rewrite or compact record pages, so
// freed slots stay where they are. VacuumInto
// streams every live node and edge into a fresh database at a
// different path instead, preserving ids, and leaves the open file
// untouched.
func (db *Database) Vacuum(mode VacuumMode, into string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if mode == VacuumInto {
		return db.vacuumInto(into)
	}
	tx, err := db.BeginWrite()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	h := tx.batch.Header()
	safepoint := db.safept.Safepoint(h.LastCommittedTS)

	batchSize := db.cfg.CompactionBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	if err := sweepAll(tx, tx.store.NodeIndex, h.NextNodeID, batchSize, safepoint); err != nil {
		return err
	}
	if err := sweepAll(tx, tx.store.EdgeIndex, h.NextEdgeID, batchSize, safepoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.raiseGCHighWater(safepoint)
	return nil
}

// vacuumInto opens (or creates) a fresh database at path and copies
// every currently live node and edge into it, id for id, under a
// single write transaction there. The source database and its open
// file are left untouched.
func (db *Database) vacuumInto(path string) error {
	src, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer src.Close()

	dstCfg := db.cfg
	dstCfg.CreateIfMissing = true
	dstCfg.ReadOnly = false
	dst, err := Open(path, dstCfg)
	if err != nil {
		return err
	}
	defer dst.Close()

	wtx, err := dst.BeginWrite()
	if err != nil {
		return err
	}
	defer wtx.Rollback()

	h := db.pager.Header()
	for id := uint64(1); id < h.NextNodeID; id++ {
		n, err := src.GetNode(id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return err
		}
		if err := wtx.store.ImportNode(wtx.batch, wtx.txID, id, n.Labels, n.Properties); err != nil {
			return err
		}
		wtx.touchNode(id)
	}
	for id := uint64(1); id < h.NextEdgeID; id++ {
		e, err := src.GetEdge(id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return err
		}
		if err := wtx.store.ImportEdge(wtx.batch, wtx.txID, id, e.Type, e.Source, e.Target, wtx.snapshotTS, e.Properties); err != nil {
			return err
		}
		wtx.touchEdge(id)
	}
	return wtx.Commit()
}

// raiseGCHighWater advances the recorded GC safe point, never backward
// — the safe point itself is monotone (§8 "safe-point monotonicity"),
// so a lower value here would only come from a sweep that started
// before a later one finished.
func (db *Database) raiseGCHighWater(safepoint uint64) {
	for {
		cur := db.gcHighWater.Load()
		if safepoint <= cur {
			return
		}
		if db.gcHighWater.CompareAndSwap(cur, safepoint) {
			return
		}
	}
}

func sweepAll(tx *WriteTx, idx *index.PrimaryIndex, nextID uint64, batchSize int, safepoint uint64) error {
	ids := make([]uint64, 0, batchSize)
	for id := uint64(1); id < nextID; id++ {
		ids = append(ids, id)
		if len(ids) == batchSize {
			if _, err := mvcc.Sweep(tx.batch, tx.batch, idx, tx.rs, ids, safepoint); err != nil {
				return err
			}
			ids = ids[:0]
		}
	}
	if len(ids) > 0 {
		if _, err := mvcc.Sweep(tx.batch, tx.batch, idx, tx.rs, ids, safepoint); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLevel controls how deep Verify inspects the database.
type VerifyLevel int

const (
	VerifyChecksumOnly VerifyLevel = iota
	VerifyRecords
	VerifyIndexes
	VerifyAdjacency
	VerifyFull
)

// VerifyReport summarizes one Verify pass (§6).
type VerifyReport struct {
	PagesChecked    int
	ChecksumFailures int
	RecordErrors    int
	IndexErrors     int
	AdjacencyErrors int
	Errors          []string
}

func (r *VerifyReport) fail(n *int, format string, args ...any) {
	*n++
	if len(r.Errors) < 4096 {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

// Verify scans the database for corruption up to level, stopping once
// it has recorded maxErrors problems (0 means unbounded). It never
// writes; a corrupt page encountered along the way is reported and
// skipped rather than propagated, so one bad page doesn't stop the
// rest of the scan (§6 "reads that do not touch the corrupt page
// succeed").
func (db *Database) Verify(level VerifyLevel, maxErrors int) (VerifyReport, error) {
	var report VerifyReport
	if err := db.checkOpen(); err != nil {
		return report, err
	}
	tx, err := db.BeginRead()
	if err != nil {
		return report, err
	}
	defer tx.Close()

	overBudget := func() bool {
		return maxErrors > 0 && len(report.Errors) >= maxErrors
	}

	checkIndex := func(idx *index.PrimaryIndex, nextID uint64, kind string) {
		for id := uint64(1); id < nextID && !overBudget(); id++ {
			report.PagesChecked++
			if _, _, err := idx.Get(tx.reader, id); err != nil {
				report.fail(&report.IndexErrors, "%s %d: index lookup: %v", kind, id, err)
			}
		}
	}

	total := db.pager.TotalPages()
	for id := uint64(1); id < total && !overBudget(); id++ {
		report.PagesChecked++
		if _, err := db.pager.ReadPage(id); err != nil && errs.KindOf(err) == errs.KindCorruption {
			report.fail(&report.ChecksumFailures, "page %d: %v", id, err)
		}
	}

	h := db.pager.Header()
	if level >= VerifyIndexes {
		checkIndex(tx.store.NodeIndex, h.NextNodeID, "node")
		checkIndex(tx.store.EdgeIndex, h.NextEdgeID, "edge")
	}
	if level >= VerifyRecords {
		for id := uint64(1); id < h.NextNodeID && !overBudget(); id++ {
			report.PagesChecked++
			if _, err := tx.GetNode(id); err != nil && errs.KindOf(err) == errs.KindCorruption {
				report.fail(&report.RecordErrors, "node %d: %v", id, err)
			}
		}
		for id := uint64(1); id < h.NextEdgeID && !overBudget(); id++ {
			report.PagesChecked++
			if _, err := tx.GetEdge(id); err != nil && errs.KindOf(err) == errs.KindCorruption {
				report.fail(&report.RecordErrors, "edge %d: %v", id, err)
			}
		}
	}
	if level >= VerifyAdjacency {
		for id := uint64(1); id < h.NextNodeID && !overBudget(); id++ {
			if _, err := tx.Neighbors(id, graph.DirBoth, ""); err != nil && errs.KindOf(err) == errs.KindCorruption {
				report.fail(&report.AdjacencyErrors, "node %d adjacency: %v", id, err)
			}
		}
	}
	return report, nil
}

// SeedDemo populates an empty database with a small, fixed graph —
// people connected by "knows" edges — useful for smoke-testing a
// fresh file without hand-writing a fixture (§6).
func (db *Database) SeedDemo() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	tx, err := db.BeginWrite()
	if err != nil {
		return err
	}
	names := []string{"Ada", "Grace", "Alan", "Barbara"}
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		props := graph.NewPropertySet()
		props.Set("name", graph.StringValue(name))
		id, err := tx.CreateNode([]string{"Person"}, props)
		if err != nil {
			tx.Rollback()
			return err
		}
		ids = append(ids, id)
	}
	for i := range ids {
		j := (i + 1) % len(ids)
		if _, err := tx.CreateEdge("knows", ids[i], ids[j], nil); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

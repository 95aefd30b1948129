package sombra

import "time"

// startBackgroundMaintenance launches the autocheckpoint timer named by
// §6's `autocheckpoint_ms` option. Each tick runs a bounded GC sweep
// (§4.6 "a background GC task periodically walks the version chains")
// followed by a passive checkpoint (§4.3), both under the writer lease
// so they serialize with any index updates they perform. Disabled for
// read-only handles and when AutoCheckpoint is zero.
func (db *Database) startBackgroundMaintenance() {
	if db.cfg.ReadOnly || db.cfg.AutoCheckpoint <= 0 {
		return
	}
	db.bgStop = make(chan struct{})
	db.bgDone = make(chan struct{})
	go db.maintenanceLoop()
}

func (db *Database) maintenanceLoop() {
	defer close(db.bgDone)
	ticker := time.NewTicker(db.cfg.AutoCheckpoint)
	defer ticker.Stop()
	for {
		select {
		case <-db.bgStop:
			return
		case <-ticker.C:
			db.runMaintenancePass()
		}
	}
}

// runMaintenancePass is best-effort: a failed sweep or checkpoint on one
// tick is not fatal, the next tick tries again. Errors here have no
// caller to surface to (§7 only defines behavior for operations a
// caller invoked directly).
func (db *Database) runMaintenancePass() {
	_ = db.gcPass()
	_ = db.Checkpoint(CheckpointPassive)
}

// gcPass sweeps every node and edge chain, pruning versions behind the
// current safe point (§4.6). It runs as one write transaction so the
// pruned slots and any moved index entries commit atomically.
func (db *Database) gcPass() error {
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

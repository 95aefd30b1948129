// Package sombra is an embedded graph database: a single-file store
// with a write-ahead log, copy-on-write pages, MVCC version chains,
// and a node/edge data model with label and property indexes (§1, §2).
package sombra

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feldmond/sombra/concurrency"
	"github.com/feldmond/sombra/errs"
	"github.com/feldmond/sombra/graph"
	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/mvcc"
	"github.com/feldmond/sombra/storage"
)

// SyncMode controls how aggressively commits and checkpoints fsync
// (§6 `synchronous`).
type SyncMode int

const (
	SyncFull SyncMode = iota
	SyncNormal
	SyncOff
)

// VersionCodec selects whether the record store attempts snappy
// compression on version payloads before falling back to raw storage
// (§4.4, §6 `version_codec`). CodecNone stores every payload raw;
// CodecSnappy attempts snappy first and only keeps it when it actually
// shrinks the payload.
type VersionCodec int

const (
	CodecNone VersionCodec = iota
	CodecSnappy
)

// Config collects every recognized option from §6.
type Config struct {
	PageSize                    int
	CachePages                  int
	Synchronous                 SyncMode
	AutoCheckpoint              time.Duration // 0 disables the background timer
	WALSegmentBytes             int64
	CommitCoalesce              time.Duration
	CommitMaxFrames             int
	CompactionThresholdPercent  int
	CompactionBatchSize         int
	SnapshotPoolSize            int
	VersionCodec                VersionCodec
	ParallelTraversalThreshold  int
	CreateIfMissing             bool
	ReadOnly                    bool
}

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		PageSize:                   4096,
		CachePages:                 1024,
		Synchronous:                SyncFull,
		AutoCheckpoint:             30 * time.Second,
		WALSegmentBytes:            16 << 20,
		CommitCoalesce:             0,
		CommitMaxFrames:            16384,
		CompactionThresholdPercent: 30,
		CompactionBatchSize:        64,
		SnapshotPoolSize:           0,
		VersionCodec:               CodecNone,
		ParallelTraversalThreshold: 1000,
		CreateIfMissing:            true,
		ReadOnly:                   false,
	}
}

func (c Config) storageConfig() storage.Config {
	return storage.Config{
		PageSize:       c.PageSize,
		CacheCapacity:  c.CachePages,
		SegmentBytes:   c.WALSegmentBytes,
		CommitCoalesce: c.CommitCoalesce,
		Synchronous:    storage.SyncMode(c.Synchronous),
		Codec:          storage.VersionCodec(c.VersionCodec),
	}
}

// Database is a handle to an open Sombra file. It is safe for
// concurrent use by multiple readers and at most one writer at a time
// (§5).
type Database struct {
	pager  *storage.Pager
	cfg    Config
	locks  *concurrency.LockManager
	safept *mvcc.SafepointTracker

	readers   sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	bgStop chan struct{}
	bgDone chan struct{}

	// gcHighWater is the safe point used by the most recent GC sweep
	// (background or Vacuum). A reader whose snapshot_ts falls below it
	// can no longer trust that every version it needs still exists, and
	// fails with snapshot_too_old (§4.6, §8 scenario 5) instead of
	// silently returning an incomplete read.
	gcHighWater atomic.Uint64
}

// Open opens or creates a database file at path. When cfg.CreateIfMissing
// is false and no file exists at path, Open fails with KindNotFound
// instead of silently creating one (§6 `create_if_missing`).
func Open(path string, cfg Config) (*Database, error) {
	if !cfg.CreateIfMissing {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("sombra: database %q does not exist", path))
		} else if statErr != nil {
			return nil, errs.Wrap(errs.KindIO, "sombra: stat database file", statErr)
		}
	}
	scfg := cfg.storageConfig()
	var (
		p   *storage.Pager
		err error
	)
	if cfg.ReadOnly {
		p, err = storage.OpenReadOnly(path, scfg)
	} else {
		p, err = storage.Open(path, scfg)
	}
	if err != nil {
		return nil, err
	}
	return newDatabase(p, cfg)
}

// OpenMemory opens a transient, file-backed-nowhere database — useful
// for tests and for `seed_demo` previews.
func OpenMemory(cfg Config) (*Database, error) {
	p, err := storage.OpenMemory(cfg.storageConfig())
	if err != nil {
		return nil, err
	}
	return newDatabase(p, cfg)
}

func newDatabase(p *storage.Pager, cfg Config) (*Database, error) {
	db := &Database{
		pager:  p,
		cfg:    cfg,
		locks:  concurrency.NewLockManager(concurrency.LockPolicyWait),
		safept: mvcc.NewSafepointTracker(),
	}
	if err := db.ensureInitialized(); err != nil {
		p.Close()
		return nil, err
	}
	db.startBackgroundMaintenance()
	return db, nil
}

// ensureInitialized creates fresh index roots the first time a
// brand-new (all-zero header) database is opened for writing. A
// read-only database with no roots yet simply has nothing in it.
func (db *Database) ensureInitialized() error {
	h := db.pager.Header()
	if h.PrimaryNodeIndexRoot != 0 || db.pager.IsReadOnly() {
		return nil
	}
	b, err := db.pager.BeginWrite()
	if err != nil {
		return err
	}
	rs := storage.NewRecordStore(b)
	gs, err := graph.New(b, rs)
	if err != nil {
		b.Rollback()
		return err
	}
	roots := gs.Roots()
	hdr := b.Header()
	hdr.PrimaryNodeIndexRoot = roots.NodeIndexRoot
	hdr.PrimaryEdgeIndexRoot = roots.EdgeIndexRoot
	hdr.LabelIndexRoot = roots.LabelIndexRoot
	hdr.PropertyIndexRoot = roots.PropIndexRoot
	hdr.NextNodeID = roots.NextNodeID
	hdr.NextEdgeID = roots.NextEdgeID
	return b.Commit()
}

// Close waits for open readers to finish and closes the underlying
// file.
func (db *Database) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		if db.bgStop != nil {
			close(db.bgStop)
			<-db.bgDone
		}
		db.readers.Wait()
		err = db.pager.Close()
	})
	return err
}

// lastCommittedTS returns the header's current committed timestamp, used as
// a new read transaction's snapshot_ts.
func (db *Database) lastCommittedTS() uint64 {
	return db.pager.Header().LastCommittedTS
}

// readOnlyGraph builds a fresh graph.Store bound to the last committed
// header, backed by a read-only RecordReader — used for read
// transactions, which never open a WriteBatch.
func (db *Database) readOnlyGraph() *graph.Store {
	reader := index.PagerReader{Pager: db.pager}
	h := db.pager.Header()
	roots := graph.Roots{
		NodeIndexRoot:  h.PrimaryNodeIndexRoot,
		EdgeIndexRoot:  h.PrimaryEdgeIndexRoot,
		LabelIndexRoot: h.LabelIndexRoot,
		PropIndexRoot:  h.PropertyIndexRoot,
		NextNodeID:     h.NextNodeID,
		NextEdgeID:     h.NextEdgeID,
	}
	rr := storage.NewRecordReader(reader, db.pager.PageSize())
	return graph.Open(roots, rr)
}

var errClosed = errs.New(errs.KindClosed, "sombra: database is closed")

// checkOpen rejects use of a handle after Close, instead of letting a
// call run against a pager whose file descriptor is already gone.
func (db *Database) checkOpen() error {
	if db.closed.Load() {
		return errClosed
	}
	return nil
}

// CacheStats and CacheHitRate expose the pager's page-cache occupancy
// (§6, used for sizing CachePages and diagnosing a too-small cache).
func (db *Database) CacheStats() (hits, misses uint64, size, capacity int) {
	return db.pager.CacheStats()
}

func (db *Database) CacheHitRate() float64 {
	return db.pager.CacheHitRate()
}

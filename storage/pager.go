package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/feldmond/sombra/errs"
)

// SyncMode controls how aggressively commits and checkpoints fsync
// (§6 `synchronous`). It mirrors the sombra package's SyncMode one to
// one; storage can't import sombra (sombra imports storage), so the
// two enums are kept in lockstep by ordinal value instead of sharing a
// type.
type SyncMode int

const (
	SyncFull SyncMode = iota
	SyncNormal
	SyncOff
)

// VersionCodec selects whether the record store attempts snappy
// compression on stored version payloads. Mirrors sombra.VersionCodec
// the same way SyncMode mirrors sombra.SyncMode.
type VersionCodec int

const (
	CodecNone VersionCodec = iota
	CodecSnappy
)

// Config holds the pager's tunable knobs (§6's config block). PageSize
// must be one of 4096, 8192, 16384, 32768.
type Config struct {
	PageSize       int
	CacheCapacity  int // pages held by the LRU cache
	SegmentBytes   int64
	CommitCoalesce time.Duration
	Synchronous    SyncMode
	Codec          VersionCodec
}

// DefaultConfig mirrors the teacher's defaults, scaled to Sombra's
// larger page-size range.
func DefaultConfig() Config {
	return Config{
		PageSize:       4096,
		CacheCapacity:  1024,
		SegmentBytes:   16 << 20,
		CommitCoalesce: 2 * time.Millisecond,
		Synchronous:    SyncFull,
		Codec:          CodecNone,
	}
}

func validPageSize(n int) bool {
	switch n {
	case 4096, 8192, 16384, 32768:
		return true
	default:
		return false
	}
}

// Pager owns the data file, the page cache, and the WAL, and arbitrates
// the single-writer lease (§4.1, §4.3, §5). Reads outside a write
// transaction go through ReadPage; writes go through a WriteBatch
// obtained from BeginWrite, which holds copy-on-write shadow pages until
// Commit applies them durably.
type Pager struct {
	mu   sync.RWMutex
	file File
	path string
	lock *fileLock
	wal  *WAL
	cfg  Config

	readOnly   bool
	header     Header
	totalPages uint64
	cache      *pageCache

	writerMu sync.Mutex
}

// Open opens or creates the Sombra database at path.
func Open(path string, cfg Config) (*Pager, error) {
	return open(path, cfg, false)
}

// OpenReadOnly opens an existing database rejecting all writes.
func OpenReadOnly(path string, cfg Config) (*Pager, error) {
	return open(path, cfg, true)
}

func open(path string, cfg Config, readOnly bool) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg = DefaultConfig()
	}
	if !validPageSize(cfg.PageSize) {
		return nil, errs.New(errs.KindInvalidArg, fmt.Sprintf("storage: invalid page size %d", cfg.PageSize))
	}

	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := openOSFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}

	p := &Pager{
		file:     f,
		path:     path,
		lock:     lock,
		cfg:      cfg,
		readOnly: readOnly,
	}
	p.cache = newPageCache(cfg.CacheCapacity, nil)

	size, err := f.Size()
	if err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}

	if size == 0 {
		if readOnly {
			f.Close()
			lock.unlock()
			return nil, errs.New(errs.KindInvalidArg, "storage: cannot create database in read-only mode")
		}
		if err := p.initHeader(); err != nil {
			f.Close()
			lock.unlock()
			return nil, err
		}
	} else if err := p.loadHeader(); err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}

	if !readOnly {
		store, err := NewOSSegmentStore(path + "-wal")
		if err != nil {
			f.Close()
			lock.unlock()
			return nil, err
		}
		wal, err := OpenWAL(store, cfg.PageSize, cfg.SegmentBytes, cfg.CommitCoalesce, cfg.Synchronous)
		if err != nil {
			f.Close()
			lock.unlock()
			return nil, fmt.Errorf("storage: open wal: %w", err)
		}
		p.wal = wal
		if err := p.recover(); err != nil {
			wal.Close()
			f.Close()
			lock.unlock()
			return nil, fmt.Errorf("storage: recovery: %w", err)
		}
	}

	return p, nil
}

// OpenMemory creates a Pager with no backing disk at all: data file and
// WAL both live in memory. Used by embedders that want a throwaway
// graph and by tests.
func OpenMemory(cfg Config) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg = DefaultConfig()
	}
	if !validPageSize(cfg.PageSize) {
		return nil, errs.New(errs.KindInvalidArg, fmt.Sprintf("storage: invalid page size %d", cfg.PageSize))
	}
	p := &Pager{
		file: NewMemFile(),
		path: ":memory:",
		cfg:  cfg,
	}
	p.cache = newPageCache(cfg.CacheCapacity, nil)
	if err := p.initHeader(); err != nil {
		return nil, err
	}
	wal, err := OpenWAL(NewMemSegmentStore(), cfg.PageSize, cfg.SegmentBytes, cfg.CommitCoalesce, cfg.Synchronous)
	if err != nil {
		return nil, err
	}
	p.wal = wal
	return p, nil
}

// Close flushes the header and closes the WAL and data file, releasing
// the OS-level lock.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.flushHeaderLocked(); err != nil {
			return err
		}
		if p.cfg.Synchronous == SyncFull {
			if err := p.file.Sync(); err != nil {
				return err
			}
		}
	}
	if p.wal != nil {
		if err := p.wal.TruncateTo(p.wal.NextLSN() - 1); err != nil {
			return err
		}
		if err := p.wal.Close(); err != nil {
			return err
		}
	}
	err := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return err
}

// IsReadOnly reports whether the pager rejects writes.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// PageSize is the configured page size.
func (p *Pager) PageSize() int { return p.cfg.PageSize }

// Header returns a copy of the current on-disk header.
func (p *Pager) Header() Header {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header
}

// CacheStats and CacheHitRate expose page-cache occupancy to callers
// that want to size the cache or report diagnostics.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) { return p.cache.CacheStats() }
func (p *Pager) CacheHitRate() float64                                 { return p.cache.CacheHitRate() }

// TotalPages returns the number of pages currently allocated in the
// main file, including the header page. Used by `verify` to enumerate
// every page for a checksum sweep.
func (p *Pager) TotalPages() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalPages
}

func (p *Pager) pageOffset(pageID uint64) int64 {
	return int64(pageID) * int64(p.cfg.PageSize)
}

// ReadPage returns the committed content of pageID. It never observes an
// in-flight write transaction's shadow pages.
func (p *Pager) ReadPage(pageID uint64) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(pageID)
}

func (p *Pager) readPageLocked(pageID uint64) (*Page, error) {
	if pageID == HeaderPageID {
		return nil, errs.New(errs.KindInvalidArg, "storage: page 0 is the header page, use Header()")
	}
	if pageID >= p.totalPages {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("storage: page %d out of range", pageID))
	}
	if pg, ok := p.cache.get(pageID); ok {
		return pg, nil
	}
	buf := make([]byte, p.cfg.PageSize)
	if _, err := p.file.ReadAt(buf, p.pageOffset(pageID)); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", pageID, err)
	}
	pg := &Page{Data: buf, PageID: pageID}
	if !pg.Verify() {
		return nil, errs.New(errs.KindCorruption, fmt.Sprintf("storage: page %d failed checksum", pageID))
	}
	p.cache.put(pg)
	return pg, nil
}

// applyPageLocked writes a sealed page to the data file and refreshes
// the cache. Called only once a write transaction's frames are already
// durable in the WAL.
func (p *Pager) applyPageLocked(pg *Page) error {
	if pg.PageID >= p.totalPages {
		p.totalPages = pg.PageID + 1
	}
	if err := p.file.GrowTo(p.pageOffset(p.totalPages)); err != nil {
		return err
	}
	if _, err := p.file.WriteAt(pg.Data, p.pageOffset(pg.PageID)); err != nil {
		return fmt.Errorf("storage: write page %d: %w", pg.PageID, err)
	}
	p.cache.put(pg)
	return nil
}

// WriteBatch is the single in-flight write transaction's copy-on-write
// view of the pager (§4.1: "single writer", §4.4: shadow pages). Pages
// read or allocated through it are never visible to other readers until
// Commit durably applies them; Rollback simply discards them, since
// nothing was ever written to the file.
type WriteBatch struct {
	p      *Pager
	shadow map[uint64]*Page
	header Header
	nextID uint64
	free   []uint64
	done   bool

	// recordPage is a hint used by RecordStore to pack successive
	// inline Put calls within one transaction onto the same page
	// instead of allocating a fresh page per value.
	recordPage uint64
}

// BeginWrite acquires the single-writer lease and returns a WriteBatch
// seeded from the pager's current committed state. It blocks until any
// other write transaction commits or rolls back.
func (p *Pager) BeginWrite() (*WriteBatch, error) {
	if p.readOnly {
		return nil, errs.New(errs.KindInvalidArg, "storage: pager is read-only")
	}
	p.writerMu.Lock()
	p.mu.RLock()
	hdr := p.header
	total := p.totalPages
	freeHead := hdr.FreePageListHead
	p.mu.RUnlock()

	b := &WriteBatch{
		p:      p,
		shadow: make(map[uint64]*Page),
		header: hdr,
		nextID: total,
	}
	for freeHead != 0 {
		pg, err := p.ReadPage(freeHead)
		if err != nil {
			p.writerMu.Unlock()
			return nil, err
		}
		b.free = append(b.free, pg.PageID)
		freeHead = binary.LittleEndian.Uint64(pg.Data[PageHeaderSize:])
	}
	return b, nil
}

// Header returns the batch's working copy of the header, free to mutate
// in place; it only becomes visible to other transactions at Commit.
func (b *WriteBatch) Header() *Header { return &b.header }

// Get returns a page as seen within this transaction: its shadow copy if
// already modified, otherwise a private copy of the committed version.
func (b *WriteBatch) Get(pageID uint64) (*Page, error) {
	if pg, ok := b.shadow[pageID]; ok {
		return pg, nil
	}
	pg, err := b.p.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	return &Page{Data: append([]byte(nil), pg.Data...), PageID: pg.PageID}, nil
}

// Allocate returns a fresh zeroed page, reusing the free list before
// growing the file.
func (b *WriteBatch) Allocate(kind PageKind) *Page {
	var id uint64
	if n := len(b.free); n > 0 {
		id = b.free[n-1]
		b.free = b.free[:n-1]
	} else {
		id = b.nextID
		b.nextID++
	}
	pg := NewPage(b.p.cfg.PageSize, kind, id)
	b.shadow[id] = pg
	return pg
}

// Release frees pageID, threading it onto the transaction's working
// free list. The page's content is discarded; callers must not read it
// again within this batch.
func (b *WriteBatch) Release(pageID uint64) {
	pg := NewPage(b.p.cfg.PageSize, PageKindFree, pageID)
	binary.LittleEndian.PutUint64(pg.Data[PageHeaderSize:], b.header.FreePageListHead)
	b.header.FreePageListHead = pageID
	b.shadow[pageID] = pg
}

// Put installs newData as pageID's shadow copy.
func (b *WriteBatch) Put(pg *Page) { b.shadow[pg.PageID] = pg }

// Commit seals every shadow page, writes them as a WAL frame run ending
// in the header page (commit-marked), fsyncs, and only then applies them
// to the data file and cache. A crash between the fsync and the apply
// loop is repaired by WAL replay on the next Open.
func (b *WriteBatch) Commit() error {
	defer b.p.writerMu.Unlock()
	if b.done {
		return errs.New(errs.KindInvalidArg, "storage: write batch already finished")
	}
	b.done = true

	frames := make([]Frame, 0, len(b.shadow)+1)
	ids := make([]uint64, 0, len(b.shadow))
	for id, pg := range b.shadow {
		pg.Seal()
		ids = append(ids, id)
		frames = append(frames, Frame{PageID: id, Payload: append([]byte(nil), pg.Data...)})
	}
	sortUint64s(ids)
	sortedFrames := make([]Frame, 0, len(frames)+1)
	for _, id := range ids {
		for _, f := range frames {
			if f.PageID == id {
				sortedFrames = append(sortedFrames, f)
				break
			}
		}
	}
	// The header frame's LSN is knowable in advance: it is always the
	// last frame of the run, so its LSN is nextLSN+len(sortedFrames)-1.
	b.header.LastCheckpointLSN = b.p.wal.NextLSN() + uint64(len(sortedFrames)) - 1
	hdrBuf := b.header.Encode(b.p.cfg.PageSize)
	sortedFrames = append(sortedFrames, Frame{PageID: HeaderPageID, Payload: hdrBuf, Commit: true})

	if _, err := b.p.wal.CommitGroup(sortedFrames); err != nil {
		return err
	}

	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	for _, id := range ids {
		if err := b.p.applyPageLocked(b.shadow[id]); err != nil {
			return err
		}
	}
	if err := b.p.applyPageLocked(&Page{Data: hdrBuf, PageID: HeaderPageID}); err != nil {
		return err
	}
	b.p.header = b.header
	return nil
}

// Rollback discards the transaction's shadow pages. Since nothing was
// ever written to the file or WAL, this is free.
func (b *WriteBatch) Rollback() error {
	defer b.p.writerMu.Unlock()
	if b.done {
		return nil
	}
	b.done = true
	b.shadow = nil
	return nil
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (p *Pager) initHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header = Header{
		FormatVersion: FormatVersion,
		PageSize:      uint32(p.cfg.PageSize),
		NextNodeID:    1,
		NextEdgeID:    1,
	}
	p.totalPages = 1
	buf := p.header.Encode(p.cfg.PageSize)
	if err := p.file.GrowTo(p.pageOffset(1)); err != nil {
		return err
	}
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("storage: write header: %w", err)
	}
	return p.file.Sync()
}

func (p *Pager) loadHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, p.cfg.PageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("storage: read header: %w", err)
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if int(hdr.PageSize) != p.cfg.PageSize {
		return errs.New(errs.KindInvalidArg, "storage: configured page size does not match database")
	}
	p.header = *hdr
	size, err := p.file.Size()
	if err != nil {
		return err
	}
	p.totalPages = uint64(size) / uint64(p.cfg.PageSize)
	return nil
}

func (p *Pager) flushHeaderLocked() error {
	buf := p.header.Encode(p.cfg.PageSize)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("storage: flush header: %w", err)
	}
	return nil
}

// recover replays every committed WAL frame run into the data file. It
// runs once, at Open, before any write transaction can begin.
func (p *Pager) recover() error {
	commitLSN, err := p.wal.Recover(func(pageID uint64, payload []byte, lsn uint64) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		pg := &Page{Data: append([]byte(nil), payload...), PageID: pageID}
		return p.applyPageLocked(pg)
	})
	if err != nil {
		return err
	}
	if commitLSN == 0 {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	if err := p.loadHeader(); err != nil {
		return err
	}
	return p.wal.TruncateTo(commitLSN)
}

// Checkpoint truncates the WAL. In this pager, every committed write is
// already applied to the data file by the time Commit returns, so a
// checkpoint carries no replay work — it only bounds WAL growth. Only
// SyncFull also fsyncs the main file here; SyncNormal already fsynced
// every commit's WAL frames and leaves the main file to ordinary OS
// write-back, and SyncOff skips fsyncing altogether (§6 `synchronous`).
func (p *Pager) Checkpoint() error {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushHeaderLocked(); err != nil {
		return err
	}
	if p.cfg.Synchronous == SyncFull {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}
	return p.wal.TruncateTo(p.wal.NextLSN() - 1)
}

package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/feldmond/sombra/errs"
)

// FrameHeaderSize is the 24-byte WAL frame header from spec.md §4.2:
// magic(4), page_id(8), frame_lsn(8), commit_marker(1), checksum(3).
// The checksum is a CRC32 over the header bytes before it and the whole
// payload, truncated to its low 3 bytes — tight enough to catch torn
// writes without costing a fourth header byte.
const FrameHeaderSize = 24

const (
	frameOffMagic    = 0
	frameOffPageID   = 4
	frameOffLSN      = 12
	frameOffCommit   = 20
	frameOffChecksum = 21
)

var frameMagic = [4]byte{'S', 'W', 'A', 'L'}

// Frame is one WAL frame: a full page image tagged with the LSN it was
// written at. A frame with Commit set is the last frame of a transaction
// and, per the commit protocol (§5), carries the new header page.
type Frame struct {
	PageID  uint64
	LSN     uint64
	Commit  bool
	Payload []byte
}

func encodeFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	copy(buf[frameOffMagic:], frameMagic[:])
	binary.LittleEndian.PutUint64(buf[frameOffPageID:], f.PageID)
	binary.LittleEndian.PutUint64(buf[frameOffLSN:], f.LSN)
	if f.Commit {
		buf[frameOffCommit] = 1
	}
	copy(buf[FrameHeaderSize:], f.Payload)
	sum := crc32.Update(crc32.ChecksumIEEE(buf[:frameOffChecksum]), crc32.IEEETable, buf[FrameHeaderSize:])
	buf[frameOffChecksum] = byte(sum)
	buf[frameOffChecksum+1] = byte(sum >> 8)
	buf[frameOffChecksum+2] = byte(sum >> 16)
	return buf
}

// decodeFrame validates and parses one frame already read into buf (of
// length FrameHeaderSize+pageSize). It returns false, with no error, for
// a frame whose magic doesn't match — the signal used during recovery to
// tell "ran off the end of real frames" from "torn write".
func decodeFrame(buf []byte) (Frame, bool, error) {
	if len(buf) < FrameHeaderSize {
		return Frame{}, false, nil
	}
	if string(buf[frameOffMagic:frameOffMagic+4]) != string(frameMagic[:]) {
		return Frame{}, false, nil
	}
	sum := crc32.Update(crc32.ChecksumIEEE(buf[:frameOffChecksum]), crc32.IEEETable, buf[FrameHeaderSize:])
	stored := uint32(buf[frameOffChecksum]) | uint32(buf[frameOffChecksum+1])<<8 | uint32(buf[frameOffChecksum+2])<<16
	if sum&0x00FFFFFF != stored {
		return Frame{}, false, errs.New(errs.KindCorruption, "storage: wal frame checksum mismatch")
	}
	f := Frame{
		PageID:  binary.LittleEndian.Uint64(buf[frameOffPageID:]),
		LSN:     binary.LittleEndian.Uint64(buf[frameOffLSN:]),
		Commit:  buf[frameOffCommit] != 0,
		Payload: append([]byte(nil), buf[FrameHeaderSize:]...),
	}
	return f, true, nil
}

// SegmentStore is how the WAL creates, opens, lists, and removes its
// segment files. It exists so the same WAL code drives both the
// OS-backed database (segments on disk, under "<db>-wal/") and the
// in-memory backend (segments as named byte buffers).
type SegmentStore interface {
	Open(name string) (File, error)
	Remove(name string) error
	List() ([]string, error)
}

// osSegmentStore keeps WAL segments as files under dir.
type osSegmentStore struct {
	dir string
}

// NewOSSegmentStore creates (if needed) dir and returns a SegmentStore
// backed by ordinary files inside it.
func NewOSSegmentStore(dir string) (SegmentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create wal dir: %w", err)
	}
	return &osSegmentStore{dir: dir}, nil
}

func (s *osSegmentStore) Open(name string) (File, error) {
	return openOSFile(filepath.Join(s.dir, name), os.O_RDWR|os.O_CREATE, 0644)
}

func (s *osSegmentStore) Remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *osSegmentStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// memSegmentStore keeps WAL segments as named in-memory buffers, for
// OpenMemory databases and tests.
type memSegmentStore struct {
	mu    sync.Mutex
	files map[string]*MemFile
}

// NewMemSegmentStore returns a SegmentStore with no backing disk at all.
func NewMemSegmentStore() SegmentStore {
	return &memSegmentStore{files: make(map[string]*MemFile)}
}

func (s *memSegmentStore) Open(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		f = NewMemFile()
		s.files[name] = f
	}
	return f, nil
}

func (s *memSegmentStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

func (s *memSegmentStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func segmentName(idx int) string { return fmt.Sprintf("seg-%04d", idx) }

// WAL is the segmented, frame-based write-ahead log described in
// spec.md §4.2. Transaction commit appends a run of page-image frames
// ending in a commit-marked frame; group commit batches the fsync that
// follows across any writers that land inside the coalesce window.
type WAL struct {
	mu sync.Mutex

	store        SegmentStore
	pageSize     int
	segmentBytes int64

	segNames []string
	segIdx   int
	cur      File
	curSize  int64

	nextLSN uint64

	syncMode SyncMode
	coalesce time.Duration
	syncMu   sync.Mutex
	syncCond *sync.Cond
	syncBusy bool
	syncGen  uint64
	syncErr  error
}

// OpenWAL opens or creates the WAL rooted at store, scanning existing
// segments (if any) to recover nextLSN. It does not apply any frames —
// call Recover for that.
func OpenWAL(store SegmentStore, pageSize int, segmentBytes int64, coalesce time.Duration, syncMode SyncMode) (*WAL, error) {
	names, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("storage: list wal segments: %w", err)
	}
	w := &WAL{
		store:        store,
		pageSize:     pageSize,
		segmentBytes: segmentBytes,
		coalesce:     coalesce,
		syncMode:     syncMode,
		nextLSN:      1,
	}
	w.syncCond = sync.NewCond(&w.syncMu)

	if len(names) == 0 {
		names = []string{segmentName(0)}
	}
	w.segNames = names

	for _, n := range names {
		if err := w.scanSegmentLSNs(n); err != nil {
			return nil, err
		}
	}

	last := names[len(names)-1]
	f, err := store.Open(last)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal segment %s: %w", last, err)
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	w.cur = f
	w.segIdx = len(names) - 1
	w.curSize = size
	return w, nil
}

// scanSegmentLSNs does a lightweight pass over a segment to push nextLSN
// past any frame already present, without invoking a recovery callback.
func (w *WAL) scanSegmentLSNs(name string) error {
	f, err := w.store.Open(name)
	if err != nil {
		return fmt.Errorf("storage: open wal segment %s: %w", name, err)
	}
	defer f.Close()

	frameSize := int64(FrameHeaderSize + w.pageSize)
	size, err := f.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, frameSize)
	for off := int64(0); off+frameSize <= size; off += frameSize {
		n, err := f.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return err
		}
		if n < len(buf) {
			break
		}
		if string(buf[frameOffMagic:frameOffMagic+4]) != string(frameMagic[:]) {
			break
		}
		lsn := binary.LittleEndian.Uint64(buf[frameOffLSN:])
		if lsn >= w.nextLSN {
			w.nextLSN = lsn + 1
		}
	}
	return nil
}

// Close closes the current segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.Close()
}

// AppendFrames writes frames to the log, assigning each the next LSN in
// sequence. It does not fsync; callers that need durability call Sync or
// CommitGroup after. Every payload must be exactly pageSize bytes.
func (w *WAL) AppendFrames(frames []Frame) (firstLSN uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	firstLSN = w.nextLSN
	for i := range frames {
		if len(frames[i].Payload) != w.pageSize {
			return 0, errs.New(errs.KindInvalidArg, "storage: wal frame payload size mismatch")
		}
		frames[i].LSN = w.nextLSN
		w.nextLSN++
		buf := encodeFrame(frames[i])
		if err := w.rollIfNeeded(int64(len(buf))); err != nil {
			return 0, err
		}
		if _, err := w.cur.WriteAt(buf, w.curSize); err != nil {
			return 0, fmt.Errorf("storage: write wal frame: %w", err)
		}
		w.curSize += int64(len(buf))
	}
	return firstLSN, nil
}

func (w *WAL) rollIfNeeded(nextWrite int64) error {
	if w.segmentBytes <= 0 || w.curSize+nextWrite <= w.segmentBytes {
		return nil
	}
	if err := w.cur.Sync(); err != nil {
		return fmt.Errorf("storage: sync wal segment before roll: %w", err)
	}
	name := segmentName(w.segIdx + 1)
	f, err := w.store.Open(name)
	if err != nil {
		return fmt.Errorf("storage: create wal segment %s: %w", name, err)
	}
	w.cur = f
	w.segIdx++
	w.curSize = 0
	w.segNames = append(w.segNames, name)
	return nil
}

// CommitGroup appends frames (the last of which must be commit-marked)
// and, under SyncFull and SyncNormal, fsyncs before returning —
// coalescing concurrent callers that land inside the coalesce window
// into a single fsync call (§5 group commit). Under SyncOff the frames
// land in the segment file but the fsync is skipped, trading durability
// against a crash for commit latency (§6 `synchronous`).
func (w *WAL) CommitGroup(frames []Frame) (uint64, error) {
	if len(frames) == 0 || !frames[len(frames)-1].Commit {
		return 0, errs.New(errs.KindInvalidArg, "storage: commit group must end with a commit frame")
	}
	firstLSN, err := w.AppendFrames(frames)
	if err != nil {
		return 0, err
	}
	if w.syncMode != SyncOff {
		if err := w.groupSync(); err != nil {
			return 0, err
		}
	}
	return firstLSN + uint64(len(frames)) - 1, nil
}

// groupSync fsyncs the current segment, batching any callers that arrive
// while a sync is already in flight into that same sync rather than
// issuing one each.
func (w *WAL) groupSync() error {
	w.syncMu.Lock()
	if w.syncBusy {
		gen := w.syncGen
		for w.syncBusy && w.syncGen == gen {
			w.syncCond.Wait()
		}
		err := w.syncErr
		w.syncMu.Unlock()
		return err
	}
	w.syncBusy = true
	w.syncMu.Unlock()

	if w.coalesce > 0 {
		time.Sleep(w.coalesce)
	}

	w.mu.Lock()
	err := w.cur.Sync()
	w.mu.Unlock()

	w.syncMu.Lock()
	w.syncErr = err
	w.syncBusy = false
	w.syncGen++
	w.syncCond.Broadcast()
	w.syncMu.Unlock()
	return err
}

// Sync fsyncs the current segment without appending anything.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.Sync()
}

// ApplyFunc is invoked once per frame in a completed (commit-terminated)
// transaction run, in LSN order, during recovery.
type ApplyFunc func(pageID uint64, payload []byte, lsn uint64) error

// walFrame pairs one decoded (or failed) frame read with the reason
// decodeFrame gave up on it, if any.
type walFrame struct {
	frame Frame
	ok    bool
	err   error
}

// Recover replays every committed transaction run across all segments,
// in order, calling apply for each frame. A frame that fails to decode
// is either a torn tail from an interrupted write — if nothing after
// it ever decoded into a complete, commit-terminated run — or interior
// corruption, if a later run in the log did complete: something
// damaged a frame that the log's own tail proves was once intact. The
// former is silently truncated per spec.md §4.2's crash-recovery
// semantics; the latter is surfaced as KindCorruption instead of
// silently losing committed data. Recover returns the LSN of the last
// applied commit frame, or 0 if none.
func (w *WAL) Recover(apply ApplyFunc) (uint64, error) {
	w.mu.Lock()
	names := append([]string(nil), w.segNames...)
	w.mu.Unlock()

	frameSize := int64(FrameHeaderSize + w.pageSize)
	var all []walFrame

	for _, name := range names {
		f, err := w.store.Open(name)
		if err != nil {
			return 0, fmt.Errorf("storage: open wal segment %s: %w", name, err)
		}
		size, err := f.Size()
		if err != nil {
			f.Close()
			return 0, err
		}
		buf := make([]byte, frameSize)
		for off := int64(0); off+frameSize <= size; off += frameSize {
			n, err := f.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				f.Close()
				return 0, err
			}
			if n < len(buf) {
				break
			}
			frame, ok, derr := decodeFrame(buf)
			all = append(all, walFrame{frame, ok, derr})
			if !ok && derr == nil {
				// Ran off the end of this segment's real frames
				// (zeroed tail); nothing more to read here.
				break
			}
		}
		f.Close()
	}

	lastCommit := -1
	for i, wf := range all {
		if wf.ok && wf.err == nil && wf.frame.Commit {
			lastCommit = i
		}
	}

	var pending []Frame
	var lastCommitLSN uint64
	for i, wf := range all {
		if wf.err != nil || !wf.ok {
			if i <= lastCommit {
				if wf.err != nil {
					return 0, wf.err
				}
				return 0, errs.New(errs.KindCorruption, "storage: wal frame failed to decode before the log's last committed run")
			}
			break
		}
		pending = append(pending, wf.frame)
		if wf.frame.Commit {
			for _, pf := range pending {
				if err := apply(pf.PageID, pf.Payload, pf.LSN); err != nil {
					return 0, err
				}
			}
			lastCommitLSN = wf.frame.LSN
			pending = pending[:0]
		}
	}
	return lastCommitLSN, nil
}

// TruncateTo discards every frame in the log. It is called after a
// checkpoint has made the data file durable through the checkpoint's
// LSN, at which point nothing in the WAL is needed for recovery anymore.
// nextAfter is the last LSN already used; the next AppendFrames hands
// out nextAfter+1.
func (w *WAL) TruncateTo(nextAfter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.cur.Close(); err != nil {
		return err
	}
	for _, n := range w.segNames {
		if err := w.store.Remove(n); err != nil {
			return fmt.Errorf("storage: remove wal segment %s: %w", n, err)
		}
	}
	name := segmentName(0)
	f, err := w.store.Open(name)
	if err != nil {
		return fmt.Errorf("storage: recreate wal segment %s: %w", name, err)
	}
	w.cur = f
	w.segIdx = 0
	w.curSize = 0
	w.segNames = []string{name}
	w.nextLSN = nextAfter + 1
	return nil
}

// NextLSN reports the LSN that will be assigned to the next appended
// frame.
func (w *WAL) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

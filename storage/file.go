// Package storage implements the on-disk layers of Sombra: the raw file
// I/O primitive, the write-ahead log, the page cache, and the slotted
// record store. Nothing in this package knows about nodes, edges, or
// MVCC — that belongs to mvcc/ and graph/ above it.
package storage

import (
	"io"
	"os"
	"sync"
	"time"
)

// File abstracts positional byte-array storage for both a native OS file
// and an in-memory backend. It is the §4.1 file I/O primitive: positional
// read/write, fsync, and file growth, with no semantics beyond bytes.
type File interface {
	ReadAt(b []byte, off int64) (n int, err error)
	WriteAt(b []byte, off int64) (n int, err error)
	Sync() error
	Close() error
	Size() (int64, error)
	// GrowTo ensures the file is at least size bytes long, zero-filling
	// any new region. It is a no-op if the file is already that long.
	GrowTo(size int64) error
}

// osFile is the native file-backed implementation of File.
type osFile struct {
	f *os.File
}

func openOSFile(path string, flag int, perm os.FileMode) (*osFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (o *osFile) ReadAt(b []byte, off int64) (int, error)  { return o.f.ReadAt(b, off) }
func (o *osFile) WriteAt(b []byte, off int64) (int, error) { return o.f.WriteAt(b, off) }
func (o *osFile) Sync() error                              { return o.f.Sync() }
func (o *osFile) Close() error                              { return o.f.Close() }

func (o *osFile) Size() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (o *osFile) GrowTo(size int64) error {
	cur, err := o.Size()
	if err != nil {
		return err
	}
	if cur >= size {
		return nil
	}
	return o.f.Truncate(size)
}

// MemFile implements File backed by a byte slice, for the in-memory
// backend (OpenMemory) and for unit tests.
type MemFile struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemFile creates a new empty in-memory file.
func NewMemFile() *MemFile {
	return &MemFile{}
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *MemFile) Sync() error  { return nil }
func (m *MemFile) Close() error { return nil }

func (m *MemFile) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *MemFile) GrowTo(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(m.data)) >= size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// memFileInfo satisfies the subset of os.FileInfo Sombra's callers need
// when reporting file age for diagnostics (kept minimal; unused fields
// are not modeled).
type memFileInfo struct {
	size    int64
	modTime time.Time
}

func (fi *memFileInfo) Name() string       { return "memfile" }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) Mode() os.FileMode  { return 0644 }
func (fi *memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *memFileInfo) IsDir() bool        { return false }
func (fi *memFileInfo) Sys() interface{}   { return nil }

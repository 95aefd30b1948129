package storage

import (
	"os"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sombra-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path
}

func TestPagerMemoryWriteAndRead(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg := b.Allocate(PageKindRecord)
	slot, ok := pg.Allocate([]byte("hello"), 0)
	if !ok {
		t.Fatalf("page.Allocate failed")
	}
	b.Put(pg)
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := p.ReadPage(pg.PageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	data, free, _, ok := got.Read(slot)
	if !ok || free {
		t.Fatalf("slot not readable: ok=%v free=%v", ok, free)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q, want hello", data)
	}
}

func TestPagerRollbackDiscardsShadowPages(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg := b.Allocate(PageKindRecord)
	b.Put(pg)
	if err := b.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := p.ReadPage(pg.PageID); err == nil {
		t.Fatalf("expected rolled-back page to be absent")
	}

	// the writer lease must be free again
	b2, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite after rollback: %v", err)
	}
	if err := b2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestPagerWriterLeaseIsExclusive(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		b2, err := p.BeginWrite()
		if err != nil {
			t.Errorf("BeginWrite: %v", err)
			return
		}
		b2.Rollback()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second writer acquired the lease while the first was still open")
	default:
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	<-acquired
}

func TestPagerAllocateReusesFreedPages(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	b, _ := p.BeginWrite()
	pg := b.Allocate(PageKindRecord)
	b.Put(pg)
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	freedID := pg.PageID

	b2, _ := p.BeginWrite()
	b2.Release(freedID)
	if err := b2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b3, _ := p.BeginWrite()
	reused := b3.Allocate(PageKindRecord)
	if reused.PageID != freedID {
		t.Fatalf("Allocate did not reuse freed page: got %d, want %d", reused.PageID, freedID)
	}
	b3.Rollback()
}

func TestPagerRecoversCommittedWritesAfterReopen(t *testing.T) {
	path := tempDBPath(t)
	cfg := DefaultConfig()

	p, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg := b.Allocate(PageKindRecord)
	slot, ok := pg.Allocate([]byte("durable"), 0)
	if !ok {
		t.Fatalf("page.Allocate failed")
	}
	b.Put(pg)
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	pageID := pg.PageID
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pageID)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	data, _, _, ok := got.Read(slot)
	if !ok || string(data) != "durable" {
		t.Fatalf("recovered data = %q, ok=%v", data, ok)
	}
}

func TestPagerCheckpointTruncatesWAL(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, _ := p.BeginWrite()
	pg := b.Allocate(PageKindRecord)
	b.Put(pg)
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	count := 0
	if _, err := p.wal.Recover(func(pageID uint64, payload []byte, lsn uint64) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected WAL empty after checkpoint, found %d frames", count)
	}
}

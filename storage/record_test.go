package storage

import (
	"bytes"
	"strings"
	"testing"
)

func TestRecordStorePutGetSmall(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rs := NewRecordStore(b)

	ptr, err := rs.Put([]byte("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := rs.Get(ptr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRecordStoreOverflowChain(t *testing.T) {
	p, err := OpenMemory(Config{PageSize: 4096, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rs := NewRecordStore(b)

	big := []byte(strings.Repeat("xyzzy-", 5000))
	ptr, err := rs.Put(big)
	if err != nil {
		t.Fatalf("Put large: %v", err)
	}
	got, err := rs.Get(ptr)
	if err != nil {
		t.Fatalf("Get large: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("overflow round-trip mismatch: got %d bytes, want %d", len(got), len(big))
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRecordStoreUpdateAndDelete(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rs := NewRecordStore(b)

	ptr, err := rs.Put([]byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ptr2, err := rs.Update(ptr, []byte("v2-longer-value"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := rs.Get(ptr2)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if string(got) != "v2-longer-value" {
		t.Fatalf("got %q", got)
	}

	if err := rs.Delete(ptr2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := rs.Get(ptr2); err == nil {
		t.Fatalf("expected error reading deleted record")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRecordStorePacksSuccessivePutsOnSamePage(t *testing.T) {
	p, err := OpenMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rs := NewRecordStore(b)

	first, err := rs.Put([]byte("a"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, err := rs.Put([]byte("b"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if first.PageID != second.PageID {
		t.Fatalf("expected successive small puts to share a page: %v vs %v", first, second)
	}
	b.Rollback()
}

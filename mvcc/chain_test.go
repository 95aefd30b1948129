package mvcc

import (
	"testing"

	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/storage"
)

func newTestChains(t *testing.T) (*storage.WriteBatch, *Chains) {
	t.Helper()
	p, err := storage.OpenMemory(storage.Config{PageSize: 4096, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	idx, err := index.NewPrimaryIndex(b)
	if err != nil {
		t.Fatalf("NewPrimaryIndex: %v", err)
	}
	rs := storage.NewRecordStore(b)
	return b, NewChains(idx, rs)
}

func TestChainsAppendAndVisible(t *testing.T) {
	b, c := newTestChains(t)

	if err := c.Append(b, 1, 10, StateActive, []byte("v1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.CommitHead(b, 1, 10, 100); err != nil {
		t.Fatalf("CommitHead: %v", err)
	}

	v, ok, err := c.Visible(b, 1, 100, 0)
	if err != nil || !ok {
		t.Fatalf("Visible at ts=100: ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "v1" {
		t.Fatalf("Data = %q", v.Data)
	}

	if _, ok, err := c.Visible(b, 1, 50, 0); err != nil || ok {
		t.Fatalf("expected invisible before commit, ok=%v err=%v", ok, err)
	}
}

func TestChainsSnapshotIsolation(t *testing.T) {
	b, c := newTestChains(t)

	if err := c.Append(b, 1, 10, StateActive, []byte("v1")); err != nil {
		t.Fatalf("Append v1: %v", err)
	}
	if err := c.CommitHead(b, 1, 10, 100); err != nil {
		t.Fatalf("CommitHead v1: %v", err)
	}

	// A reader holding an old snapshot started before the second write
	// must keep seeing v1 even after v2 is appended (but not yet
	// committed, or committed after the reader's snapshot).
	if err := c.Append(b, 1, 20, StateActive, []byte("v2")); err != nil {
		t.Fatalf("Append v2: %v", err)
	}

	v, ok, err := c.Visible(b, 1, 100, 0)
	if err != nil || !ok {
		t.Fatalf("old snapshot should still see v1: ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "v1" {
		t.Fatalf("old snapshot Data = %q, want v1", v.Data)
	}

	// The writer of v2 sees its own uncommitted write.
	v, ok, err = c.Visible(b, 1, 100, 20)
	if err != nil || !ok {
		t.Fatalf("writer should see own write: ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "v2" {
		t.Fatalf("writer Data = %q, want v2", v.Data)
	}

	if err := c.CommitHead(b, 1, 20, 200); err != nil {
		t.Fatalf("CommitHead v2: %v", err)
	}
	v, ok, err = c.Visible(b, 1, 200, 0)
	if err != nil || !ok {
		t.Fatalf("new snapshot should see v2: ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "v2" {
		t.Fatalf("new snapshot Data = %q, want v2", v.Data)
	}
}

func TestChainsDeleteHidesFromLaterReaders(t *testing.T) {
	b, c := newTestChains(t)

	if err := c.Append(b, 1, 10, StateActive, []byte("v1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.CommitHead(b, 1, 10, 100); err != nil {
		t.Fatalf("CommitHead: %v", err)
	}
	if err := c.Append(b, 1, 11, StateDeleted, nil); err != nil {
		t.Fatalf("Append tombstone: %v", err)
	}
	if err := c.CommitHead(b, 1, 11, 200); err != nil {
		t.Fatalf("CommitHead tombstone: %v", err)
	}

	if _, ok, err := c.Visible(b, 1, 200, 0); err != nil || ok {
		t.Fatalf("expected deleted id invisible, ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.Visible(b, 1, 100, 0); err != nil || !ok {
		t.Fatalf("old snapshot should still see pre-delete version, ok=%v err=%v", ok, err)
	}
}

func TestChainLength(t *testing.T) {
	b, c := newTestChains(t)
	for i := uint64(1); i <= 3; i++ {
		if err := c.Append(b, 1, i, StateActive, []byte{byte(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if err := c.CommitHead(b, 1, i, i*10); err != nil {
			t.Fatalf("CommitHead %d: %v", i, err)
		}
	}
	_, head, ok, err := c.Head(b, 1)
	if err != nil || !ok {
		t.Fatalf("Head: ok=%v err=%v", ok, err)
	}
	n, err := ChainLength(c.rs, head)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 3 {
		t.Fatalf("ChainLength = %d, want 3", n)
	}
}

func TestChainsPutReplacesOwnUncommittedVersion(t *testing.T) {
	b, c := newTestChains(t)

	if err := c.Put(b, 1, 10, StateActive, []byte("first")); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if err := c.Put(b, 1, 10, StateActive, []byte("second")); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	_, head, ok, err := c.Head(b, 1)
	if err != nil || !ok {
		t.Fatalf("Head: ok=%v err=%v", ok, err)
	}
	n, err := ChainLength(c.rs, head)
	if err != nil {
		t.Fatalf("ChainLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected same-tx Put to replace in place, chain length = %d", n)
	}

	if err := c.CommitHead(b, 1, 10, 100); err != nil {
		t.Fatalf("CommitHead: %v", err)
	}
	v, ok, err := c.Visible(b, 1, 100, 0)
	if err != nil || !ok {
		t.Fatalf("Visible: ok=%v err=%v", ok, err)
	}
	if string(v.Data) != "second" {
		t.Fatalf("Data = %q, want second", v.Data)
	}
}

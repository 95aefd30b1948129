package mvcc

import (
	"testing"

	"github.com/feldmond/sombra/index"
	"github.com/feldmond/sombra/storage"
)

func TestSafepointTrackerTracksOldestReader(t *testing.T) {
	tr := NewSafepointTracker()
	if got := tr.Safepoint(500); got != 500 {
		t.Fatalf("Safepoint with no readers = %d, want 500", got)
	}

	tr.Acquire(100)
	tr.Acquire(300)
	if got := tr.Safepoint(500); got != 100 {
		t.Fatalf("Safepoint = %d, want 100", got)
	}

	tr.Release(100)
	if got := tr.Safepoint(500); got != 300 {
		t.Fatalf("Safepoint after release = %d, want 300", got)
	}

	tr.Release(300)
	if got := tr.Safepoint(500); got != 500 {
		t.Fatalf("Safepoint after all released = %d, want 500", got)
	}
}

func TestSweepPrunesVersionsBehindSafepoint(t *testing.T) {
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
	c := NewChains(idx, rs)

	for i := uint64(1); i <= 3; i++ {
		if err := c.Append(b, 1, i, StateActive, []byte{byte(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if err := c.CommitHead(b, 1, i, i*100); err != nil {
			t.Fatalf("CommitHead %d: %v", i, err)
		}
	}

	_, head, _, err := c.Head(b, 1)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	before, err := ChainLength(rs, head)
	if err != nil {
		t.Fatalf("ChainLength before: %v", err)
	}
	if before != 3 {
		t.Fatalf("chain length before sweep = %d, want 3", before)
	}

	result, err := Sweep(b, b, idx, rs, []uint64{1}, 250)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.ChainsVisited != 1 {
		t.Fatalf("ChainsVisited = %d, want 1", result.ChainsVisited)
	}
	if result.VersionsFreed != 1 {
		t.Fatalf("VersionsFreed = %d, want 1", result.VersionsFreed)
	}

	_, head, _, err = c.Head(b, 1)
	if err != nil {
		t.Fatalf("Head after sweep: %v", err)
	}
	after, err := ChainLength(rs, head)
	if err != nil {
		t.Fatalf("ChainLength after: %v", err)
	}
	if after != 2 {
		t.Fatalf("chain length after sweep = %d, want 2", after)
	}
}

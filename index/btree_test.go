package index

import (
	"fmt"
	"testing"

	"github.com/feldmond/sombra/storage"
)

func newTestBatch(t *testing.T) (*storage.Pager, *storage.WriteBatch) {
	t.Helper()
	p, err := storage.OpenMemory(storage.Config{PageSize: 4096, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	b, err := p.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	return p, b
}

func TestBTreeInsertLookup(t *testing.T) {
	_, b := newTestBatch(t)
	tree, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k-%03d", i)
		if err := tree.Insert(b, key, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}
	vals, err := tree.Lookup(b, "k-025")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(vals) != 1 || string(vals[0]) != "v25" {
		t.Fatalf("Lookup k-025 = %v", vals)
	}
}

func TestBTreeRangeScanOrdered(t *testing.T) {
	_, b := newTestBatch(t)
	tree, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("k-%03d", i)
		if err := tree.Insert(b, key, []byte{byte(i)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	vals, err := tree.RangeScan(b, "k-010", "k-015")
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(vals) != 6 {
		t.Fatalf("RangeScan len = %d, want 6", len(vals))
	}
	for i, v := range vals {
		if v[0] != byte(10+i) {
			t.Fatalf("RangeScan[%d] = %d, want %d", i, v[0], 10+i)
		}
	}
}

func TestBTreeRemove(t *testing.T) {
	_, b := newTestBatch(t)
	tree, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tree.Insert(b, "a", []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Remove(b, "a", []byte("1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	vals, err := tree.Lookup(b, "a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("expected no values after remove, got %v", vals)
	}
}

func TestPrimaryIndexPutGetDelete(t *testing.T) {
	_, b := newTestBatch(t)
	pidx, err := NewPrimaryIndex(b)
	if err != nil {
		t.Fatalf("NewPrimaryIndex: %v", err)
	}
	ptr := storage.RecordPointer{PageID: 7, SlotID: 3}
	if err := pidx.Put(b, 42, ptr); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := pidx.Get(b, 42)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != ptr {
		t.Fatalf("got %v, want %v", got, ptr)
	}
	if err := pidx.Delete(b, 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := pidx.Get(b, 42); err != nil || ok {
		t.Fatalf("expected id 42 gone, ok=%v err=%v", ok, err)
	}
}

func TestPostingIndexMembersAndIntersect(t *testing.T) {
	_, b := newTestBatch(t)
	post, err := NewPostingIndex(b)
	if err != nil {
		t.Fatalf("NewPostingIndex: %v", err)
	}
	for _, id := range []uint64{1, 2, 3} {
		if err := post.Add(b, "label:Person", id); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for _, id := range []uint64{2, 3, 4} {
		if err := post.Add(b, "label:Admin", id); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	members, err := post.Members(b, "label:Person")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 3 || members[0] != 1 || members[2] != 3 {
		t.Fatalf("Members = %v", members)
	}

	both, err := Intersect(b, post, []string{"label:Person", "label:Admin"})
	if err != nil {
		t.Fatalf("Intersect: %v", err)
	}
	if len(both) != 2 || both[0] != 2 || both[1] != 3 {
		t.Fatalf("Intersect = %v", both)
	}
}

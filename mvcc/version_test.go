package mvcc

import (
	"testing"

	"github.com/feldmond/sombra/storage"
)

func TestVersionEncodeDecodeRoundTrip(t *testing.T) {
	v := &Version{
		TxID:     5,
		CommitTS: 9,
		State:    StateActive,
		Prev:     storage.RecordPointer{PageID: 3, SlotID: 2},
		Data:     []byte("hello"),
	}
	got, err := Decode(v.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TxID != v.TxID || got.CommitTS != v.CommitTS || got.State != v.State || got.Prev != v.Prev {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Data) != "hello" {
		t.Fatalf("Data = %q", got.Data)
	}
}

func TestVersionIsVisibleTo(t *testing.T) {
	committed := &Version{TxID: 1, CommitTS: 10}
	if !committed.IsVisibleTo(10, 0) {
		t.Fatalf("expected visible at exact commit ts")
	}
	if committed.IsVisibleTo(9, 0) {
		t.Fatalf("expected invisible before commit ts")
	}

	uncommitted := &Version{TxID: 7}
	if uncommitted.IsVisibleTo(1000, 0) {
		t.Fatalf("uncommitted version must not be visible to another reader")
	}
	if !uncommitted.IsVisibleTo(1000, 7) {
		t.Fatalf("writer must see its own uncommitted version")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on truncated version buffer")
	}
}

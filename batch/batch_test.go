package batch

import (
	"testing"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
)

func TestBuilderBuildsEntriesInOrder(t *testing.T) {
	now := time.Now()
	b := NewBuilder().
		AddInt64(lwm2mcore.ResourcePath(3, 0, 1), 42, now).
		AddString(lwm2mcore.ResourcePath(3, 0, 2), "hi", now)

	batch := b.Build()
	entries := batch.Entries()
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].Int64 != 42 || entries[1].String != "hi" {
		t.Errorf("entries out of order or wrong value: %+v", entries)
	}
}

func TestEntryEqualIgnoresTimestamp(t *testing.T) {
	p := lwm2mcore.ResourcePath(3, 0, 9)
	a := Entry{Path: p, Kind: KindInt64, Int64: 5, Timestamp: time.Now()}
	b := Entry{Path: p, Kind: KindInt64, Int64: 5, Timestamp: time.Now().Add(time.Hour)}
	if !a.Equal(b) {
		t.Errorf("entries with the same value but different timestamps should be Equal")
	}

	c := Entry{Path: p, Kind: KindInt64, Int64: 6}
	if a.Equal(c) {
		t.Errorf("entries with different values should not be Equal")
	}
}

func TestEntryNumeric(t *testing.T) {
	if _, ok := (Entry{Kind: KindString}).Numeric(); ok {
		t.Errorf("a string entry should not report itself as numeric")
	}
	if v, ok := (Entry{Kind: KindFloat64, Float64: 3.5}).Numeric(); !ok || v != 3.5 {
		t.Errorf("a float entry should report its value: %v %v", v, ok)
	}
}

func TestBatchRefCounting(t *testing.T) {
	b := New([]Entry{{Kind: KindBool, Bool: true}})
	if b.RefCount() != 1 {
		t.Fatalf("new batch should start at refcount 1, got %d", b.RefCount())
	}
	b.Acquire()
	if b.RefCount() != 2 {
		t.Errorf("Acquire should increment refcount, got %d", b.RefCount())
	}
	if left := b.Release(); left != 1 {
		t.Errorf("Release should decrement refcount, got %d remaining", left)
	}
}

func TestNilBatchIsSafe(t *testing.T) {
	var b *Batch
	if b.Entries() != nil {
		t.Errorf("nil batch should report no entries")
	}
	if b.RefCount() != 0 {
		t.Errorf("nil batch should report refcount 0")
	}
	b.Release() // must not panic
}

func TestBatchValueFor(t *testing.T) {
	p := lwm2mcore.ResourcePath(3, 0, 9)
	b := New([]Entry{{Path: p, Kind: KindInt64, Int64: 80}})
	v, ok := b.ValueFor(p)
	if !ok || v.Int64 != 80 {
		t.Errorf("ValueFor should find the matching entry: %+v %v", v, ok)
	}
	if _, ok := b.ValueFor(lwm2mcore.ResourcePath(3, 0, 1)); ok {
		t.Errorf("ValueFor should not find a path absent from the batch")
	}
}

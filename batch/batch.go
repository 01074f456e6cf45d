// Package batch implements the immutable value snapshots (§3 "Batch")
// produced by the Data-Model Reader and consumed by the Observe Engine's
// serialization cursor (§4.5) and the output contexts below.
package batch

import (
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"go.uber.org/atomic"
)

// Kind discriminates the value carried by an Entry.
type Kind int

const (
	KindBytes Kind = iota
	KindString
	KindInt64
	KindUint64
	KindFloat64
	KindBool
	KindObjlnk
	// KindStartAggregate marks the start of a multi-instance resource
	// within a Batch, as described in §3. It carries no value.
	KindStartAggregate
)

// Objlnk is an LwM2M object link value (oid, iid).
type Objlnk struct {
	ObjectID, InstanceID uint16
}

// Entry is one (path, value, optional timestamp) tuple in a Batch.
type Entry struct {
	Path      lwm2mcore.Path
	Kind      Kind
	Bytes     []byte
	String    string
	Int64     int64
	Uint64    uint64
	Float64   float64
	Bool      bool
	Objlnk    Objlnk
	Timestamp time.Time // zero value means "no timestamp"
}

// HasTimestamp reports whether this entry carries a real-time timestamp.
func (e Entry) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// Numeric reports the entry's value as a float64 and whether the kind is
// numeric at all (used by step/lt/gt threshold evaluation in §4.3).
func (e Entry) Numeric() (float64, bool) {
	switch e.Kind {
	case KindInt64:
		return float64(e.Int64), true
	case KindUint64:
		return float64(e.Uint64), true
	case KindFloat64:
		return e.Float64, true
	default:
		return 0, false
	}
}

// Equal reports whether two entries carry the same path and value,
// ignoring timestamp. Used by the trigger job to decide whether a batch
// "differs" from the previous one (§4.3 step 3).
func (e Entry) Equal(other Entry) bool {
	if e.Path != other.Path || e.Kind != other.Kind {
		return false
	}
	switch e.Kind {
	case KindBytes:
		return string(e.Bytes) == string(other.Bytes)
	case KindString:
		return e.String == other.String
	case KindInt64:
		return e.Int64 == other.Int64
	case KindUint64:
		return e.Uint64 == other.Uint64
	case KindFloat64:
		return e.Float64 == other.Float64
	case KindBool:
		return e.Bool == other.Bool
	case KindObjlnk:
		return e.Objlnk == other.Objlnk
	case KindStartAggregate:
		return true
	}
	return false
}

// Batch is an immutable, reference-counted sequence of entries produced
// by a single DMR read. The refcount is exposed for parity with the
// source's AVS_LIST reference counting (design notes §9) and so that
// tests can assert invariant 5 (last_sent holds at most one reference
// after initial delivery); Go's GC reclaims the backing array regardless
// once refs reaches zero, so Release never frees anything itself.
type Batch struct {
	entries []Entry
	refs    atomic.Int32
}

// New wraps entries into a Batch with an initial reference count of 1.
func New(entries []Entry) *Batch {
	b := &Batch{entries: entries}
	b.refs.Store(1)
	return b
}

// Entries returns the batch's entries. The slice must not be mutated by
// callers.
func (b *Batch) Entries() []Entry {
	if b == nil {
		return nil
	}
	return b.entries
}

// Acquire increments the reference count and returns the same batch, for
// call sites that store a pointer to it in more than one place (e.g. both
// an observation's last_sent and a connection's unsent queue during the
// brief window before value_sent runs).
func (b *Batch) Acquire() *Batch {
	if b != nil {
		b.refs.Inc()
	}
	return b
}

// Release decrements the reference count. Returns the count after the
// decrement.
func (b *Batch) Release() int32 {
	if b == nil {
		return 0
	}
	return b.refs.Dec()
}

// RefCount reports the current reference count, for tests.
func (b *Batch) RefCount() int32 {
	if b == nil {
		return 0
	}
	return b.refs.Load()
}

// ValueFor returns the single entry for path within the batch, if any.
// Used when evaluating step/lt/gt for a single-path READ observation.
func (b *Batch) ValueFor(path lwm2mcore.Path) (Entry, bool) {
	for _, e := range b.Entries() {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// NewestTimestamp returns the most recent timestamp carried by any entry,
// or the zero time if none carry one.
func (b *Batch) NewestTimestamp() time.Time {
	var newest time.Time
	for _, e := range b.Entries() {
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return newest
}

package batch

import (
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
)

// Builder accumulates Entry values read from the data model and compiles
// them into an immutable Batch. It has no independent state beyond the
// entries being built (§2: "Batch Store — builder/compiled value
// snapshots").
type Builder struct {
	entries []Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// StartAggregate appends the START_AGGREGATE marker for a multi-instance
// resource, before its per-instance entries.
func (b *Builder) StartAggregate(path lwm2mcore.Path) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindStartAggregate})
	return b
}

func (b *Builder) AddBytes(path lwm2mcore.Path, v []byte, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindBytes, Bytes: v, Timestamp: ts})
	return b
}

func (b *Builder) AddString(path lwm2mcore.Path, v string, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindString, String: v, Timestamp: ts})
	return b
}

func (b *Builder) AddInt64(path lwm2mcore.Path, v int64, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindInt64, Int64: v, Timestamp: ts})
	return b
}

func (b *Builder) AddUint64(path lwm2mcore.Path, v uint64, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindUint64, Uint64: v, Timestamp: ts})
	return b
}

func (b *Builder) AddFloat64(path lwm2mcore.Path, v float64, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindFloat64, Float64: v, Timestamp: ts})
	return b
}

func (b *Builder) AddBool(path lwm2mcore.Path, v bool, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindBool, Bool: v, Timestamp: ts})
	return b
}

func (b *Builder) AddObjlnk(path lwm2mcore.Path, v Objlnk, ts time.Time) *Builder {
	b.entries = append(b.entries, Entry{Path: path, Kind: KindObjlnk, Objlnk: v, Timestamp: ts})
	return b
}

// Add appends a pre-built entry verbatim, used when copying an entry read
// via the DMR's single-value read_resource operation.
func (b *Builder) Add(e Entry) *Builder {
	b.entries = append(b.entries, e)
	return b
}

// Build compiles the accumulated entries into an immutable Batch with an
// initial reference count of 1.
func (b *Builder) Build() *Batch {
	return New(b.entries)
}

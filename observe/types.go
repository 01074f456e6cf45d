// Package observe implements the Observe Engine (spec.md §4.1-§4.5): the
// per-(server, connection) registry of active observations, the trigger
// scheduler, the storing queue, and delivery. It is the largest component
// of this runtime, consistent with the design's ~55% share estimate (§2).
package observe

import (
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
	"github.com/avsystem/lwm2m-core/cel"
)

// Action distinguishes a single-path READ observation from a
// multi-path COMPOSITE-READ one (§3).
type Action int

const (
	ActionRead Action = iota
	ActionCompositeRead
)

// ConnectionKind is the transport half of a Connection Entry's key
// (server_id, connection_type) (§3).
type ConnectionKind int

const (
	ConnectionUDP ConnectionKind = iota
	ConnectionDTLS
	ConnectionTCP
	ConnectionTLS
)

// ConnectionID identifies one Connection Entry.
type ConnectionID struct {
	ServerID uint16
	Kind     ConnectionKind
}

// Value is an Observation Value (§3): a response plus zero or more
// batches, carrying its own reliability hint and timestamp. Error values
// (details.IsError()) carry no batches.
type Value struct {
	Details    cel.ResponseDetails
	Reliability cel.ReliabilityHint
	Owner      *Observation
	Timestamp  time.Time
	Batches    []*batch.Batch

	// next/prev link this value into a connection's unsent FIFO; nil once
	// dequeued. They are unexported: only this package walks the FIFO.
	next, prev *Value
	conn       *Connection
}

// IsError reports whether this value carries an error response with no
// batches (§3).
func (v *Value) IsError() bool {
	return v.Details.IsError()
}

// Observation is one peer's subscription to a set of paths (§3). Identity
// fields (token, action, paths) are fixed at construction; everything
// else is mutable engine state.
type Observation struct {
	Token  lwm2mcore.Token
	Action Action
	Paths  []lwm2mcore.Path

	conn *Connection

	notifyTask *lwm2mcore.TaskHandle
	lastConfirmable time.Time

	lastSent *Value // AVS_LIST of size <= 1 after initial delivery (§3 invariant)
	lastUnsent *Value // points into conn.unsent, or nil

	// per-path cached last batch, used by the trigger job to detect
	// "differs from the last for that path" (§4.3 step 3).
	lastBatchByPath map[lwm2mcore.Path]*batch.Batch
	lastObservedAt  map[lwm2mcore.Path]time.Time
}

// RootPath returns the output root path for this observation's payload
// (§4.5): paths[0] for READ, the wildcard root for COMPOSITE-READ.
func (o *Observation) RootPath() lwm2mcore.Path {
	if o.Action == ActionRead && len(o.Paths) > 0 {
		return o.Paths[0]
	}
	return lwm2mcore.RootPath()
}

// LastSent returns the single most recently delivered value, or nil.
func (o *Observation) LastSent() *Value { return o.lastSent }

// HasPendingUnsent reports whether this observation currently has a
// queued-but-undelivered value.
func (o *Observation) HasPendingUnsent() bool { return o.lastUnsent != nil }

// PathEntry is the registered-path fan-out index (§3): for each
// registered path, the observations that include it.
type PathEntry struct {
	Path lwm2mcore.Path
	refs []*Observation
}

// Connection is one Connection Entry (§3): one per (server_id,
// connection_type).
type Connection struct {
	ID ConnectionID

	observations map[string]*Observation // keyed by token bytes, ordered iteration via sortedTokenKeys
	observedPaths []*PathEntry            // sorted by Path.Compare

	flushTask *lwm2mcore.TaskHandle
	notifyExchangeID uint64
	hasNotifyExchange bool

	unsentHead, unsentTail *Value
	unsentCount            int

	online        bool
	queueMode     bool
	storing       bool // "notification storing when disabled/offline", default true
	confirmableDefault bool // server's confirmable_notifications default, used when an observation's own con is unset
}

func newConnection(id ConnectionID) *Connection {
	return &Connection{
		ID:           id,
		observations: make(map[string]*Observation),
		online:       true,
		storing:      true,
	}
}

// IsEmpty reports whether this connection has no observations left, the
// signal to garbage-collect it (§4.1 handle_cancel, §3 lifecycles).
func (c *Connection) IsEmpty() bool {
	return len(c.observations) == 0
}

// ReadyForOutgoing reports whether the connection can run its flush job
// right now (§4.5): socket online and not asleep in queue-mode. online
// already reflects both conditions collapsed into one flag; queueMode is
// consulted separately by the trigger job to decide whether to wake the
// connection rather than drop the value (§4.3 step 6, §5 "Queue-mode").
func (c *Connection) ReadyForOutgoing() bool {
	return c.online
}

func (c *Connection) hasExchangeInFlight() bool {
	return c.hasNotifyExchange
}

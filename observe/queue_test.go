package observe

import (
	"testing"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/cel"
)

func newTestEngineForQueue() *Engine {
	clock := newFakeClock(time.Unix(1000, 0))
	e, _, _ := newTestEngine(clock)
	return e
}

func TestEnqueueUnsentReplacesPendingValue(t *testing.T) {
	e := newTestEngineForQueue()
	conn := newConnection(ConnectionID{ServerID: 1, Kind: ConnectionUDP})
	obs := &Observation{Token: lwm2mcore.NewToken([]byte{1})}

	v1 := &Value{Timestamp: time.Unix(1000, 0), Details: cel.ResponseDetails{Code: 0x45}}
	e.enqueueUnsent(conn, obs, v1)
	if conn.unsentCount != 1 {
		t.Fatalf("expected 1 queued value, got %d", conn.unsentCount)
	}

	v2 := &Value{Timestamp: time.Unix(1001, 0), Details: cel.ResponseDetails{Code: 0x45}}
	e.enqueueUnsent(conn, obs, v2)
	if conn.unsentCount != 1 {
		t.Fatalf("a second value for the same observation should replace, not add: got count %d", conn.unsentCount)
	}
	if conn.unsentHead != v2 {
		t.Fatalf("the replacement value should be the one left in the queue")
	}
	if obs.lastUnsent != v2 {
		t.Fatalf("last_unsent should point at the replacement")
	}
}

func TestEvictOldestGlobalAcrossConnections(t *testing.T) {
	e := newTestEngineForQueue()
	e.cfg.LimitMode = LimitDropOldest
	e.cfg.StoredNotificationLimit = 1

	connA := newConnection(ConnectionID{ServerID: 1, Kind: ConnectionUDP})
	connB := newConnection(ConnectionID{ServerID: 2, Kind: ConnectionUDP})
	e.connections[connA.ID] = connA
	e.connections[connB.ID] = connB

	obsA := &Observation{Token: lwm2mcore.NewToken([]byte{1})}
	obsB := &Observation{Token: lwm2mcore.NewToken([]byte{2})}

	e.appendUnsent(connA, obsA, &Value{Timestamp: time.Unix(1000, 0)})
	if e.totalUnsent != 1 {
		t.Fatalf("expected totalUnsent=1 after first append, got %d", e.totalUnsent)
	}

	// This append pushes totalUnsent over the limit of 1, evicting the
	// oldest entry across all connections - connA's, since it is older.
	e.appendUnsent(connB, obsB, &Value{Timestamp: time.Unix(1001, 0)})

	if connA.unsentCount != 0 {
		t.Fatalf("the oldest connection's entry should have been evicted, connA still has %d", connA.unsentCount)
	}
	if connB.unsentCount != 1 {
		t.Fatalf("the newer connection's entry should survive, got %d", connB.unsentCount)
	}
	if e.totalUnsent != 1 {
		t.Fatalf("totalUnsent should settle back at the limit, got %d", e.totalUnsent)
	}
}

func TestDropUnsentNonErrorKeepsErrorValues(t *testing.T) {
	e := newTestEngineForQueue()
	conn := newConnection(ConnectionID{ServerID: 1, Kind: ConnectionUDP})
	obsOK := &Observation{Token: lwm2mcore.NewToken([]byte{1})}
	obsErr := &Observation{Token: lwm2mcore.NewToken([]byte{2})}

	e.appendUnsent(conn, obsOK, &Value{Timestamp: time.Unix(1000, 0), Details: cel.ResponseDetails{Code: 0x45}})
	e.appendUnsent(conn, obsErr, &Value{Timestamp: time.Unix(1001, 0), Details: cel.ResponseDetails{Code: 0xa0}})

	e.dropUnsentNonError(conn)

	if conn.unsentCount != 1 {
		t.Fatalf("expected the error value to survive and the ok value to be dropped, got count %d", conn.unsentCount)
	}
	if !conn.unsentHead.IsError() {
		t.Fatalf("the surviving queued value should be the error one")
	}
}

func TestUnlinkUnsentClearsOwnerPointer(t *testing.T) {
	e := newTestEngineForQueue()
	conn := newConnection(ConnectionID{ServerID: 1, Kind: ConnectionUDP})
	obs := &Observation{Token: lwm2mcore.NewToken([]byte{1})}
	val := &Value{Timestamp: time.Unix(1000, 0)}
	e.appendUnsent(conn, obs, val)

	e.unlinkUnsent(conn, val)

	if obs.lastUnsent != nil {
		t.Fatalf("unlinking the only queued value must clear last_unsent")
	}
	if conn.unsentHead != nil || conn.unsentTail != nil {
		t.Fatalf("the connection's FIFO should be empty after unlinking its only entry")
	}
	if conn.unsentCount != 0 || e.totalUnsent != 0 {
		t.Fatalf("counts should be back to zero, got conn=%d total=%d", conn.unsentCount, e.totalUnsent)
	}
}

package observe

import (
	"context"
	"sort"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
	"github.com/avsystem/lwm2m-core/cel"
	"github.com/avsystem/lwm2m-core/dmr"
)

// Logger is the nil-safe debug logging hook used throughout this
// runtime, the same shape as the teacher's Logger interface
// (coap_http.go).
type Logger interface {
	Printf(format string, v ...interface{})
}

// Engine is the Observe Engine: the per-(server, connection) registry of
// active observations (§4.1). One Engine instance serves every server
// this client talks to.
type Engine struct {
	runtime *lwm2mcore.Runtime
	dmrs    map[uint16]dmr.Reader // per-server data model reader; a single shared reader is fine too
	defaultDMR dmr.Reader
	cel     cel.ObserveExchange
	servers ServerDirectory
	cfg     Config
	log     Logger

	connections map[ConnectionID]*Connection

	totalUnsent int
}

// New constructs an Engine. dmrReader is consulted for every server
// unless a server-specific override is registered with SetDMRForServer.
func New(runtime *lwm2mcore.Runtime, dmrReader dmr.Reader, exchange cel.ObserveExchange, servers ServerDirectory, cfg Config) *Engine {
	return &Engine{
		runtime:     runtime,
		dmrs:        make(map[uint16]dmr.Reader),
		defaultDMR:  dmrReader,
		cel:         exchange,
		servers:     servers,
		cfg:         cfg,
		connections: make(map[ConnectionID]*Connection),
	}
}

func (e *Engine) SetLogger(l Logger) { e.log = l }

func (e *Engine) log2(format string, v ...interface{}) {
	if e.log == nil {
		return
	}
	e.log.Printf(format, v...)
}

func (e *Engine) SetDMRForServer(ssid uint16, r dmr.Reader) {
	e.dmrs[ssid] = r
}

func (e *Engine) dmrFor(ssid uint16) dmr.Reader {
	if r, ok := e.dmrs[ssid]; ok {
		return r
	}
	return e.defaultDMR
}

func (e *Engine) connFor(id ConnectionID) *Connection {
	c, ok := e.connections[id]
	if !ok {
		c = newConnection(id)
		info := e.servers.Info(id.ServerID)
		c.storing = info.NotificationStoring
		c.queueMode = info.QueueMode
		c.confirmableDefault = info.ConfirmableNotifications
		e.connections[id] = c
	}
	return c
}

// ObserveRequest is the decoded inbound CoAP request (§4.1
// handle_observe).
type ObserveRequest struct {
	Token    lwm2mcore.Token
	Action   Action
	Paths    []lwm2mcore.Path
	ServerID uint16
	Conn     ConnectionKind
	Format   uint16
}

// ObserveResult is the synchronous initial response handle_observe
// produces, served "as if it were a plain Read" even when registration
// failed (§4.1).
type ObserveResult struct {
	Details cel.ResponseDetails
	Batches []*batch.Batch
	// Registered reports whether the observation was actually installed;
	// false means registration failed after a partial read but the
	// response is still delivered per RFC 7641 §4.1.
	Registered bool
}

// HandleObserve implements §4.1 handle_observe.
func (e *Engine) HandleObserve(ctx context.Context, req ObserveRequest) (ObserveResult, error) {
	connID := ConnectionID{ServerID: req.ServerID, Kind: req.Conn}
	conn := e.connFor(connID)
	reader := e.dmrFor(req.ServerID)

	now := e.runtime.Now()
	batches := make([]*batch.Batch, 0, len(req.Paths))
	for _, p := range req.Paths {
		b := batch.NewBuilder()
		if err := dmr.ReadPath(reader, p, b, now); err != nil {
			// A read failure here still must produce a response; convert
			// to an error value with no batches (§3 "error values carry
			// no batches").
			return ObserveResult{
				Details:    cel.ResponseDetails{Code: codeInternalServerError},
				Registered: false,
			}, nil
		}
		batches = append(batches, b.Build())
	}

	details := cel.ResponseDetails{Code: codeContent, Format: req.Format}
	result := ObserveResult{Details: details, Batches: batches}

	obs := &Observation{
		Token:           req.Token,
		Action:          req.Action,
		Paths:           req.Paths,
		conn:            conn,
		lastBatchByPath: make(map[lwm2mcore.Path]*batch.Batch),
		lastObservedAt:  make(map[lwm2mcore.Path]time.Time),
	}

	// Replacing an existing observation on the same token cancels the
	// previous one cleanly first (§4.1, §8 "Re-issuing Observe with the
	// same token... must replace the observation without leaking").
	if err := e.removeObservationLocked(conn, req.Token); err != nil && err != lwm2mcore.ErrUnknownToken {
		e.log2("observe: failed removing prior observation for token %x: %s", req.Token.Bytes(), err)
	}
	// Removing the prior observation may have dropped the emptied
	// connection entry; the replacement lives on the same connection.
	e.connections[connID] = conn

	conn.observations[string(req.Token.Bytes())] = obs
	e.addToObservedPaths(conn, obs)

	installErr := e.cel.ObserveStreamingStart(ctx, req.Token, func() {
		e.handleCancelFromCEL(connID, req.Token)
	})
	if installErr != nil {
		e.removeObservationLocked(conn, req.Token)
		result.Registered = false
		return result, nil
	}
	result.Registered = true

	for i, p := range req.Paths {
		obs.lastBatchByPath[p] = batches[i]
		obs.lastObservedAt[p] = now
	}
	obs.lastSent = &Value{
		Details:     details,
		Reliability: cel.PreferNonConfirmable,
		Owner:       obs,
		Timestamp:   now,
		Batches:     batches,
	}
	// The initial value is treated as sent, even though we haven't
	// actually sent it (insert_initial_value, anjay_observe_core.c):
	// this starts the confirmable-promotion window from registration
	// rather than forcing the first triggered notification to CON.
	obs.lastConfirmable = now

	e.schedulePmaxTrigger(conn, obs)

	return result, nil
}

// HandleCancel implements §4.1 handle_cancel: a GET with Observe=1 on a
// known token.
func (e *Engine) HandleCancel(connID ConnectionID, token lwm2mcore.Token) error {
	conn, ok := e.connections[connID]
	if !ok {
		return lwm2mcore.ErrUnknownConnection
	}
	return e.removeObservationLocked(conn, token)
}

// handleCancelFromCEL is the cancel callback installed with CEL; it runs
// under the runtime lock because the scheduler's Unlocked wrapper is only
// used for user-facing callbacks, not CEL's own cancel notification.
func (e *Engine) handleCancelFromCEL(connID ConnectionID, token lwm2mcore.Token) {
	if err := e.HandleCancel(connID, token); err != nil {
		e.log2("observe: cancel callback for unknown token %x: %s", token.Bytes(), err)
	}
}

func (e *Engine) removeObservationLocked(conn *Connection, token lwm2mcore.Token) error {
	obs, ok := conn.observations[string(token.Bytes())]
	if !ok {
		return lwm2mcore.ErrUnknownToken
	}
	if conn.hasNotifyExchange && conn.unsentHead == obs.lastUnsent && obs.lastUnsent != nil {
		e.cel.ExchangeCancel(conn.notifyExchangeID)
		conn.hasNotifyExchange = false
	}
	obs.notifyTask.Cancel()
	if obs.lastUnsent != nil {
		e.unlinkUnsent(conn, obs.lastUnsent)
	}
	delete(conn.observations, string(token.Bytes()))
	e.removeFromObservedPaths(conn, obs)

	if conn.IsEmpty() {
		delete(e.connections, conn.ID)
	}
	return nil
}

func (e *Engine) addToObservedPaths(conn *Connection, obs *Observation) {
	for _, p := range obs.Paths {
		idx := sort.Search(len(conn.observedPaths), func(i int) bool {
			return conn.observedPaths[i].Path.Compare(p) >= 0
		})
		if idx < len(conn.observedPaths) && conn.observedPaths[idx].Path == p {
			conn.observedPaths[idx].refs = append(conn.observedPaths[idx].refs, obs)
			continue
		}
		entry := &PathEntry{Path: p, refs: []*Observation{obs}}
		conn.observedPaths = append(conn.observedPaths, nil)
		copy(conn.observedPaths[idx+1:], conn.observedPaths[idx:])
		conn.observedPaths[idx] = entry
	}
}

func (e *Engine) removeFromObservedPaths(conn *Connection, obs *Observation) {
	for _, p := range obs.Paths {
		idx := sort.Search(len(conn.observedPaths), func(i int) bool {
			return conn.observedPaths[i].Path.Compare(p) >= 0
		})
		if idx >= len(conn.observedPaths) || conn.observedPaths[idx].Path != p {
			continue
		}
		entry := conn.observedPaths[idx]
		for i, ref := range entry.refs {
			if ref == obs {
				entry.refs = append(entry.refs[:i], entry.refs[i+1:]...)
				break
			}
		}
		if len(entry.refs) == 0 {
			conn.observedPaths = append(conn.observedPaths[:idx], conn.observedPaths[idx+1:]...)
		}
	}
}

// NotifyChanged implements §4.1/§4.3 notify_changed: triggers
// re-evaluation of every observation whose server matches (or does not,
// if invertMatch) and whose registered path matches the changed path.
func (e *Engine) NotifyChanged(path lwm2mcore.Path, ssid uint16, invertMatch bool) {
	for connID, conn := range e.connections {
		serverMatches := connID.ServerID == ssid
		if invertMatch {
			serverMatches = !serverMatches
		}
		if !serverMatches {
			continue
		}
		matched := e.matchObservedPaths(conn, path)
		for _, obs := range matched {
			matchingPaths := intersectMatching(obs.Paths, path)
			reader := e.dmrFor(connID.ServerID)
			attrs, err := pathAttrs(reader, matchingPaths, connID.ServerID)
			if err != nil {
				e.log2("observe: notify_changed attr resolution failed: %s", err)
				continue
			}
			pmin := maxPminOverPaths(attrs, matchingPaths)
			e.scheduleTrigger(conn, obs, pmin)
		}
	}
}

// matchObservedPaths implements the wildcard matching of §4.3: returns
// every distinct observation that has at least one registered path
// matching the incoming changed path q.
func (e *Engine) matchObservedPaths(conn *Connection, q lwm2mcore.Path) []*Observation {
	seen := make(map[*Observation]bool)
	var out []*Observation
	for _, entry := range conn.observedPaths {
		if !entry.Path.Matches(q) {
			continue
		}
		for _, obs := range entry.refs {
			if !seen[obs] {
				seen[obs] = true
				out = append(out, obs)
			}
		}
	}
	return out
}

func intersectMatching(paths []lwm2mcore.Path, q lwm2mcore.Path) []lwm2mcore.Path {
	var out []lwm2mcore.Path
	for _, p := range paths {
		if p.Matches(q) {
			out = append(out, p)
		}
	}
	return out
}

// GC implements §4.1 gc(): removes connection entries whose server no
// longer exists, walking both (sorted) structures in lockstep.
func (e *Engine) GC() {
	ssids := e.servers.SortedSSIDs()
	connIDs := make([]ConnectionID, 0, len(e.connections))
	for id := range e.connections {
		connIDs = append(connIDs, id)
	}
	sort.Slice(connIDs, func(i, j int) bool {
		if connIDs[i].ServerID != connIDs[j].ServerID {
			return connIDs[i].ServerID < connIDs[j].ServerID
		}
		return connIDs[i].Kind < connIDs[j].Kind
	})

	si := 0
	for _, id := range connIDs {
		for si < len(ssids) && ssids[si] < id.ServerID {
			si++
		}
		exists := si < len(ssids) && ssids[si] == id.ServerID
		if !exists {
			e.cleanupConnection(e.connections[id])
			delete(e.connections, id)
		}
	}
}

func (e *Engine) cleanupConnection(conn *Connection) {
	if conn == nil {
		return
	}
	for _, token := range sortedTokenKeys(conn.observations) {
		obs := conn.observations[token]
		obs.notifyTask.Cancel()
	}
	conn.flushTask.Cancel()
}

const (
	codeContent             = 0x45 // 2.05
	codeInternalServerError = 0xa0 // 5.00
)

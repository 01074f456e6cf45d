// Package download implements the Downloader (spec.md §4.6): block-wise
// CoAP resource downloads with retry, ETag validation, resumption at
// arbitrary offsets, block-size renegotiation, and session resumption on
// reconnect. A Transfer owns one dedicated socket and CoAP context for
// its lifetime.
package download

import (
	"context"
	"fmt"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/cel"
)

// Logger is the nil-safe debug logging hook, matching the shape used
// throughout this runtime (cel.Logger, observe.Logger).
type Logger interface {
	Printf(format string, v ...interface{})
}

// Status is the terminal (or in-progress) state of a Transfer (§7
// "Taxonomy exposed to user").
type Status int

const (
	StatusInProgress Status = iota
	StatusSuccess
	StatusAborted
	StatusExpired
	StatusInvalidResponse
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusAborted:
		return "aborted"
	case StatusExpired:
		return "expired"
	case StatusInvalidResponse:
		return "invalid_response"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is passed exactly once to OnDownloadFinished (§6).
type Result struct {
	Status Status
	// Code is set only for StatusInvalidResponse: the offending CoAP
	// response code.
	Code uint8
	// Err is set only for StatusFailed.
	Err error
}

// Handlers are the user-facing transfer callbacks (§6). Both are
// required; New rejects a Handlers value missing either.
type Handlers struct {
	// OnNextBlock delivers one chunk starting at the transfer's current
	// offset. Returning an error aborts the transfer with
	// StatusFailed(that error).
	OnNextBlock func(data []byte, size int, etag []byte) error
	// OnDownloadFinished is called exactly once with the terminal
	// result.
	OnDownloadFinished func(Result)
}

const codeContent uint8 = 0x45 // 2.05, the only acceptable response code for a download chunk (§4.6)

// Transfer is one block-wise download (§4.6). Construct with New, then
// call Start.
type Transfer struct {
	runtime  *lwm2mcore.Runtime
	endpoint cel.Endpoint
	url      *cel.CoAPURL
	handlers Handlers
	log      Logger

	bytesDownloaded int
	blockSZX        cel.BlockSZX
	etag            []byte
	hasETag         bool

	exchangeID  uint64
	hasExchange bool

	aborting     bool
	reconnecting bool
	finished     bool

	startTask *lwm2mcore.TaskHandle
}

// Config bundles the construction-time tunables named in §4.6.
type Config struct {
	// StartOffset resumes a previously-interrupted transfer at this byte
	// offset (§4.6 "Resumption at arbitrary offset").
	StartOffset int
	// BufferCapacity bounds the largest BLOCK2 size requested: "the
	// initial BLOCK2 size is the largest power of two <=
	// (buffer_capacity - header_overhead)" (§4.6). Zero means use the
	// adapter's default block size.
	BufferCapacity int
	// HeaderOverhead is subtracted from BufferCapacity before choosing
	// the initial block size.
	HeaderOverhead int
}

// New validates rawURL and handlers and constructs a Transfer bound to
// endpoint. It does not start the transfer; call Start for that.
func New(runtime *lwm2mcore.Runtime, endpoint cel.Endpoint, rawURL string, cfg Config, handlers Handlers, log Logger) (*Transfer, error) {
	if handlers.OnNextBlock == nil || handlers.OnDownloadFinished == nil {
		return nil, fmt.Errorf("download: both OnNextBlock and OnDownloadFinished are required")
	}
	u, err := cel.ParseCoAPURL(rawURL)
	if err != nil {
		return nil, err
	}

	szx := cel.SZX1024
	if cfg.BufferCapacity > 0 {
		usable := cfg.BufferCapacity - cfg.HeaderOverhead
		if usable <= 0 {
			return nil, fmt.Errorf("download: buffer capacity %d too small for header overhead %d", cfg.BufferCapacity, cfg.HeaderOverhead)
		}
		szx = cel.SZXForSize(usable)
	}

	return &Transfer{
		runtime:         runtime,
		endpoint:        endpoint,
		url:             u,
		handlers:        handlers,
		log:             log,
		bytesDownloaded: cfg.StartOffset,
		blockSZX:        szx,
	}, nil
}

func (t *Transfer) logf(format string, v ...interface{}) {
	if t.log == nil {
		return
	}
	t.log.Printf(format, v...)
}

// BytesDownloaded reports the user-visible offset (§4.6, §8 invariant
// 6).
func (t *Transfer) BytesDownloaded() int { return t.bytesDownloaded }

// Start schedules the transfer's first request asynchronously (§4.6
// "Construction... Schedule a start job asynchronously").
func (t *Transfer) Start() {
	t.startTask = t.runtime.Schedule(0, t.startJob)
}

// startJob builds a CoAP GET for the URL's path/query, tells CEL where
// the next response payload should start, and issues the request (§4.6
// "Start job").
func (t *Transfer) startJob() {
	if t.aborting || t.finished {
		return
	}
	if err := t.endpoint.ClientSetNextResponsePayloadOffset(t.exchangeID, t.bytesDownloaded); err != nil {
		t.abort(StatusFailed, 0, fmt.Errorf("download: set next response offset: %w", err))
		return
	}
	t.endpoint.ClientSetNextRequestBlockSize(t.exchangeID, t.blockSZX)

	id, err := t.endpoint.ClientSendAsyncRequest(context.Background(), t.url.Path, t.url.Query, t.currentETag(), t.handleResponse)
	if err != nil {
		t.abort(StatusFailed, 0, fmt.Errorf("download: send request: %w", err))
		return
	}
	t.exchangeID = id
	t.hasExchange = true
}

func (t *Transfer) currentETag() []byte {
	if !t.hasETag {
		return nil
	}
	return t.etag
}

// handleResponse is the CEL response callback, handling both partial and
// final responses (§4.6 "Response handling").
func (t *Transfer) handleResponse(result cel.ClientRequestResult) {
	t.hasExchange = false

	if t.aborting {
		// Cancelling an exchange can synchronously re-enter this
		// callback; once aborting, every further callback is a no-op
		// (§4.6 "Abort", §9 "deferred destruction").
		return
	}

	if result.RequestCanceled {
		if t.reconnecting {
			// Swallowed: the cancellation is a side effect of suspend,
			// not a real failure (§4.6 "Failure and cancellation").
			return
		}
		t.finish(StatusAborted, 0, nil)
		return
	}

	if result.RequestFailed {
		if result.Err != nil && result.Err.CoAPCode == cel.CoAPEtagMismatch {
			t.finish(StatusExpired, 0, nil)
			return
		}
		t.finish(StatusFailed, 0, result.Err)
		return
	}

	if result.ResponseCode != codeContent {
		t.finish(StatusInvalidResponse, result.ResponseCode, nil)
		return
	}

	if result.HasETag {
		if !t.hasETag {
			t.etag = append([]byte(nil), result.ETag...)
			t.hasETag = true
		} else if string(result.ETag) != string(t.etag) {
			t.finish(StatusExpired, 0, nil)
			return
		}
	}

	chunk := cel.ElideLeading(result.Payload, t.bytesDownloaded, t.blockSZX)
	if result.PayloadOffset != 0 && result.PayloadOffset != t.bytesDownloaded {
		t.finish(StatusFailed, 0, fmt.Errorf("download: payload offset drift: want %d, got %d", t.bytesDownloaded, result.PayloadOffset))
		return
	}

	if err := t.handlers.OnNextBlock(chunk, len(chunk), t.currentETag()); err != nil {
		t.finish(StatusFailed, 0, fmt.Errorf("download: handler rejected block: %w", err))
		return
	}
	t.bytesDownloaded += len(chunk)

	if result.LastBlock {
		t.finish(StatusSuccess, 0, nil)
		return
	}

	// A server may return smaller blocks than requested; accept and
	// remember the smaller size for subsequent requests (§4.6
	// "Block-size renegotiation").
	if szx, ok := szxForResponse(result); ok && szx < t.blockSZX {
		t.blockSZX = szx
	}

	t.startJob()
}

// szxForResponse infers the SZX the server actually used from the
// payload size it returned, for the renegotiation check above.
func szxForResponse(result cel.ClientRequestResult) (cel.BlockSZX, bool) {
	if result.PayloadSize <= 0 {
		return 0, false
	}
	return cel.SZXForSize(result.PayloadSize), true
}

// finish calls OnDownloadFinished exactly once and marks the transfer
// done, releasing the runtime lock around the user callback per the
// re-entrancy rule (§5).
func (t *Transfer) finish(status Status, code uint8, err error) {
	if t.finished {
		return
	}
	t.finished = true
	res := Result{Status: status, Code: code, Err: err}
	t.runtime.Unlocked(func() {
		t.handlers.OnDownloadFinished(res)
	})
}

// abort implements §4.6 "Abort": guarded against re-entrance, cancels
// any in-flight exchange, then finishes with the given status.
func (t *Transfer) abort(status Status, code uint8, err error) {
	if t.aborting {
		return
	}
	t.aborting = true
	if t.hasExchange {
		t.endpoint.ExchangeCancel(t.exchangeID)
		t.hasExchange = false
	}
	t.scheduleCleanup()
	t.finish(status, code, err)
}

// scheduleCleanup defers context/socket disposal to the next scheduler
// tick (§9 "Deferred destruction to break re-entrancy"): canceling an
// exchange can call back into handleResponse synchronously, so closing
// the endpoint must not happen on the same call stack.
func (t *Transfer) scheduleCleanup() {
	task := t.runtime.Schedule(0, func() {
		if err := t.endpoint.Close(); err != nil {
			t.logf("download: cleanup close failed: %s", err)
		}
	})
	if task == nil {
		// Scheduling failed (shouldn't happen with this Runtime, but
		// honor the documented fallback): clean up synchronously,
		// knowing nothing later in this call stack may touch the
		// exchange (§4.6 "Abort").
		if err := t.endpoint.Close(); err != nil {
			t.logf("download: synchronous cleanup close failed: %s", err)
		}
	}
}

// Abort cancels the transfer from outside, delivering StatusAborted.
func (t *Transfer) Abort() {
	t.abort(StatusAborted, 0, nil)
}

// Suspend tears down the exchange and shuts the socket down for reads
// and writes without closing it, preserving the remote host/port for
// resumption (§4.6 "Suspend").
func (t *Transfer) Suspend() error {
	if t.hasExchange {
		t.endpoint.ExchangeCancel(t.exchangeID)
		t.hasExchange = false
	}
	t.reconnecting = true
	return t.endpoint.Shutdown()
}

// Reconnect re-dials the same remote host/port after Suspend, then
// restarts the request if none is pending (§4.6 "Reconnect"). The
// decision of whether the (D)TLS session resumed or a fresh handshake
// was needed is made inside endpoint.Reconnect itself (cel.Endpoint.
// SessionResumed reports the outcome afterward) - a Go Endpoint bundles
// socket and context into one value, so there is nothing left to tear
// down and recreate separately at this layer the way a split
// socket/context pair would require.
func (t *Transfer) Reconnect(ctx context.Context) error {
	if err := t.endpoint.Reconnect(ctx); err != nil {
		return fmt.Errorf("download: reconnect: %w", err)
	}
	t.reconnecting = false
	if !t.hasExchange && !t.finished && !t.aborting {
		t.startJob()
	}
	return nil
}

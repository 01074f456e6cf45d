package cel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	lwm2mcore "github.com/avsystem/lwm2m-core"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Logger is the optional debug logging hook, kept nil-safe at every call
// site exactly like the teacher's Logger interface (coap_http.go).
type Logger interface {
	Printf(format string, v ...interface{})
}

// sequentialReader adapts a PayloadWriter's offset-pull protocol to an
// io.Reader for handing to the underlying CoAP library's response body.
// It enforces the same "no re-serialization" discipline documented in
// §4.5/§9: each Read call advances the writer's cursor by exactly the
// number of bytes returned.
type sequentialReader struct {
	w      PayloadWriter
	offset int
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	chunk, done, err := r.w.WriteAt(r.offset)
	if err != nil {
		return 0, err
	}
	if len(chunk) == 0 {
		if done {
			return 0, errEOF
		}
		return 0, nil
	}
	n := copy(p, chunk)
	r.offset += n
	if n < len(chunk) {
		// PayloadWriter produced more than the caller's buffer can hold
		// in one call; this reader only supports callers that size their
		// buffer to at least one serialized entry, which is true of the
		// drain-to-buffer use in ServerAdapter.NotifyAsync below.
		return n, fmt.Errorf("cel: caller buffer too small for one payload chunk")
	}
	return n, nil
}

var errEOF = fmt.Errorf("EOF")

// wireClient is the slice of coapmux.Client this adapter actually uses:
// a response context and the ability to write a message back on the
// wire. Depending on this narrower interface rather than the full
// coapmux.Client is what lets NotifyAsync be driven by a test double
// instead of a real mux connection; any coapmux.Client satisfies it.
type wireClient interface {
	Context() context.Context
	WriteMessage(req *message.Message) error
}

// ServerAdapter implements ObserveExchange on top of a go-coap/v2 mux
// client connection, grounded directly on the teacher's
// coap_observe.go/coap_http.go request/response handling. The mux-level
// request routing that discovers which connection a token belongs to is
// outside the core's scope (§1: "Server-side processing of CoAP
// requests" is a non-goal); callers bind the connection with
// BindConnection before the Observe Engine's handle_observe runs.
type ServerAdapter struct {
	mu        sync.Mutex
	cancelFns map[string]func()
	conns     map[string]wireClient
	seqNums   map[string]uint32
	nextID    uint64
	exchanges map[uint64]bool

	Log Logger
}

// NewServerAdapter wraps a connection for observation registration and
// notification delivery.
func NewServerAdapter() *ServerAdapter {
	return &ServerAdapter{
		cancelFns: make(map[string]func()),
		conns:     make(map[string]wireClient),
		seqNums:   make(map[string]uint32),
		exchanges: make(map[uint64]bool),
	}
}

func (a *ServerAdapter) log(format string, v ...interface{}) {
	if a.Log == nil {
		return
	}
	a.Log.Printf(format, v...)
}

// BindConnection records which mux connection a token's notifications
// should be written to. Call this from the request handler before
// handle_observe runs (mirrors the teacher's registrationID-to-session
// bookkeeping in coap_observe.go).
func (a *ServerAdapter) BindConnection(token lwm2mcore.Token, cc coapmux.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[token.String()] = cc
}

func (a *ServerAdapter) ObserveStreamingStart(_ context.Context, observeID lwm2mcore.Token, cancelFn func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.conns[observeID.String()]; !ok {
		return fmt.Errorf("cel: no connection bound for observe token %x", observeID.Bytes())
	}
	a.cancelFns[observeID.String()] = cancelFn
	return nil
}

// HandleCancelRequest is invoked by the mux handler wiring whenever a GET
// with Observe=1 arrives for token. It is the CEL-side half of §4.1
// handle_cancel: the core calls handle_cancel itself, but CEL is
// responsible for recognizing the wire request and routing it there,
// then telling any still-registered cancel callback that the observation
// is gone.
func (a *ServerAdapter) HandleCancelRequest(token lwm2mcore.Token) {
	a.mu.Lock()
	fn := a.cancelFns[token.String()]
	delete(a.cancelFns, token.String())
	delete(a.conns, token.String())
	delete(a.seqNums, token.String())
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// NotifyAsync sends one notification over the connection bound to token
// via BindConnection, with a per-token Observe option sequence number
// that increments on every call. The payload writer is drained into an
// in-memory buffer up front (the underlying UDP/DTLS blockwise machinery
// - CEL's job, out of scope per §1 - performs the actual wire-level
// BLOCK2 slicing); what this runtime guarantees is the cursor discipline
// in the caller (observe/flush.go) that produces that buffer one entry
// at a time without ever re-serializing a prior one.
func (a *ServerAdapter) NotifyAsync(ctx context.Context, token lwm2mcore.Token,
	details ResponseDetails, hint ReliabilityHint, payload PayloadWriter,
	deliveryCB func(DeliveryResult)) (uint64, error) {

	a.mu.Lock()
	cc, ok := a.conns[token.String()]
	if !ok {
		a.mu.Unlock()
		return 0, fmt.Errorf("cel: no connection bound for observe token %x", token.Bytes())
	}
	a.nextID++
	id := a.nextID
	a.exchanges[id] = true
	a.seqNums[token.String()]++
	seqNum := a.seqNums[token.String()]
	a.mu.Unlock()

	go func() {
		var body *bytes.Reader
		if payload != nil {
			var buf bytes.Buffer
			r := &sequentialReader{w: payload}
			tmp := make([]byte, 4096)
			for {
				n, err := r.Read(tmp)
				if n > 0 {
					buf.Write(tmp[:n])
				}
				if err != nil {
					break
				}
			}
			body = bytes.NewReader(buf.Bytes())
		}

		m := message.Message{
			Code:    codes.Code(details.Code),
			Token:   token.Bytes(),
			Context: cc.Context(),
		}
		if body != nil {
			m.Body = body
		}
		var opts message.Options
		var optBuf []byte
		var err error
		opts, _, err = opts.SetContentFormat(optBuf, message.MediaType(details.Format))
		if err != nil {
			a.log("cel: failed to set content format: %s", err)
		}
		opts, _, err = opts.SetObserve(optBuf, seqNum)
		if err != nil {
			a.log("cel: failed to set observe option: %s", err)
		}
		m.Options = opts

		writeErr := cc.WriteMessage(&m)

		a.mu.Lock()
		delete(a.exchanges, id)
		a.mu.Unlock()

		if writeErr != nil {
			deliveryCB(DeliveryResult{Success: false, Err: classifyWriteError(writeErr)})
			return
		}
		deliveryCB(DeliveryResult{Success: true})
	}()

	return id, nil
}

func (a *ServerAdapter) ExchangeCancel(exchangeID uint64) {
	a.mu.Lock()
	delete(a.exchanges, exchangeID)
	a.mu.Unlock()
}

// classifyWriteError maps a go-coap write failure onto the ExchangeError
// taxonomy (§6/§7). Socket-level errors that are not in the
// {EINVAL,EMSGSIZE,ENOMEM} allow-list are treated as fatal
// (RecoveryRecreateContext), matching "On 'recreate context' and on
// generic socket errors: notify the connection that communication
// failed" in §4.5.
func classifyWriteError(err error) *ExchangeError {
	if err == nil {
		return nil
	}
	hint := RecoveryRecreateContext
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EMSGSIZE) || errors.Is(err, syscall.ENOMEM) {
		hint = RecoveryNone
	}
	return &ExchangeError{
		Category: CategoryErrno,
		Hint:     hint,
		Err:      err,
	}
}

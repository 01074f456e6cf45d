package cel

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v2/dtls"
	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/client"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
)

// ClientAdapter implements Endpoint/ClientExchange for the Downloader
// (§4.6), dialing either plain UDP (coap://) or DTLS (coaps://) the same
// way cmd/coap/main.go's mainDTLS does it, generalized from a one-shot CLI
// request into a long-lived, block-resumable connection.
type ClientAdapter struct {
	mu   sync.Mutex
	conn *client.ClientConn
	addr string
	dtlsCfg *piondtls.Config // nil for plain coap://

	nextID        uint64
	pendingOffset int
	pendingSZX    BlockSZX
	resumed       bool

	Log Logger
}

// DialEndpoint connects to addr (host:port) using UDP or DTLS depending
// on whether dtlsCfg is non-nil.
func DialEndpoint(ctx context.Context, addr string, dtlsCfg *piondtls.Config) (*ClientAdapter, error) {
	a := &ClientAdapter{addr: addr, dtlsCfg: dtlsCfg, pendingSZX: defaultBlockSZX}
	if err := a.dial(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *ClientAdapter) dial(ctx context.Context) error {
	if a.dtlsCfg != nil {
		cc, err := dtls.Dial(a.addr, a.dtlsCfg)
		if err != nil {
			return fmt.Errorf("cel: dtls dial %s: %w", a.addr, err)
		}
		a.conn = cc
		a.resumed = false // pion/dtls does not expose resumption state through this thin wrapper
		return nil
	}
	cc, err := udp.Dial(a.addr)
	if err != nil {
		return fmt.Errorf("cel: udp dial %s: %w", a.addr, err)
	}
	a.conn = cc
	return nil
}

func (a *ClientAdapter) log(format string, v ...interface{}) {
	if a.Log == nil {
		return
	}
	a.Log.Printf(format, v...)
}

func (a *ClientAdapter) RemoteHostPort() (string, int) {
	host, portStr, _ := splitHostPort(a.addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("cel: no port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// SessionResumed reports whether the last (re)dial resumed a (D)TLS
// session. A bare pion/dtls.Dial establishes a fresh session every time
// in this adapter, so reconnects always tear down and recreate the CoAP
// context (§4.6 "Reconnect"); a production adapter wiring a session
// cache would flip this based on the handshake outcome.
func (a *ClientAdapter) SessionResumed() bool {
	return a.resumed
}

func (a *ClientAdapter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func (a *ClientAdapter) Close() error {
	return a.Shutdown()
}

func (a *ClientAdapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dial(ctx)
}

// ClientSetNextResponsePayloadOffset records the byte offset the next
// call to ClientSendAsyncRequest on this endpoint should request (§4.6
// "Start job": "so avs_coap requests the correct BLOCK2 seq_num for
// us"). exchangeID is accepted to match the CEL contract's signature but
// this adapter only ever has one request in flight per transfer, so it
// is not otherwise consulted.
func (a *ClientAdapter) ClientSetNextResponsePayloadOffset(exchangeID uint64, offset int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingOffset = offset
	return nil
}

// ClientSetNextRequestBlockSize overrides the BLOCK2 size used by the
// next ClientSendAsyncRequest call (§4.6 "Block-size renegotiation").
// Like ClientSetNextResponsePayloadOffset, exchangeID is accepted for
// contract parity but unused: this adapter only ever has one request in
// flight per transfer.
func (a *ClientAdapter) ClientSetNextRequestBlockSize(exchangeID uint64, szx BlockSZX) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingSZX = szx
}

// ClientSendAsyncRequest issues a block-wise GET for the given path/query
// segments, using any offset recorded via
// ClientSetNextResponsePayloadOffset to pick the BLOCK2 seq_num/size
// (§4.6 "Start job", "Resumption at arbitrary offset").
func (a *ClientAdapter) ClientSendAsyncRequest(ctx context.Context, urlPath, urlQuery []string,
	etag []byte, responseCB func(ClientRequestResult)) (uint64, error) {

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	offset := a.pendingOffset
	a.pendingOffset = 0
	szx := a.pendingSZX
	conn := a.conn
	a.mu.Unlock()

	msg := pool.AcquireMessage(ctx)
	msg.SetCode(codes.GET)
	msg.SetType(udpmessage.Confirmable)
	msg.SetToken(autoToken(id))
	if len(urlPath) > 0 {
		msg.SetPath(strings.Join(urlPath, "/"))
	}
	for _, q := range urlQuery {
		msg.AddQuery(q)
	}
	if len(etag) > 0 {
		msg.SetOptionBytes(message.ETag, etag)
	}
	blockSZX, seqNum := blockForOffset(offset, szx)
	if offset > 0 {
		// SetOptionUint32 is used here rather than a dedicated SetBlock2
		// helper to keep this adapter close to the generic Options API
		// the teacher exercises elsewhere (coap_http.go uses
		// SetContentFormat/SetObserve the same way): block2 option value
		// packs (seq_num << 4) | (more << 3) | szx.
		msg.SetOptionUint32(message.Block2, (uint32(seqNum)<<4)|uint32(blockSZX))
	}

	go func() {
		resp, err := conn.Do(msg)
		pool.ReleaseMessage(msg)
		if err != nil {
			responseCB(ClientRequestResult{RequestFailed: true, Err: classifyClientError(err)})
			return
		}
		defer pool.ReleaseMessage(resp)
		responseCB(clientResultFromResponse(resp))
	}()

	return id, nil
}

func (a *ClientAdapter) ExchangeCancel(exchangeID uint64) {
	// go-coap/v2's ClientConn.Do is synchronous per request; cancellation
	// is best-effort here and primarily relied upon via context
	// cancellation passed by the caller at send time.
}

func autoToken(id uint64) []byte {
	buf := make([]byte, 8)
	n := 0
	for id > 0 && n < 8 {
		buf[n] = byte(id)
		id >>= 8
		n++
	}
	return buf[:n]
}

func clientResultFromResponse(resp *pool.Message) ClientRequestResult {
	var body []byte
	if r := resp.Body(); r != nil {
		body, _ = ioutil.ReadAll(r)
	}
	etag, etagErr := resp.Options().GetBytes(message.ETag)
	more := false
	if v, err := resp.Options().GetUint32(message.Block2); err == nil {
		more = (v & 0x8) != 0
	}
	return ClientRequestResult{
		ResponseCode:   uint8(resp.Code()),
		Payload:        body,
		PayloadSize:    len(body),
		ETag:           etag,
		HasETag:        etagErr == nil,
		LastBlock:      !more,
		PartialContent: more,
	}
}

func classifyClientError(err error) *ExchangeError {
	return &ExchangeError{Category: CategoryErrno, Hint: RecoveryNone, Err: err}
}

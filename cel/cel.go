// Package cel defines the contract the core consumes from the CoAP
// Exchange Layer (spec.md §2 item 3, §6) - an external, asynchronous
// request/response and notify machinery with token-based observation
// identity - and provides a go-coap/v2-backed adapter implementing it.
// The core (package observe, package download) depends only on the
// interfaces in this file; ErrorClass is the taxonomy both components
// dispatch on to decide fatal vs recoverable (§7).
package cel

import (
	"context"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
)

// ErrorCategory distinguishes CoAP-level protocol errors from transport
// (errno-like) failures, per §6 "Error taxonomy emitted by CEL".
type ErrorCategory int

const (
	CategoryCoAP ErrorCategory = iota
	CategoryErrno
)

// CoAPErrorCode enumerates the specific CoAP-layer failures the core
// must distinguish.
type CoAPErrorCode int

const (
	CoAPNone CoAPErrorCode = iota
	CoAPTimeout
	CoAPMessageTooBig
	CoAPEtagMismatch
	CoAPUDPResetReceived
	CoAPExchangeCanceled
)

// RecoveryHint tells the caller whether recovering from an error requires
// tearing down and recreating the whole CoAP context (§4.5, §7).
type RecoveryHint int

const (
	RecoveryNone RecoveryHint = iota
	RecoveryRecreateContext
)

// ExchangeError is the error value returned from CEL operations and
// delivered to completion callbacks.
type ExchangeError struct {
	Category ErrorCategory
	CoAPCode CoAPErrorCode
	Hint     RecoveryHint
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "cel: exchange error"
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Fatal reports whether this error is fatal to the connection per the
// send-path classification in §7: fatal is RecoveryRecreateContext, or
// any Errno-category error other than {EINVAL, EMSGSIZE, ENOMEM} (which
// callers signal using CoAPMessageTooBig/CoAPNone plus Hint=RecoveryNone
// - see download/transfer.go and observe/flush.go for the exact mapping
// used at each call site).
func (e *ExchangeError) Fatal() bool {
	return e.Hint == RecoveryRecreateContext
}

// Recoverable is the explicit allow-list from §4.5/§7: these end the
// exchange but leave the observation registered.
func (e *ExchangeError) Recoverable() bool {
	if e.Fatal() {
		return false
	}
	switch e.CoAPCode {
	case CoAPUDPResetReceived, CoAPExchangeCanceled:
		return true
	}
	return e.Category == CategoryErrno || e.Category == CategoryCoAP
}

// ResponseDetails carries the CoAP response code and format for a
// notification or download response.
type ResponseDetails struct {
	Code   uint8 // CoAP response code, e.g. 2.05 Content encoded as (2<<5)|5
	Format uint16
}

// CodeClass returns the response code's class (2, 4, 5, ...), used by
// IsError below and by the observe engine's error-value detection (§3
// "Observation Value... error values carry no batches").
func (d ResponseDetails) CodeClass() uint8 {
	return d.Code >> 5
}

func (d ResponseDetails) IsError() bool {
	return d.CodeClass() >= 4
}

// ReliabilityHint mirrors the con/global-default resolution in §3/§4.4.
type ReliabilityHint int

const (
	PreferNonConfirmable ReliabilityHint = iota
	PreferConfirmable
)

// PayloadWriter is the CoAP layer's request-pull streaming callback
// (§4.5, §9): CEL calls WriteAt repeatedly, asking for bytes starting at
// a given offset, until it returns 0 bytes with done=true.
type PayloadWriter interface {
	WriteAt(offset int) (chunk []byte, done bool, err error)
}

// DeliveryResult is passed to the delivery completion callback
// registered with NotifyAsync.
type DeliveryResult struct {
	Success bool
	Err     *ExchangeError
}

// ObserveExchange is the subset of CEL needed to register and cancel a
// server-side observation (§6 "observe_streaming_start").
type ObserveExchange interface {
	// ObserveStreamingStart installs cancelFn to be invoked by CEL when
	// the peer cancels the observation identified by observeID (GET with
	// Observe=1 on the matching token) - mirrors the teacher's
	// registrationID-keyed cancellation in coap_observe.go, generalized
	// from HTTP long-poll teardown to a CoAP-native cancel callback.
	ObserveStreamingStart(ctx context.Context, observeID lwm2mcore.Token, cancelFn func()) error

	// NotifyAsync starts an asynchronous notify exchange carrying a
	// single observation value. payload is nil for error responses
	// (§4.5: "if the value is an error... no payload writer is
	// installed"). deliveryCB is invoked exactly once with the result.
	NotifyAsync(ctx context.Context, token lwm2mcore.Token, details ResponseDetails,
		hint ReliabilityHint, payload PayloadWriter, deliveryCB func(DeliveryResult)) (exchangeID uint64, err error)

	// ExchangeCancel cancels an in-flight exchange (used when an
	// observation is cancelled with one still in flight, §4.1).
	ExchangeCancel(exchangeID uint64)
}

// ClientRequestResult is reported to a download transfer's response
// handler (§4.6).
type ClientRequestResult struct {
	// One of: success with a response, or one of the named failure
	// conditions below.
	ResponseCode   uint8
	PayloadOffset  int
	Payload        []byte
	PayloadSize    int
	ETag           []byte
	HasETag        bool
	LastBlock      bool // true when this response carries no further BLOCK2 continuation
	PartialContent bool // distinguishes 2.31/206-equivalent partial responses from a final OK

	RequestFailed   bool
	RequestCanceled bool
	Err             *ExchangeError
}

// ClientExchange is the subset of CEL needed by the Downloader (§6:
// "client_send_async_request(...), client_set_next_response_payload_offset(...),
// exchange_cancel(...)").
type ClientExchange interface {
	// ClientSendAsyncRequest issues a block-wise GET for urlPath/query
	// and invokes responseCB for each partial or final response.
	ClientSendAsyncRequest(ctx context.Context, urlPath []string, urlQuery []string,
		etag []byte, responseCB func(ClientRequestResult)) (exchangeID uint64, err error)

	// ClientSetNextResponsePayloadOffset tells CEL the byte offset the
	// next response's payload should start at, so it can compute the
	// correct BLOCK2 seq_num/size for resumption (§4.6 "Start job").
	ClientSetNextResponsePayloadOffset(exchangeID uint64, offset int) error

	// ClientSetNextRequestBlockSize overrides the BLOCK2 size used for
	// the next ClientSendAsyncRequest on this endpoint, letting a
	// Transfer remember a server-driven smaller size after
	// renegotiation (§4.6 "Block-size renegotiation").
	ClientSetNextRequestBlockSize(exchangeID uint64, szx BlockSZX)

	ExchangeCancel(exchangeID uint64)
}

// Endpoint abstracts the socket a Transfer owns: UDP, TCP, DTLS, or TLS
// depending on URL scheme and security config (§4.6).
type Endpoint interface {
	ClientExchange
	RemoteHostPort() (host string, port int)
	// SessionResumed reports whether the most recent (D)TLS handshake on
	// this endpoint resumed a prior session (§4.6 "Reconnect").
	SessionResumed() bool
	Shutdown() error
	Close() error
	// Reconnect dials the same remote host/port again after Shutdown.
	Reconnect(ctx context.Context) error
}

// DialTimeout is the default timeout used by the adapter's Dial helpers.
const DialTimeout = 30 * time.Second

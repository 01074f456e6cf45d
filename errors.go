package lwm2mcore

import "errors"

// Sentinel errors. The observe registry returns ErrUnknownToken and
// ErrUnknownConnection; ErrExchangeInFlight, ErrBadPmin and ErrQueueFull
// are declared but not returned by any code in this module. Mirrors the
// teacher's pattern of exported sentinels alongside wrapped fmt.Errorf
// context (coap_http.go, coap.go).
var (
	ErrUnknownToken      = errors.New("lwm2mcore: no observation for token")
	ErrUnknownConnection = errors.New("lwm2mcore: no connection entry for server")
	ErrExchangeInFlight  = errors.New("lwm2mcore: notify exchange already in flight")
	ErrBadPmin           = errors.New("lwm2mcore: pmin must not be negative")
	ErrQueueFull         = errors.New("lwm2mcore: stored_notification_limit exceeded and eviction disabled")
)

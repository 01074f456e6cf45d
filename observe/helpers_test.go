package observe

import (
	"context"
	"sync"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/cel"
)

// fakeClock is a controllable Clock for deterministic scheduling tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeExchange is a recording ObserveExchange stand-in: no real wire I/O,
// just enough bookkeeping to let the engine's registration/cancel/notify
// machinery run end to end.
type fakeExchange struct {
	mu        sync.Mutex
	cancelFns map[string]func()
	notifies  []fakeNotify

	// failNext, if set, is delivered as the result of the next NotifyAsync
	// call instead of success.
	failNext *cel.DeliveryResult
}

type fakeNotify struct {
	token   lwm2mcore.Token
	details cel.ResponseDetails
	hint    cel.ReliabilityHint
	bytes   int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{cancelFns: make(map[string]func())}
}

func (f *fakeExchange) ObserveStreamingStart(_ context.Context, observeID lwm2mcore.Token, cancelFn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelFns[observeID.String()] = cancelFn
	return nil
}

func (f *fakeExchange) NotifyAsync(_ context.Context, token lwm2mcore.Token, details cel.ResponseDetails,
	hint cel.ReliabilityHint, payload cel.PayloadWriter, deliveryCB func(cel.DeliveryResult)) (uint64, error) {

	total := 0
	if payload != nil {
		offset := 0
		for {
			chunk, done, err := payload.WriteAt(offset)
			if err != nil {
				deliveryCB(cel.DeliveryResult{Success: false, Err: &cel.ExchangeError{Err: err}})
				return 1, nil
			}
			total += len(chunk)
			offset += len(chunk)
			if done {
				break
			}
		}
	}

	f.mu.Lock()
	f.notifies = append(f.notifies, fakeNotify{token: token, details: details, hint: hint, bytes: total})
	result := cel.DeliveryResult{Success: true}
	if f.failNext != nil {
		result = *f.failNext
		f.failNext = nil
	}
	f.mu.Unlock()

	deliveryCB(result)
	return 1, nil
}

func (f *fakeExchange) ExchangeCancel(exchangeID uint64) {}

func (f *fakeExchange) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifies)
}

// fakeServers is a single-server ServerDirectory.
type fakeServers struct {
	ssid uint16
	info ServerInfo
}

func (s fakeServers) Exists(ssid uint16) bool { return ssid == s.ssid }
func (s fakeServers) Info(ssid uint16) ServerInfo {
	info := s.info
	info.SSID = s.ssid
	return info
}
func (s fakeServers) SortedSSIDs() []uint16 { return []uint16{s.ssid} }

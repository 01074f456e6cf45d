package cel

import (
	"context"
	"testing"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/plgd-dev/go-coap/v2/message"
)

// fakeWireClient is a minimal wireClient stand-in: no real socket, just
// enough to let ServerAdapter.NotifyAsync build and "write" a message.
type fakeWireClient struct {
	ctx      context.Context
	written  []*message.Message
	writeErr error
}

func (c *fakeWireClient) Context() context.Context { return c.ctx }

func (c *fakeWireClient) WriteMessage(req *message.Message) error {
	c.written = append(c.written, req)
	return c.writeErr
}

func TestObserveStreamingStartRequiresBoundConnection(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x01})
	if err := a.ObserveStreamingStart(context.Background(), token, func() {}); err == nil {
		t.Fatalf("expected an error for a token with no bound connection")
	}
}

func TestObserveStreamingStartRegistersCancelFn(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x01})
	a.BindConnection(token, &fakeWireClient{ctx: context.Background()})

	called := false
	if err := a.ObserveStreamingStart(context.Background(), token, func() { called = true }); err != nil {
		t.Fatalf("ObserveStreamingStart: %v", err)
	}

	a.HandleCancelRequest(token)
	if !called {
		t.Fatalf("HandleCancelRequest should invoke the cancel callback registered by ObserveStreamingStart")
	}
	if _, ok := a.conns[token.String()]; ok {
		t.Fatalf("HandleCancelRequest should forget the bound connection")
	}
}

func TestNotifyAsyncWritesMessageAndReportsSuccess(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x02})
	fc := &fakeWireClient{ctx: context.Background()}
	a.BindConnection(token, fc)

	done := make(chan DeliveryResult, 1)
	_, err := a.NotifyAsync(context.Background(), token, ResponseDetails{Code: 0x45, Format: 0},
		PreferNonConfirmable, nil, func(r DeliveryResult) { done <- r })
	if err != nil {
		t.Fatalf("NotifyAsync: %v", err)
	}

	result := <-done
	if !result.Success {
		t.Fatalf("expected a successful delivery, got %+v", result)
	}
	if len(fc.written) != 1 {
		t.Fatalf("expected exactly one message written, got %d", len(fc.written))
	}
	if string(fc.written[0].Token) != string(token.Bytes()) {
		t.Errorf("written message should carry the observation token")
	}
}

func TestNotifyAsyncUnknownTokenReturnsError(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x03})
	_, err := a.NotifyAsync(context.Background(), token, ResponseDetails{Code: 0x45},
		PreferNonConfirmable, nil, func(DeliveryResult) {})
	if err == nil {
		t.Fatalf("expected an error for a token with no bound connection")
	}
}

func TestNotifyAsyncWriteFailureReportsDeliveryError(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x04})
	fc := &fakeWireClient{ctx: context.Background(), writeErr: errEOF}
	a.BindConnection(token, fc)

	done := make(chan DeliveryResult, 1)
	if _, err := a.NotifyAsync(context.Background(), token, ResponseDetails{Code: 0x45},
		PreferNonConfirmable, nil, func(r DeliveryResult) { done <- r }); err != nil {
		t.Fatalf("NotifyAsync: %v", err)
	}

	result := <-done
	if result.Success || result.Err == nil {
		t.Fatalf("a write failure should report an unsuccessful delivery with an error, got %+v", result)
	}
}

func TestExchangeCancelForgetsInFlightExchange(t *testing.T) {
	a := NewServerAdapter()
	token := lwm2mcore.NewToken([]byte{0x05})
	fc := &fakeWireClient{ctx: context.Background()}
	a.BindConnection(token, fc)

	id, err := a.NotifyAsync(context.Background(), token, ResponseDetails{Code: 0x45},
		PreferNonConfirmable, nil, func(DeliveryResult) {})
	if err != nil {
		t.Fatalf("NotifyAsync: %v", err)
	}
	a.ExchangeCancel(id)
	if _, tracked := a.exchanges[id]; tracked {
		t.Fatalf("ExchangeCancel should remove the exchange from the in-flight set")
	}
}

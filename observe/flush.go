package observe

import (
	"context"
	"fmt"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
	"github.com/avsystem/lwm2m-core/cel"
)

// CoAP content-format option values for the five notify payload formats
// (§4.5 "Notify payload format... selected as the observation's original
// response format").
const (
	ContentFormatPlainText uint16 = 0
	ContentFormatOpaque    uint16 = 42
	ContentFormatTLV       uint16 = 11542
	ContentFormatSenMLJSON uint16 = 110
	ContentFormatSenMLCBOR uint16 = 112
)

func outputFormatFor(code uint16) batch.Format {
	switch code {
	case ContentFormatOpaque:
		return batch.FormatOpaque
	case ContentFormatTLV:
		return batch.FormatTLV
	case ContentFormatSenMLJSON:
		return batch.FormatSenMLJSON
	case ContentFormatSenMLCBOR:
		return batch.FormatSenMLCBOR
	default:
		return batch.FormatPlainText
	}
}

// deliveryCursor is the streaming serialization state for one in-flight
// notify payload (§4.5 "Payload writer (streaming)"): membuf_stream, an
// out_ctx bound to the value's root path, and the entry cursor
// (curr_value_idx / entry index within that batch).
type deliveryCursor struct {
	val    *Value
	outCtx batch.OutputContext

	membuf       []byte
	membufBase   int // absolute stream offset of membuf[0]
	expectedOffset int

	currBatchIdx int
	currEntryIdx int
	entriesDone  bool
	closed       bool
}

func newDeliveryCursor(val *Value, root lwm2mcore.Path, format uint16) (*deliveryCursor, error) {
	outCtx, err := batch.NewOutputContext(outputFormatFor(format), root)
	if err != nil {
		return nil, err
	}
	return &deliveryCursor{val: val, outCtx: outCtx}, nil
}

// WriteAt implements cel.PayloadWriter. It refuses (returns an error) if
// offset does not equal the cursor's expected offset — an unrecoverable
// condition per §4.5/§9.
func (c *deliveryCursor) WriteAt(offset int) ([]byte, bool, error) {
	if c.closed {
		return nil, true, nil
	}
	if offset != c.expectedOffset {
		return nil, false, fmt.Errorf("observe: payload writer offset drift: want %d, got %d", c.expectedOffset, offset)
	}

	for len(c.membuf) == 0 && !c.entriesDone {
		if err := c.pumpOneEntry(); err != nil {
			return nil, false, err
		}
	}

	if len(c.membuf) == 0 && c.entriesDone {
		tail, err := c.outCtx.Close()
		if err != nil {
			return nil, false, err
		}
		c.closed = true
		if len(tail) == 0 {
			return nil, true, nil
		}
		c.expectedOffset += len(tail)
		return tail, true, nil
	}

	chunk := c.membuf
	c.membuf = nil
	c.membufBase += len(chunk)
	c.expectedOffset += len(chunk)
	return chunk, false, nil
}

// pumpOneEntry serializes the next entry across every batch of the
// value into membuf, advancing currBatchIdx/currEntryIdx, and sets
// entriesDone once every batch is exhausted.
func (c *deliveryCursor) pumpOneEntry() error {
	for c.currBatchIdx < len(c.val.Batches) {
		b := c.val.Batches[c.currBatchIdx]
		entries := b.Entries()
		if c.currEntryIdx >= len(entries) {
			c.currBatchIdx++
			c.currEntryIdx = 0
			continue
		}
		e := entries[c.currEntryIdx]
		c.currEntryIdx++
		chunk, err := c.outCtx.WriteEntry(e)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			c.membuf = append(c.membuf, chunk...)
		}
		return nil
	}
	c.entriesDone = true
	return nil
}

// runFlush is the flush job (§4.5): it runs when unsent is non-empty, no
// exchange is in flight, and the connection is ready for outgoing
// messages. It peeks (does not dequeue) the head of unsent and starts an
// asynchronous notify exchange.
func (e *Engine) runFlush(conn *Connection) {
	if conn.hasExchangeInFlight() {
		return
	}
	if !conn.ReadyForOutgoing() {
		return
	}
	val := conn.unsentHead
	if val == nil {
		return
	}

	var writer cel.PayloadWriter
	if !val.IsError() {
		root := val.Owner.RootPath()
		cursor, err := newDeliveryCursor(val, root, val.Details.Format)
		if err != nil {
			e.log2("observe: failed building output context for token %x: %s", val.Owner.Token.Bytes(), err)
			e.unlinkUnsent(conn, val)
			return
		}
		writer = cursor
	}

	exchangeID, err := e.cel.NotifyAsync(context.Background(), val.Owner.Token, val.Details, val.Reliability, writer,
		func(result cel.DeliveryResult) {
			e.handleDeliveryResult(conn, val, result)
		})
	if err != nil {
		e.log2("observe: notify_async failed for token %x: %s", val.Owner.Token.Bytes(), err)
		return
	}
	conn.notifyExchangeID = exchangeID
	conn.hasNotifyExchange = true
}

// handleDeliveryResult implements §4.5 "Delivery completion".
func (e *Engine) handleDeliveryResult(conn *Connection, val *Value, result cel.DeliveryResult) {
	conn.hasNotifyExchange = false

	if result.Success {
		if val.Reliability == cel.PreferConfirmable {
			val.Owner.lastConfirmable = e.runtime.Now()
		}
		e.unlinkUnsent(conn, val)
		val.Owner.lastSent = val

		if conn.unsentHead != nil {
			e.runFlush(conn)
		} else {
			e.schedulePmaxTrigger(conn, val.Owner)
		}
		return
	}

	exErr := result.Err
	if exErr == nil {
		return
	}

	if exErr.Fatal() {
		conn.online = false
		return
	}

	if exErr.Recoverable() {
		if !conn.storing {
			e.dropUnsentNonError(conn)
		}
		return
	}

	conn.online = false
}

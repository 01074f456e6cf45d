package batch

import (
	"bytes"
	"encoding/hex"
	"fmt"

	lwm2mcore "github.com/avsystem/lwm2m-core"
)

// Format selects the notification payload format, matching the CoAP
// content-format families listed in spec.md §6 ("CoAP wire behavior").
type Format int

const (
	FormatPlainText Format = iota
	FormatOpaque
	FormatTLV
	FormatSenMLCBOR
	FormatSenMLJSON
)

// OutputContext is the pluggable per-format serializer bound to a root
// path (§2 DMR bullet 2, §4.5). Entries are written one at a time so the
// delivery cursor (§4.5, §9) never needs to re-serialize the whole batch
// to answer an offset-based pull from the CoAP layer.
type OutputContext interface {
	// WriteEntry serializes one entry and returns the bytes to append to
	// the streaming buffer. It may return an empty slice for entries that
	// only affect container state (e.g. KindStartAggregate in TLV).
	WriteEntry(e Entry) ([]byte, error)
	// Close returns any trailing bytes needed once every entry of every
	// batch in the observation value has been written (e.g. closing a
	// JSON/CBOR array). Called exactly once.
	Close() ([]byte, error)
}

// NewOutputContext constructs the output context for format, rooted at
// root. root is paths[0] for a READ observation or RootPath() for a
// COMPOSITE-READ observation (§4.5).
func NewOutputContext(format Format, root lwm2mcore.Path) (OutputContext, error) {
	switch format {
	case FormatPlainText:
		return &plainTextOutput{}, nil
	case FormatOpaque:
		return &opaqueOutput{}, nil
	case FormatTLV:
		return &tlvOutput{root: root}, nil
	case FormatSenMLCBOR:
		return newSenMLCBOROutput(root), nil
	case FormatSenMLJSON:
		return newSenMLJSONOutput(root), nil
	default:
		return nil, fmt.Errorf("batch: unknown output format %d", format)
	}
}

// plainTextOutput serializes a single scalar entry as CoAP text/plain.
// Valid only for single-resource READ observations; additional entries
// after the first are ignored, matching the "plain text" format's
// inherent single-value limitation.
type plainTextOutput struct {
	wrote bool
}

func (o *plainTextOutput) WriteEntry(e Entry) ([]byte, error) {
	if o.wrote {
		return nil, nil
	}
	o.wrote = true
	return []byte(scalarString(e)), nil
}

func (o *plainTextOutput) Close() ([]byte, error) { return nil, nil }

// opaqueOutput serializes a single bytes-valued resource verbatim.
type opaqueOutput struct {
	wrote bool
}

func (o *opaqueOutput) WriteEntry(e Entry) ([]byte, error) {
	if o.wrote {
		return nil, nil
	}
	o.wrote = true
	if e.Kind != KindBytes {
		return nil, fmt.Errorf("batch: opaque format requires a bytes value, got kind %d", e.Kind)
	}
	return e.Bytes, nil
}

func (o *opaqueOutput) Close() ([]byte, error) { return nil, nil }

func scalarString(e Entry) string {
	switch e.Kind {
	case KindString:
		return e.String
	case KindInt64:
		return fmt.Sprintf("%d", e.Int64)
	case KindUint64:
		return fmt.Sprintf("%d", e.Uint64)
	case KindFloat64:
		return fmt.Sprintf("%g", e.Float64)
	case KindBool:
		if e.Bool {
			return "1"
		}
		return "0"
	case KindBytes:
		return hex.EncodeToString(e.Bytes)
	case KindObjlnk:
		return fmt.Sprintf("%d:%d", e.Objlnk.ObjectID, e.Objlnk.InstanceID)
	default:
		return ""
	}
}

// tlvOutput serializes entries in a length-prefixed TLV encoding relative
// to root: each entry is framed as (relative-id varint, length varint,
// value bytes). This is a simplified TLV sufficient for round-tripping
// within this runtime; it is not claimed to be wire-compatible with any
// particular LwM2M TLV registration.
type tlvOutput struct {
	root lwm2mcore.Path
	buf  bytes.Buffer
}

func (o *tlvOutput) WriteEntry(e Entry) ([]byte, error) {
	if e.Kind == KindStartAggregate {
		return nil, nil
	}
	id := relativeID(o.root, e.Path)
	var val []byte
	switch e.Kind {
	case KindBytes:
		val = e.Bytes
	case KindString:
		val = []byte(e.String)
	case KindInt64:
		val = []byte(fmt.Sprintf("%d", e.Int64))
	case KindUint64:
		val = []byte(fmt.Sprintf("%d", e.Uint64))
	case KindFloat64:
		val = []byte(fmt.Sprintf("%g", e.Float64))
	case KindBool:
		if e.Bool {
			val = []byte{1}
		} else {
			val = []byte{0}
		}
	case KindObjlnk:
		val = []byte(fmt.Sprintf("%d:%d", e.Objlnk.ObjectID, e.Objlnk.InstanceID))
	}
	o.buf.Reset()
	writeVarint(&o.buf, uint64(id))
	writeVarint(&o.buf, uint64(len(val)))
	o.buf.Write(val)
	out := make([]byte, o.buf.Len())
	copy(out, o.buf.Bytes())
	return out, nil
}

func (o *tlvOutput) Close() ([]byte, error) { return nil, nil }

func relativeID(root, p lwm2mcore.Path) uint16 {
	depth := root.Depth()
	switch depth {
	case 0:
		return p.Object
	case 1:
		return p.Instance
	case 2:
		return p.Resource
	default:
		return p.ResourceInstance
	}
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

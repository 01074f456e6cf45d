package batch

import (
	"fmt"

	lwm2mcore "github.com/avsystem/lwm2m-core"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

// senmlJSON mirrors the keys adopted by the teacher's CBOR<->JSON key
// remapping codec (cbor_codec.go): the wire format maps short labels
// to/from integer keys. SenML (RFC 8428) does the same thing for CBOR,
// which is why that file is the direct grounding for this one - we keep
// its "canonical CBOR via cbor.CanonicalEncOptions" trick for
// deterministic test output and drop the Matrix-specific canonical-JSON
// helper, which has no SenML equivalent.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// senmlRecord is one SenML record. Only the fields this runtime emits are
// present; integer keys follow RFC 8428 table 4 for the CBOR encoding.
type senmlRecord struct {
	BaseName *string  `json:"bn,omitempty" cbor:"-2,keyasint,omitempty"`
	BaseTime *float64 `json:"bt,omitempty" cbor:"-3,keyasint,omitempty"`
	Name     string   `json:"n,omitempty" cbor:"0,keyasint,omitempty"`
	Value    *float64 `json:"v,omitempty" cbor:"2,keyasint,omitempty"`
	BoolVal  *bool    `json:"vb,omitempty" cbor:"4,keyasint,omitempty"`
	StrVal   *string  `json:"vs,omitempty" cbor:"3,keyasint,omitempty"`
	DataVal  []byte   `json:"vd,omitempty" cbor:"8,keyasint,omitempty"`
}

func entryToRecord(root, path lwm2mcore.Path, e Entry) (senmlRecord, error) {
	rec := senmlRecord{Name: relativeName(root, path)}
	switch e.Kind {
	case KindInt64:
		v := float64(e.Int64)
		rec.Value = &v
	case KindUint64:
		v := float64(e.Uint64)
		rec.Value = &v
	case KindFloat64:
		v := e.Float64
		rec.Value = &v
	case KindBool:
		b := e.Bool
		rec.BoolVal = &b
	case KindString:
		s := e.String
		rec.StrVal = &s
	case KindBytes:
		rec.DataVal = e.Bytes
	case KindObjlnk:
		s := fmt.Sprintf("%d:%d", e.Objlnk.ObjectID, e.Objlnk.InstanceID)
		rec.StrVal = &s
	case KindStartAggregate:
		return senmlRecord{}, errSkip
	default:
		return senmlRecord{}, fmt.Errorf("batch: unsupported senml value kind %d", e.Kind)
	}
	return rec, nil
}

var errSkip = fmt.Errorf("batch: entry produces no senml record")

func relativeName(root, p lwm2mcore.Path) string {
	depth := root.Depth()
	switch depth {
	case 0:
		return p.String()[1:]
	default:
		rel := p.String()
		base := root.String()
		if len(rel) > len(base) {
			return rel[len(base)+1:]
		}
		return ""
	}
}

// senmlCBOROutput serializes entries as SenML-CBOR records, one record
// returned per WriteEntry call, using the canonical encoding mode from
// cbor_codec.go's helper. No enclosing CBOR array header or trailer is
// written: Close returns no bytes, as in senmlJSONOutput below.
type senmlCBOROutput struct {
	root    lwm2mcore.Path
	started bool
	count   int
	enc     cbor.EncMode
}

func newSenMLCBOROutput(root lwm2mcore.Path) *senmlCBOROutput {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// CanonicalEncOptions is a static, known-good option set; this
		// mirrors the teacher's own "should never happen" panics for
		// static configuration (lowbandwidth.go).
		panic("batch: failed to build canonical cbor encoder: " + err.Error())
	}
	return &senmlCBOROutput{root: root, enc: enc}
}

func (o *senmlCBOROutput) WriteEntry(e Entry) ([]byte, error) {
	rec, err := entryToRecord(o.root, e.Path, e)
	if err == errSkip {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.count++
	b, err := o.enc.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("batch: senml-cbor marshal entry: %w", err)
	}
	return b, nil
}

func (o *senmlCBOROutput) Close() ([]byte, error) { return nil, nil }

// senmlJSONOutput serializes entries as SenML-JSON objects. Like the CBOR
// context, records are emitted independently; full RFC 8428 compliance
// (wrapping them in a top-level `[ ... ]` array) is the responsibility of
// the caller that concatenates the streamed chunks, matching how the
// source's streaming cursor never re-serializes a whole document either.
type senmlJSONOutput struct {
	root lwm2mcore.Path
}

func newSenMLJSONOutput(root lwm2mcore.Path) *senmlJSONOutput {
	return &senmlJSONOutput{root: root}
}

func (o *senmlJSONOutput) WriteEntry(e Entry) ([]byte, error) {
	rec, err := entryToRecord(o.root, e.Path, e)
	if err == errSkip {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("batch: senml-json marshal entry: %w", err)
	}
	return b, nil
}

func (o *senmlJSONOutput) Close() ([]byte, error) { return nil, nil }

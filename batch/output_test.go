package batch

import (
	"bytes"
	"encoding/binary"
	"testing"

	lwm2mcore "github.com/avsystem/lwm2m-core"
)

func TestPlainTextOutputWritesOnlyFirstEntry(t *testing.T) {
	ctx, err := NewOutputContext(FormatPlainText, lwm2mcore.ResourcePath(3, 0, 9))
	if err != nil {
		t.Fatalf("NewOutputContext: %v", err)
	}
	got, err := ctx.WriteEntry(Entry{Kind: KindInt64, Int64: 42})
	if err != nil || string(got) != "42" {
		t.Fatalf("WriteEntry = %q, %v", got, err)
	}
	second, err := ctx.WriteEntry(Entry{Kind: KindInt64, Int64: 99})
	if err != nil || len(second) != 0 {
		t.Fatalf("a second entry must be ignored by plain text, got %q, %v", second, err)
	}
}

func TestOpaqueOutputRequiresBytesKind(t *testing.T) {
	ctx, _ := NewOutputContext(FormatOpaque, lwm2mcore.ResourcePath(3, 0, 9))
	if _, err := ctx.WriteEntry(Entry{Kind: KindInt64, Int64: 1}); err == nil {
		t.Fatalf("opaque format should reject a non-bytes entry")
	}
}

func TestOpaqueOutputPassesBytesThrough(t *testing.T) {
	ctx, _ := NewOutputContext(FormatOpaque, lwm2mcore.ResourcePath(3, 0, 9))
	want := []byte{1, 2, 3}
	got, err := ctx.WriteEntry(Entry{Kind: KindBytes, Bytes: want})
	if err != nil || string(got) != string(want) {
		t.Fatalf("WriteEntry = %q, %v, want %q", got, err, want)
	}
}

func TestTLVOutputFramesRelativeIDLengthValue(t *testing.T) {
	ctx, _ := NewOutputContext(FormatTLV, lwm2mcore.InstancePath(3, 0))
	out, err := ctx.WriteEntry(Entry{Path: lwm2mcore.ResourcePath(3, 0, 9), Kind: KindInt64, Int64: 5})
	if err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if len(out) < 3 {
		t.Fatalf("expected at least id+len+value bytes, got %d bytes", len(out))
	}
	// id (9) and len (1, for "5") both fit single-byte varints.
	if out[0] != 9 {
		t.Errorf("relative id should be the resource id 9 under an instance-level root, got %d", out[0])
	}
	if out[1] != 1 {
		t.Errorf("length should be 1 for the single-byte value %q, got %d", out[2:], out[1])
	}
	if string(out[2:]) != "5" {
		t.Errorf("value bytes = %q, want %q", out[2:], "5")
	}
}

func TestTLVOutputSkipsStartAggregate(t *testing.T) {
	ctx, _ := NewOutputContext(FormatTLV, lwm2mcore.ObjectPath(3))
	out, err := ctx.WriteEntry(Entry{Kind: KindStartAggregate})
	if err != nil || len(out) != 0 {
		t.Fatalf("KindStartAggregate should produce no bytes, got %q, %v", out, err)
	}
}

func TestUnknownOutputFormatRejected(t *testing.T) {
	if _, err := NewOutputContext(Format(99), lwm2mcore.ResourcePath(3, 0, 9)); err == nil {
		t.Fatalf("an unknown format should be rejected")
	}
}

func TestWriteVarintRoundTripsAgainstBinaryUvarint(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20} {
		var b bytes.Buffer
		writeVarint(&b, v)
		got, n := binary.Uvarint(b.Bytes())
		if n <= 0 || got != v {
			t.Errorf("writeVarint(%d) round-trip via binary.Uvarint failed: got %d, n=%d", v, got, n)
		}
	}
}

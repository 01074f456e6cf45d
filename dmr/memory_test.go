package dmr

import (
	"testing"
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
)

func newDeviceMemory() *Memory {
	m := NewMemory()
	m.AddInstance(3, 0, []ResourceInfo{
		{RID: 0, Operations: OpRead, Presence: Present},
		{RID: 9, Operations: OpRead, Presence: Present},
	})
	m.SetValue(3, 0, 0, lwm2mcore.IDInvalid, batch.Entry{Kind: batch.KindString, String: "Acme Corp"})
	m.SetValue(3, 0, 9, lwm2mcore.IDInvalid, batch.Entry{Kind: batch.KindInt64, Int64: 80})
	return m
}

func TestReadPathExpandsObjectToResources(t *testing.T) {
	m := newDeviceMemory()
	b := batch.NewBuilder()
	if err := ReadPath(m, lwm2mcore.ObjectPath(3), b, time.Now()); err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	entries := b.Build().Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 resources read under object 3, got %d: %+v", len(entries), entries)
	}
}

func TestReadPathSkipsAbsentResources(t *testing.T) {
	m := NewMemory()
	m.AddInstance(3, 0, []ResourceInfo{
		{RID: 0, Operations: OpRead, Presence: Present},
		{RID: 1, Operations: OpRead, Presence: Absent},
	})
	m.SetValue(3, 0, 0, lwm2mcore.IDInvalid, batch.Entry{Kind: batch.KindString, String: "x"})

	b := batch.NewBuilder()
	if err := ReadPath(m, lwm2mcore.InstancePath(3, 0), b, time.Now()); err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if got := len(b.Build().Entries()); got != 1 {
		t.Fatalf("absent resource should be skipped, got %d entries", got)
	}
}

func TestReadPathConcreteResourceSetsPathAndTimestamp(t *testing.T) {
	m := newDeviceMemory()
	now := time.Now()
	b := batch.NewBuilder()
	if err := ReadPath(m, lwm2mcore.ResourcePath(3, 0, 9), b, now); err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	entries := b.Build().Entries()
	if len(entries) != 1 || entries[0].Int64 != 80 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[0].Timestamp.Equal(now) {
		t.Errorf("ReadPath must stamp the read time")
	}
	if entries[0].Path != lwm2mcore.ResourcePath(3, 0, 9) {
		t.Errorf("ReadPath must set the entry's path, got %s", entries[0].Path)
	}
}

func TestEffectiveAttrsInheritanceChain(t *testing.T) {
	m := newDeviceMemory()
	m.SetServerDefault(FieldPmin, 1)
	m.SetServerDefault(FieldPmax, 100)
	m.SetObjectDefaultAttrs(3, &lwm2mcore.Attrs{})
	pmax := 30.0
	m.SetResourceAttrs(3, 0, 9, &lwm2mcore.Attrs{Pmax: &pmax})

	eff, err := EffectiveAttrs(m, lwm2mcore.ResourcePath(3, 0, 9), 1)
	if err != nil {
		t.Fatalf("EffectiveAttrs: %v", err)
	}
	if eff.Pmax != 30 {
		t.Errorf("resource-level pmax should win over server default, got %v", eff.Pmax)
	}
	if eff.Pmin != 1 {
		t.Errorf("pmin should fall through to the server default, got %v", eff.Pmin)
	}
}

// Package dmr defines the Data-Model Reader interface consumed by the
// Observe Engine (spec.md §6) and provides an in-memory reference
// implementation used by tests and the demo CLI. Anything implementing
// Reader is an external collaborator: the core itself carries no data
// model state (§2).
package dmr

import (
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
)

// Operation is a bitmask of resource operations.
type Operation uint8

const (
	OpRead Operation = 1 << iota
	OpWrite
	OpExecute
)

// Presence indicates whether an optional resource currently exists.
type Presence int

const (
	Absent Presence = iota
	Present
)

// ResourceInfo describes one resource's declared operations, presence and
// multi-instance flag, as returned by list_resources.
type ResourceInfo struct {
	RID           uint16
	Operations    Operation
	Presence      Presence
	MultiInstance bool
}

// AttrField names one of the eight attribute fields for
// read_server_default and the instance/object default readers.
type AttrField int

const (
	FieldPmin AttrField = iota
	FieldPmax
	FieldEpmin
	FieldEpmax
	FieldGt
	FieldLt
	FieldStep
	FieldCon
)

// Reader is the read-only facade over the LwM2M data model consumed by
// the Observe Engine (§6). Every method is synchronous, per §5
// ("data-model reads happen synchronously inside the scheduler").
type Reader interface {
	ListInstances(oid uint16) ([]uint16, error)
	ListResources(oid, iid uint16) ([]ResourceInfo, error)
	ListResourceInstances(oid, iid, rid uint16) ([]uint16, error)
	ReadResource(oid, iid, rid, riid uint16) (batch.Entry, error)

	// ReadResourceAttrs returns the attributes set directly on a
	// resource for server ssid, or nil if none are set.
	ReadResourceAttrs(oid, iid, rid uint16, ssid uint16) (*lwm2mcore.Attrs, error)
	// ReadInstanceDefaultAttrs returns the object-instance default
	// attribute set for server ssid, or nil.
	ReadInstanceDefaultAttrs(oid, iid uint16, ssid uint16) (*lwm2mcore.Attrs, error)
	// ReadObjectDefaultAttrs returns the object default attribute set
	// for server ssid, or nil.
	ReadObjectDefaultAttrs(oid uint16, ssid uint16) (*lwm2mcore.Attrs, error)
	// ReadServerDefault returns the server-wide default for field, used
	// as DEFAULT_PMIN / DEFAULT_PMAX in the attribute resolution chain.
	ReadServerDefault(ssid uint16, field AttrField) (float64, error)
}

// ReadPath reads every resource (or resource instance) at or below path
// into a batch.Builder, expanding object/instance/resource level paths
// down to concrete values the way the Observe Engine's handle_observe
// does for a READ or COMPOSITE-READ action (§4.1). Implemented against
// the Reader interface so it works for any conforming data model, not
// just the in-memory reference one.
func ReadPath(r Reader, path lwm2mcore.Path, b *batch.Builder, now time.Time) error {
	switch path.Depth() {
	case 0:
		return readObjectsUnknown(path, b)
	case 1:
		return readObject(r, path.Object, b, now)
	case 2:
		return readInstance(r, path.Object, path.Instance, b, now)
	case 3:
		return readResource(r, path.Object, path.Instance, path.Resource, b, now)
	default:
		e, err := r.ReadResource(path.Object, path.Instance, path.Resource, path.ResourceInstance)
		if err != nil {
			return err
		}
		e.Path = path
		e.Timestamp = now
		b.Add(e)
		return nil
	}
}

func readObjectsUnknown(path lwm2mcore.Path, b *batch.Builder) error {
	// The root path (depth 0) is only meaningful as the composite output
	// root, never as a read target on its own; nothing to expand here.
	_ = path
	_ = b
	return nil
}

func readObject(r Reader, oid uint16, b *batch.Builder, now time.Time) error {
	iids, err := r.ListInstances(oid)
	if err != nil {
		return err
	}
	for _, iid := range iids {
		if err := readInstance(r, oid, iid, b, now); err != nil {
			return err
		}
	}
	return nil
}

func readInstance(r Reader, oid, iid uint16, b *batch.Builder, now time.Time) error {
	ress, err := r.ListResources(oid, iid)
	if err != nil {
		return err
	}
	for _, res := range ress {
		if res.Presence == Absent || res.Operations&OpRead == 0 {
			continue
		}
		if err := readResource(r, oid, iid, res.RID, b, now); err != nil {
			return err
		}
	}
	return nil
}

func readResource(r Reader, oid, iid, rid uint16, b *batch.Builder, now time.Time) error {
	riids, err := r.ListResourceInstances(oid, iid, rid)
	if err != nil {
		return err
	}
	if len(riids) == 0 {
		e, err := r.ReadResource(oid, iid, rid, lwm2mcore.IDInvalid)
		if err != nil {
			return err
		}
		e.Path = lwm2mcore.ResourcePath(oid, iid, rid)
		e.Timestamp = now
		b.Add(e)
		return nil
	}
	b.StartAggregate(lwm2mcore.ResourcePath(oid, iid, rid))
	for _, riid := range riids {
		e, err := r.ReadResource(oid, iid, rid, riid)
		if err != nil {
			return err
		}
		e.Path = lwm2mcore.ResourceInstancePath(oid, iid, rid, riid)
		e.Timestamp = now
		b.Add(e)
	}
	return nil
}

// EffectiveAttrs resolves the full inheritance chain for path on server
// ssid (§4.2): resource -> instance default -> object default -> server
// defaults.
func EffectiveAttrs(r Reader, path lwm2mcore.Path, ssid uint16) (lwm2mcore.Effective, error) {
	var resourceAttrs, instanceAttrs, objectAttrs *lwm2mcore.Attrs
	var err error
	if path.Depth() >= 3 {
		resourceAttrs, err = r.ReadResourceAttrs(path.Object, path.Instance, path.Resource, ssid)
		if err != nil {
			return lwm2mcore.Effective{}, err
		}
	}
	if path.Depth() >= 2 {
		instanceAttrs, err = r.ReadInstanceDefaultAttrs(path.Object, path.Instance, ssid)
		if err != nil {
			return lwm2mcore.Effective{}, err
		}
	}
	if path.Depth() >= 1 {
		objectAttrs, err = r.ReadObjectDefaultAttrs(path.Object, ssid)
		if err != nil {
			return lwm2mcore.Effective{}, err
		}
	}
	defaultPmin, err := r.ReadServerDefault(ssid, FieldPmin)
	if err != nil {
		return lwm2mcore.Effective{}, err
	}
	defaultPmax, err := r.ReadServerDefault(ssid, FieldPmax)
	if err != nil {
		return lwm2mcore.Effective{}, err
	}
	return lwm2mcore.ResolveAttrs([]*lwm2mcore.Attrs{resourceAttrs, instanceAttrs, objectAttrs}, defaultPmin, defaultPmax), nil
}

package dmr

import (
	"fmt"
	"sort"
	"sync"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
)

// resourceKey identifies one resource instance slot.
type resourceKey struct {
	OID, IID, RID, RIID uint16
}

// Memory is a reference Reader implementation backed by in-process maps,
// used by tests and cmd/lwm2m-client's demo wiring. It is intentionally
// not the subject of this design (the real data model is an external
// collaborator, §1) but needs to behave like one for the Observe Engine
// to be exercised end to end.
type Memory struct {
	mu sync.RWMutex

	instances map[uint16][]uint16                 // oid -> sorted iids
	resources map[uint16][]ResourceInfo            // oid -> resource declarations (shared by every instance)
	riids     map[resourceKey][]uint16             // (oid,iid,rid) -> sorted riids, for multi-instance resources
	values    map[resourceKey]batch.Entry          // concrete values

	resourceAttrs map[resourceKey]*lwm2mcore.Attrs
	instanceAttrs map[[2]uint16]*lwm2mcore.Attrs // (oid,iid) -> instance default attrs, shared by every ssid
	objectAttrs   map[uint16]*lwm2mcore.Attrs

	serverDefaults map[AttrField]float64
}

// NewMemory returns an empty in-memory data model with sane server
// defaults (DEFAULT_PMIN=0, DEFAULT_PMAX=0, i.e. pmax disabled unless
// overridden).
func NewMemory() *Memory {
	return &Memory{
		instances:      make(map[uint16][]uint16),
		resources:      make(map[uint16][]ResourceInfo),
		riids:          make(map[resourceKey][]uint16),
		values:         make(map[resourceKey]batch.Entry),
		resourceAttrs:  make(map[resourceKey]*lwm2mcore.Attrs),
		instanceAttrs:  make(map[[2]uint16]*lwm2mcore.Attrs),
		objectAttrs:    make(map[uint16]*lwm2mcore.Attrs),
		serverDefaults: map[AttrField]float64{FieldPmin: 0, FieldPmax: 0},
	}
}

// AddInstance declares an object instance with the given resource
// layout. Calling it more than once for the same oid replaces the
// resource declarations and appends the instance id if new.
func (m *Memory) AddInstance(oid, iid uint16, resources []ResourceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[oid] = resources
	iids := m.instances[oid]
	for _, existing := range iids {
		if existing == iid {
			return
		}
	}
	iids = append(iids, iid)
	sort.Slice(iids, func(i, j int) bool { return iids[i] < iids[j] })
	m.instances[oid] = iids
}

// SetValue stores (or replaces) the value at a concrete resource path.
// riid may be lwm2mcore.IDInvalid for single-instance resources.
func (m *Memory) SetValue(oid, iid, rid, riid uint16, e batch.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resourceKey{oid, iid, rid, riid}
	m.values[key] = e
	if riid != lwm2mcore.IDInvalid {
		rk := resourceKey{oid, iid, rid, 0}
		riids := m.riids[rk]
		found := false
		for _, r := range riids {
			if r == riid {
				found = true
				break
			}
		}
		if !found {
			riids = append(riids, riid)
			sort.Slice(riids, func(i, j int) bool { return riids[i] < riids[j] })
			m.riids[rk] = riids
		}
	}
}

func (m *Memory) SetResourceAttrs(oid, iid, rid uint16, a *lwm2mcore.Attrs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceAttrs[resourceKey{oid, iid, rid, 0}] = a
}

func (m *Memory) SetInstanceDefaultAttrs(oid, iid uint16, a *lwm2mcore.Attrs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instanceAttrs[[2]uint16{oid, iid}] = a
}

func (m *Memory) SetObjectDefaultAttrs(oid uint16, a *lwm2mcore.Attrs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectAttrs[oid] = a
}

func (m *Memory) SetServerDefault(field AttrField, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverDefaults[field] = v
}

func (m *Memory) ListInstances(oid uint16) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, len(m.instances[oid]))
	copy(out, m.instances[oid])
	return out, nil
}

func (m *Memory) ListResources(oid, iid uint16) ([]ResourceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceInfo, len(m.resources[oid]))
	copy(out, m.resources[oid])
	return out, nil
}

func (m *Memory) ListResourceInstances(oid, iid, rid uint16) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	riids := m.riids[resourceKey{oid, iid, rid, 0}]
	out := make([]uint16, len(riids))
	copy(out, riids)
	return out, nil
}

func (m *Memory) ReadResource(oid, iid, rid, riid uint16) (batch.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.values[resourceKey{oid, iid, rid, riid}]
	if !ok {
		return batch.Entry{}, fmt.Errorf("dmr: no value at /%d/%d/%d/%d", oid, iid, rid, riid)
	}
	return e, nil
}

func (m *Memory) ReadResourceAttrs(oid, iid, rid uint16, ssid uint16) (*lwm2mcore.Attrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resourceAttrs[resourceKey{oid, iid, rid, 0}], nil
}

func (m *Memory) ReadInstanceDefaultAttrs(oid, iid uint16, ssid uint16) (*lwm2mcore.Attrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceAttrs[[2]uint16{oid, iid}], nil
}

func (m *Memory) ReadObjectDefaultAttrs(oid uint16, ssid uint16) (*lwm2mcore.Attrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objectAttrs[oid], nil
}

func (m *Memory) ReadServerDefault(ssid uint16, field AttrField) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverDefaults[field], nil
}

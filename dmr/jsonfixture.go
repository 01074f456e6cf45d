package dmr

import (
	"fmt"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// LoadJSONFixture seeds m from a JSON document shaped as nested
// oid/iid/rid(/riid) objects, e.g. {"3":{"0":{"0":"Acme Corp","9":80}}}.
// Resources declared here are registered read-only unless
// markWritable also names them; this is a test/demo convenience, not
// part of the data model interface itself (§1: the real data model is
// an external collaborator).
func LoadJSONFixture(m *Memory, data []byte, markWritable map[lwm2mcore.Path]bool) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("dmr: invalid json fixture")
	}
	root := gjson.ParseBytes(data)
	var outerErr error
	root.ForEach(func(oidKey, oidVal gjson.Result) bool {
		oid, ok := parseID(oidKey.String())
		if !ok {
			outerErr = fmt.Errorf("dmr: bad object id %q", oidKey.String())
			return false
		}
		oidVal.ForEach(func(iidKey, iidVal gjson.Result) bool {
			iid, ok := parseID(iidKey.String())
			if !ok {
				outerErr = fmt.Errorf("dmr: bad instance id %q", iidKey.String())
				return false
			}
			var resInfos []ResourceInfo
			iidVal.ForEach(func(ridKey, ridVal gjson.Result) bool {
				rid, ok := parseID(ridKey.String())
				if !ok {
					outerErr = fmt.Errorf("dmr: bad resource id %q", ridKey.String())
					return false
				}
				if ridVal.IsObject() {
					ridVal.ForEach(func(riidKey, riidVal gjson.Result) bool {
						riid, ok := parseID(riidKey.String())
						if !ok {
							outerErr = fmt.Errorf("dmr: bad resource instance id %q", riidKey.String())
							return false
						}
						m.SetValue(oid, iid, rid, riid, entryFromGJSON(lwm2mcore.ResourceInstancePath(oid, iid, rid, riid), riidVal))
						return true
					})
				} else {
					entry := entryFromGJSON(lwm2mcore.ResourcePath(oid, iid, rid), ridVal)
					m.SetValue(oid, iid, rid, lwm2mcore.IDInvalid, entry)
				}
				ops := OpRead
				if markWritable[lwm2mcore.ResourcePath(oid, iid, rid)] {
					ops |= OpWrite
				}
				resInfos = append(resInfos, ResourceInfo{RID: rid, Operations: ops, Presence: Present, MultiInstance: ridVal.IsObject()})
				return outerErr == nil
			})
			if outerErr == nil {
				m.AddInstance(oid, iid, resInfos)
			}
			return outerErr == nil
		})
		return outerErr == nil
	})
	return outerErr
}

func parseID(s string) (uint16, bool) {
	var n uint16
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func entryFromGJSON(path lwm2mcore.Path, v gjson.Result) batch.Entry {
	switch v.Type {
	case gjson.Number:
		if v.Num == float64(int64(v.Num)) {
			return batch.Entry{Path: path, Kind: batch.KindInt64, Int64: int64(v.Num)}
		}
		return batch.Entry{Path: path, Kind: batch.KindFloat64, Float64: v.Num}
	case gjson.True, gjson.False:
		return batch.Entry{Path: path, Kind: batch.KindBool, Bool: v.Bool()}
	default:
		return batch.Entry{Path: path, Kind: batch.KindString, String: v.String()}
	}
}

// PatchJSONFixture writes a single resource's new value into a
// previously loaded fixture document and returns the updated document.
// It does not touch any Memory, and nothing in this module (the demo CLI
// included) calls it.
func PatchJSONFixture(doc []byte, oid, iid, rid uint16, value interface{}) ([]byte, error) {
	path := fmt.Sprintf("%d.%d.%d", oid, iid, rid)
	out, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return nil, fmt.Errorf("dmr: patch fixture at %s: %w", path, err)
	}
	return out, nil
}

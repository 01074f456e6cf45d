package observe

import (
	"sort"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/dmr"
)

// pathAttrs resolves effective_attrs (§4.2) for every path of an
// observation, keyed by path for the trigger job (§4.3 step 1).
func pathAttrs(r dmr.Reader, paths []lwm2mcore.Path, ssid uint16) (map[lwm2mcore.Path]lwm2mcore.Effective, error) {
	out := make(map[lwm2mcore.Path]lwm2mcore.Effective, len(paths))
	for _, p := range paths {
		eff, err := dmr.EffectiveAttrs(r, p, ssid)
		if err != nil {
			return nil, err
		}
		out[p] = eff
	}
	return out, nil
}

// minPmaxOverPaths returns the smallest valid pmax among attrs, and
// whether any path has a valid pmax at all (§4.3 "Periodic pmax
// trigger": "pmax = min(pmax_over_all_paths)").
func minPmaxOverPaths(attrs map[lwm2mcore.Path]lwm2mcore.Effective) (float64, bool) {
	var min float64
	found := false
	for _, a := range attrs {
		if !a.PmaxValid() {
			continue
		}
		if !found || a.Pmax < min {
			min = a.Pmax
			found = true
		}
	}
	return min, found
}

// maxPminOverPaths returns the largest pmin among the given paths,
// clamped to >= 0 (§4.3 "External change": "pmin =
// max(pmin_over_matching_paths, 0)").
func maxPminOverPaths(attrs map[lwm2mcore.Path]lwm2mcore.Effective, paths []lwm2mcore.Path) float64 {
	max := 0.0
	for _, p := range paths {
		a, ok := attrs[p]
		if !ok {
			continue
		}
		if a.Pmin > max {
			max = a.Pmin
		}
	}
	return max
}

// sortedTokenKeys returns the observation map's keys sorted the way a
// token-keyed AVS_RBTREE would iterate, used wherever deterministic
// ordering matters (tests, gc).
func sortedTokenKeys(m map[string]*Observation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lwm2mcore.NewToken([]byte(keys[i])).Compare(lwm2mcore.NewToken([]byte(keys[j]))) < 0
	})
	return keys
}

package observe

import (
	"time"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/batch"
	"github.com/avsystem/lwm2m-core/cel"
	"github.com/avsystem/lwm2m-core/dmr"
)

// triggerAt implements the scheduling rule of §4.3: trigger_at =
// max(now, newest_value_timestamp + period).
func triggerAt(now, newestValueTimestamp time.Time, periodSeconds float64) time.Time {
	if periodSeconds < 0 {
		periodSeconds = 0
	}
	candidate := newestValueTimestamp.Add(time.Duration(periodSeconds * float64(time.Second)))
	if candidate.Before(now) {
		return now
	}
	return candidate
}

// scheduleTrigger arms obs.notifyTask for periodSeconds from its newest
// value, unless an earlier-or-equal trigger is already pending (§4.3:
// "do not delay an existing trigger").
func (e *Engine) scheduleTrigger(conn *Connection, obs *Observation, periodSeconds float64) {
	now := e.runtime.Now()
	newest := now
	if obs.lastSent != nil {
		newest = obs.lastSent.Timestamp
	}
	at := triggerAt(now, newest, periodSeconds)

	if obs.notifyTask != nil {
		if existing := obs.notifyTask.At(); !existing.IsZero() && !existing.After(at) {
			return
		}
		obs.notifyTask.Cancel()
	}
	var task *lwm2mcore.TaskHandle
	task = e.runtime.ScheduleAt(at, func() {
		// A fired task is no longer pending, so it must not block the
		// reschedule runTrigger performs below.
		if obs.notifyTask == task {
			obs.notifyTask = nil
		}
		e.runTrigger(conn, obs)
	})
	obs.notifyTask = task
}

// schedulePmaxTrigger implements the "periodic pmax trigger" rule: after
// every delivery, if pmax is valid for any of the observation's paths,
// schedule at pmax = min(pmax_over_all_paths).
func (e *Engine) schedulePmaxTrigger(conn *Connection, obs *Observation) {
	reader := e.dmrFor(conn.ID.ServerID)
	attrs, err := pathAttrs(reader, obs.Paths, conn.ID.ServerID)
	if err != nil {
		e.log2("observe: schedulePmaxTrigger attr resolution failed: %s", err)
		return
	}
	pmax, ok := minPmaxOverPaths(attrs)
	if !ok {
		return
	}
	e.scheduleTrigger(conn, obs, pmax)
}

// runTrigger is the notify_task fire callback: trigger execution, §4.3
// steps 1-6.
func (e *Engine) runTrigger(conn *Connection, obs *Observation) {
	reader := e.dmrFor(conn.ID.ServerID)
	now := e.runtime.Now()

	attrs, err := pathAttrs(reader, obs.Paths, conn.ID.ServerID)
	if err != nil {
		e.log2("observe: trigger attr resolution failed for token %x: %s", obs.Token.Bytes(), err)
		e.schedulePmaxTrigger(conn, obs)
		return
	}

	newBatches := make([]*batch.Batch, len(obs.Paths))
	updateRequired := false

	for i, p := range obs.Paths {
		eff := attrs[p]
		prevBatch := obs.lastBatchByPath[p]
		prevAt, hasPrev := obs.lastObservedAt[p]

		needsRefresh := prevBatch == nil || !hasPrev || eff.Epmin <= 0 ||
			now.Sub(prevAt).Seconds() >= eff.Epmin

		newBatch := prevBatch
		if needsRefresh {
			b := batch.NewBuilder()
			if rerr := dmr.ReadPath(reader, p, b, now); rerr != nil {
				e.log2("observe: trigger re-read of %s failed: %s", p, rerr)
				newBatch = prevBatch
			} else {
				newBatch = b.Build()
				obs.lastObservedAt[p] = now
			}
		}
		newBatches[i] = newBatch

		// should_update (anjay_observe_core.c): a plain "differs" only
		// triggers when the path is non-numeric or none of step/lt/gt is
		// set. Once a threshold is defined on a numeric path, a crossing
		// is the only thing that triggers - an in-band change (e.g.
		// 42.43 -> 14.7 with gt=777, lt=69) must not.
		if hasThreshold(eff) && pathIsNumeric(newBatch, p) {
			if crossedThreshold(prevBatch, newBatch, p, eff) {
				updateRequired = true
			}
		} else if batchDiffers(prevBatch, newBatch) {
			updateRequired = true
		}
	}

	if obs.lastSent != nil {
		for _, p := range obs.Paths {
			eff := attrs[p]
			if eff.PmaxValid() && now.Sub(obs.lastSent.Timestamp).Seconds() >= eff.Pmax {
				updateRequired = true
				break
			}
		}
	} else {
		updateRequired = true
	}

	if updateRequired {
		hint := reliabilityHintFor(obs, attrs, conn, now, e.cfg.ConfirmablePromotionWindow)
		val := &Value{
			Details:     obs.lastSent.detailsOr(cel.ResponseDetails{Code: codeContent}),
			Reliability: hint,
			Owner:       obs,
			Timestamp:   now,
			Batches:     newBatches,
		}
		e.enqueueUnsent(conn, obs, val)
		for i, p := range obs.Paths {
			obs.lastBatchByPath[p] = newBatches[i]
		}
	}

	e.schedulePmaxTrigger(conn, obs)

	switch {
	case conn.ReadyForOutgoing():
		e.runFlush(conn)
	case conn.queueMode:
		conn.online = true
		e.runFlush(conn)
	case !conn.storing:
		e.dropUnsentNonError(conn)
	}
}

// detailsOr returns v.Details if v is non-nil, else fallback. Helper for
// the (*Value)(nil) receiver pattern used when an observation has never
// been delivered yet.
func (v *Value) detailsOr(fallback cel.ResponseDetails) cel.ResponseDetails {
	if v == nil {
		return fallback
	}
	return v.Details
}

// batchDiffers reports whether new differs from prev per §4.3 step 3,
// comparing entry-by-entry (ignoring timestamps, per batch.Entry.Equal).
func batchDiffers(prev, next *batch.Batch) bool {
	if prev == nil {
		return next != nil && len(next.Entries()) > 0
	}
	if next == nil {
		return len(prev.Entries()) > 0
	}
	pe, ne := prev.Entries(), next.Entries()
	if len(pe) != len(ne) {
		return true
	}
	for i := range pe {
		if !pe[i].Equal(ne[i]) {
			return true
		}
	}
	return false
}

// crossedThreshold implements the step/lt/gt crossing rule of §4.3 step
// 3: strict, direction-agnostic crossing of a defined threshold between
// the previous and new numeric value for a single-resource path.
func crossedThreshold(prev, next *batch.Batch, p lwm2mcore.Path, eff lwm2mcore.Effective) bool {
	if next == nil {
		return false
	}
	nv, ok := next.ValueFor(p)
	if !ok {
		return false
	}
	newNum, isNum := nv.Numeric()
	if !isNum {
		return false
	}
	var prevNum float64
	havePrev := false
	if prev != nil {
		if pv, ok := prev.ValueFor(p); ok {
			if n, isNum := pv.Numeric(); isNum {
				prevNum, havePrev = n, true
			}
		}
	}
	if !havePrev {
		return false
	}
	if eff.Step != nil && absFloat(newNum-prevNum) >= *eff.Step {
		return true
	}
	if eff.Lt != nil && crossedValue(prevNum, newNum, *eff.Lt) {
		return true
	}
	if eff.Gt != nil && crossedValue(prevNum, newNum, *eff.Gt) {
		return true
	}
	return false
}

func crossedValue(prev, next, threshold float64) bool {
	return (prev < threshold) != (next < threshold)
}

// hasThreshold reports whether any of step/lt/gt is defined for eff.
func hasThreshold(eff lwm2mcore.Effective) bool {
	return eff.Step != nil || eff.Lt != nil || eff.Gt != nil
}

// pathIsNumeric reports whether b carries a numeric value at p.
func pathIsNumeric(b *batch.Batch, p lwm2mcore.Path) bool {
	if b == nil {
		return false
	}
	v, ok := b.ValueFor(p)
	if !ok {
		return false
	}
	_, isNum := v.Numeric()
	return isNum
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// reliabilityHintFor resolves the con/global-default reliability hint
// (§3, §4.4) and applies the confirmable-promotion override.
func reliabilityHintFor(obs *Observation, attrs map[lwm2mcore.Path]lwm2mcore.Effective, conn *Connection, now time.Time, promotionWindow time.Duration) cel.ReliabilityHint {
	con := lwm2mcore.ConUnset
	for _, p := range obs.Paths {
		if a, ok := attrs[p]; ok && a.Con != lwm2mcore.ConUnset {
			con = a.Con
			break
		}
	}

	var hint cel.ReliabilityHint
	switch con {
	case lwm2mcore.ConPreferConfirmable:
		hint = cel.PreferConfirmable
	case lwm2mcore.ConPreferNonConfirmable:
		hint = cel.PreferNonConfirmable
	default:
		hint = serverDefaultReliability(conn)
	}

	if obs.lastConfirmable.IsZero() || now.Sub(obs.lastConfirmable) >= promotionWindow {
		hint = cel.PreferConfirmable
	}
	return hint
}

func serverDefaultReliability(conn *Connection) cel.ReliabilityHint {
	if conn.confirmableDefault {
		return cel.PreferConfirmable
	}
	return cel.PreferNonConfirmable
}

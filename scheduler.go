package lwm2mcore

import (
	"sync"
	"time"
)

// Clock abstracts time so that trigger scheduling (§4.3) can be driven by
// a fake clock in tests instead of wall time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock backed by time.Now.
var RealClock Clock = realClock{}

// TaskHandle is a scheduled, cancellable job, analogous to the C core's
// avs_sched_handle_t (notify_task / flush_task). A nil *TaskHandle is a
// valid "nothing scheduled" value.
type TaskHandle struct {
	timer *time.Timer
	at    time.Time
}

// Cancel stops the task if it has not yet fired. Safe to call on a nil
// handle or one that already fired.
func (h *TaskHandle) Cancel() {
	if h == nil || h.timer == nil {
		return
	}
	h.timer.Stop()
}

// At returns the monotonic-ish time this task is scheduled to fire.
func (h *TaskHandle) At() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.at
}

// Runtime is the single cooperative scheduler shared by the Observe
// Engine and the Downloader (§5: "single-threaded cooperative. One
// scheduler per runtime owns all timers"). All jobs it fires take the
// runtime lock before touching shared state and release it before calling
// back into user code, matching the re-entrancy rule in §5.
type Runtime struct {
	mu    sync.Mutex
	clock Clock
}

// NewRuntime creates a Runtime using the given clock (RealClock in
// production, a fake clock in tests).
func NewRuntime(clock Clock) *Runtime {
	if clock == nil {
		clock = RealClock
	}
	return &Runtime{clock: clock}
}

// Lock acquires the runtime-wide lock. Exported so collaborating packages
// (observe, download) can guard their own entry points with the same lock
// the scheduler uses for jobs, per §5 ("a public-facing lock may guard
// entry points").
func (r *Runtime) Lock() { r.mu.Lock() }

// Unlock releases the runtime-wide lock.
func (r *Runtime) Unlock() { r.mu.Unlock() }

// Now returns the current time from the runtime's clock.
func (r *Runtime) Now() time.Time { return r.clock.Now() }

// Schedule arranges for fn to run after delay, holding the runtime lock
// for its duration. Returns a handle that can be used to cancel or
// re-check the fire time. A negative or zero delay fires as soon as
// possible.
func (r *Runtime) Schedule(delay time.Duration, fn func()) *TaskHandle {
	if delay < 0 {
		delay = 0
	}
	h := &TaskHandle{at: r.clock.Now().Add(delay)}
	h.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		fn()
	})
	return h
}

// ScheduleAt is Schedule expressed as an absolute time relative to the
// runtime's current clock reading.
func (r *Runtime) ScheduleAt(at time.Time, fn func()) *TaskHandle {
	return r.Schedule(at.Sub(r.clock.Now()), fn)
}

// Unlocked runs fn after releasing the runtime lock and reacquires the
// lock before returning, implementing the callback re-entrancy rule: code
// that must call into user-supplied handlers (on_next_block,
// on_download_finished) wraps the call in Unlocked so the handler cannot
// deadlock by re-entering the runtime.
func (r *Runtime) Unlocked(fn func()) {
	r.mu.Unlock()
	defer r.mu.Lock()
	fn()
}

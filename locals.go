package fiberloop

import (
	"runtime"
	"sync"
)

// localState is the per-goroutine view of the runtime: the fiber executing
// on this goroutine, the scheduler context it inherited from the worker
// that resumed it, and the dispatch (or thread-main) fiber control returns
// to on yield.
//
// Entries are registered by the owning goroutine (worker dispatch loops at
// start, fiber trampolines before running their entry) and only ever read
// by it. Resume mutates a fiber's entry from the resuming goroutine, which
// is safe because the fiber is parked on its handoff channel until the
// mutation is published.
type localState struct {
	fiber    *Fiber
	sched    *Scheduler
	iom      *IOManager
	dispatch *Fiber
	worker   int
}

// locals maps goroutine id -> *localState.
var locals sync.Map

// goroutineID returns the current goroutine's ID, parsed from the runtime
// stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// currentLocals returns this goroutine's state, or nil if none registered.
func currentLocals() *localState {
	if v, ok := locals.Load(goroutineID()); ok {
		return v.(*localState)
	}
	return nil
}

// ensureLocals returns this goroutine's state, lazily creating the
// thread-main fiber for a goroutine the runtime has not seen before. The
// main fiber starts RUNNING and is pinned for the life of the goroutine.
func ensureLocals() *localState {
	gid := goroutineID()
	if v, ok := locals.Load(gid); ok {
		return v.(*localState)
	}
	f := newMainFiber()
	f.ctx.fiber = f
	f.ctx.dispatch = f
	locals.Store(gid, &f.ctx)
	return &f.ctx
}

// releaseLocals drops the calling goroutine's state. Spawned workers call
// it on exit so their main fibers do not outlive them; entries belonging
// to user goroutines are left for the life of the goroutine.
func releaseLocals() {
	gid := goroutineID()
	if v, ok := locals.Load(gid); ok {
		ls := v.(*localState)
		if ls.fiber != nil && ls.fiber.main {
			fiberCount.Add(-1)
		}
		locals.Delete(gid)
	}
}

// Current returns the fiber executing on the calling goroutine, creating
// the goroutine's main fiber on first use. Call it before any other fiber
// operation on a goroutine that resumes fibers directly.
func Current() *Fiber {
	return ensureLocals().fiber
}

// CurrentID returns the id of the fiber executing on the calling
// goroutine, or 0 if the goroutine has no fiber state yet.
func CurrentID() uint64 {
	if ls := currentLocals(); ls != nil && ls.fiber != nil {
		return ls.fiber.id
	}
	return 0
}

// CurrentScheduler returns the scheduler bound to the calling context, or
// nil when not running under one.
func CurrentScheduler() *Scheduler {
	if ls := currentLocals(); ls != nil {
		return ls.sched
	}
	return nil
}

// CurrentIOManager returns the IOManager bound to the calling context, or
// nil when not running under one.
func CurrentIOManager() *IOManager {
	if ls := currentLocals(); ls != nil {
		return ls.iom
	}
	return nil
}

// MainFiber returns the dispatch fiber of the calling context: the
// worker's dispatch fiber inside a scheduler, or the goroutine's main
// fiber otherwise. Nil when the goroutine has no fiber state yet.
func MainFiber() *Fiber {
	if ls := currentLocals(); ls != nil {
		return ls.dispatch
	}
	return nil
}

// WorkerID returns the scheduler worker id of the calling context.
// Workers are numbered from 1; 0 means not on a worker (AnyWorker).
func WorkerID() int {
	if ls := currentLocals(); ls != nil {
		return ls.worker
	}
	return AnyWorker
}

package fiberloop

import (
	"fmt"
	"sync/atomic"
)

// FiberState represents the lifecycle state of a fiber.
//
// State Machine:
//
//	StateReady → StateRunning        [Resume]
//	StateRunning → StateReady        [Yield]
//	StateRunning → StateTerminated   [entry returns]
//	StateTerminated → StateReady     [Reset]
//
// No other transitions exist. The thread-main fiber of a goroutine is
// created RUNNING and never leaves that state.
type FiberState int32

const (
	// StateReady indicates the fiber is runnable: newly created, reset, or
	// parked after a yield.
	StateReady FiberState = iota
	// StateRunning indicates the fiber currently owns its goroutine's
	// control flow.
	StateRunning
	// StateTerminated indicates the fiber's entry function has returned.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var (
	fiberIDCounter atomic.Uint64
	fiberCount     atomic.Int64

	// defaultStackSize is the fiber.stack_size knob, read once per fiber
	// creation. Goroutine stacks grow on demand; the value is carried as
	// an accounting hint.
	defaultStackSize atomic.Int64
)

func init() {
	defaultStackSize.Store(128 * 1024)
}

// SetDefaultStackSize sets the stack size hint applied to fibers created
// with a zero stack size. The default is 128 KiB.
func SetDefaultStackSize(size int) {
	if size > 0 {
		defaultStackSize.Store(int64(size))
	}
}

// DefaultStackSize returns the current default stack size hint.
func DefaultStackSize() int {
	return int(defaultStackSize.Load())
}

// Count returns the number of live fibers: created (including lazily
// created thread-main fibers) and not yet terminated. A Reset re-arms a
// terminated fiber and counts it again.
func Count() int64 {
	return fiberCount.Load()
}

// Fiber is a non-symmetric stackful coroutine. It owns a dedicated
// goroutine, started lazily on first Resume; control is transferred
// between the fiber and its resumer by strict channel handoff, so exactly
// one side runs at any moment.
//
// A fiber always yields back to the context that resumed it: the
// scheduler's dispatch loop for scheduled fibers, or whichever fiber
// called Resume for manually resumed ones. runInScheduler selects what
// MainFiber reports inside the fiber: the resumer's dispatch fiber when
// true, the resuming fiber itself when false.
type Fiber struct {
	// Prevent copying
	_ [0]func()

	id             uint64
	stackSize      int
	runInScheduler bool
	main           bool

	state atomic.Int32

	// entry and started are owned by whichever side holds control.
	entry   func()
	started bool

	// Handoff channels: resumeCh wakes the fiber goroutine, yieldCh wakes
	// the resumer. Both unbuffered, so each transfer is a rendezvous.
	resumeCh chan struct{}
	yieldCh  chan struct{}

	// ctx is this fiber's goroutine-local state, registered under the
	// fiber goroutine's id by the trampoline. Resume refreshes the
	// scheduler context fields before each handoff.
	ctx localState
}

// NewFiber creates a fiber in the READY state. The entry function runs
// when the fiber is first resumed. stackSize is a per-fiber hint, zero
// meaning the package default. runInScheduler marks the fiber as
// participating in scheduler dispatch; pass false for fibers resumed
// manually outside any scheduler.
func NewFiber(entry func(), stackSize int, runInScheduler bool) *Fiber {
	if entry == nil {
		panic("fiberloop: NewFiber requires an entry function")
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize()
	}
	f := &Fiber{
		id:             fiberIDCounter.Add(1),
		stackSize:      stackSize,
		runInScheduler: runInScheduler,
		entry:          entry,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(StateReady))
	fiberCount.Add(1)
	return f
}

// newMainFiber creates the implicit thread-main fiber for a goroutine.
func newMainFiber() *Fiber {
	f := &Fiber{
		id:   fiberIDCounter.Add(1),
		main: true,
	}
	f.state.Store(int32(StateRunning))
	fiberCount.Add(1)
	return f
}

// ID returns the fiber's unique id. IDs increase monotonically
// process-wide.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState {
	return FiberState(f.state.Load())
}

// StackSize returns the stack size hint recorded at creation.
func (f *Fiber) StackSize() int { return f.stackSize }

// Resume transfers control to the fiber and blocks until it yields or
// terminates. The fiber must be READY; resuming a RUNNING or TERMINATED
// fiber is a contract violation and panics.
//
// The fiber inherits the resuming context's scheduler bindings for the
// duration of the run, which is what pins it to the resuming worker until
// it yields.
func (f *Fiber) Resume() {
	if f.main {
		panic("fiberloop: cannot resume a thread-main fiber")
	}
	switch st := f.State(); st {
	case StateRunning, StateTerminated:
		panic(fmt.Sprintf("fiberloop: resume on %s fiber %d", st, f.id))
	}

	caller := ensureLocals()

	// Publish the scheduler context the fiber will observe. The fiber
	// goroutine is parked until the handoff below, which orders these
	// writes before its reads.
	f.ctx.fiber = f
	f.ctx.sched = caller.sched
	f.ctx.iom = caller.iom
	f.ctx.worker = caller.worker
	if f.runInScheduler {
		f.ctx.dispatch = caller.dispatch
	} else {
		f.ctx.dispatch = caller.fiber
	}

	f.state.Store(int32(StateRunning))
	if !f.started {
		f.started = true
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
}

// Yield parks the current fiber and returns control to its resumer. Must
// be called from the fiber's own goroutine while RUNNING; the terminal
// yield performed by the trampoline is the only TERMINATED case.
func (f *Fiber) Yield() {
	if ls := currentLocals(); ls == nil || ls.fiber != f {
		panic("fiberloop: yield from outside the fiber")
	}
	st := f.State()
	switch st {
	case StateRunning:
		f.state.Store(int32(StateReady))
	case StateTerminated:
		// terminal yield, no transition
	default:
		panic(fmt.Sprintf("fiberloop: yield on %s fiber %d", st, f.id))
	}
	f.yieldCh <- struct{}{}
	if st == StateTerminated {
		return
	}
	<-f.resumeCh
}

// Yield parks the fiber executing on the calling goroutine. Panics when
// called from a goroutine that is not running a user fiber (thread-main
// and dispatch fibers have nothing to yield to).
func Yield() {
	ls := currentLocals()
	if ls == nil || ls.fiber == nil || ls.fiber.main {
		panic("fiberloop: no current fiber to yield")
	}
	ls.fiber.Yield()
}

// Reset re-arms a TERMINATED fiber with a new entry function, reusing the
// fiber's identity; the next Resume starts a fresh run. Only user fibers
// may be reset.
func (f *Fiber) Reset(entry func()) {
	if f.main {
		panic("fiberloop: cannot reset a thread-main fiber")
	}
	if entry == nil {
		panic("fiberloop: Reset requires an entry function")
	}
	if st := f.State(); st != StateTerminated {
		panic(fmt.Sprintf("fiberloop: reset on %s fiber %d", st, f.id))
	}
	f.entry = entry
	f.started = false
	fiberCount.Add(1)
	f.state.Store(int32(StateReady))
}

// trampoline is the fiber goroutine's entry point. It registers the
// fiber's goroutine-local state, runs the user entry, then performs the
// terminal yield. The fiber must not be touched after the terminal signal:
// the resumer may Reset it immediately.
//
// Panics escaping the entry are deliberately not recovered; callers that
// want an exception boundary must install their own.
func (f *Fiber) trampoline() {
	gid := goroutineID()
	locals.Store(gid, &f.ctx)

	f.entry()

	f.entry = nil
	f.state.Store(int32(StateTerminated))
	fiberCount.Add(-1)
	locals.Delete(gid)
	f.yieldCh <- struct{}{}
}

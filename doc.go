// Package fiberloop provides a cooperative fiber runtime for Go, fusing
// explicit resume/yield coroutines with an M:N worker scheduler and an
// epoll-driven I/O reactor with a timer heap.
//
// # Architecture
//
// Three subsystems build on each other, leaf first:
//
//   - [Fiber]: a non-symmetric coroutine backed by a dedicated goroutine
//     with strict channel handoff. [Fiber.Resume] transfers control to the
//     fiber and blocks the caller; [Yield] transfers control back and
//     blocks the fiber. Exactly one side runs at a time.
//   - [Scheduler]: a worker pool draining a shared FIFO task queue. Each
//     worker runs a dispatch loop that resumes fibers, wraps plain
//     callables in a reusable callback fiber, and falls back to an idle
//     fiber when the queue is empty. Tasks may be pinned to a worker.
//   - [IOManager]: a scheduler whose idle fiber blocks in epoll_wait,
//     bounded by the earliest timer deadline. Registered fd events and
//     expired timers are handed back to the scheduler as ordinary tasks.
//
// # Execution Model
//
// Registration is one-shot per direction: an event fires once and must be
// re-registered to wait again, matching the wait-once-then-decide loop of
// a coroutine. A fiber is pinned to the worker that resumed it until it
// yields; once re-scheduled, an unpinned fiber may run on any worker.
// There is no pre-emption — a fiber that never yields monopolises its
// worker.
//
// Timeouts compose from the primitives: register an event, and a timer
// whose callback cancels it. Whichever fires first wakes the waiting
// fiber; [IOManager.CancelEvent] fires the stored target exactly once.
//
// # Thread Safety
//
//   - [Scheduler.Schedule] and the timer methods are safe from any
//     goroutine.
//   - [IOManager.AddEvent] and friends are safe from any goroutine; the
//     no-callback form captures the calling fiber and is only valid from
//     inside one.
//   - A [Fiber] is single-owner: Resume and Yield follow the handoff
//     discipline and are not otherwise synchronised.
//
// # Platform Support
//
// Linux only: the reactor is built directly on epoll and eventfd.
//
// # Usage
//
//	iom, err := fiberloop.NewIOManager("main", 2)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer iom.Close()
//
//	iom.ScheduleFunc(func() {
//		iom.AddTimer(100*time.Millisecond, func() {
//			fmt.Println("tick")
//		}, false)
//	})
//
//	iom.Stop() // drains tasks, waits for pending events and timers
package fiberloop

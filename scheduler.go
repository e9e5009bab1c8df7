package fiberloop

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// AnyWorker schedules a task on whichever worker picks it up first.
// Workers are numbered from 1, so the zero value of Task.Worker means
// unpinned.
const AnyWorker = 0

// Task is the unit of scheduling: exactly one of Fiber or Run is set.
// Worker optionally pins the task to a specific worker id.
type Task struct {
	Fiber  *Fiber
	Run    func()
	Worker int
}


// Scheduler is an M:N fiber scheduler: a pool of worker goroutines
// draining a shared FIFO task queue. Each worker's dispatch loop resumes
// fibers directly, wraps plain callables in a reusable callback fiber, and
// swaps to an idle fiber when nothing is runnable.
//
// The queue mutex is held only for enqueue/dequeue, never across a fiber
// resume.
type Scheduler struct {
	// Prevent copying
	_ [0]func()

	name      string
	threads   int
	useCaller bool
	stackSize int

	log *logiface.Logger[logiface.Event]

	mu    sync.Mutex
	tasks []Task

	started    bool
	callerOnce sync.Once
	wg         sync.WaitGroup

	stopping  atomic.Bool
	active    atomic.Int64
	idleCount atomic.Int64

	// iom is set when this scheduler is the base of an IOManager, so
	// workers can bind it into their goroutine-local state.
	iom *IOManager

	// Customisation points. The base scheduler installs no-op tickle, a
	// yielding idle loop, and queue-drained stopping; IOManager overrides
	// all three.
	hooks struct {
		tickle   func()
		idle     func()
		stopping func() bool
	}
}

// NewScheduler creates a scheduler with the given worker count. It does
// not start any workers; call Start.
func NewScheduler(name string, threads int, opts ...Option) *Scheduler {
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(err)
	}
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		name:      name,
		threads:   threads,
		useCaller: cfg.useCaller,
		stackSize: cfg.stackSize,
		log:       cfg.logger,
	}
	s.hooks.tickle = func() {}
	s.hooks.idle = s.idle
	s.hooks.stopping = s.baseStopping
	if s.useCaller {
		// The constructing goroutine is worker 1; bind the scheduler into
		// its goroutine-local state now so scheduling from it resolves
		// CurrentScheduler.
		ls := ensureLocals()
		ls.sched = s
		ls.worker = 1
	}
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Start spawns the worker pool. With WithUseCaller, one fewer goroutine is
// spawned; the caller's dispatch loop runs inside Stop. Start is
// idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	first := 1
	if s.useCaller {
		first = 2
	}
	for id := first; id <= s.threads; id++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			defer releaseLocals()
			s.run(id)
		}(id)
	}
	s.mu.Unlock()
	s.log.Debug().Str("scheduler", s.name).Int("threads", s.threads).Log("scheduler started")
}

// Stop signals termination, wakes every worker enough times for them to
// drain and exit, and joins the pool. With WithUseCaller the caller runs
// its dispatch loop here until the queue is drained. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for i := 0; i < s.threads; i++ {
		s.hooks.tickle()
	}
	if s.useCaller {
		s.hooks.tickle()
		s.callerOnce.Do(func() {
			s.mu.Lock()
			started := s.started
			s.mu.Unlock()
			if started {
				s.run(1)
			}
		})
	}
	s.wg.Wait()
	s.log.Debug().Str("scheduler", s.name).Log("scheduler stopped")
}

// Schedule appends a task to the FIFO. If the queue was empty the idle
// workers are tickled. Safe from any goroutine, including before Start.
func (s *Scheduler) Schedule(t Task) {
	if t.Fiber == nil && t.Run == nil {
		return
	}
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	if needTickle {
		s.hooks.tickle()
	}
}

// ScheduleFunc schedules a callable on any worker.
func (s *Scheduler) ScheduleFunc(fn func()) {
	s.Schedule(Task{Run: fn})
}

// ScheduleFiber schedules a fiber on any worker.
func (s *Scheduler) ScheduleFiber(f *Fiber) {
	s.Schedule(Task{Fiber: f})
}

// ScheduleBatch appends tasks in order with a single tickle.
func (s *Scheduler) ScheduleBatch(tasks []Task) {
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	n := 0
	for _, t := range tasks {
		if t.Fiber == nil && t.Run == nil {
			continue
		}
		s.tasks = append(s.tasks, t)
		n++
	}
	s.mu.Unlock()
	if needTickle && n > 0 {
		s.hooks.tickle()
	}
}

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// take pops the first task eligible for worker id: pinned to it, or
// unpinned. tickle reports whether other workers should be woken, either
// because a foreign-pinned task was skipped or because tasks remain.
func (s *Scheduler) take(id int) (task Task, found, tickle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		t := s.tasks[i]
		if t.Worker != AnyWorker && t.Worker != id {
			tickle = true
			continue
		}
		task = t
		found = true
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		break
	}
	if found && len(s.tasks) > 0 {
		tickle = true
	}
	return
}

// run is the dispatch loop, one invocation per worker. It executes on the
// worker's own goroutine, which doubles as the worker's dispatch fiber:
// user fibers hand control back to it on every yield.
func (s *Scheduler) run(id int) {
	ls := ensureLocals()
	ls.sched = s
	ls.iom = s.iom
	ls.worker = id
	ls.dispatch = ls.fiber

	s.log.Debug().Str("scheduler", s.name).Int("worker", id).Log("worker running")

	idle := NewFiber(s.hooks.idle, s.stackSize, true)
	var cbFiber *Fiber

	for {
		task, found, tickleMe := s.take(id)
		if tickleMe {
			s.hooks.tickle()
		}

		switch {
		case found && task.Fiber != nil:
			switch task.Fiber.State() {
			case StateTerminated:
				// dropped
			case StateRunning:
				// Scheduled (e.g. by an event cancellation) before it
				// finished yielding on another worker; retry shortly.
				s.Schedule(task)
			default:
				s.active.Add(1)
				task.Fiber.Resume()
				s.active.Add(-1)
			}

		case found && task.Run != nil:
			if cbFiber != nil {
				cbFiber.Reset(task.Run)
			} else {
				cbFiber = NewFiber(task.Run, s.stackSize, true)
			}
			s.active.Add(1)
			cbFiber.Resume()
			s.active.Add(-1)
			if cbFiber.State() != StateTerminated {
				// The callable yielded mid-run; whoever re-schedules the
				// fiber owns it now. Allocate a fresh one next time.
				cbFiber = nil
			}

		default:
			if idle.State() == StateTerminated {
				s.log.Debug().Str("scheduler", s.name).Int("worker", id).Log("worker exiting")
				// Cascade the shutdown wake so workers still parked in
				// their idle fiber do not sleep out the full poll timeout.
				s.hooks.tickle()
				return
			}
			s.idleCount.Add(1)
			idle.Resume()
			s.idleCount.Add(-1)
		}
	}
}

// idle is the base scheduler's idle fiber: yield until stopping. The base
// tickle is a no-op, so this polls; the reactor replaces it with an
// epoll-blocking idle.
func (s *Scheduler) idle() {
	for !s.hooks.stopping() {
		runtime.Gosched()
		Yield()
	}
}

// baseStopping reports whether the scheduler may terminate: Stop was
// called, the queue is drained, and no worker is mid-task.
func (s *Scheduler) baseStopping() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	return n == 0 && s.active.Load() == 0
}

// hasIdleWorkers reports whether any worker is parked in its idle fiber.
func (s *Scheduler) hasIdleWorkers() bool {
	return s.idleCount.Load() > 0
}

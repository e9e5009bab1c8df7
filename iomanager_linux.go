//go:build linux

package fiberloop

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Event identifies an I/O direction on a file descriptor.
type Event uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead Event = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
)

// String returns a human-readable representation of the event mask.
func (e Event) String() string {
	switch e {
	case 0:
		return "none"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return fmt.Sprintf("event(%#x)", uint32(e))
	}
}

// eventsToEpoll converts an Event mask to epoll event flags.
func eventsToEpoll(events Event) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

// epollToEvents converts epoll event flags to an Event mask.
func epollToEvents(ep uint32) Event {
	var events Event
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	return events
}

// eventContext is the resumption target for one direction: the scheduler
// it was registered under and exactly one of fiber or callback.
type eventContext struct {
	sched *Scheduler
	fiber *Fiber
	cb    func()
}

// fdContext tracks the registered directions of one fd. A direction has a
// populated eventContext iff its bit is in events; all mutation happens
// under mu.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) ctxFor(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	}
	panic(fmt.Sprintf("fiberloop: invalid event %s", ev))
}

// maxEpollEvents bounds a single epoll_wait batch; overflow is picked up
// on the next pass.
const maxEpollEvents = 256

// maxIdleTimeout caps the epoll_wait timeout so workers periodically
// re-check the stopping condition even with distant or absent timers.
const maxIdleTimeout = 5000 // milliseconds

// IOManager is a Scheduler whose idle fibers block in epoll_wait, waking
// fibers and callbacks when registered fd events fire or timers expire.
// Construction opens the epoll instance and wake eventfd and starts the
// worker pool; Close stops and releases both.
type IOManager struct {
	*Scheduler
	*TimerManager

	epfd   int
	wakeFd int

	closed    atomic.Bool
	closeOnce sync.Once

	// ctxMu guards the fd table slice itself; per-fd mutation takes the
	// fdContext mutex. Growth takes the write lock.
	ctxMu   sync.RWMutex
	fdCtxs  []*fdContext
	pending atomic.Int64
}

// NewIOManager creates a reactor-backed scheduler and starts its workers.
func NewIOManager(name string, threads int, opts ...Option) (*IOManager, error) {
	s := NewScheduler(name, threads, opts...)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fiberloop: epoll_create1: %w", err)
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("fiberloop: eventfd: %w", err)
	}

	m := &IOManager{
		Scheduler:    s,
		TimerManager: NewTimerManager(),
		epfd:         epfd,
		wakeFd:       wakeFd,
	}

	// Watch the wake fd edge-triggered; idle drains it fully per wake.
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, fmt.Errorf("fiberloop: epoll_ctl wake fd: %w", err)
	}

	s.iom = m
	s.hooks.tickle = m.tickle
	s.hooks.idle = m.idle
	s.hooks.stopping = m.reactorStopping
	m.TimerManager.onFront = m.tickle
	if s.useCaller {
		ensureLocals().iom = m
	}

	m.resizeContexts(32)
	s.Start()
	return m, nil
}

// Close stops the scheduler (draining tasks and waiting out pending events
// and timers) and releases the epoll and wake descriptors. Idempotent.
func (m *IOManager) Close() error {
	m.Stop()
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		_ = unix.Close(m.epfd)
		_ = unix.Close(m.wakeFd)
		m.ctxMu.Lock()
		m.fdCtxs = nil
		m.ctxMu.Unlock()
	})
	return nil
}

// PendingEvents returns the number of registered (fd, direction) pairs
// awaiting fire.
func (m *IOManager) PendingEvents() int64 {
	return m.pending.Load()
}

// resizeContexts grows the fd table to at least size entries.
func (m *IOManager) resizeContexts(size int) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.growLocked(size)
}

func (m *IOManager) growLocked(size int) {
	if size <= len(m.fdCtxs) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, m.fdCtxs)
	for i := len(m.fdCtxs); i < size; i++ {
		grown[i] = &fdContext{fd: i}
	}
	m.fdCtxs = grown
}

// contextFor returns the fd's context, growing the table to about 1.5x the
// fd when the fd exceeds capacity.
func (m *IOManager) contextFor(fd int) (*fdContext, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	if m.closed.Load() {
		return nil, ErrIOManagerClosed
	}
	m.ctxMu.RLock()
	if fd < len(m.fdCtxs) {
		fc := m.fdCtxs[fd]
		m.ctxMu.RUnlock()
		return fc, nil
	}
	m.ctxMu.RUnlock()

	m.ctxMu.Lock()
	m.growLocked(fd + fd/2 + 1)
	fc := m.fdCtxs[fd]
	m.ctxMu.Unlock()
	return fc, nil
}

// lookupContext returns the fd's context without growing, or nil.
func (m *IOManager) lookupContext(fd int) *fdContext {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	if fd < 0 || fd >= len(m.fdCtxs) {
		return nil
	}
	return m.fdCtxs[fd]
}

// AddEvent registers a direction on fd. With a nil callback the current
// fiber is captured as the resumption target, which requires the call to
// come from inside a running user fiber. Registration is one-shot: the
// direction fires once and must be re-registered to wait again. A
// duplicate registration returns ErrEventRegistered.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	fc, err := m.contextFor(fd)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev != 0 {
		m.log.Err().Int("fd", fd).Stringer("event", ev).Stringer("registered", fc.events).
			Log("duplicate event registration")
		return ErrEventRegistered
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epEv := unix.EpollEvent{
		Events: unix.EPOLLET | eventsToEpoll(fc.events|ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &epEv); err != nil {
		m.log.Err().Int("fd", fd).Stringer("event", ev).Err(err).Log("epoll_ctl failed")
		return fmt.Errorf("fiberloop: epoll_ctl: %w", err)
	}

	m.pending.Add(1)
	fc.events |= ev
	ec := fc.ctxFor(ev)
	ec.sched = CurrentScheduler()
	if ec.sched == nil {
		ec.sched = m.Scheduler
	}
	if cb != nil {
		ec.cb = cb
	} else {
		f := Current()
		if f.main || f.State() != StateRunning {
			panic("fiberloop: AddEvent without callback requires a running user fiber")
		}
		ec.fiber = f
	}
	return nil
}

// DelEvent unregisters a direction without firing it. Returns false if the
// direction is not registered.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	fc := m.lookupContext(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	if !m.rearmLocked(fc, fc.events&^ev) {
		return false
	}
	m.pending.Add(-1)
	fc.events &^= ev
	*fc.ctxFor(ev) = eventContext{}
	return true
}

// CancelEvent unregisters a direction and fires its stored target once,
// waking a fiber parked on the event with no data available. Returns false
// if the direction is not registered.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := m.lookupContext(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	if !m.rearmLocked(fc, fc.events&^ev) {
		return false
	}
	m.triggerLocked(fc, ev)
	m.pending.Add(-1)
	return true
}

// CancelAll fires and clears both directions of fd. Returns false if
// nothing is registered.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.lookupContext(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == 0 {
		return false
	}

	if !m.rearmLocked(fc, 0) {
		return false
	}
	if fc.events&EventRead != 0 {
		m.triggerLocked(fc, EventRead)
		m.pending.Add(-1)
	}
	if fc.events&EventWrite != 0 {
		m.triggerLocked(fc, EventWrite)
		m.pending.Add(-1)
	}
	return true
}

// rearmLocked updates the kernel mask of fc to next, choosing MOD or DEL.
// Called with fc.mu held.
func (m *IOManager) rearmLocked(fc *fdContext, next Event) bool {
	op := unix.EPOLL_CTL_DEL
	if next != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epEv := unix.EpollEvent{
		Events: unix.EPOLLET | eventsToEpoll(next),
		Fd:     int32(fc.fd),
	}
	if err := unix.EpollCtl(m.epfd, op, fc.fd, &epEv); err != nil {
		m.log.Err().Int("fd", fc.fd).Stringer("events", next).Err(err).Log("epoll_ctl failed")
		return false
	}
	return true
}

// triggerLocked clears ev from the registered mask and schedules its
// stored target on the scheduler it was registered under. Called with
// fc.mu held; the kernel mask must already reflect the removal.
func (m *IOManager) triggerLocked(fc *fdContext, ev Event) {
	if fc.events&ev == 0 {
		panic(fmt.Sprintf("fiberloop: trigger of unregistered %s on fd %d", ev, fc.fd))
	}
	fc.events &^= ev
	ec := fc.ctxFor(ev)
	sched := ec.sched
	if sched == nil {
		sched = m.Scheduler
	}
	if ec.cb != nil {
		sched.ScheduleFunc(ec.cb)
	} else {
		sched.ScheduleFiber(ec.fiber)
	}
	*ec = eventContext{}
}

// tickle wakes one idle worker out of epoll_wait. Writing when every
// worker is busy would only litter the eventfd, so it is skipped.
func (m *IOManager) tickle() {
	if !m.hasIdleWorkers() {
		return
	}
	if err := writeWakeFd(m.wakeFd); err != nil {
		if m.closed.Load() {
			return
		}
		m.log.Err().Err(err).Log("wake fd write failed")
		panic(fmt.Sprintf("fiberloop: wake fd write failed: %v", err))
	}
}

// reactorStopping extends the scheduler's stopping condition: no pending
// fd events and no pending timers may remain.
func (m *IOManager) reactorStopping() bool {
	if _, ok := m.NextTimeout(); ok {
		return false
	}
	return m.pending.Load() == 0 && m.baseStopping()
}

// idle is the reactor's idle fiber. Each pass blocks in epoll_wait bounded
// by the earliest timer (capped so stopping is re-checked periodically),
// schedules expired timers and fired events, then yields so the dispatch
// loop runs what was just scheduled. Yielding per pass, instead of looping
// here, is what keeps freshly woken fibers prompt.
func (m *IOManager) idle() {
	m.log.Debug().Str("scheduler", m.name).Int("worker", WorkerID()).Log("idle")
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		if m.reactorStopping() {
			m.log.Debug().Str("scheduler", m.name).Int("worker", WorkerID()).Log("idle stopping exit")
			return
		}

		timeout := maxIdleTimeout
		if next, ok := m.NextTimeout(); ok {
			ms := int(next.Milliseconds())
			if next > 0 && ms == 0 {
				ms = 1 // ceiling: sub-millisecond deadlines round up
			}
			if ms < timeout {
				timeout = ms
			}
		}

		var n int
		for {
			var err error
			n, err = unix.EpollWait(m.epfd, events, timeout)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				// A broken epoll fd is unrecoverable; terminating the
				// idle fiber lets the worker exit instead of spinning.
				if !m.closed.Load() {
					m.log.Err().Err(err).Log("epoll_wait failed")
				}
				return
			}
			break
		}

		for _, cb := range m.CollectExpired() {
			m.ScheduleFunc(cb)
		}

		for i := 0; i < n; i++ {
			e := &events[i]
			fd := int(e.Fd)
			if fd == m.wakeFd {
				drainWakeFd(m.wakeFd)
				continue
			}

			fc := m.lookupContext(fd)
			if fc == nil {
				continue
			}
			fc.mu.Lock()

			// EPOLLERR (e.g. the far end of a pipe closed) and EPOLLHUP
			// must wake both registered directions, or a waiter could
			// never observe the failure.
			ep := e.Events
			if ep&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ep |= (unix.EPOLLIN | unix.EPOLLOUT) & eventsToEpoll(fc.events)
			}
			real := epollToEvents(ep) & fc.events
			if real == 0 {
				// Stale wake: the registration was consumed between the
				// kernel queuing the event and this pass.
				fc.mu.Unlock()
				continue
			}

			if !m.rearmLocked(fc, fc.events&^real) {
				fc.mu.Unlock()
				continue
			}
			if real&EventRead != 0 {
				m.triggerLocked(fc, EventRead)
				m.pending.Add(-1)
			}
			if real&EventWrite != 0 {
				m.triggerLocked(fc, EventWrite)
				m.pending.Add(-1)
			}
			fc.mu.Unlock()
		}

		Yield()
	}
}

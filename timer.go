package fiberloop

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// clockRolloverThreshold is how far the wall clock must jump backwards
// before all pending timers are flushed as expired. Monotonic readings
// cannot regress, but a restored snapshot or a stale injected clock can;
// flushing beats stalling every deadline indefinitely.
const clockRolloverThreshold = time.Hour

// Timer is a handle to a pending (or fired) timer. All methods are safe
// from any goroutine; Cancel is idempotent.
type Timer struct {
	m *TimerManager

	deadline  time.Time
	period    time.Duration
	cb        func()
	cond      func() bool
	recurring bool

	// index is the heap position, -1 when not pending. seq breaks
	// equal-deadline ties in insertion order.
	index int
	seq   uint64
}

// Cancel unlinks the timer and zeroes its callback, guaranteeing the
// callback never runs again. Returns false if the timer already fired (and
// is not recurring) or was already cancelled.
func (t *Timer) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	t.cond = nil
	if t.index >= 0 {
		heap.Remove(&t.m.timers, t.index)
		return true
	}
	// One-shot that already fired: the callback is now dead, but cancel
	// arrived too late to have prevented anything.
	return false
}

// Refresh pushes the deadline out to now+period. Only pending timers can
// be refreshed; returns false otherwise.
func (t *Timer) Refresh() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	t.deadline = t.m.now().Add(t.period)
	heap.Fix(&t.m.timers, t.index)
	return true
}

// Reset re-queues the timer with a new period. The new deadline is
// measured from now when fromNow is true, otherwise from the original
// start (previous deadline minus the previous period). Safe to call from
// inside the timer's own callback; returns false once cancelled.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	t.m.mu.Lock()
	if t.cb == nil {
		t.m.mu.Unlock()
		return false
	}
	if d == t.period && !fromNow {
		t.m.mu.Unlock()
		return true
	}
	if t.index >= 0 {
		heap.Remove(&t.m.timers, t.index)
	}
	var start time.Time
	if fromNow {
		start = t.m.now()
	} else {
		start = t.deadline.Add(-t.period)
	}
	t.period = d
	t.deadline = start.Add(d)
	atFront := t.m.pushLocked(t)
	t.m.mu.Unlock()
	if atFront {
		t.m.notifyFront()
	}
	return true
}

// timerHeap orders timers by (deadline, insertion sequence).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is an ordered set of absolute-deadline timers. It is
// standalone; IOManager composes one and wires the front-insertion hook to
// its wake mechanism so the poll timeout re-arms.
type TimerManager struct {
	mu      sync.Mutex
	timers  timerHeap
	seq     uint64
	prev    time.Time
	now     func() time.Time
	onFront func()
}

// NewTimerManager creates an empty timer set using the system clock.
func NewTimerManager() *TimerManager {
	return &TimerManager{now: time.Now}
}

// AddTimer schedules cb after d. A recurring timer re-queues itself at
// now+period each time it fires, until cancelled.
func (m *TimerManager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return m.add(d, cb, nil, recurring)
}

// AddConditionalTimer schedules cb after d, firing only if cond still
// reports true at fire time. The condition is tested exactly once per
// firing; a one-shot timer whose condition has died is dropped silently.
// See [WeakCond] to derive a condition from object liveness.
func (m *TimerManager) AddConditionalTimer(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	return m.add(d, cb, cond, recurring)
}

// WeakCond returns a timer condition that holds while ptr has not been
// garbage collected, expressing the tie-the-timer-to-an-object idiom
// without the timer keeping the object alive.
func WeakCond[T any](ptr *T) func() bool {
	w := weak.Make(ptr)
	return func() bool {
		return w.Value() != nil
	}
}

func (m *TimerManager) add(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	if cb == nil {
		panic("fiberloop: timer requires a callback")
	}
	m.mu.Lock()
	t := &Timer{
		m:         m,
		deadline:  m.now().Add(d),
		period:    d,
		cb:        cb,
		cond:      cond,
		recurring: recurring,
		index:     -1,
	}
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront {
		m.notifyFront()
	}
	return t
}

// pushLocked inserts t and reports whether it became the new head.
func (m *TimerManager) pushLocked(t *Timer) bool {
	m.seq++
	t.seq = m.seq
	heap.Push(&m.timers, t)
	return t.index == 0
}

func (m *TimerManager) notifyFront() {
	if m.onFront != nil {
		m.onFront()
	}
}

// NextTimeout returns the delay until the earliest deadline. ok is false
// when no timer is pending; a deadline already due reports zero.
func (m *TimerManager) NextTimeout() (d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return 0, false
	}
	d = m.timers[0].deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// PendingTimers returns the number of pending timers.
func (m *TimerManager) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// CollectExpired removes every timer whose deadline has passed and returns
// their callbacks in deadline order. Recurring timers are re-queued at
// now+period — measured from collection, not from the missed deadline, so
// a burst of missed periods does not backlog. A detected backward clock
// jump flushes the whole set once.
func (m *TimerManager) CollectExpired() []func() {
	now := m.now()

	m.mu.Lock()
	rollover := m.rolloverLocked(now)
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return nil
	}

	var expired []*Timer
	for len(m.timers) > 0 {
		head := m.timers[0]
		if !rollover && head.deadline.After(now) {
			break
		}
		heap.Pop(&m.timers)
		expired = append(expired, head)
	}

	var cbs []func()
	for _, t := range expired {
		if t.cond != nil && !t.cond() {
			t.cb = nil
			continue
		}
		if t.cb == nil {
			continue
		}
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.deadline = now.Add(t.period)
			m.pushLocked(t)
		}
	}
	m.mu.Unlock()
	return cbs
}

// rolloverLocked detects a large backward wall-clock jump. The comparison
// strips the monotonic reading, which is what an injected or restored
// clock perturbs.
func (m *TimerManager) rolloverLocked(now time.Time) bool {
	wall := now.Round(0)
	rolledBack := !m.prev.IsZero() && wall.Before(m.prev.Add(-clockRolloverThreshold))
	m.prev = wall
	return rolledBack
}

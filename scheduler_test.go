package fiberloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScheduler_SingleFiberYieldOrder is the canonical A/B/C scenario: a
// fiber that yields twice runs its segments in order, re-scheduled after
// each yield, and the scheduler exits once it terminates.
func TestScheduler_SingleFiberYieldOrder(t *testing.T) {
	s := NewScheduler("test", 1)

	var mu sync.Mutex
	var log []string
	record := func(v string) {
		mu.Lock()
		log = append(log, v)
		mu.Unlock()
	}

	var f *Fiber
	f = NewFiber(func() {
		record("A")
		CurrentScheduler().ScheduleFiber(f)
		Yield()
		record("B")
		CurrentScheduler().ScheduleFiber(f)
		Yield()
		record("C")
	}, 0, true)

	s.ScheduleFiber(f)
	s.Start()
	s.Stop()

	assert.Equal(t, []string{"A", "B", "C"}, log)
	assert.Equal(t, StateTerminated, f.State())
	assert.Equal(t, 0, s.QueueLen())
}

func TestScheduler_RunsCallables(t *testing.T) {
	s := NewScheduler("test", 2)
	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		s.ScheduleFunc(func() { ran.Add(1) })
	}
	s.Start()
	s.Stop()
	assert.Equal(t, int64(100), ran.Load())
}

func TestScheduler_ScheduleBeforeStart(t *testing.T) {
	s := NewScheduler("test", 1)
	var ran atomic.Bool
	s.ScheduleFunc(func() { ran.Store(true) })
	s.Start()
	s.Stop()
	assert.True(t, ran.Load())
}

func TestScheduler_ScheduleBatch(t *testing.T) {
	s := NewScheduler("test", 2)
	var ran atomic.Int64
	tasks := make([]Task, 0, 50)
	for i := 0; i < 50; i++ {
		tasks = append(tasks, Task{Run: func() { ran.Add(1) }})
	}
	tasks = append(tasks, Task{}) // no-op entries are skipped
	s.ScheduleBatch(tasks)
	s.Start()
	s.Stop()
	assert.Equal(t, int64(50), ran.Load())
}

// TestScheduler_PinToWorker schedules 100 tasks pinned to the worker that
// ran a probe fiber; every execution must observe the same worker id.
func TestScheduler_PinToWorker(t *testing.T) {
	s := NewScheduler("test", 3)
	s.Start()

	idCh := make(chan int, 1)
	s.ScheduleFunc(func() { idCh <- WorkerID() })
	target := <-idCh
	require.GreaterOrEqual(t, target, 1)
	require.LessOrEqual(t, target, 3)

	var mismatches atomic.Int64
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		s.Schedule(Task{
			Run: func() {
				if WorkerID() != target {
					mismatches.Add(1)
				}
				wg.Done()
			},
			Worker: target,
		})
	}
	wg.Wait()
	s.Stop()
	assert.Zero(t, mismatches.Load())
}

func TestScheduler_UseCaller(t *testing.T) {
	s := NewScheduler("caller", 1, WithUseCaller())
	require.Same(t, s, CurrentScheduler())
	require.Equal(t, 1, WorkerID())

	var ran atomic.Bool
	s.ScheduleFunc(func() { ran.Store(true) })
	s.Start()
	// With a single use-caller worker nothing runs until Stop drains the
	// queue on this goroutine.
	s.Stop()
	assert.True(t, ran.Load())
}

func TestScheduler_StopIdempotent(t *testing.T) {
	s := NewScheduler("test", 1)
	s.Start()
	s.Stop()
	s.Stop()
	assert.Equal(t, 0, s.QueueLen())
	assert.Zero(t, s.active.Load())
}

func TestScheduler_CurrentBindings(t *testing.T) {
	s := NewScheduler("bindings", 2)
	s.Start()
	defer s.Stop()

	type probe struct {
		sched    *Scheduler
		iom      *IOManager
		worker   int
		dispatch *Fiber
	}
	ch := make(chan probe, 1)
	s.ScheduleFunc(func() {
		ch <- probe{CurrentScheduler(), CurrentIOManager(), WorkerID(), MainFiber()}
	})
	got := <-ch
	assert.Same(t, s, got.sched)
	assert.Nil(t, got.iom)
	assert.GreaterOrEqual(t, got.worker, 1)
	assert.NotNil(t, got.dispatch)
}

// TestScheduler_CallbackFiberReuse drives a callable that yields mid-run:
// the worker must abandon its reusable callback fiber to the queue entry
// that re-scheduled it, and the fiber must complete on its next resume.
func TestScheduler_CallbackFiberReuse(t *testing.T) {
	s := NewScheduler("test", 1)
	s.Start()

	var resumed atomic.Bool
	done := make(chan struct{})
	s.ScheduleFunc(func() {
		self := Current()
		CurrentScheduler().ScheduleFiber(self)
		Yield()
		resumed.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for yielded callable to be resumed")
	}
	s.Stop()
	assert.True(t, resumed.Load())
}

func TestScheduler_Name(t *testing.T) {
	s := NewScheduler("named", 1)
	assert.Equal(t, "named", s.Name())
	s.Start()
	s.Stop()
}

// TestScheduler_NoWorkersAfterStop verifies stop drains the queue and
// leaves no active or idle workers behind.
func TestScheduler_NoWorkersAfterStop(t *testing.T) {
	s := NewScheduler("test", 4)
	var ran atomic.Int64
	for i := 0; i < 1000; i++ {
		s.ScheduleFunc(func() { ran.Add(1) })
	}
	s.Start()
	s.Stop()
	assert.Equal(t, int64(1000), ran.Load())
	assert.Equal(t, 0, s.QueueLen())
	assert.Zero(t, s.active.Load())
	assert.Zero(t, s.idleCount.Load())
}

package fiberloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFiber_YieldResume walks a fiber through the full state machine:
// READY → RUNNING → READY → ... → TERMINATED, interleaving with the
// resuming goroutine.
func TestFiber_YieldResume(t *testing.T) {
	Current() // initialise the thread-main fiber

	var log []string
	f := NewFiber(func() {
		log = append(log, "A")
		Yield()
		log = append(log, "B")
		Yield()
		log = append(log, "C")
	}, 0, false)

	require.Equal(t, StateReady, f.State())

	f.Resume()
	assert.Equal(t, []string{"A"}, log)
	assert.Equal(t, StateReady, f.State())

	f.Resume()
	assert.Equal(t, []string{"A", "B"}, log)

	f.Resume()
	assert.Equal(t, []string{"A", "B", "C"}, log)
	assert.Equal(t, StateTerminated, f.State())
}

// TestFiber_Reset reuses a terminated fiber for a new entry, mirroring the
// stack-reuse idiom.
func TestFiber_Reset(t *testing.T) {
	Current()

	ran := 0
	f := NewFiber(func() { ran++ }, 0, false)
	f.Resume()
	require.Equal(t, StateTerminated, f.State())
	require.Equal(t, 1, ran)

	var second bool
	f.Reset(func() { second = true })
	require.Equal(t, StateReady, f.State())
	f.Resume()
	assert.True(t, second)
	assert.Equal(t, StateTerminated, f.State())
}

func TestFiber_ResumeTerminatedPanics(t *testing.T) {
	Current()

	f := NewFiber(func() {}, 0, false)
	f.Resume()
	assert.Panics(t, func() { f.Resume() })
}

func TestFiber_ResetRequiresTerminated(t *testing.T) {
	Current()

	f := NewFiber(func() { Yield() }, 0, false)
	assert.Panics(t, func() { f.Reset(func() {}) })

	f.Resume() // parked at the yield
	assert.Panics(t, func() { f.Reset(func() {}) })

	f.Resume() // runs to completion
	f.Reset(func() {})
	assert.Equal(t, StateReady, f.State())
}

// TestFiber_Current verifies the per-goroutine fiber bindings: the main
// fiber outside any user fiber, the user fiber inside it.
func TestFiber_Current(t *testing.T) {
	main := Current()
	require.NotNil(t, main)
	require.Equal(t, StateRunning, main.State())
	require.Same(t, main, Current())

	var inside *Fiber
	f := NewFiber(func() {
		inside = Current()
	}, 0, false)
	f.Resume()
	assert.Same(t, f, inside)
	assert.Same(t, main, Current())
}

func TestFiber_CurrentID(t *testing.T) {
	main := Current()
	require.Equal(t, main.ID(), CurrentID())

	var inside uint64
	f := NewFiber(func() { inside = CurrentID() }, 0, false)
	f.Resume()
	assert.Equal(t, f.ID(), inside)
}

func TestFiber_IDsMonotonic(t *testing.T) {
	Current()
	a := NewFiber(func() {}, 0, false)
	b := NewFiber(func() {}, 0, false)
	assert.Greater(t, b.ID(), a.ID())
}

func TestFiber_Count(t *testing.T) {
	Current()
	before := Count()

	f := NewFiber(func() {}, 0, false)
	assert.Equal(t, before+1, Count())

	f.Resume()
	assert.Equal(t, before, Count())

	f.Reset(func() {})
	assert.Equal(t, before+1, Count())
	f.Resume()
	assert.Equal(t, before, Count())
}

func TestFiber_StackSize(t *testing.T) {
	Current()
	f := NewFiber(func() {}, 64*1024, false)
	assert.Equal(t, 64*1024, f.StackSize())

	g := NewFiber(func() {}, 0, false)
	assert.Equal(t, DefaultStackSize(), g.StackSize())
	f.Resume()
	g.Resume()
}

func TestSetDefaultStackSize(t *testing.T) {
	orig := DefaultStackSize()
	defer SetDefaultStackSize(orig)

	SetDefaultStackSize(256 * 1024)
	assert.Equal(t, 256*1024, DefaultStackSize())

	SetDefaultStackSize(0) // ignored
	assert.Equal(t, 256*1024, DefaultStackSize())
}

func TestYield_NoFiberPanics(t *testing.T) {
	Current()
	assert.Panics(t, func() { Yield() })
}

// TestFiber_NestedResume resumes a second fiber from inside the first; the
// inner fiber yields back to the outer one, not to the thread main.
func TestFiber_NestedResume(t *testing.T) {
	Current()

	var order []string
	inner := NewFiber(func() {
		order = append(order, "inner")
	}, 0, false)
	outer := NewFiber(func() {
		order = append(order, "outer pre")
		inner.Resume()
		order = append(order, "outer post")
	}, 0, false)

	outer.Resume()
	assert.Equal(t, []string{"outer pre", "inner", "outer post"}, order)
	assert.Equal(t, StateTerminated, outer.State())
	assert.Equal(t, StateTerminated, inner.State())
}

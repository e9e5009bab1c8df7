package fiberloop

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer serialises writes from concurrent worker goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestWithLogger_SchedulerEvents runs a scheduler against a real stumpy
// sink and checks the lifecycle events carry the scheduler name.
func TestWithLogger_SchedulerEvents(t *testing.T) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	s := NewScheduler("logged", 1, WithLogger(logger))
	s.Start()
	s.Stop()

	out := buf.String()
	assert.Contains(t, out, `"logged"`)
	assert.Contains(t, out, "scheduler started")
	assert.Contains(t, out, "scheduler stopped")
	assert.True(t, strings.Contains(out, "worker running"))
}

func TestNilLoggerIsSafe(t *testing.T) {
	s := NewScheduler("silent", 1, WithLogger(nil))
	var ran bool
	done := make(chan struct{})
	s.ScheduleFunc(func() { ran = true; close(done) })
	s.Start()
	<-done
	s.Stop()
	require.True(t, ran)
}

func TestSetDefaultLogger(t *testing.T) {
	defer SetDefaultLogger(nil)

	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
	SetDefaultLogger(logger)

	s := NewScheduler("defaulted", 1)
	s.Start()
	s.Stop()

	assert.Contains(t, buf.String(), `"defaulted"`)
}

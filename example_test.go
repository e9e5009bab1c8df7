package fiberloop_test

import (
	"fmt"
	"time"

	fiberloop "github.com/joeycumines/go-fiberloop"
)

// ExampleFiber demonstrates manual resume/yield outside any scheduler.
func ExampleFiber() {
	fiberloop.Current() // initialise this goroutine's main fiber

	f := fiberloop.NewFiber(func() {
		fmt.Println("first run")
		fiberloop.Yield()
		fmt.Println("second run")
	}, 0, false)

	f.Resume()
	fmt.Println("between resumes")
	f.Resume()

	// Output:
	// first run
	// between resumes
	// second run
}

// ExampleScheduler runs a single callable on a two-worker scheduler.
func ExampleScheduler() {
	s := fiberloop.NewScheduler("example", 2)

	done := make(chan struct{})
	s.ScheduleFunc(func() {
		fmt.Println("hello from a worker")
		close(done)
	})

	s.Start()
	<-done
	s.Stop()

	// Output:
	// hello from a worker
}

// ExampleIOManager fires a one-shot timer on the reactor, then stops it
// once the timer has run.
func ExampleIOManager() {
	iom, err := fiberloop.NewIOManager("example", 1)
	if err != nil {
		panic(err)
	}
	defer iom.Close()

	fired := make(chan struct{})
	iom.AddTimer(10*time.Millisecond, func() {
		fmt.Println("timer fired")
		close(fired)
	}, false)

	<-fired
	iom.Stop()

	// Output:
	// timer fired
}

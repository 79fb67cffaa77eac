package replay

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// coroutine runs orchestrator code on its own goroutine but hands control
// back and forth with the driver, so exactly one side runs at any time.
//
// The orchestrator side suspends in yield; the driver side continues it
// with step and tears it down with abandon. Every hand-off is a channel
// send, which also orders memory between the two goroutines.
type coroutine struct {
	resume chan bool
	parked chan struct{}

	started   bool
	finished  bool
	abandoned bool

	// Set when the body panicked.
	panicValue any
	panicStack []byte
}

func newCoroutine(body func()) *coroutine {
	co := &coroutine{
		resume: make(chan bool),
		parked: make(chan struct{}),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil && !co.abandoned {
				co.panicValue = r
				co.panicStack = debug.Stack()
			}
			co.finished = true
			co.parked <- struct{}{}
		}()
		if !<-co.resume {
			runtime.Goexit()
		}
		body()
	}()
	return co
}

// step runs the orchestrator until it suspends or returns.
func (co *coroutine) step() {
	if co.finished {
		return
	}
	co.started = true
	co.resume <- true
	<-co.parked
}

// yield is called on the orchestrator goroutine. It parks until the driver
// steps again, and never returns once the coroutine is abandoned.
func (co *coroutine) yield() {
	co.parked <- struct{}{}
	if !<-co.resume {
		runtime.Goexit()
	}
}

// abandon unwinds a suspended or never-started orchestrator. Deferred
// calls in orchestrator code still run.
func (co *coroutine) abandon() {
	if co.finished {
		return
	}
	co.abandoned = true
	co.resume <- false
	<-co.parked
}

func (co *coroutine) panicked() error {
	if co.panicValue == nil {
		return nil
	}
	return panicError(co.panicValue)
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("orchestrator panicked: %w", err)
	}
	return fmt.Errorf("orchestrator panicked: %v", v)
}

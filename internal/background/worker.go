// Package background runs the long-lived workers of a node: table sync, merkle
// updates, tombstone GC, insert queues and block resync.
package background

import (
	"context"
	"fmt"
	"time"
)

type stateKind int

const (
	kindBusy stateKind = iota
	kindThrottled
	kindIdle
	kindDone
)

// WorkerState is what a worker reports after one unit of work.
type WorkerState struct {
	kind  stateKind
	delay time.Duration
}

var (
	// Busy asks the runner to call Work again immediately.
	Busy = WorkerState{kind: kindBusy}
	// Idle makes the runner call WaitForWork before the next Work.
	Idle = WorkerState{kind: kindIdle}
	// Done stops the worker for good.
	Done = WorkerState{kind: kindDone}
)

// Throttled asks the runner to pause for d before calling Work again.
func Throttled(d time.Duration) WorkerState {
	return WorkerState{kind: kindThrottled, delay: d}
}

func (s WorkerState) String() string {
	switch s.kind {
	case kindBusy:
		return "busy"
	case kindThrottled:
		return fmt.Sprintf("throttled(%s)", s.delay)
	case kindIdle:
		return "idle"
	default:
		return "done"
	}
}

// WorkerStatus is the worker specific part of the status shown to operators.
type WorkerStatus struct {
	QueueLength int64  `json:"queue_length"`
	Progress    string `json:"progress,omitempty"`
	Tranquility int    `json:"tranquility,omitempty"`
	// Errors counts items waiting for a retry after failing.
	Errors int64 `json:"errors,omitempty"`
}

// Worker is a unit of background work driven by the Runner.
type Worker interface {
	Name() string
	Status() WorkerStatus
	// Work performs one bounded step. Returning an error makes the runner back
	// off before the next call.
	Work(ctx context.Context) (WorkerState, error)
	// WaitForWork blocks until new work may be available or ctx is done.
	WaitForWork(ctx context.Context)
}

// Trigger is a level-triggered wakeup shared between a producer and a
// worker's WaitForWork.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger returns a ready to use trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Notify wakes the waiter. Multiple notifications coalesce.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify, timeout, or ctx is done, and reports whether it
// was woken by Notify. A zero timeout waits without a deadline.
func (t *Trigger) Wait(ctx context.Context, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-t.ch:
		return true
	case <-timer:
	case <-ctx.Done():
	}
	return false
}

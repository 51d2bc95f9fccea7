// Package timer provides a cancellable, resettable single-shot delayed callback.
//
// The scheduling primitive is injectable so that callers can drive the timer
// from a synthetic clock (see ManualScheduler) instead of the runtime clock.
package timer

import (
	"sync"
	"time"
)

// Cancel cancels a scheduled invocation. It reports whether the invocation was
// still pending.
type Cancel func() bool

// Scheduler schedules f to run once after d elapses.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Cancel
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(d time.Duration, f func()) Cancel

// AfterFunc implements Scheduler.
func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) Cancel {
	return fn(d, f)
}

// RuntimeScheduler schedules callbacks on the runtime clock via time.AfterFunc.
var RuntimeScheduler Scheduler = SchedulerFunc(func(d time.Duration, f func()) Cancel {
	return time.AfterFunc(d, f).Stop
})

// Option configures a Timer.
type Option func(*Timer)

// WithScheduler replaces the runtime clock with s.
func WithScheduler(s Scheduler) Option {
	return func(t *Timer) {
		if s != nil {
			t.scheduler = s
		}
	}
}

// Timer invokes a callback once after a delay unless stopped first.
type Timer struct {
	callback  func()
	delay     time.Duration
	scheduler Scheduler

	mu         sync.Mutex
	cancel     Cancel
	generation uint64
}

// New creates a stopped Timer. Call Start to schedule the callback.
func New(callback func(), delay time.Duration, opts ...Option) *Timer {
	t := &Timer{
		callback:  callback,
		delay:     delay,
		scheduler: RuntimeScheduler,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Delay returns the configured delay.
func (t *Timer) Delay() time.Duration {
	return t.delay
}

// Start schedules the callback. A pending invocation from an earlier Start is
// replaced, so at most one invocation is ever pending.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.generation++
	generation := t.generation
	t.cancel = t.scheduler.AfterFunc(t.delay, func() {
		t.fire(generation)
	})
}

// Stop cancels any pending invocation. It is a no-op when nothing is pending.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Reset is Stop followed by Start.
func (t *Timer) Reset() {
	t.Start()
}

// Pending reports whether an invocation is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Timer) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Timer) fire(generation uint64) {
	t.mu.Lock()
	// A stale invocation can race with Stop or a later Start; only the
	// current generation may run.
	if t.cancel == nil || t.generation != generation {
		t.mu.Unlock()
		return
	}
	t.cancel = nil
	t.mu.Unlock()

	if t.callback != nil {
		t.callback()
	}
}

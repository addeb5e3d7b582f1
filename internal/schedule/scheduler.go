// Package schedule abstracts one-shot and repeating timers so timer-driven
// code can run against a virtual clock in tests.
package schedule

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops future runs. It is safe to call more than once.
	Cancel()
}

type Scheduler interface {
	ScheduleRepeating(interval time.Duration, fn func()) Task
	ScheduleOnce(delay time.Duration, fn func()) Task
	Now() time.Time
}

// Real runs callbacks on their own goroutines using the wall clock.
type Real struct{}

func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) ScheduleOnce(delay time.Duration, fn func()) Task {
	task := &realTask{done: make(chan struct{})}
	task.timer = time.AfterFunc(delay, func() {
		if task.cancelled() {
			return
		}
		fn()
	})
	return task
}

func (Real) ScheduleRepeating(interval time.Duration, fn func()) Task {
	task := &realTask{done: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-task.done:
				return
			case <-ticker.C:
				if task.cancelled() {
					return
				}
				fn()
			}
		}
	}()
	return task
}

type realTask struct {
	once  sync.Once
	done  chan struct{}
	timer *time.Timer
}

func (t *realTask) Cancel() {
	t.once.Do(func() {
		close(t.done)
		if t.timer != nil {
			t.timer.Stop()
		}
	})
}

func (t *realTask) cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

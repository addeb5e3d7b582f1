package schedule

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Callbacks run synchronously on the goroutine
// calling Advance, in due-time order.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) ScheduleOnce(delay time.Duration, fn func()) Task {
	return f.add(delay, 0, fn)
}

func (f *Fake) ScheduleRepeating(interval time.Duration, fn func()) Task {
	return f.add(interval, interval, fn)
}

// Pending returns the number of live tasks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, task := range f.tasks {
		if !task.cancelled {
			count++
		}
	}
	return count
}

// Advance moves the clock forward by d, firing every task that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		task := f.nextDue(target)
		if task == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = task.due
		if task.interval > 0 {
			task.due = task.due.Add(task.interval)
		} else {
			task.cancelled = true
		}
		fn := task.fn
		f.mu.Unlock()

		fn()
	}
}

func (f *Fake) add(delay, interval time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	task := &fakeTask{
		fake:     f,
		seq:      f.seq,
		due:      f.now.Add(delay),
		interval: interval,
		fn:       fn,
	}
	f.tasks = append(f.tasks, task)
	return task
}

func (f *Fake) nextDue(target time.Time) *fakeTask {
	live := f.tasks[:0]
	for _, task := range f.tasks {
		if !task.cancelled {
			live = append(live, task)
		}
	}
	f.tasks = live

	sort.SliceStable(f.tasks, func(i, j int) bool {
		if f.tasks[i].due.Equal(f.tasks[j].due) {
			return f.tasks[i].seq < f.tasks[j].seq
		}
		return f.tasks[i].due.Before(f.tasks[j].due)
	})
	if len(f.tasks) == 0 || f.tasks[0].due.After(target) {
		return nil
	}
	return f.tasks[0]
}

type fakeTask struct {
	fake      *Fake
	seq       int
	due       time.Time
	interval  time.Duration
	fn        func()
	cancelled bool
}

func (t *fakeTask) Cancel() {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	t.cancelled = true
}

package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_ScheduleOnce(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var firedAt time.Time
	f.ScheduleOnce(10*time.Second, func() { firedAt = f.Now() })

	f.Advance(9 * time.Second)
	assert.True(t, firedAt.IsZero())
	assert.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	assert.Equal(t, start.Add(10*time.Second), firedAt)
	assert.Equal(t, 0, f.Pending())
}

func TestFake_ScheduleRepeating(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	count := 0
	task := f.ScheduleRepeating(30*time.Second, func() { count++ })

	f.Advance(4 * time.Minute)
	assert.Equal(t, 8, count)

	task.Cancel()
	task.Cancel()
	f.Advance(time.Hour)
	assert.Equal(t, 8, count)
}

func TestFake_OrderAndCancelFromCallback(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	var repeating Task
	repeating = f.ScheduleRepeating(time.Second, func() {
		order = append(order, "tick")
	})
	f.ScheduleOnce(2500*time.Millisecond, func() {
		order = append(order, "stop")
		repeating.Cancel()
	})

	f.Advance(10 * time.Second)
	assert.Equal(t, []string{"tick", "tick", "stop"}, order)
}

func TestReal_CancelStopsRepeating(t *testing.T) {
	var count atomic.Int32
	task := NewReal().ScheduleRepeating(5*time.Millisecond, func() { count.Add(1) })

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, time.Millisecond)
	task.Cancel()
	stopped := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), stopped+1)
}

func TestReal_CancelledOnceNeverFires(t *testing.T) {
	var fired atomic.Bool
	task := NewReal().ScheduleOnce(20*time.Millisecond, func() { fired.Store(true) })
	task.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

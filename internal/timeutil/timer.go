package timeutil

import (
	"log/slog"
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired and its callback was scheduled.
	TimerStateExpired TimerState = "expired"
)

// Timer is a one-shot timer that calls its callback in its own goroutine on expiration.
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	state     TimerState
	realTimer *time.Timer
}

// AfterFunc starts a new timer that calls f after duration d.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{
		startTime: time.Now(),
		duration:  d,
		state:     TimerStateRunning,
	}
	t.mu.Lock()
	t.realTimer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.state != TimerStateRunning {
			t.mu.Unlock()
			return
		}
		t.state = TimerStateExpired
		t.mu.Unlock()

		f()
	})
	t.mu.Unlock()
	return t
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return TimerStateStopped
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	left := t.duration - time.Since(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// ExpiresAt returns the time when the running timer expires.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime.Add(t.duration)
}

// Stop prevents the callback from running.
// It returns false if the timer already expired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	t.realTimer.Stop()
	return true
}

// LogValue implements [slog.LogValuer].
func (t *Timer) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("state", t.State()),
		slog.Duration("duration", t.Duration()),
		slog.Time("expires_at", t.ExpiresAt()),
	)
}

package oven

import (
	"context"
	"math"
	"sync"
	"time"
)

// TimerState is a copy of the countdown clock.
type TimerState struct {
	Running   bool
	Remaining float64 // seconds
}

// Timer is a countdown independent of heating. Set arms it without starting;
// Toggle starts and pauses it.
type Timer struct {
	mu        sync.Mutex
	running   bool
	remaining float64
	anchor    time.Time

	now      func() time.Time
	onExpire func()
	onChange func()
}

func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now}
}

// OnExpire registers fn to run once each time the countdown reaches zero.
// It is called without the timer lock held.
func (t *Timer) OnExpire(fn func()) {
	t.mu.Lock()
	t.onExpire = fn
	t.mu.Unlock()
}

// OnChange registers fn to run after every tick that changed the state.
func (t *Timer) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimerState{Running: t.running, Remaining: t.remaining}
}

// Set arms the timer with seconds remaining, stopped.
func (t *Timer) Set(seconds float64) error {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return ErrInvalidTimer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = seconds
	t.running = false
	t.anchor = time.Time{}
	return nil
}

// Restore loads persisted state; a running timer resumes from now.
func (t *Timer) Restore(s TimerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = math.Max(0, s.Remaining)
	t.running = s.Running && t.remaining > 0
	t.anchor = t.now()
}

// Toggle starts a stopped timer or pauses a running one. Starting a timer with
// nothing left is a no-op.
func (t *Timer) Toggle() TimerState {
	return t.update(func(running bool) bool { return !running })
}

// SetRunning starts or pauses the countdown.
func (t *Timer) SetRunning(run bool) TimerState {
	return t.update(func(bool) bool { return run })
}

func (t *Timer) update(want func(running bool) bool) TimerState {
	t.mu.Lock()
	expired := false
	now := t.now()
	run := want(t.running)
	switch {
	case run && !t.running:
		if t.remaining > 0 {
			t.running = true
			t.anchor = now
		}
	case !run && t.running:
		expired = t.advance(now)
		t.running = false
	}
	s := TimerState{Running: t.running, Remaining: t.remaining}
	fn := t.onExpire
	t.mu.Unlock()

	if expired && fn != nil {
		fn()
	}
	return s
}

// Tick applies the wall-clock time elapsed since the previous tick.
func (t *Timer) Tick() TimerState {
	t.mu.Lock()
	changed := t.running
	expired := false
	if t.running {
		expired = t.advance(t.now())
	}
	s := TimerState{Running: t.running, Remaining: t.remaining}
	onExpire, onChange := t.onExpire, t.onChange
	t.mu.Unlock()

	if expired && onExpire != nil {
		onExpire()
	}
	if changed && onChange != nil {
		onChange()
	}
	return s
}

// advance must be called with t.mu held and t.running set. It reports whether
// this call took the countdown to zero.
func (t *Timer) advance(now time.Time) bool {
	elapsed := now.Sub(t.anchor).Seconds()
	t.anchor = now
	if elapsed <= 0 {
		return false
	}
	t.remaining = math.Max(0, t.remaining-elapsed)
	if t.remaining == 0 {
		t.running = false
		return true
	}
	return false
}

// Run ticks every interval until ctx is done.
func (t *Timer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick()
		}
	}
}

package timectrl

import (
	"sync"
	"time"
)

// Clock is the time source used by trackers and the controller. It lets
// tests stamp samples deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.T }

// Loop runs a callback at a fixed period until stopped. It is a
// best-effort refresh: a slow callback delays the next tick instead of
// piling ticks up.
type Loop struct {
	mu     sync.Mutex
	period time.Duration
	fn     func(time.Time)

	stop chan struct{}
	done chan struct{}
}

// NewLoop constructs a stopped loop. A non-positive period falls back to
// one millisecond.
func NewLoop(period time.Duration, fn func(time.Time)) *Loop {
	if period <= 0 {
		period = time.Millisecond
	}
	return &Loop{period: period, fn: fn}
}

// Period returns the tick period.
func (l *Loop) Period() time.Duration { return l.period }

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

// Start launches the loop. It returns false if the loop is already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done

	go func() {
		defer close(done)

		ticker := time.NewTicker(l.period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				// A stop that raced the tick wins.
				select {
				case <-stop:
					return
				default:
				}
				l.fn(now)
			}
		}
	}()
	return true
}

// Stop halts the loop and waits for an in-flight callback to return, so no
// tick fires after Stop returns. Stopping a stopped loop is a no-op.
//
// Stop must not be called from inside the loop callback.
func (l *Loop) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Timer is an owned handle to a one-shot callback.
type Timer struct {
	t *time.Timer
}

// AfterFunc schedules fn once after d.
func AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, fn)}
}

// Stop cancels the timer if it has not fired. It is safe on a nil handle.
func (t *Timer) Stop() bool {
	if t == nil || t.t == nil {
		return false
	}
	return t.t.Stop()
}

// Reset re-arms the timer for d.
func (t *Timer) Reset(d time.Duration) {
	if t == nil || t.t == nil {
		return
	}
	t.t.Reset(d)
}

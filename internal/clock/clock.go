// Package clock abstracts wall time so the session engine's deadlines,
// focus grace periods and backoff waits can be driven deterministically.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the engine components.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call was
	// still pending.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually advanced clock. Scheduled functions run synchronously
// inside Advance, in deadline order. Sleep returns immediately after moving
// the clock forward, so retry loops never block a test.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	slept   []time.Duration
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	f     func()
	done  bool
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

func (c *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

// Slept returns every duration passed to Sleep so far.
func (c *Fake) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// Advance moves the clock forward by d, running every function that becomes
// due on the way. Each function sees Now() equal to its own deadline, and
// functions scheduled during the advance run too if they fall inside it.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Jump moves the clock forward by d without running anything that falls
// due, the way a suspended host wakes up late. The next Advance runs the
// overdue functions.
func (c *Fake) Jump(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	keep := c.pending[:0]
	var next *fakeTimer
	for _, t := range c.pending {
		if t.done {
			continue
		}
		keep = append(keep, t)
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	c.pending = keep
	return next
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Every calls f each time d elapses on c until the returned stop function is
// called. Calls never overlap: the next one is scheduled after f returns.
func Every(c Clock, d time.Duration, f func()) (stop func()) {
	var (
		mu      sync.Mutex
		stopped bool
		current Timer
	)
	var schedule func()
	schedule = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		current = c.AfterFunc(d, func() {
			mu.Lock()
			done := stopped
			mu.Unlock()
			if done {
				return
			}
			f()
			schedule()
		})
	}
	schedule()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if current != nil {
			current.Stop()
		}
	}
}

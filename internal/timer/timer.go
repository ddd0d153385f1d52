// Package timer counts an attempt down to its deadline, firing threshold
// warnings on the way and a single expiry signal at zero.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/clock"
)

// DefaultThresholds are the remaining-seconds marks that trigger a warning.
var DefaultThresholds = []int{600, 300, 60, 30}

// Handlers receive timer events. Any of them may be nil. They are called
// outside the timer's lock, so they may call back into the timer.
type Handlers struct {
	OnTick      func(remaining int)
	OnThreshold func(threshold int)
	OnExpire    func()
}

// Option configures a Timer.
type Option func(*Timer)

// WithThresholds replaces DefaultThresholds.
func WithThresholds(thresholds ...int) Option {
	return func(t *Timer) {
		t.thresholds = normalize(thresholds)
	}
}

// WithManualTicks disables the internal 1 Hz schedule. Ticks then happen only
// through Advance.
func WithManualTicks() Option {
	return func(t *Timer) { t.manual = true }
}

// WithLogger sets the timer's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Timer) { t.log = log.With().Str("component", "timer").Logger() }
}

// Timer is the TimerService for one attempt.
type Timer struct {
	mu         sync.Mutex
	clock      clock.Clock
	thresholds []int
	manual     bool
	log        zerolog.Logger

	handlers  Handlers
	running   bool
	expired   bool
	deadline  time.Time
	remaining int
	fired     map[int]struct{}
	next      clock.Timer
	gen       uint64
}

// New creates a stopped timer.
func New(c clock.Clock, opts ...Option) *Timer {
	if c == nil {
		c = clock.Real{}
	}
	t := &Timer{
		clock:      c,
		thresholds: normalize(DefaultThresholds),
		fired:      make(map[int]struct{}),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins counting down from durationSeconds. A timer that already
// started is restarted with a clean fired set.
func (t *Timer) Start(durationSeconds int, h Handlers) {
	t.Resume(durationSeconds, nil, h)
}

// Resume starts counting down from remaining with thresholds in fired
// treated as already delivered. It is used after a restart so warnings are
// not repeated. Thresholds at or above remaining are considered passed.
func (t *Timer) Resume(remaining int, fired []int, h Handlers) {
	if remaining < 0 {
		remaining = 0
	}
	t.ResumeUntil(t.clock.Now().Add(time.Duration(remaining)*time.Second), fired, h)
}

// ResumeUntil is Resume with an absolute deadline. Scheduled ticks derive the
// remaining time from the deadline, so a late or missed wake-up never makes
// the countdown drift.
func (t *Timer) ResumeUntil(deadline time.Time, fired []int, h Handlers) {
	t.mu.Lock()
	t.stopLocked()
	remaining := secondsUntil(deadline, t.clock.Now())
	t.handlers = h
	t.deadline = deadline
	t.remaining = remaining
	t.expired = false
	t.running = true
	t.fired = make(map[int]struct{}, len(t.thresholds))
	for _, th := range fired {
		t.fired[th] = struct{}{}
	}
	for _, th := range t.thresholds {
		if th >= remaining {
			t.fired[th] = struct{}{}
		}
	}
	t.gen++
	t.scheduleLocked()
	t.mu.Unlock()

	t.log.Debug().Int("remaining", remaining).Ints("fired", fired).Msg("Timer started")
}

// Advance performs one tick synchronously, taking exactly one second off the
// countdown. It is a no-op once the timer has expired or been cancelled.
func (t *Timer) Advance() {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	t.tick(gen, true)
}

func (t *Timer) tick(gen uint64, step bool) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}

	prev := t.remaining
	remaining := prev
	if step {
		if remaining > 0 {
			remaining--
			t.deadline = t.deadline.Add(-time.Second)
		}
	} else if now := secondsUntil(t.deadline, t.clock.Now()); now < remaining {
		remaining = now
	}
	if remaining == prev && prev > 0 {
		// Woke before the next whole second.
		t.scheduleLocked()
		t.mu.Unlock()
		return
	}
	t.remaining = remaining

	var crossed []int
	for _, th := range t.thresholds {
		if _, done := t.fired[th]; done {
			continue
		}
		if prev > th && th >= remaining {
			t.fired[th] = struct{}{}
			crossed = append(crossed, th)
		}
	}

	expire := remaining == 0 && !t.expired
	if expire {
		t.expired = true
		t.running = false
	} else {
		t.scheduleLocked()
	}
	h := t.handlers
	t.mu.Unlock()

	if h.OnTick != nil {
		h.OnTick(remaining)
	}
	for _, th := range crossed {
		t.log.Info().Int("threshold", th).Msg("Time threshold reached")
		if h.OnThreshold != nil {
			h.OnThreshold(th)
		}
	}
	if expire {
		t.log.Info().Msg("Time expired")
		if h.OnExpire != nil {
			h.OnExpire()
		}
	}
}

// scheduleLocked wakes the timer when the countdown next drops a whole
// second.
func (t *Timer) scheduleLocked() {
	if t.manual || !t.running {
		return
	}
	if t.next != nil {
		t.next.Stop()
	}
	wait := t.deadline.Sub(t.clock.Now()) - time.Duration(t.remaining-1)*time.Second
	if wait <= 0 {
		wait = time.Millisecond
	}
	gen := t.gen
	t.next = t.clock.AfterFunc(wait, func() { t.tick(gen, false) })
}

func (t *Timer) stopLocked() {
	t.running = false
	if t.next != nil {
		t.next.Stop()
		t.next = nil
	}
}

// Cancel stops ticking. It is safe to call any number of times.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.stopLocked()
	t.gen++
}

// Remaining returns the seconds left.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Running reports whether the timer is still counting down.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Fired returns the thresholds already delivered or skipped, descending.
func (t *Timer) Fired() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.fired))
	for th := range t.fired {
		out = append(out, th)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// secondsUntil returns the whole seconds from now to deadline, rounded up and
// never negative.
func secondsUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func normalize(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, th := range in {
		if th <= 0 {
			continue
		}
		if _, dup := seen[th]; dup {
			continue
		}
		seen[th] = struct{}{}
		out = append(out, th)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

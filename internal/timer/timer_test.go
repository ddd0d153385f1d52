package timer

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-agent/internal/clock"
)

type recorder struct {
	ticks      []int
	thresholds []int
	expired    int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnTick:      func(rem int) { r.ticks = append(r.ticks, rem) },
		OnThreshold: func(th int) { r.thresholds = append(r.thresholds, th) },
		OnExpire:    func() { r.expired++ },
	}
}

func TestThresholdsFireOnceInDescendingOrder(t *testing.T) {
	tm := New(nil, WithManualTicks())
	var rec recorder
	tm.Start(650, rec.handlers())

	for i := 0; i < 700; i++ {
		tm.Advance()
	}

	want := []int{600, 300, 60, 30}
	if len(rec.thresholds) != len(want) {
		t.Fatalf("thresholds = %v, want %v", rec.thresholds, want)
	}
	for i := range want {
		if rec.thresholds[i] != want[i] {
			t.Errorf("thresholds[%d] = %d, want %d", i, rec.thresholds[i], want[i])
		}
	}
	if rec.expired != 1 {
		t.Errorf("OnExpire called %d times, want 1", rec.expired)
	}
	if len(rec.ticks) != 650 {
		t.Errorf("ticks = %d, want 650", len(rec.ticks))
	}
	if tm.Running() {
		t.Error("timer still running after expiry")
	}
}

func TestResumeDoesNotRefire(t *testing.T) {
	tm := New(nil, WithManualTicks())
	var rec recorder
	tm.Resume(280, []int{300}, rec.handlers())
	for i := 0; i < 280; i++ {
		tm.Advance()
	}
	want := []int{60, 30}
	if len(rec.thresholds) != 2 || rec.thresholds[0] != want[0] || rec.thresholds[1] != want[1] {
		t.Fatalf("thresholds = %v, want %v", rec.thresholds, want)
	}
	fired := tm.Fired()
	if len(fired) != 4 {
		t.Errorf("Fired = %v, want all four", fired)
	}
}

func TestZeroDurationExpiresOnFirstTick(t *testing.T) {
	tm := New(nil, WithManualTicks())
	var rec recorder
	tm.Start(0, rec.handlers())
	tm.Advance()
	tm.Advance()
	if rec.expired != 1 {
		t.Fatalf("OnExpire = %d, want 1", rec.expired)
	}
	if len(rec.thresholds) != 0 {
		t.Errorf("thresholds fired: %v", rec.thresholds)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	tm := New(c)
	var rec recorder
	tm.Start(10, rec.handlers())

	c.Advance(3 * time.Second)
	tm.Cancel()
	tm.Cancel()
	c.Advance(20 * time.Second)

	if len(rec.ticks) != 3 {
		t.Errorf("ticks = %v, want 3", rec.ticks)
	}
	if rec.expired != 0 {
		t.Error("cancelled timer expired")
	}
	if tm.Remaining() != 7 {
		t.Errorf("Remaining = %d, want 7", tm.Remaining())
	}
}

func TestClockDrivenTicks(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	tm := New(c, WithThresholds(5, 5, -1))
	var rec recorder
	tm.Start(8, rec.handlers())

	c.Advance(8 * time.Second)
	if rec.expired != 1 {
		t.Fatalf("OnExpire = %d, want 1", rec.expired)
	}
	if len(rec.thresholds) != 1 || rec.thresholds[0] != 5 {
		t.Errorf("thresholds = %v, want [5]", rec.thresholds)
	}
	c.Advance(5 * time.Second)
	if len(rec.ticks) != 8 {
		t.Errorf("ticks after expiry: %v", rec.ticks)
	}
}

func TestHandlersMayCancel(t *testing.T) {
	tm := New(nil, WithManualTicks())
	tm.Start(5, Handlers{OnTick: func(rem int) {
		if rem == 3 {
			tm.Cancel()
		}
	}})
	for i := 0; i < 5; i++ {
		tm.Advance()
	}
	if tm.Remaining() != 3 {
		t.Errorf("Remaining = %d, want 3", tm.Remaining())
	}
}

func TestStartOnThresholdMarksItPassed(t *testing.T) {
	tm := New(nil, WithManualTicks())
	var rec recorder
	tm.Start(600, rec.handlers())

	fired := tm.Fired()
	if len(fired) != 1 || fired[0] != 600 {
		t.Fatalf("Fired = %v, want [600]", fired)
	}
	for i := 0; i < 301; i++ {
		tm.Advance()
	}
	if len(rec.thresholds) != 1 || rec.thresholds[0] != 300 {
		t.Errorf("thresholds = %v, want [300]", rec.thresholds)
	}
}

func TestLateWakeUpFollowsDeadline(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	tm := New(c, WithThresholds(8, 7, 3))
	var rec recorder
	tm.Start(10, rec.handlers())

	c.Advance(time.Second)
	c.Jump(4 * time.Second) // host suspended
	c.Advance(0)

	if tm.Remaining() != 5 {
		t.Fatalf("Remaining = %d, want 5", tm.Remaining())
	}
	if len(rec.thresholds) != 2 || rec.thresholds[0] != 8 || rec.thresholds[1] != 7 {
		t.Fatalf("thresholds = %v, want [8 7]", rec.thresholds)
	}

	c.Advance(5 * time.Second)
	if rec.expired != 1 {
		t.Fatalf("OnExpire = %d, want 1", rec.expired)
	}
	if len(rec.thresholds) != 3 || rec.thresholds[2] != 3 {
		t.Errorf("thresholds = %v, want [8 7 3]", rec.thresholds)
	}
	want := []int{9, 5, 4, 3, 2, 1, 0}
	if len(rec.ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", rec.ticks, want)
	}
	for i := range want {
		if rec.ticks[i] != want[i] {
			t.Errorf("ticks = %v, want %v", rec.ticks, want)
			break
		}
	}
}

func TestResumeUntilUsesAbsoluteDeadline(t *testing.T) {
	c := clock.NewFake(time.Unix(100, 0))
	tm := New(c)
	var rec recorder
	tm.ResumeUntil(time.Unix(100, 0).Add(2500*time.Millisecond), nil, rec.handlers())
	if tm.Remaining() != 3 {
		t.Fatalf("Remaining = %d, want 3", tm.Remaining())
	}

	c.Advance(500 * time.Millisecond)
	if len(rec.ticks) != 1 || rec.ticks[0] != 2 {
		t.Fatalf("ticks = %v, want [2] on the whole second", rec.ticks)
	}
	c.Advance(2 * time.Second)
	if rec.expired != 1 {
		t.Errorf("OnExpire = %d, want 1", rec.expired)
	}
}

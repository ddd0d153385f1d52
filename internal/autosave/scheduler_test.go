package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/session"
)

type fakeSaver struct {
	mu    sync.Mutex
	calls []remote.AnswerPayload
	// errFor returns the error for a call, or nil for success.
	errFor func(p remote.AnswerPayload, n int) error
	// block, when set, holds every call until closed.
	block chan struct{}
}

func (f *fakeSaver) SaveAnswer(ctx context.Context, _ string, p remote.AnswerPayload) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, p)
	n := len(f.calls)
	f.mu.Unlock()
	if f.errFor != nil {
		return f.errFor(p, n)
	}
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	s       *Scheduler
	store   *session.Store
	saver   *fakeSaver
	offline *repository.OfflineAnswerRepository
	clock   *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.NewFake(time.Unix(1_700_000_000, 0))
	h := &harness{
		saver:   &fakeSaver{},
		offline: repository.NewOfflineAnswerRepository(repository.NewMemoryKV()),
		clock:   c,
	}
	h.store = session.NewStore(model.SessionState{SubmissionID: "sub-1", StartedAt: c.Now(), TimeLimitSeconds: 600}, c)
	h.s = NewScheduler("sub-1", h.store, h.saver, h.offline, c, Config{}, zerolog.Nop())
	return h
}

func (h *harness) queued(t *testing.T) []model.OfflineAnswer {
	t.Helper()
	list, err := h.offline.List(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("offline.List: %v", err)
	}
	return list
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestIdempotentSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.SetAnswer("q1", raw(`"A"`))
	if _, err := h.s.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	h.store.SetAnswer("q1", raw(`"A"`))
	res, err := h.s.SaveNow(ctx)
	if err != nil {
		t.Fatalf("second SaveNow: %v", err)
	}

	if h.saver.count() != 1 {
		t.Fatalf("network calls = %d, want 1", h.saver.count())
	}
	if len(res.Saved) != 0 {
		t.Errorf("second save pushed %v", res.Saved)
	}
	rec, _ := h.store.Answer("q1")
	if rec.SyncState != model.SyncStateClean {
		t.Errorf("SyncState = %s, want clean", rec.SyncState)
	}
}

func TestNoAnswerLossUnderNetworkFailure(t *testing.T) {
	h := newHarness(t)
	h.saver.errFor = func(remote.AnswerPayload, int) error {
		return &remote.Error{Op: "save_answer", Kind: remote.KindRetryable, Err: errors.New("connection refused")}
	}
	for _, q := range []string{"q1", "q2", "q3"} {
		h.store.SetAnswer(q, raw(`"x"`))
	}

	res, err := h.s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(res.Pending) != 3 {
		t.Fatalf("pending = %v, want 3", res.Pending)
	}
	if got := h.queued(t); len(got) != 3 {
		t.Fatalf("offline queue = %d, want 3", len(got))
	}
	if dirty := h.store.SnapshotDirty(); len(dirty) != 3 {
		t.Errorf("dirty = %d, want 3 (none marked clean)", len(dirty))
	}
	if h.saver.count() != 9 {
		t.Errorf("calls = %d, want 3 attempts per answer", h.saver.count())
	}
	slept := h.clock.Slept()
	if len(slept) != 6 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoff = %v, want 1s, 2s per answer", slept)
	}
}

func TestRecoveredAnswerIsEvictedFromOfflineQueue(t *testing.T) {
	h := newHarness(t)
	fail := true
	h.saver.errFor = func(remote.AnswerPayload, int) error {
		if fail {
			return &remote.Error{Kind: remote.KindRetryable}
		}
		return nil
	}
	h.store.SetAnswer("q1", raw(`"A"`))
	_, _ = h.s.Cycle(context.Background())
	if len(h.queued(t)) != 1 {
		t.Fatal("answer not queued offline")
	}

	fail = false
	res, err := h.s.Cycle(context.Background())
	if err != nil || len(res.Saved) != 1 {
		t.Fatalf("Cycle = %+v, %v", res, err)
	}
	if len(h.queued(t)) != 0 {
		t.Error("offline copy not evicted after ack")
	}
}

func TestSequentialDirtyOrder(t *testing.T) {
	h := newHarness(t)
	h.store.SetAnswer("q3", raw(`1`))
	h.store.SetAnswer("q1", raw(`2`))
	h.store.SetAnswer("q2", raw(`3`))

	if _, err := h.s.SaveNow(context.Background()); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	want := []string{"q3", "q1", "q2"}
	for i, p := range h.saver.calls {
		if p.QuestionID != want[i] {
			t.Errorf("call %d = %s, want %s", i, p.QuestionID, want[i])
		}
	}
}

func TestEmptyAnswersAreNotSent(t *testing.T) {
	h := newHarness(t)
	h.store.SetAnswer("q1", raw(`""`))
	h.store.SetAnswer("q2", raw(`[]`))
	h.store.SetAnswer("q3", raw(`"C"`))

	res, err := h.s.SaveNow(context.Background())
	if err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if len(res.Rejected) != 2 || len(res.Saved) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.saver.count() != 1 || h.saver.calls[0].QuestionID != "q3" {
		t.Errorf("calls = %+v", h.saver.calls)
	}
}

func TestDeadlineHandsOffToExpiry(t *testing.T) {
	h := newHarness(t)
	h.saver.errFor = func(p remote.AnswerPayload, _ int) error {
		return &remote.Error{Op: "save_answer", StatusCode: 400, Kind: remote.KindDeadline, Message: "time limit exceeded"}
	}
	expired := 0
	h.s.OnDeadline(func() { expired++ })
	h.store.SetAnswer("q1", raw(`"A"`))
	h.store.SetAnswer("q2", raw(`"B"`))

	_, err := h.s.SaveNow(context.Background())
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
	if expired != 1 {
		t.Errorf("deadline hook = %d, want 1", expired)
	}
	if h.saver.count() != 1 {
		t.Errorf("calls = %d, want no retry and no further records", h.saver.count())
	}
	if got := h.queued(t); len(got) != 2 {
		t.Errorf("offline queue = %d, want both answers", len(got))
	}
}

func TestBlockingFailureAbortsCycle(t *testing.T) {
	h := newHarness(t)
	h.saver.errFor = func(p remote.AnswerPayload, _ int) error {
		return &remote.Error{StatusCode: 404, Kind: remote.KindInvalidEntity, Message: "question no longer belongs"}
	}
	var statuses []Status
	h.s.OnStatus(func(s Status) { statuses = append(statuses, s) })
	h.store.SetAnswer("q1", raw(`"A"`))
	h.store.SetAnswer("q2", raw(`"B"`))

	_, err := h.s.SaveNow(context.Background())
	var serr *SaveError
	if !errors.As(err, &serr) || !serr.Blocking() || serr.QuestionID != "q1" {
		t.Fatalf("err = %v, want blocking SaveError for q1", err)
	}
	rec, _ := h.store.Answer("q1")
	if rec.SyncState != model.SyncStateFailed {
		t.Errorf("q1 = %s, want failed", rec.SyncState)
	}
	if h.saver.count() != 1 {
		t.Errorf("calls = %d, want cycle aborted after first", h.saver.count())
	}
	if trace := h.queued(t); len(trace) != 1 || trace[0].LastError == "" {
		t.Errorf("durable trace = %+v", trace)
	}
	if len(statuses) != 1 || statuses[0].Err == nil {
		t.Errorf("status hook = %+v", statuses)
	}
}

func TestScheduledCycleSkipsWhileGuardHeld(t *testing.T) {
	h := newHarness(t)
	h.saver.block = make(chan struct{})
	h.store.SetAnswer("q1", raw(`"A"`))

	done := make(chan error, 1)
	go func() {
		_, err := h.s.SaveNow(context.Background())
		done <- err
	}()

	// Wait until the manual save holds the guard.
	for i := 0; i < 1000 && h.s.guard.TryAcquire(1); i++ {
		h.s.guard.Release(1)
		time.Sleep(time.Millisecond)
	}

	h.store.SetAnswer("q2", raw(`"B"`))
	res, err := h.s.Cycle(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("Cycle = %+v, %v; want skipped", res, err)
	}
	close(h.saver.block)
	if err := <-done; err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if h.saver.count() != 1 {
		t.Errorf("calls = %d, want 1", h.saver.count())
	}
}

func TestStaleAckLeavesNewerValueDirty(t *testing.T) {
	h := newHarness(t)
	h.saver.errFor = func(p remote.AnswerPayload, n int) error {
		if n == 1 {
			// The user edits while the first save is in flight.
			h.store.SetAnswer("q1", raw(`"B"`))
		}
		return nil
	}
	h.store.SetAnswer("q1", raw(`"A"`))

	if _, err := h.s.SaveNow(context.Background()); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	dirty := h.store.SnapshotDirty()
	if len(dirty) != 1 || string(dirty[0].Value) != `"B"` {
		t.Fatalf("dirty = %+v, want q1=B", dirty)
	}
}

func TestRevertDuringFailedSaveQueuesNothingStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetAnswer("q1", raw(`"A"`))
	if _, err := h.s.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	h.saver.errFor = func(remote.AnswerPayload, int) error {
		h.store.SetAnswer("q1", raw(`"A"`))
		return &remote.Error{Op: "save_answer", StatusCode: 503, Kind: remote.KindRetryable, Err: errors.New("unavailable")}
	}
	h.store.SetAnswer("q1", raw(`"B"`))
	if _, err := h.s.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	rec, _ := h.store.Answer("q1")
	if rec.SyncState != model.SyncStateClean || string(rec.Value) != `"A"` {
		t.Fatalf("record = %s %s, want clean A", rec.SyncState, rec.Value)
	}
	if got := h.queued(t); len(got) != 0 {
		t.Fatalf("offline queue = %+v, want empty", got)
	}

	restored := session.NewStore(model.SessionState{SubmissionID: "sub-1", StartedAt: h.clock.Now(), TimeLimitSeconds: 600}, h.clock)
	again := NewScheduler("sub-1", restored, h.saver, h.offline, h.clock, Config{}, zerolog.Nop())
	if n, err := again.Restore(ctx); err != nil || n != 0 {
		t.Errorf("Restore = %d, %v; want nothing replayed", n, err)
	}
}

func TestFailedSaveQueuesNewestValue(t *testing.T) {
	h := newHarness(t)
	h.saver.errFor = func(remote.AnswerPayload, int) error {
		h.store.SetAnswer("q1", raw(`"C"`))
		return &remote.Error{Op: "save_answer", Kind: remote.KindRetryable, Err: errors.New("connection refused")}
	}
	h.store.SetAnswer("q1", raw(`"B"`))

	if _, err := h.s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got := h.queued(t)
	if len(got) != 1 || string(got[0].Value) != `"C"` {
		t.Fatalf("offline queue = %+v, want q1=C", got)
	}
	if rec, _ := h.store.Answer("q1"); rec.SyncState != model.SyncStateDirty {
		t.Errorf("SyncState = %s, want dirty", rec.SyncState)
	}
}

func TestRestoreReloadsOfflineAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.offline.Save(ctx, "sub-1", model.OfflineAnswer{QuestionID: "q9", Value: raw(`"Z"`), TimeSpentSeconds: 42, QueuedAt: h.clock.Now()})

	n, err := h.s.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	dirty := h.store.SnapshotDirty()
	if len(dirty) != 1 || dirty[0].QuestionID != "q9" {
		t.Fatalf("dirty = %+v", dirty)
	}
	if h.store.TimeSpent("q9") != 42000 {
		t.Errorf("time spent = %d", h.store.TimeSpent("q9"))
	}

	if _, err := h.s.SaveNow(ctx); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if h.saver.calls[0].TimeSpentSeconds != 42 {
		t.Errorf("timeSpentSeconds = %d, want 42", h.saver.calls[0].TimeSpentSeconds)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.store.SetAnswer("q1", raw(`"A"`))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	h.clock.Advance(time.Minute)
	if h.saver.count() != 0 {
		t.Errorf("cycle ran after cancel: %d calls", h.saver.count())
	}
}

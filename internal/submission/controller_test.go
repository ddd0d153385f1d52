package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/autosave"
	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/session"
)

type fakeFlusher struct {
	mu    sync.Mutex
	calls int
	res   autosave.Result
	err   error
}

func (f *fakeFlusher) SaveNow(ctx context.Context) (autosave.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

type fakeSubmitter struct {
	mu    sync.Mutex
	metas []model.ClientMeta
	// fail makes the first n calls return a retryable error.
	fail int
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, _ string, meta model.ClientMeta) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas = append(f.metas, meta)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.metas) <= f.fail {
		return nil, &remote.Error{Op: "submit", StatusCode: 503, Kind: remote.KindRetryable, Message: "unavailable"}
	}
	return json.RawMessage(`{"score":null}`), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metas)
}

type harness struct {
	c         *Controller
	store     *session.Store
	flusher   *fakeFlusher
	submitter *fakeSubmitter
	pending   *repository.PendingSubmissionRepository
	clock     *clock.Fake
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	h := &harness{
		flusher:   &fakeFlusher{},
		submitter: &fakeSubmitter{},
		pending:   repository.NewPendingSubmissionRepository(repository.NewMemoryKV()),
		clock:     fc,
	}
	h.store = session.NewStore(model.SessionState{SubmissionID: "sub-1", StartedAt: fc.Now(), TimeLimitSeconds: 60}, fc)
	h.c = NewController("sub-1", h.store, h.flusher, h.submitter, h.pending, fc, cfg, zerolog.Nop())
	return h
}

func TestSubmitRefusesMissingRequired(t *testing.T) {
	h := newHarness(t, Config{RequiredQuestions: []string{"q1", "q2"}})
	h.store.SetAnswer("q1", json.RawMessage(`"A"`))
	h.store.SetAnswer("q2", json.RawMessage(`"   "`))

	_, err := h.c.Submit(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "q2" {
		t.Errorf("Missing = %v, want [q2]", verr.Missing)
	}
	if h.store.Status() != model.SessionStatusInProgress {
		t.Errorf("status = %s, want in_progress", h.store.Status())
	}
	if h.flusher.calls != 0 || h.submitter.count() != 0 {
		t.Errorf("network touched: flush=%d submit=%d", h.flusher.calls, h.submitter.count())
	}
}

func TestSubmitFlushesThenSubmits(t *testing.T) {
	h := newHarness(t, Config{RequiredQuestions: []string{"q1"}, ClientID: "device-1"})
	h.store.SetAnswer("q1", json.RawMessage(`"A"`))
	h.store.SetFlag("q1", true)

	var submitted json.RawMessage
	h.c.OnSubmitted(func(r json.RawMessage) { submitted = r })

	res, err := h.c.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(res) != `{"score":null}` || string(submitted) != string(res) {
		t.Errorf("result = %s, hook got %s", res, submitted)
	}
	if h.flusher.calls != 1 {
		t.Errorf("flush calls = %d, want 1", h.flusher.calls)
	}
	if h.store.Status() != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want submitted", h.store.Status())
	}
	meta := h.submitter.metas[0]
	if meta.Reason != model.SubmitReasonManual || meta.ClientID != "device-1" || meta.AnsweredCount != 1 {
		t.Errorf("meta = %+v", meta)
	}
	if len(meta.FlaggedQuestionIDs) != 1 {
		t.Errorf("flags = %v", meta.FlaggedQuestionIDs)
	}

	if _, err := h.c.Submit(context.Background()); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("second Submit err = %v, want ErrAlreadySubmitted", err)
	}
	if h.submitter.count() != 1 {
		t.Errorf("submit calls = %d, want 1", h.submitter.count())
	}
}

func TestSubmitRefusedWhenFlushFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.flusher.res = autosave.Result{Pending: []string{"q3"}}

	_, err := h.c.Submit(context.Background())
	if !errors.Is(err, ErrFlushFailed) {
		t.Fatalf("err = %v, want ErrFlushFailed", err)
	}
	if h.store.Status() != model.SessionStatusInProgress {
		t.Errorf("status = %s, want in_progress", h.store.Status())
	}
	if h.submitter.count() != 0 {
		t.Errorf("submit called %d times", h.submitter.count())
	}
}

func TestSubmitDeadlineDuringFlush(t *testing.T) {
	h := newHarness(t, Config{})
	h.flusher.err = autosave.ErrDeadline

	if _, err := h.c.Submit(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestExpireSubmitsExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{RequiredQuestions: []string{"q1"}})
	expired := 0
	h.c.OnExpired(func() { expired++ })

	var statuses []model.SessionStatus
	h.store.OnStatusChange(func(_, to model.SessionStatus) { statuses = append(statuses, to) })

	ctx := context.Background()
	if err := h.c.Expire(ctx); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if err := h.c.Expire(ctx); err != nil {
		t.Fatalf("second Expire: %v", err)
	}

	if h.submitter.count() != 1 {
		t.Fatalf("submit calls = %d, want 1", h.submitter.count())
	}
	if expired != 1 {
		t.Errorf("expired hook ran %d times", expired)
	}
	if h.submitter.metas[0].Reason != model.SubmitReasonExpired {
		t.Errorf("reason = %s", h.submitter.metas[0].Reason)
	}
	want := []model.SessionStatus{model.SessionStatusExpired, model.SessionStatusSubmitting, model.SessionStatusSubmitted}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestExpireIgnoresFlushFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.flusher.err = errors.New("offline")

	if err := h.c.Expire(context.Background()); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if h.store.Status() != model.SessionStatusSubmitted {
		t.Errorf("status = %s, want submitted", h.store.Status())
	}
}

func TestSubmitAfterExpiryRefused(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.c.Expire(context.Background()); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if _, err := h.c.Submit(context.Background()); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("err = %v, want ErrAlreadySubmitted", err)
	}
	if h.submitter.count() != 1 {
		t.Errorf("submit calls = %d, want 1", h.submitter.count())
	}
}

func TestSubmitRetriesLinearly(t *testing.T) {
	h := newHarness(t, Config{})
	h.submitter.fail = 2

	if _, err := h.c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.submitter.count() != 3 {
		t.Errorf("submit calls = %d, want 3", h.submitter.count())
	}
	slept := h.clock.Slept()
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoff = %v, want [1s 2s]", slept)
	}
}

func TestFailedSubmitPersistsAndRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	h.submitter.fail = 100
	ctx := context.Background()

	_, err := h.c.Submit(ctx)
	var serr *SubmitError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want SubmitError", err)
	}
	if serr.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", serr.Attempts)
	}
	if h.store.Status() != model.SessionStatusSubmitting {
		t.Fatalf("status = %s, want submitting", h.store.Status())
	}
	p, err := h.pending.Get(ctx, "sub-1")
	if err != nil || p == nil {
		t.Fatalf("pending = %v, %v", p, err)
	}
	if p.Attempts != 4 || p.LastError == "" {
		t.Errorf("pending = %+v", p)
	}

	// A fresh controller over the same durable store simulates a restart.
	h.submitter.fail = 0
	h.submitter.metas = nil
	restarted := session.NewStore(model.SessionState{SubmissionID: "sub-1", Status: model.SessionStatusSubmitting}, h.clock)
	c := NewController("sub-1", restarted, h.flusher, h.submitter, h.pending, h.clock, Config{}, zerolog.Nop())

	found, _, err := c.Recover(ctx)
	if err != nil || !found {
		t.Fatalf("Recover = %v, %v", found, err)
	}
	if restarted.Status() != model.SessionStatusSubmitted {
		t.Errorf("status = %s, want submitted", restarted.Status())
	}
	if h.submitter.metas[0].Reason != model.SubmitReasonManual {
		t.Errorf("recovered reason = %s, want original", h.submitter.metas[0].Reason)
	}
	if p, _ := h.pending.Get(ctx, "sub-1"); p != nil {
		t.Errorf("pending not cleared: %+v", p)
	}
}

func TestRecoverWithoutPending(t *testing.T) {
	h := newHarness(t, Config{})
	found, _, err := h.c.Recover(context.Background())
	if err != nil || found {
		t.Fatalf("Recover = %v, %v", found, err)
	}
	if h.submitter.count() != 0 {
		t.Errorf("submit called")
	}
}

func TestBlockingSubmitErrorNotRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.submitter.err = &remote.Error{Op: "submit", StatusCode: 401, Kind: remote.KindUnauthorized, Message: "unauthorized"}

	if _, err := h.c.Submit(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.submitter.count() != 1 {
		t.Errorf("submit calls = %d, want 1", h.submitter.count())
	}
}

func TestRecoverFinishesInterruptedExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	h.store = session.NewStore(model.SessionState{SubmissionID: "sub-1", Status: model.SessionStatusExpired}, h.clock)
	h.c = NewController("sub-1", h.store, h.flusher, h.submitter, h.pending, h.clock, Config{}, zerolog.Nop())

	found, _, err := h.c.Recover(context.Background())
	if err != nil || !found {
		t.Fatalf("Recover = %v, %v", found, err)
	}
	if h.store.Status() != model.SessionStatusSubmitted {
		t.Errorf("status = %s, want submitted", h.store.Status())
	}
	if h.submitter.metas[0].Reason != model.SubmitReasonRecovered {
		t.Errorf("reason = %s, want recovered", h.submitter.metas[0].Reason)
	}
}

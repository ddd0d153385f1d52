// Package autosave keeps the remote answer store eventually consistent with
// the session store, pushing only dirty answers, one at a time.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/retry"
	"github.com/stemsi/exstem-agent/internal/session"
)

// ErrDeadline is returned when the remote store reports the attempt's time
// limit has passed. The expiry hook has already been invoked.
var ErrDeadline = errors.New("time limit exceeded")

// SaveError is a terminal per-answer failure that aborted the cycle.
type SaveError struct {
	QuestionID string
	Err        error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save answer %s: %v", e.QuestionID, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Blocking reports whether the user must be told before continuing: the
// question or assessment is gone, or access was refused.
func (e *SaveError) Blocking() bool { return remote.IsBlocking(e.Err) }

// Saver pushes one answer to the remote store.
type Saver interface {
	SaveAnswer(ctx context.Context, submissionID string, p remote.AnswerPayload) error
}

// OfflineQueue is the durable fallback for answers that could not be pushed.
type OfflineQueue interface {
	Save(ctx context.Context, submissionID string, a model.OfflineAnswer) error
	Delete(ctx context.Context, submissionID, questionID string) error
	List(ctx context.Context, submissionID string) ([]model.OfflineAnswer, error)
}

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Result summarizes one cycle.
type Result struct {
	Trigger Trigger
	// Skipped is set when a scheduled cycle found another one running.
	Skipped bool
	Saved   []string
	// Pending answers failed with retryable errors and were queued offline.
	Pending []string
	// Rejected answers were empty and not sent.
	Rejected []string
}

// Status is reported to the status hook after every cycle that did work.
type Status struct {
	Result
	Err error
	At  time.Time
}

// Config tunes a Scheduler.
type Config struct {
	Interval time.Duration
	Retry    retry.Policy
}

// Scheduler is the AutosaveScheduler for one attempt.
type Scheduler struct {
	submissionID string
	store        *session.Store
	saver        Saver
	offline      OfflineQueue
	clock        clock.Clock
	cfg          Config
	log          zerolog.Logger

	guard      *semaphore.Weighted
	onStatus   func(Status)
	onDeadline func()
}

// NewScheduler creates a scheduler. Zero config values use a 30 s interval
// and three attempts per answer with 1 s, 2 s backoff.
func NewScheduler(submissionID string, store *session.Store, saver Saver, offline OfflineQueue, c clock.Clock, cfg Config, log zerolog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.ExponentialFromBase(3, time.Second)
	}
	return &Scheduler{
		submissionID: submissionID,
		store:        store,
		saver:        saver,
		offline:      offline,
		clock:        c,
		cfg:          cfg,
		log:          log.With().Str("component", "autosave").Str("submission_id", submissionID).Logger(),
		guard:        semaphore.NewWeighted(1),
	}
}

// OnStatus registers the background status hook. It must not block.
func (s *Scheduler) OnStatus(fn func(Status)) { s.onStatus = fn }

// OnDeadline registers the hand-off invoked when the remote store reports
// the time limit has passed.
func (s *Scheduler) OnDeadline(fn func()) { s.onDeadline = fn }

// Run performs a scheduled cycle every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	stop := s.Schedule(ctx)
	<-ctx.Done()
	stop()
}

// Schedule registers the periodic cycle and returns at once. Cycles stop
// when stop is called or ctx is done.
func (s *Scheduler) Schedule(ctx context.Context) (stop func()) {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Autosave started")
	cancel := clock.Every(s.clock, s.cfg.Interval, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.Cycle(ctx)
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.log.Info().Msg("Autosave stopped")
		})
	}
}

// Cycle runs one scheduled cycle. It is skipped, not queued, when another
// cycle holds the guard.
func (s *Scheduler) Cycle(ctx context.Context) (Result, error) {
	if len(s.store.SnapshotDirty()) == 0 {
		return Result{Trigger: TriggerScheduled}, nil
	}
	if !s.guard.TryAcquire(1) {
		s.log.Debug().Msg("Autosave cycle skipped, another is running")
		metrics.AutosaveCycles.WithLabelValues(string(TriggerScheduled), "skipped").Inc()
		return Result{Trigger: TriggerScheduled, Skipped: true}, nil
	}
	return s.runHeld(ctx, TriggerScheduled)
}

// SaveNow pushes every dirty answer immediately, waiting for a running cycle
// to finish first, and reports the outcome synchronously.
func (s *Scheduler) SaveNow(ctx context.Context) (Result, error) {
	if err := s.guard.Acquire(ctx, 1); err != nil {
		return Result{Trigger: TriggerManual}, err
	}
	return s.runHeld(ctx, TriggerManual)
}

func (s *Scheduler) runHeld(ctx context.Context, trigger Trigger) (Result, error) {
	res, err := s.run(ctx, trigger)
	s.guard.Release(1)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrDeadline):
		outcome = "deadline"
	case err != nil:
		outcome = "error"
	case len(res.Pending) > 0:
		outcome = "partial"
	}
	metrics.AutosaveCycles.WithLabelValues(string(trigger), outcome).Inc()

	if s.onStatus != nil && (len(res.Saved)+len(res.Pending)+len(res.Rejected) > 0 || err != nil) {
		s.onStatus(Status{Result: res, Err: err, At: s.clock.Now()})
	}
	if errors.Is(err, ErrDeadline) && s.onDeadline != nil {
		s.onDeadline()
	}
	return res, err
}

func (s *Scheduler) run(ctx context.Context, trigger Trigger) (Result, error) {
	res := Result{Trigger: trigger}
	dirty := s.store.SnapshotDirty()
	if len(dirty) == 0 {
		return res, nil
	}

	for i, snap := range dirty {
		if snap.IsEmpty() {
			res.Rejected = append(res.Rejected, snap.QuestionID)
			metrics.AnswerSaves.WithLabelValues("empty").Inc()
			continue
		}
		rec, ok := s.store.BeginSync(snap.QuestionID)
		if !ok {
			continue
		}
		if rec.IsEmpty() {
			s.store.AbortSync(rec.QuestionID, rec.Version)
			res.Rejected = append(res.Rejected, rec.QuestionID)
			continue
		}

		err := s.push(ctx, rec)
		if err == nil {
			s.store.AckSync(rec.QuestionID, rec.Version, session.HashValue(rec.Value))
			if derr := s.offline.Delete(context.WithoutCancel(ctx), s.submissionID, rec.QuestionID); derr != nil {
				s.log.Error().Err(derr).Str("question_id", rec.QuestionID).Msg("Failed to evict offline answer")
			}
			res.Saved = append(res.Saved, rec.QuestionID)
			metrics.AnswerSaves.WithLabelValues("saved").Inc()
			continue
		}

		switch {
		case ctx.Err() != nil:
			s.store.AbortSync(rec.QuestionID, rec.Version)
			s.persistOffline(ctx, rec, err)
			res.Pending = append(res.Pending, rec.QuestionID)
			return res, ctx.Err()

		case remote.IsRetryable(err):
			s.store.AbortSync(rec.QuestionID, rec.Version)
			s.persistOffline(ctx, rec, err)
			res.Pending = append(res.Pending, rec.QuestionID)
			metrics.AnswerSaves.WithLabelValues("retryable").Inc()
			s.log.Warn().Err(err).Str("question_id", rec.QuestionID).Msg("Answer queued offline")

		case remote.IsDeadline(err):
			s.store.AbortSync(rec.QuestionID, rec.Version)
			s.persistOffline(ctx, rec, err)
			res.Pending = append(res.Pending, rec.QuestionID)
			res.Pending = append(res.Pending, s.persistRemaining(ctx, dirty[i+1:], err)...)
			metrics.AnswerSaves.WithLabelValues("deadline").Inc()
			s.log.Warn().Err(err).Msg("Time limit reported by server, handing off to expiry")
			return res, fmt.Errorf("%w: %v", ErrDeadline, err)

		default:
			s.store.MarkFailed(rec.QuestionID, rec.Version)
			s.persistOffline(ctx, rec, err)
			serr := &SaveError{QuestionID: rec.QuestionID, Err: err}
			if serr.Blocking() {
				metrics.AnswerSaves.WithLabelValues("blocking").Inc()
			} else {
				metrics.AnswerSaves.WithLabelValues("rejected").Inc()
			}
			s.log.Error().Err(err).Str("question_id", rec.QuestionID).Msg("Answer rejected, autosave cycle aborted")
			return res, serr
		}
	}

	if len(res.Pending) > 0 {
		s.refreshGauge(ctx)
	}
	return res, nil
}

func (s *Scheduler) push(ctx context.Context, rec model.AnswerRecord) error {
	payload := remote.AnswerPayload{
		QuestionID:       rec.QuestionID,
		Answer:           rec.Value,
		TimeSpentSeconds: s.store.TimeSpent(rec.QuestionID) / 1000,
	}
	_, err := retry.Do(ctx, s.cfg.Retry, s.clock.Sleep, remote.IsRetryable,
		func(ctx context.Context, _ int) error {
			return s.saver.SaveAnswer(ctx, s.submissionID, payload)
		})
	return err
}

// persistRemaining queues the rest of an aborted cycle offline so nothing is
// lost while the expiry path takes over.
func (s *Scheduler) persistRemaining(ctx context.Context, rest []model.AnswerRecord, cause error) []string {
	var out []string
	for _, snap := range rest {
		rec, ok := s.store.Answer(snap.QuestionID)
		if !ok || rec.SyncState != model.SyncStateDirty || rec.IsEmpty() {
			continue
		}
		s.persistOffline(ctx, rec, cause)
		out = append(out, rec.QuestionID)
	}
	return out
}

// Persist writes every dirty or in-flight answer to the offline queue so a
// restart restores what was not yet acknowledged. It returns how many were
// written.
func (s *Scheduler) Persist(ctx context.Context) int {
	n := 0
	for _, rec := range s.store.Answers() {
		if rec.SyncState != model.SyncStateDirty && rec.SyncState != model.SyncStateInFlight {
			continue
		}
		if rec.IsEmpty() {
			continue
		}
		s.persistOffline(ctx, rec, nil)
		n++
	}
	if n > 0 {
		s.refreshGauge(ctx)
		s.log.Info().Int("count", n).Msg("Unsaved answers queued offline")
	}
	return n
}

// persistOffline queues the store's current value for questionID, which may
// be newer than the one that failed. A value that is already synced evicts
// the offline entry instead.
func (s *Scheduler) persistOffline(ctx context.Context, sent model.AnswerRecord, cause error) {
	ctx = context.WithoutCancel(ctx)
	rec, ok := s.store.Answer(sent.QuestionID)
	if !ok {
		rec = sent
	}
	if rec.SyncState == model.SyncStateClean {
		if err := s.offline.Delete(ctx, s.submissionID, rec.QuestionID); err != nil {
			s.log.Error().Err(err).Str("question_id", rec.QuestionID).Msg("Failed to evict offline answer")
		}
		return
	}
	a := model.OfflineAnswer{
		QuestionID:       rec.QuestionID,
		Value:            rec.Value,
		Version:          rec.Version,
		TimeSpentSeconds: s.store.TimeSpent(rec.QuestionID) / 1000,
		LastError:        remote.ErrorMessage(cause),
		QueuedAt:         s.clock.Now(),
	}
	if err := s.offline.Save(ctx, s.submissionID, a); err != nil {
		s.log.Error().Err(err).Str("question_id", rec.QuestionID).Msg("Failed to persist offline answer")
	}
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	list, err := s.offline.List(context.WithoutCancel(ctx), s.submissionID)
	if err == nil {
		metrics.OfflineAnswers.Set(float64(len(list)))
	}
}

// Restore loads offline answers back into the session store as dirty records
// so the next cycle retries them. It returns how many were restored.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	list, err := s.offline.List(ctx, s.submissionID)
	if err != nil {
		return 0, fmt.Errorf("restore offline answers: %w", err)
	}
	for _, a := range list {
		if _, exists := s.store.Answer(a.QuestionID); !exists {
			s.store.SetAnswer(a.QuestionID, a.Value)
		}
		if s.store.TimeSpent(a.QuestionID) == 0 {
			s.store.RecordTimeSpent(a.QuestionID, a.TimeSpentSeconds*1000)
		}
	}
	metrics.OfflineAnswers.Set(float64(len(list)))
	if len(list) > 0 {
		s.log.Info().Int("count", len(list)).Msg("Restored offline answers")
	}
	return len(list), nil
}

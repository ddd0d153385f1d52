// Package submission drives an attempt from in_progress to submitted, either
// on the examinee's request or when the time limit expires.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/autosave"
	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/retry"
	"github.com/stemsi/exstem-agent/internal/session"
)

var (
	// ErrAlreadySubmitted is returned once the attempt reached submitted.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrNotInProgress is returned when an explicit submit arrives after the
	// attempt left in_progress, for example because time expired.
	ErrNotInProgress = errors.New("attempt is no longer in progress")
	// ErrExpired is returned when the server reported the time limit during
	// the pre-submit flush. The expiry path submits instead.
	ErrExpired = errors.New("time limit reached, the attempt is being submitted automatically")
	// ErrFlushFailed is returned when unsaved answers could not be pushed
	// before an explicit submit.
	ErrFlushFailed = errors.New("unsaved answers could not be synchronized")
)

// ValidationError lists the required questions that block a submit.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "required questions are unanswered: " + strings.Join(e.Missing, ", ")
}

// SubmitError is returned when the submit call was not acknowledged. The
// attempt stays submitting and the request is kept for recovery.
type SubmitError struct {
	Attempts int
	Err      error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submission not acknowledged after %d attempt(s): %v; it is saved on this device and will be sent again when the agent restarts or submit is retried", e.Attempts, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submitter finalizes the attempt remotely.
type Submitter interface {
	Submit(ctx context.Context, submissionID string, meta model.ClientMeta) (json.RawMessage, error)
}

// Flusher pushes dirty answers synchronously.
type Flusher interface {
	SaveNow(ctx context.Context) (autosave.Result, error)
}

// PendingStore is the durable recovery record.
type PendingStore interface {
	Save(ctx context.Context, p model.PendingSubmission) error
	Get(ctx context.Context, submissionID string) (*model.PendingSubmission, error)
	Delete(ctx context.Context, submissionID string) error
}

// Config tunes a Controller.
type Config struct {
	RequiredQuestions []string
	// ExpiryGrace bounds the best-effort flush after expiry.
	ExpiryGrace time.Duration
	// Retry is the submit policy.
	Retry    retry.Policy
	ClientID string
}

// Controller is the SubmissionController for one attempt.
type Controller struct {
	submissionID string
	store        *session.Store
	flusher      Flusher
	submitter    Submitter
	pending      PendingStore
	clock        clock.Clock
	cfg          Config
	log          zerolog.Logger

	mu          sync.Mutex
	resultMu    sync.Mutex
	result      json.RawMessage
	onExpired   func()
	onSubmitted func(json.RawMessage)
}

// NewController creates a controller. Zero config values use a 5 s expiry
// grace and four submit attempts with linear 1 s backoff.
func NewController(submissionID string, store *session.Store, flusher Flusher, submitter Submitter, pending PendingStore, c clock.Clock, cfg Config, log zerolog.Logger) *Controller {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = 5 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Linear(4, time.Second)
	}
	return &Controller{
		submissionID: submissionID,
		store:        store,
		flusher:      flusher,
		submitter:    submitter,
		pending:      pending,
		clock:        c,
		cfg:          cfg,
		log:          log.With().Str("component", "submission").Str("submission_id", submissionID).Logger(),
	}
}

// OnExpired registers a hook run once, right after in_progress -> expired.
func (c *Controller) OnExpired(fn func()) { c.onExpired = fn }

// OnSubmitted registers a hook run once the server acknowledged the submit.
func (c *Controller) OnSubmitted(fn func(json.RawMessage)) { c.onSubmitted = fn }

// Result returns the server's submit result, if any.
func (c *Controller) Result() json.RawMessage {
	c.resultMu.Lock()
	defer c.resultMu.Unlock()
	return c.result
}

// Missing returns the required questions whose answers are empty.
func (c *Controller) Missing() []string {
	var missing []string
	for _, id := range c.cfg.RequiredQuestions {
		rec, ok := c.store.Answer(id)
		if !ok || rec.IsEmpty() {
			missing = append(missing, id)
		}
	}
	return missing
}

// Submit handles an explicit submit request. It validates required
// questions, flushes unsaved answers, then submits. A refused request leaves
// the attempt in_progress without any network call for validation failures.
// When a previous submit is pending, Submit retries it.
func (c *Controller) Submit(ctx context.Context) (json.RawMessage, error) {
	switch c.store.Status() {
	case model.SessionStatusSubmitted:
		return c.Result(), ErrAlreadySubmitted
	case model.SessionStatusSubmitting:
		if ok, res, err := c.Recover(ctx); ok || err != nil {
			return res, err
		}
		return nil, ErrNotInProgress
	case model.SessionStatusExpired:
		return nil, ErrNotInProgress
	}

	if missing := c.Missing(); len(missing) > 0 {
		c.log.Info().Strs("missing", missing).Msg("Submit refused, required questions unanswered")
		return nil, &ValidationError{Missing: missing}
	}

	res, err := c.flusher.SaveNow(ctx)
	switch {
	case errors.Is(err, autosave.ErrDeadline):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrFlushFailed, err)
	case len(res.Pending) > 0:
		return nil, fmt.Errorf("%w: %s", ErrFlushFailed, strings.Join(res.Pending, ", "))
	}

	if !c.store.CompareAndTransition(model.SessionStatusInProgress, model.SessionStatusSubmitting) {
		if c.store.Status() == model.SessionStatusSubmitted {
			return c.Result(), ErrAlreadySubmitted
		}
		return nil, ErrNotInProgress
	}
	c.log.Info().Msg("Submitting attempt")
	return c.finalize(ctx, c.clientMeta(model.SubmitReasonManual), 0)
}

// Expire is the timer's expiry target. Only the first call does anything:
// it moves the attempt to expired, flushes within the grace window, then
// submits without checking required questions.
func (c *Controller) Expire(ctx context.Context) error {
	if !c.store.CompareAndTransition(model.SessionStatusInProgress, model.SessionStatusExpired) {
		c.log.Debug().Str("status", string(c.store.Status())).Msg("Expiry ignored")
		return nil
	}
	c.log.Warn().Msg("Time expired, submitting automatically")
	if c.onExpired != nil {
		c.onExpired()
	}

	flushCtx, cancel := context.WithTimeout(ctx, c.cfg.ExpiryGrace)
	res, err := c.flusher.SaveNow(flushCtx)
	cancel()
	if err != nil || len(res.Pending) > 0 {
		c.log.Warn().Err(err).Strs("pending", res.Pending).Msg("Best-effort flush incomplete, answers kept offline")
	}

	if err := c.store.Transition(model.SessionStatusSubmitting); err != nil {
		return err
	}
	_, err = c.finalize(ctx, c.clientMeta(model.SubmitReasonExpired), 0)
	return err
}

// Recover resubmits a pending submission left by an earlier run, or finishes
// a submission interrupted after expiry. It reports whether there was one.
func (c *Controller) Recover(ctx context.Context) (bool, json.RawMessage, error) {
	p, err := c.pending.Get(ctx, c.submissionID)
	if err != nil {
		return false, nil, fmt.Errorf("load pending submission: %w", err)
	}
	if p == nil {
		// An agent stopped between expiry and the submit call leaves no
		// record, only the status.
		switch c.store.Status() {
		case model.SessionStatusExpired:
			_ = c.store.Transition(model.SessionStatusSubmitting)
		case model.SessionStatusSubmitting:
		default:
			return false, nil, nil
		}
		c.log.Info().Msg("Resuming interrupted submission")
		res, err := c.finalize(ctx, c.clientMeta(model.SubmitReasonRecovered), 0)
		return true, res, err
	}

	switch c.store.Status() {
	case model.SessionStatusSubmitted:
		return true, c.Result(), c.pending.Delete(ctx, c.submissionID)
	case model.SessionStatusInProgress:
		c.store.CompareAndTransition(model.SessionStatusInProgress, model.SessionStatusSubmitting)
	case model.SessionStatusExpired:
		_ = c.store.Transition(model.SessionStatusSubmitting)
	}

	c.log.Info().Int("previous_attempts", p.Attempts).Msg("Recovering pending submission")
	res, err := c.finalize(ctx, p.ClientMeta, p.Attempts)
	return true, res, err
}

func (c *Controller) finalize(ctx context.Context, meta model.ClientMeta, previousAttempts int) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.Status() == model.SessionStatusSubmitted {
		return c.Result(), ErrAlreadySubmitted
	}

	reason := string(meta.Reason)
	if previousAttempts > 0 || meta.Reason == model.SubmitReasonRecovered {
		reason = string(model.SubmitReasonRecovered)
	}

	var result json.RawMessage
	attempts, err := retry.Do(ctx, c.cfg.Retry, c.clock.Sleep, remote.IsRetryable,
		func(ctx context.Context, attempt int) error {
			var err error
			result, err = c.submitter.Submit(ctx, c.submissionID, meta)
			if err != nil {
				c.log.Warn().Err(err).Int("attempt", attempt).Msg("Submit attempt failed")
			}
			return err
		})
	if err != nil {
		metrics.Submissions.WithLabelValues(reason, "failed").Inc()
		p := model.PendingSubmission{
			SubmissionID: c.submissionID,
			ClientMeta:   meta,
			Attempts:     previousAttempts + attempts,
			LastError:    remote.ErrorMessage(err),
			CreatedAt:    c.clock.Now(),
		}
		if perr := c.pending.Save(context.WithoutCancel(ctx), p); perr != nil {
			c.log.Error().Err(perr).Msg("Failed to persist pending submission")
		}
		c.log.Error().Err(err).Int("attempts", attempts).Msg("Submission not acknowledged, kept for recovery")
		return nil, &SubmitError{Attempts: attempts, Err: err}
	}

	if err := c.store.Transition(model.SessionStatusSubmitted); err != nil {
		return nil, err
	}
	c.resultMu.Lock()
	c.result = result
	c.resultMu.Unlock()
	if derr := c.pending.Delete(context.WithoutCancel(ctx), c.submissionID); derr != nil {
		c.log.Error().Err(derr).Msg("Failed to clear pending submission")
	}
	metrics.Submissions.WithLabelValues(reason, "submitted").Inc()
	c.log.Info().Int("attempts", attempts).Str("reason", string(meta.Reason)).Msg("Attempt submitted")

	if c.onSubmitted != nil {
		c.onSubmitted(result)
	}
	return result, nil
}

func (c *Controller) clientMeta(reason model.SubmitReason) model.ClientMeta {
	answers := c.store.Answers()
	meta := model.ClientMeta{
		Reason:             reason,
		ClientID:           c.cfg.ClientID,
		FlaggedQuestionIDs: c.store.State().FlaggedQuestionIDs,
		ViolationCount:     len(c.store.Violations()),
		SubmittedAt:        c.clock.Now(),
	}
	for _, rec := range answers {
		if !rec.IsEmpty() {
			meta.AnsweredCount++
		}
		if rec.SyncState != model.SyncStateClean && !rec.IsEmpty() {
			meta.UnsyncedQuestions = append(meta.UnsyncedQuestions, rec.QuestionID)
		}
	}
	spent := c.store.TimeSpentRecords()
	if len(spent) > 0 {
		meta.TimeSpentSeconds = make(map[string]int64, len(spent))
		for _, r := range spent {
			meta.TimeSpentSeconds[r.QuestionID] = r.AccumulatedMillis / 1000
		}
	}
	return meta
}

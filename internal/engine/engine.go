// Package engine composes the session store, timer, proctoring monitor,
// autosave scheduler and submission controller for one attempt.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-agent/internal/autosave"
	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/proctor"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/retry"
	"github.com/stemsi/exstem-agent/internal/session"
	"github.com/stemsi/exstem-agent/internal/submission"
	"github.com/stemsi/exstem-agent/internal/timer"
)

var (
	// ErrNotActive is returned by answer and flag operations once the
	// attempt left in_progress.
	ErrNotActive = errors.New("attempt is not in progress")
	// ErrInvalidQuestion is returned for an empty question ID.
	ErrInvalidQuestion = errors.New("question id is required")
)

// Remote is the assessment API as the engine uses it.
type Remote interface {
	autosave.Saver
	proctor.Reporter
	submission.Submitter
	SetFlag(ctx context.Context, submissionID, questionID string, flagged bool) error
}

// Config tunes the components. Zero values use each component's defaults.
type Config struct {
	Thresholds        []int
	AutosaveInterval  time.Duration
	ExpiryGrace       time.Duration
	RequiredQuestions []string
	ClientID          string
	Monitor           proctor.Config
	// ManualTicks disables the timer's own schedule; see timer.WithManualTicks.
	ManualTicks bool
}

// ConfigFrom maps the agent configuration onto engine settings.
func ConfigFrom(cfg *config.Config, clientID string) Config {
	return Config{
		AutosaveInterval:  cfg.AutosaveInterval,
		ExpiryGrace:       cfg.ExpiryGrace,
		RequiredQuestions: cfg.RequiredQuestions,
		ClientID:          clientID,
		Monitor: proctor.Config{
			FocusGrace:     cfg.FocusGrace,
			SampleInterval: cfg.SampleInterval,
			SweepInterval:  cfg.SweepInterval,
			Thresholds: proctor.Thresholds{
				CopyPaste:  cfg.SuspiciousCopyPaste,
				TabSwitch:  cfg.SuspiciousTabSwitch,
				RightClick: cfg.SuspiciousRightClick,
			},
			Production: cfg.IsProduction(),
		},
	}
}

// Options are the collaborators of an Engine.
type Options struct {
	// State identifies the attempt. Status and flags are taken from the
	// stored snapshot when one exists.
	State  model.SessionState
	Remote Remote
	KV     repository.KV
	Env    proctor.Environment
	Clock  clock.Clock
	Config Config
	Logger zerolog.Logger
}

// Engine runs one attempt.
type Engine struct {
	submissionID string
	store        *session.Store
	timer        *timer.Timer
	monitor      *proctor.Monitor
	scheduler    *autosave.Scheduler
	controller   *submission.Controller
	remote       Remote
	snapshots    *repository.SessionSnapshotRepository
	violations   *repository.ViolationQueueRepository
	clock        clock.Clock
	log          zerolog.Logger
	events       *hub

	fired []int

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
	group    *errgroup.Group
	bg       sync.WaitGroup
	teardown sync.Once
}

// Open restores the attempt's snapshot and wires the components. Nothing
// runs until Start.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.State.SubmissionID == "" {
		return nil, errors.New("submission id is required")
	}
	if opts.Remote == nil || opts.KV == nil || opts.Env == nil {
		return nil, errors.New("remote, kv and environment are required")
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	sid := opts.State.SubmissionID
	log := opts.Logger.With().Str("component", "engine").Str("submission_id", sid).Logger()

	snapshots := repository.NewSessionSnapshotRepository(opts.KV)
	state := opts.State
	var fired []int
	snap, err := snapshots.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load session snapshot: %w", err)
	}
	if snap != nil {
		state.Status = snap.State.Status
		state.FlaggedQuestionIDs = snap.State.FlaggedQuestionIDs
		if state.StartedAt.IsZero() {
			state.StartedAt = snap.State.StartedAt
		}
		if state.TimeLimitSeconds == 0 {
			state.TimeLimitSeconds = snap.State.TimeLimitSeconds
		}
		fired = snap.FiredThresholds
		log.Info().Str("status", string(state.Status)).Ints("fired", fired).Msg("Session snapshot restored")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		submissionID: sid,
		store:        session.NewStore(state, c),
		remote:       opts.Remote,
		snapshots:    snapshots,
		violations:   repository.NewViolationQueueRepository(opts.KV),
		clock:        c,
		log:          log,
		events:       newHub(),
		fired:        fired,
		ctx:          runCtx,
		cancel:       cancel,
	}

	cfg := opts.Config
	timerOpts := []timer.Option{timer.WithLogger(opts.Logger)}
	if len(cfg.Thresholds) > 0 {
		timerOpts = append(timerOpts, timer.WithThresholds(cfg.Thresholds...))
	}
	if cfg.ManualTicks {
		timerOpts = append(timerOpts, timer.WithManualTicks())
	}
	e.timer = timer.New(c, timerOpts...)

	e.monitor = proctor.NewMonitor(sid, e.store, opts.Env, opts.Remote, e.violations, c, cfg.Monitor, opts.Logger)
	e.scheduler = autosave.NewScheduler(sid, e.store, opts.Remote,
		repository.NewOfflineAnswerRepository(opts.KV), c,
		autosave.Config{Interval: cfg.AutosaveInterval}, opts.Logger)
	e.controller = submission.NewController(sid, e.store, e.scheduler, opts.Remote,
		repository.NewPendingSubmissionRepository(opts.KV), c,
		submission.Config{
			RequiredQuestions: cfg.RequiredQuestions,
			ExpiryGrace:       cfg.ExpiryGrace,
			Retry:             retry.Linear(4, time.Second),
			ClientID:          cfg.ClientID,
		}, opts.Logger)

	e.wire()
	return e, nil
}

func (e *Engine) wire() {
	e.store.OnStatusChange(func(from, to model.SessionStatus) {
		e.publish(EventStatus, StatusData{From: from, To: to})
		e.saveSnapshot()
	})
	e.monitor.OnViolation(func(v model.ViolationRecord) {
		e.publish(EventViolation, v)
	})
	e.monitor.OnUnload(func(kind proctor.SignalKind) {
		e.log.Warn().Str("signal", string(kind)).Msg("Kiosk unloading, tearing down")
		e.Teardown()
	})
	e.scheduler.OnStatus(func(st autosave.Status) {
		data := AutosaveData{
			Trigger:  string(st.Trigger),
			Saved:    st.Saved,
			Pending:  st.Pending,
			Rejected: st.Rejected,
		}
		if st.Err != nil {
			data.Error = st.Err.Error()
		}
		e.publish(EventAutosave, data)
	})
	e.scheduler.OnDeadline(e.expire)
	e.controller.OnExpired(func() {
		e.timer.Cancel()
	})
	e.controller.OnSubmitted(func(result json.RawMessage) {
		e.publish(EventSubmitted, SubmittedData{Result: result})
		e.Teardown()
	})
}

// ─── Lifecycle ────────────────────────────────────────────────────────

// Start restores durable queues, finishes any interrupted submission and,
// for an attempt still in progress, starts proctoring, the countdown and
// autosave. Capture denial is returned as an error and nothing runs.
// Cancelling ctx tears the engine down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if _, err := e.scheduler.Restore(ctx); err != nil {
		return err
	}
	if _, err := e.monitor.Restore(ctx); err != nil {
		return err
	}

	found, _, err := e.controller.Recover(ctx)
	if found {
		if err != nil {
			e.log.Error().Err(err).Msg("Pending submission still not acknowledged")
		}
		return nil
	}
	if err != nil {
		return err
	}

	if status := e.store.Status(); status != model.SessionStatusInProgress {
		e.log.Info().Str("status", string(status)).Msg("Attempt already finished")
		return nil
	}

	if err := e.monitor.Initialize(ctx); err != nil {
		e.Teardown()
		return err
	}

	group, gctx := errgroup.WithContext(e.ctx)
	e.mu.Lock()
	e.group = group
	e.mu.Unlock()

	stopAutosave := e.scheduler.Schedule(gctx)
	group.Go(func() error {
		<-gctx.Done()
		stopAutosave()
		return nil
	})
	group.Go(func() error {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Engine context cancelled")
			e.Teardown()
		case <-gctx.Done():
		}
		return nil
	})

	state := e.store.State()
	remaining := state.RemainingSeconds(e.clock.Now())
	e.timer.ResumeUntil(state.Deadline(), e.fired, timer.Handlers{
		OnTick: func(remaining int) {
			metrics.RemainingSeconds.Set(float64(remaining))
			e.publish(EventTick, TickData{Remaining: remaining})
		},
		OnThreshold: func(th int) {
			e.log.Info().Int("threshold", th).Msg("Time warning")
			e.publish(EventThreshold, ThresholdData{Threshold: th})
			e.saveSnapshot()
		},
		OnExpire: e.expire,
	})
	e.saveSnapshot()

	e.log.Info().Int("remaining", remaining).Msg("Session engine started")
	return nil
}

// Teardown stops the timer, autosave and proctoring. It is idempotent and
// leaves durable queues in place. Answers not yet acknowledged are queued
// offline first so the next Start restores them.
func (e *Engine) Teardown() {
	e.teardown.Do(func() {
		if !e.store.Status().Terminal() {
			e.scheduler.Persist(context.Background())
		}
		e.cancel()
		e.timer.Cancel()
		e.monitor.Cleanup()
		e.saveSnapshot()
		e.events.close()
		e.log.Info().Str("status", string(e.store.Status())).Msg("Session engine stopped")
	})
}

// Wait blocks until the background loops and any expiry submission have
// returned.
func (e *Engine) Wait() error {
	e.mu.Lock()
	group := e.group
	e.mu.Unlock()

	var err error
	if group != nil {
		err = group.Wait()
	}
	e.bg.Wait()
	e.monitor.Wait()
	return err
}

// Tick advances the countdown by one second when ManualTicks is set.
func (e *Engine) Tick() {
	e.timer.Advance()
}

func (e *Engine) expire() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if err := e.controller.Expire(e.ctx); err != nil {
			e.log.Error().Err(err).Msg("Automatic submission failed")
		}
	}()
}

func (e *Engine) publish(t EventType, data interface{}) {
	if dropped := e.events.publish(Event{Type: t, At: e.clock.Now(), Data: data}); dropped > 0 {
		e.log.Debug().Str("event", string(t)).Int("dropped", dropped).Msg("Slow subscriber missed an event")
	}
}

func (e *Engine) saveSnapshot() {
	snap := model.SessionSnapshot{
		State:           e.store.State(),
		FiredThresholds: e.timer.Fired(),
		SavedAt:         e.clock.Now(),
	}
	if len(snap.FiredThresholds) == 0 {
		snap.FiredThresholds = e.fired
	}
	if err := e.snapshots.Save(context.WithoutCancel(e.ctx), snap); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist session snapshot")
	}
}

// ─── Operations ───────────────────────────────────────────────────────

// Subscribe returns a stream of engine events and a function that ends it.
// The stream is closed on teardown.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// SetAnswer records an answer locally. Autosave pushes it later.
func (e *Engine) SetAnswer(questionID string, value json.RawMessage) (model.AnswerRecord, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return model.AnswerRecord{}, ErrInvalidQuestion
	}
	if e.store.Status() != model.SessionStatusInProgress {
		return model.AnswerRecord{}, ErrNotActive
	}
	return e.store.SetAnswer(questionID, value), nil
}

// FocusQuestion moves the time-spent focus to questionID.
func (e *Engine) FocusQuestion(questionID string) error {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return ErrInvalidQuestion
	}
	if e.store.Status() != model.SessionStatusInProgress {
		return ErrNotActive
	}
	e.store.FocusQuestion(questionID)
	return nil
}

// ToggleFlag flips the review flag and reports it to the remote store. The
// local flag is reverted when the remote call fails.
func (e *Engine) ToggleFlag(ctx context.Context, questionID string) (bool, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return false, ErrInvalidQuestion
	}
	if e.store.Status() != model.SessionStatusInProgress {
		return false, ErrNotActive
	}
	flagged := e.store.ToggleFlag(questionID)
	if err := e.remote.SetFlag(ctx, e.submissionID, questionID, flagged); err != nil {
		e.store.SetFlag(questionID, !flagged)
		e.log.Warn().Err(err).Str("question_id", questionID).Msg("Flag update refused, reverted")
		return !flagged, err
	}
	e.saveSnapshot()
	return flagged, nil
}

// SaveNow pushes dirty answers immediately.
func (e *Engine) SaveNow(ctx context.Context) (autosave.Result, error) {
	return e.scheduler.SaveNow(ctx)
}

// Submit handles the examinee's explicit submit.
func (e *Engine) Submit(ctx context.Context) (json.RawMessage, error) {
	return e.controller.Submit(ctx)
}

// Status returns the attempt's status.
func (e *Engine) Status() model.SessionStatus {
	return e.store.Status()
}

// SubmissionID returns the attempt's ID.
func (e *Engine) SubmissionID() string {
	return e.submissionID
}

// Monitor exposes the proctoring monitor.
func (e *Engine) Monitor() *proctor.Monitor {
	return e.monitor
}

// AnswerView is the sync state of one answer as shown to the kiosk.
type AnswerView struct {
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	SyncState  model.SyncState `json:"sync_state"`
	Version    uint64          `json:"version"`
	TimeSpent  int64           `json:"time_spent_ms"`
}

// View is a point-in-time summary of the attempt.
type View struct {
	SubmissionID       string              `json:"submission_id"`
	Status             model.SessionStatus `json:"status"`
	RemainingSeconds   int                 `json:"remaining_seconds"`
	Deadline           time.Time           `json:"deadline"`
	Answers            []AnswerView        `json:"answers"`
	FlaggedQuestionIDs []string            `json:"flagged_question_ids"`
	ViolationCount     int                 `json:"violation_count"`
	PendingViolations  int                 `json:"pending_violations"`
	Degraded           bool                `json:"degraded"`
	Counters           proctor.Counters    `json:"counters"`
	Result             json.RawMessage     `json:"result,omitempty"`
}

// View returns the current summary.
func (e *Engine) View() View {
	state := e.store.State()
	v := View{
		SubmissionID:       e.submissionID,
		Status:             state.Status,
		Deadline:           state.Deadline(),
		FlaggedQuestionIDs: state.FlaggedQuestionIDs,
		Degraded:           e.monitor.Degraded(),
		Counters:           e.monitor.Counters(),
		Result:             e.controller.Result(),
	}
	switch {
	case e.timer.Running():
		v.RemainingSeconds = e.timer.Remaining()
	case state.Status == model.SessionStatusInProgress:
		v.RemainingSeconds = state.RemainingSeconds(e.clock.Now())
	}
	for _, rec := range e.store.Answers() {
		v.Answers = append(v.Answers, AnswerView{
			QuestionID: rec.QuestionID,
			Value:      rec.Value,
			SyncState:  rec.SyncState,
			Version:    rec.Version,
			TimeSpent:  e.store.TimeSpent(rec.QuestionID),
		})
	}
	for _, vr := range e.store.Violations() {
		v.ViolationCount++
		if vr.DeliveryState == model.DeliveryPending {
			v.PendingViolations++
		}
	}
	return v
}

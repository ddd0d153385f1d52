// Package proctor turns raw environment signals into classified violations
// and delivers them to the assessment API at least once.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/retry"
	"github.com/stemsi/exstem-agent/internal/session"
)

var (
	// ErrCaptureDenied is returned by Initialize when the capture handle could
	// not be acquired. The attempt must not run unmonitored.
	ErrCaptureDenied = errors.New("capture handle denied")
	// ErrClosed is returned by Initialize after Cleanup.
	ErrClosed = errors.New("monitor is closed")

	errTransportRefused = errors.New("violation delivery refused over plaintext transport")
)

// Reporter delivers violations to the assessment API.
type Reporter interface {
	ReportViolation(ctx context.Context, submissionID string, p remote.ViolationPayload) error
	Secure() bool
}

// Queue is the durable violation retry queue.
type Queue interface {
	Save(ctx context.Context, submissionID string, v model.ViolationRecord) error
	Delete(ctx context.Context, submissionID string, id int64) error
	List(ctx context.Context, submissionID string) ([]model.ViolationRecord, error)
}

// Thresholds are the suspicious-activity limits. A counter strictly above
// its limit triggers a synthesized violation.
type Thresholds struct {
	CopyPaste  int
	TabSwitch  int
	RightClick int
}

// DefaultThresholds are the reference suspicious-activity limits.
var DefaultThresholds = Thresholds{CopyPaste: 3, TabSwitch: 10, RightClick: 5}

// Config tunes a Monitor. Zero values fall back to the defaults.
type Config struct {
	FocusGrace     time.Duration
	SampleInterval time.Duration
	SweepInterval  time.Duration
	Thresholds     Thresholds
	// Production refuses delivery over plaintext transports.
	Production bool
	// Retry is the immediate delivery policy.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.FocusGrace <= 0 {
		c.FocusGrace = time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds
	}
	if c.Retry.Attempts == 0 {
		c.Retry = retry.Exponential(3, time.Second)
	}
	return c
}

// Counters are the running totals sampled for suspicious activity.
type Counters struct {
	CopyPaste  int `json:"copy_paste"`
	TabSwitch  int `json:"tab_switch"`
	RightClick int `json:"right_click"`
}

func (c Counters) grewSince(prev Counters) bool {
	return c.CopyPaste > prev.CopyPaste || c.TabSwitch > prev.TabSwitch || c.RightClick > prev.RightClick
}

// Monitor is the ProctoringMonitor for one attempt. All state is per
// instance.
type Monitor struct {
	submissionID string
	store        *session.Store
	env          Environment
	reporter     Reporter
	queue        Queue
	clock        clock.Clock
	cfg          Config
	log          zerolog.Logger

	onViolation func(model.ViolationRecord)
	onUnload    func(SignalKind)

	mu          sync.Mutex
	lastID      int64
	counters    Counters
	lastEmitted Counters
	degraded    bool
	blurSeq     uint64
	focusTimer  clock.Timer
	inFlight    map[int64]bool
	started     bool
	closed      bool
	capture     CaptureHandle
	stops       []func()

	ctx     context.Context
	cancel  context.CancelFunc
	reg     registry
	cleanup sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. Nothing is observed until Initialize.
func NewMonitor(submissionID string, store *session.Store, env Environment, reporter Reporter, queue Queue, c clock.Clock, cfg Config, log zerolog.Logger) *Monitor {
	if c == nil {
		c = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		submissionID: submissionID,
		store:        store,
		env:          env,
		reporter:     reporter,
		queue:        queue,
		clock:        c,
		cfg:          cfg.withDefaults(),
		log:          log.With().Str("component", "proctor").Str("submission_id", submissionID).Logger(),
		inFlight:     make(map[int64]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnViolation registers the callback invoked synchronously for every
// classified violation, before delivery is attempted.
func (m *Monitor) OnViolation(fn func(model.ViolationRecord)) {
	m.onViolation = fn
}

// OnUnload registers a callback run after Cleanup when the environment
// reports page-hide or unload.
func (m *Monitor) OnUnload(fn func(SignalKind)) {
	m.onUnload = fn
}

// ─── Lifecycle ────────────────────────────────────────────────────────

// Restore reloads undelivered violations from the durable queue so the sweep
// retries them. It returns how many were restored.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	pending, err := m.queue.List(ctx, m.submissionID)
	if err != nil {
		return 0, fmt.Errorf("restore violations: %w", err)
	}
	m.mu.Lock()
	for _, v := range pending {
		if v.ID > m.lastID {
			m.lastID = v.ID
		}
	}
	m.mu.Unlock()
	for _, v := range pending {
		m.store.UpdateViolation(v)
	}
	if len(pending) > 0 {
		m.log.Info().Int("count", len(pending)).Msg("Restored pending violations")
	}
	return len(pending), nil
}

// Initialize acquires the capture handle and full-screen presentation,
// registers the environment observers and starts the sampler and sweep.
// Capture denial is fatal; full-screen denial leaves the monitor degraded
// with one fullscreen-denied violation recorded.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	capture, err := m.env.AcquireCapture(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Capture handle denied")
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	m.mu.Lock()
	m.capture = capture
	m.mu.Unlock()

	if err := m.env.RequestFullscreen(ctx); err != nil {
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("Full-screen denied, monitoring in degraded mode")
		m.record(model.ViolationFullscreenDenied, map[string]string{"reason": err.Error()})
	}

	m.observe()

	stopSample := clock.Every(m.clock, m.cfg.SampleInterval, m.Sample)
	stopSweep := clock.Every(m.clock, m.cfg.SweepInterval, func() { m.Sweep(m.ctx) })
	m.mu.Lock()
	m.stops = append(m.stops, stopSample, stopSweep)
	m.mu.Unlock()

	m.log.Info().Int("observers", m.reg.len()).Msg("Proctoring started")
	return nil
}

func (m *Monitor) observe() {
	m.reg.add(m.env, SourceWindow, SignalBlur, m.handleBlur)
	m.reg.add(m.env, SourceWindow, SignalFocus, m.handleFocus)
	m.reg.add(m.env, SourceDocument, SignalVisibilityHidden, m.handleHidden)
	m.reg.add(m.env, SourceDocument, SignalFullscreenExit, m.handleFullscreenExit)
	m.reg.add(m.env, SourceInput, SignalKeyDown, m.handleKeyDown)
	m.reg.add(m.env, SourceInput, SignalContextMenu, m.handleContextMenu)
	m.reg.add(m.env, SourceClipboard, SignalCopy, m.handleClipboard)
	m.reg.add(m.env, SourceClipboard, SignalCut, m.handleClipboard)
	m.reg.add(m.env, SourceClipboard, SignalPaste, m.handleClipboard)
	m.reg.add(m.env, SourceLifecycle, SignalPageHide, m.handleUnload)
	m.reg.add(m.env, SourceLifecycle, SignalUnload, m.handleUnload)
}

// Cleanup stops the loops, releases the capture handle and removes every
// observer. It is idempotent and safe under concurrent callers. Undelivered
// violations stay in the durable queue.
func (m *Monitor) Cleanup() {
	m.cleanup.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.focusTimer != nil {
			m.focusTimer.Stop()
			m.focusTimer = nil
		}
		stops := m.stops
		m.stops = nil
		capture := m.capture
		m.capture = nil
		m.mu.Unlock()

		for _, stop := range stops {
			stop()
		}
		m.cancel()
		if capture != nil {
			capture.Release()
		}
		removed := m.reg.drain()
		m.log.Info().Int("observers_removed", removed).Msg("Proctoring stopped")
	})
}

// Wait blocks until every delivery goroutine has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Registrations returns the number of live observers.
func (m *Monitor) Registrations() int {
	return m.reg.len()
}

// Degraded reports whether full-screen was denied.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Counters returns the current suspicious-activity counters.
func (m *Monitor) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// ─── Classification ───────────────────────────────────────────────────

func (m *Monitor) handleBlur(sig Signal) {
	m.mu.Lock()
	if m.closed || m.focusTimer != nil {
		m.mu.Unlock()
		return
	}
	m.blurSeq++
	seq := m.blurSeq
	lostAt := m.clock.Now()
	m.focusTimer = m.clock.AfterFunc(m.cfg.FocusGrace, func() {
		m.mu.Lock()
		if m.closed || m.blurSeq != seq || m.focusTimer == nil {
			m.mu.Unlock()
			return
		}
		m.focusTimer = nil
		m.mu.Unlock()
		m.record(model.ViolationWindowFocus, map[string]string{
			"lost_at":  lostAt.UTC().Format(time.RFC3339Nano),
			"grace_ms": strconv.FormatInt(m.cfg.FocusGrace.Milliseconds(), 10),
		})
	})
	m.mu.Unlock()
}

func (m *Monitor) handleFocus(Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focusTimer != nil {
		m.focusTimer.Stop()
		m.focusTimer = nil
		m.blurSeq++
	}
}

func (m *Monitor) handleHidden(Signal) {
	if !m.bump(func(c *Counters) { c.TabSwitch++ }) {
		return
	}
	m.record(model.ViolationTabSwitch, nil)
}

func (m *Monitor) handleFullscreenExit(Signal) {
	if m.isClosed() {
		return
	}
	m.record(model.ViolationFullscreenExit, nil)
}

func (m *Monitor) handleKeyDown(sig Signal) {
	combo, restricted := RestrictedCombo(sig)
	if !restricted {
		return
	}
	sig.PreventDefault()
	if isClipboardCombo(sig) {
		if !m.bump(func(c *Counters) { c.CopyPaste++ }) {
			return
		}
	} else if m.isClosed() {
		return
	}
	m.record(model.ViolationKeyboardShortcut, map[string]string{"combo": combo})
}

func (m *Monitor) handleContextMenu(sig Signal) {
	sig.PreventDefault()
	if !m.bump(func(c *Counters) { c.RightClick++ }) {
		return
	}
	m.record(model.ViolationRightClick, nil)
}

func (m *Monitor) handleClipboard(sig Signal) {
	sig.PreventDefault()
	if !m.bump(func(c *Counters) { c.CopyPaste++ }) {
		return
	}
	m.record(model.ViolationCopyPaste, map[string]string{"action": string(sig.Kind)})
}

func (m *Monitor) handleUnload(sig Signal) {
	m.log.Info().Str("signal", string(sig.Kind)).Msg("Unload signal received")
	m.Cleanup()
	if m.onUnload != nil {
		m.onUnload(sig.Kind)
	}
}

// bump applies f to the counters unless the monitor is closed.
func (m *Monitor) bump(f func(*Counters)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	f(&m.counters)
	return true
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Sample checks the counters against the thresholds and synthesizes a
// suspicious-activity violation when one is exceeded and a counter grew since
// the previous one.
func (m *Monitor) Sample() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c := m.counters
	th := m.cfg.Thresholds
	var exceeded []string
	if c.CopyPaste > th.CopyPaste {
		exceeded = append(exceeded, "copy_paste")
	}
	if c.TabSwitch > th.TabSwitch {
		exceeded = append(exceeded, "tab_switch")
	}
	if c.RightClick > th.RightClick {
		exceeded = append(exceeded, "right_click")
	}
	if len(exceeded) == 0 || !c.grewSince(m.lastEmitted) {
		m.mu.Unlock()
		return
	}
	m.lastEmitted = c
	m.mu.Unlock()

	m.record(model.ViolationSuspicious, map[string]string{
		"copy_paste":  strconv.Itoa(c.CopyPaste),
		"tab_switch":  strconv.Itoa(c.TabSwitch),
		"right_click": strconv.Itoa(c.RightClick),
		"exceeded":    strings.Join(exceeded, ","),
	})
}

// record creates a violation, stores it locally and durably, notifies the
// callback and starts immediate delivery.
func (m *Monitor) record(t model.ViolationType, meta map[string]string) model.ViolationRecord {
	now := m.clock.Now()
	m.mu.Lock()
	id := now.UnixMicro()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	m.mu.Unlock()

	v := model.ViolationRecord{
		ID:            id,
		Type:          t,
		Timestamp:     now,
		Metadata:      meta,
		DeliveryState: model.DeliveryPending,
	}
	m.store.AppendViolation(v)
	if err := m.queue.Save(context.WithoutCancel(m.ctx), m.submissionID, v); err != nil {
		m.log.Error().Err(err).Int64("violation_id", id).Msg("Failed to persist violation")
	}
	metrics.Violations.WithLabelValues(string(t)).Inc()
	m.log.Warn().Int64("violation_id", id).Str("type", string(t)).Msg("Violation recorded")

	if m.onViolation != nil {
		m.onViolation(v.Clone())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(m.ctx, v)
	}()
	return v
}

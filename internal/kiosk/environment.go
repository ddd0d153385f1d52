// Package kiosk implements the proctoring environment over the kiosk
// front-end's WebSocket stream.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/proctor"
)

var (
	// ErrNoHello is returned when the kiosk did not report its grants within
	// the wait window.
	ErrNoHello = errors.New("kiosk did not report its permissions in time")
	// ErrCaptureNotGranted means the examinee refused the camera/microphone.
	ErrCaptureNotGranted = errors.New("capture not granted by the kiosk")
	// ErrFullscreenNotGranted means full-screen was refused.
	ErrFullscreenNotGranted = errors.New("full-screen not granted by the kiosk")
)

// Grants are the permissions the kiosk obtained from the examinee.
type Grants struct {
	Capture    bool
	Fullscreen bool
	Reason     string
}

type subscription struct {
	source proctor.Source
	kind   proctor.SignalKind
	h      proctor.Handler
}

// Environment is a proctor.Environment fed by kiosk messages. Capture and
// full-screen requests resolve from the first hello, waiting at most the
// configured window.
type Environment struct {
	wait time.Duration
	log  zerolog.Logger

	ready     chan struct{}
	helloOnce sync.Once

	mu        sync.Mutex
	grants    Grants
	nextID    int
	subs      map[int]subscription
	onRelease func()
}

// NewEnvironment creates an environment that waits up to wait for the hello.
func NewEnvironment(wait time.Duration, log zerolog.Logger) *Environment {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Environment{
		wait:  wait,
		log:   log.With().Str("component", "kiosk").Logger(),
		ready: make(chan struct{}),
		subs:  make(map[int]subscription),
	}
}

// OnRelease registers the callback run when the monitor releases the
// capture handle.
func (e *Environment) OnRelease(fn func()) {
	e.mu.Lock()
	e.onRelease = fn
	e.mu.Unlock()
}

// Hello records the kiosk's grants. Only the first call counts; it reports
// whether this one did.
func (e *Environment) Hello(g Grants) bool {
	accepted := false
	e.helloOnce.Do(func() {
		e.mu.Lock()
		e.grants = g
		e.mu.Unlock()
		close(e.ready)
		accepted = true
		e.log.Info().Bool("capture", g.Capture).Bool("fullscreen", g.Fullscreen).Msg("Kiosk permissions received")
	})
	return accepted
}

func (e *Environment) awaitGrants(ctx context.Context) (Grants, error) {
	t := time.NewTimer(e.wait)
	defer t.Stop()
	select {
	case <-e.ready:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.grants, nil
	case <-ctx.Done():
		return Grants{}, ctx.Err()
	case <-t.C:
		return Grants{}, ErrNoHello
	}
}

// AcquireCapture implements proctor.Environment.
func (e *Environment) AcquireCapture(ctx context.Context) (proctor.CaptureHandle, error) {
	g, err := e.awaitGrants(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Capture {
		if g.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrCaptureNotGranted, g.Reason)
		}
		return nil, ErrCaptureNotGranted
	}
	return &captureHandle{env: e}, nil
}

// RequestFullscreen implements proctor.Environment.
func (e *Environment) RequestFullscreen(ctx context.Context) error {
	g, err := e.awaitGrants(ctx)
	if err != nil {
		return err
	}
	if !g.Fullscreen {
		return ErrFullscreenNotGranted
	}
	return nil
}

// Subscribe implements proctor.Environment.
func (e *Environment) Subscribe(source proctor.Source, kind proctor.SignalKind, h proctor.Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = subscription{source: source, kind: kind, h: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Subscriptions returns the number of live observers.
func (e *Environment) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Dispatch delivers sig to every matching observer and reports whether one
// of them asked to suppress the default action.
func (e *Environment) Dispatch(sig proctor.Signal) bool {
	e.mu.Lock()
	var hs []proctor.Handler
	for _, s := range e.subs {
		if s.source == sig.Source && s.kind == sig.Kind {
			hs = append(hs, s.h)
		}
	}
	e.mu.Unlock()

	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	var prevented bool
	sig.Prevent = func() { prevented = true }
	for _, h := range hs {
		h(sig)
	}
	return prevented
}

type captureHandle struct {
	env  *Environment
	once sync.Once
}

func (c *captureHandle) Release() {
	c.once.Do(func() {
		c.env.mu.Lock()
		fn := c.env.onRelease
		c.env.mu.Unlock()
		c.env.log.Info().Msg("Capture released")
		if fn != nil {
			fn()
		}
	})
}

package proctor

import (
	"context"
	"time"
)

// Source groups related environment signals.
type Source string

const (
	SourceWindow    Source = "window"
	SourceDocument  Source = "document"
	SourceInput     Source = "input"
	SourceClipboard Source = "clipboard"
	SourceLifecycle Source = "lifecycle"
)

// SignalKind names one raw environment signal.
type SignalKind string

const (
	SignalBlur              SignalKind = "blur"
	SignalFocus             SignalKind = "focus"
	SignalVisibilityHidden  SignalKind = "visibility-hidden"
	SignalVisibilityVisible SignalKind = "visibility-visible"
	SignalFullscreenExit    SignalKind = "fullscreen-exit"
	SignalKeyDown           SignalKind = "keydown"
	SignalContextMenu       SignalKind = "contextmenu"
	SignalCopy              SignalKind = "copy"
	SignalCut               SignalKind = "cut"
	SignalPaste             SignalKind = "paste"
	SignalPageHide          SignalKind = "page-hide"
	SignalUnload            SignalKind = "unload"
)

// Signal is one raw observation from the examinee's environment.
type Signal struct {
	Source Source
	Kind   SignalKind
	At     time.Time

	// Keyboard state, set for SignalKeyDown.
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
	Alt   bool

	// Prevent suppresses the signal's default action, when the environment
	// supports it.
	Prevent func()
}

// PreventDefault suppresses the triggering input's default action.
func (s Signal) PreventDefault() {
	if s.Prevent != nil {
		s.Prevent()
	}
}

// Handler receives signals of one kind.
type Handler func(Signal)

// CaptureHandle is a live audio/video capture held for the attempt.
type CaptureHandle interface {
	Release()
}

// Environment is the examinee's screen as the monitor sees it.
type Environment interface {
	// AcquireCapture obtains the live capture handle. An error means the
	// examinee or the platform denied it.
	AcquireCapture(ctx context.Context) (CaptureHandle, error)
	// RequestFullscreen asks for full-screen presentation.
	RequestFullscreen(ctx context.Context) error
	// Subscribe delivers signals of kind from source to h until the returned
	// function is called.
	Subscribe(source Source, kind SignalKind, h Handler) (remove func())
}

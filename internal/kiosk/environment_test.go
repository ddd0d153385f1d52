package kiosk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/proctor"
)

func TestAcquireWaitsForHello(t *testing.T) {
	env := NewEnvironment(time.Second, zerolog.Nop())
	go func() {
		time.Sleep(10 * time.Millisecond)
		env.Hello(Grants{Capture: true, Fullscreen: false})
	}()

	handle, err := env.AcquireCapture(context.Background())
	if err != nil {
		t.Fatalf("AcquireCapture: %v", err)
	}
	if err := env.RequestFullscreen(context.Background()); !errors.Is(err, ErrFullscreenNotGranted) {
		t.Errorf("RequestFullscreen err = %v, want ErrFullscreenNotGranted", err)
	}

	released := 0
	env.OnRelease(func() { released++ })
	handle.Release()
	handle.Release()
	if released != 1 {
		t.Errorf("release callback ran %d times, want 1", released)
	}
}

func TestOnlyFirstHelloCounts(t *testing.T) {
	env := NewEnvironment(time.Second, zerolog.Nop())
	if !env.Hello(Grants{Capture: false, Reason: "camera busy"}) {
		t.Fatal("first hello rejected")
	}
	if env.Hello(Grants{Capture: true}) {
		t.Fatal("second hello accepted")
	}
	_, err := env.AcquireCapture(context.Background())
	if !errors.Is(err, ErrCaptureNotGranted) {
		t.Fatalf("err = %v, want ErrCaptureNotGranted", err)
	}
}

func TestAcquireTimesOutWithoutHello(t *testing.T) {
	env := NewEnvironment(20*time.Millisecond, zerolog.Nop())
	if _, err := env.AcquireCapture(context.Background()); !errors.Is(err, ErrNoHello) {
		t.Fatalf("err = %v, want ErrNoHello", err)
	}
}

func TestDispatchRoutesAndPrevents(t *testing.T) {
	env := NewEnvironment(time.Second, zerolog.Nop())
	var got []proctor.SignalKind
	remove := env.Subscribe(proctor.SourceInput, proctor.SignalKeyDown, func(sig proctor.Signal) {
		got = append(got, sig.Kind)
		if sig.Ctrl && sig.Key == "c" {
			sig.PreventDefault()
		}
	})
	env.Subscribe(proctor.SourceWindow, proctor.SignalBlur, func(sig proctor.Signal) {
		got = append(got, sig.Kind)
	})

	if !env.Dispatch(proctor.Signal{Source: proctor.SourceInput, Kind: proctor.SignalKeyDown, Key: "c", Ctrl: true}) {
		t.Error("ctrl+c not prevented")
	}
	if env.Dispatch(proctor.Signal{Source: proctor.SourceInput, Kind: proctor.SignalKeyDown, Key: "a"}) {
		t.Error("plain key prevented")
	}
	if env.Dispatch(proctor.Signal{Source: proctor.SourceDocument, Kind: proctor.SignalBlur}) {
		t.Error("unmatched source prevented")
	}
	if len(got) != 2 {
		t.Fatalf("handled %v, want two keydowns", got)
	}

	remove()
	remove()
	if env.Subscriptions() != 1 {
		t.Errorf("subscriptions = %d, want 1", env.Subscriptions())
	}
}

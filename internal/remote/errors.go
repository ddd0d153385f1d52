package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed remote call.
type Kind string

const (
	// KindRetryable covers network failures, timeouts, 5xx, 408 and 429.
	KindRetryable Kind = "retryable"
	// KindDeadline means the attempt's time limit has passed server-side.
	KindDeadline Kind = "deadline"
	// KindInvalidEntity means the question or assessment no longer exists.
	KindInvalidEntity Kind = "invalid_entity"
	// KindUnauthorized means the token was refused.
	KindUnauthorized Kind = "unauthorized"
	// KindRejected is any other terminal refusal.
	KindRejected Kind = "rejected"
)

// Error is returned by every Client call that did not succeed.
type Error struct {
	Op         string
	StatusCode int
	Kind       Kind
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	b.WriteString(" (")
	b.WriteString(string(e.Kind))
	b.WriteString(")")
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a response status and server message to a Kind. A status of
// zero means the request never produced a response. Lifecycle keywords in
// the message win over the status code.
func Classify(status int, message string) Kind {
	if status == 0 {
		return KindRetryable
	}

	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "expired"), strings.Contains(msg, "exceeded"):
		return KindDeadline
	case strings.Contains(msg, "deleted"), strings.Contains(msg, "not found"), strings.Contains(msg, "no longer"):
		return KindInvalidEntity
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"):
		return KindUnauthorized
	}

	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindRetryable
	}
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return KindInvalidEntity
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	}
	return KindRejected
}

// KindOf returns the Kind carried by err. Errors that did not come from a
// response are treated as retryable transport failures, except context
// cancellation which is terminal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindRejected
	}
	return KindRetryable
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }

// IsDeadline reports whether err signals that the time limit has passed.
func IsDeadline(err error) bool { return KindOf(err) == KindDeadline }

// IsBlocking reports whether err must abort the cycle and be shown to the
// user: the question or assessment is gone, or access was refused.
func IsBlocking(err error) bool {
	k := KindOf(err)
	return k == KindInvalidEntity || k == KindUnauthorized
}

// ErrorMessage returns the server's message when err carries one.
func ErrorMessage(err error) string {
	var re *Error
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

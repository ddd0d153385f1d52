package model

import (
	"time"
)

// SessionStatus enumerates the states of one assessment attempt.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusSubmitting SessionStatus = "submitting"
	SessionStatusSubmitted  SessionStatus = "submitted"
)

// CanTransition reports whether moving from s to next is an allowed forward edge.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionStatusInProgress:
		return next == SessionStatusSubmitting || next == SessionStatusExpired
	case SessionStatusExpired:
		return next == SessionStatusSubmitting
	case SessionStatusSubmitting:
		return next == SessionStatusSubmitted
	default:
		return false
	}
}

// Terminal reports whether s is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSubmitted
}

// SessionState is the per-attempt record owned by the engine.
type SessionState struct {
	SubmissionID       string        `json:"submission_id"`
	StartedAt          time.Time     `json:"started_at"`
	TimeLimitSeconds   int           `json:"time_limit_seconds"`
	Status             SessionStatus `json:"status"`
	FlaggedQuestionIDs []string      `json:"flagged_question_ids"`
}

// Deadline returns the wall-clock instant the attempt expires.
func (s SessionState) Deadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.TimeLimitSeconds) * time.Second)
}

// RemainingSeconds returns the whole seconds left at now, never negative.
func (s SessionState) RemainingSeconds(now time.Time) int {
	remaining := s.Deadline().Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

// SessionSnapshot is persisted so a restarted agent resumes with the same
// flags and without re-firing timer thresholds.
type SessionSnapshot struct {
	State           SessionState `json:"state"`
	FiredThresholds []int        `json:"fired_thresholds"`
	SavedAt         time.Time    `json:"saved_at"`
}

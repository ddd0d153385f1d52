package model

import (
	"time"
)

// SubmitReason records why a submission was started.
type SubmitReason string

const (
	SubmitReasonManual    SubmitReason = "manual"
	SubmitReasonExpired   SubmitReason = "time-expired"
	SubmitReasonRecovered SubmitReason = "recovered"
)

// ClientMeta is sent with the submit call.
type ClientMeta struct {
	Reason             SubmitReason     `json:"reason"`
	ClientID           string           `json:"clientId"`
	AnsweredCount      int              `json:"answeredCount"`
	UnsyncedQuestions  []string         `json:"unsyncedQuestions,omitempty"`
	FlaggedQuestionIDs []string         `json:"flaggedQuestionIds,omitempty"`
	TimeSpentSeconds   map[string]int64 `json:"timeSpentSeconds,omitempty"`
	ViolationCount     int              `json:"violationCount"`
	SubmittedAt        time.Time        `json:"submittedAt"`
}

// PendingSubmission is the durable recovery record for a submit that was
// started but never acknowledged.
type PendingSubmission struct {
	SubmissionID string     `json:"submission_id"`
	ClientMeta   ClientMeta `json:"client_meta"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// SyncState tracks an answer's relationship to the remote store.
type SyncState string

const (
	SyncStateClean    SyncState = "clean"
	SyncStateDirty    SyncState = "dirty"
	SyncStateInFlight SyncState = "in-flight"
	SyncStateFailed   SyncState = "failed"
)

// AnswerRecord is the local, authoritative copy of one question's answer.
type AnswerRecord struct {
	QuestionID          string          `json:"question_id"`
	Value               json.RawMessage `json:"value"`
	LastModifiedAt      time.Time       `json:"last_modified_at"`
	Version             uint64          `json:"version"`
	DirtySeq            uint64          `json:"dirty_seq"`
	LastSyncedValueHash string          `json:"last_synced_value_hash,omitempty"`
	SyncState           SyncState       `json:"sync_state"`
}

// IsEmpty reports whether the value carries no answer: missing, null, "",
// whitespace, an empty array or an empty object.
func (r AnswerRecord) IsEmpty() bool {
	return IsEmptyValue(r.Value)
}

// IsEmptyValue applies the AnswerRecord emptiness rule to a raw payload.
func IsEmptyValue(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", `""`, "[]", "{}":
		return true
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return len(bytes.TrimSpace([]byte(s))) == 0
	}
	return false
}

// TimeSpentRecord accumulates focus time for one question.
type TimeSpentRecord struct {
	QuestionID        string `json:"question_id"`
	AccumulatedMillis int64  `json:"accumulated_millis"`
}

// OfflineAnswer is the durable trace of an answer that could not be synced.
type OfflineAnswer struct {
	QuestionID       string          `json:"question_id"`
	Value            json.RawMessage `json:"value"`
	Version          uint64          `json:"version"`
	TimeSpentSeconds int64           `json:"time_spent_seconds"`
	LastError        string          `json:"last_error,omitempty"`
	QueuedAt         time.Time       `json:"queued_at"`
}

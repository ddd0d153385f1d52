// Package session holds the in-memory authoritative record of one attempt:
// answers with their sync bookkeeping, time spent, flags, violations and the
// attempt's status machine. It performs no I/O.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-agent/internal/clock"
	"github.com/stemsi/exstem-agent/internal/model"
)

// ErrInvalidTransition is returned when a status change would move the
// attempt backwards or out of the absorbing submitted state.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Store is the SessionStore. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	state      model.SessionState
	answers    map[string]*model.AnswerRecord
	timeSpent  map[string]int64
	flags      map[string]struct{}
	violations []model.ViolationRecord

	version  uint64
	dirtySeq uint64

	focused   string
	focusedAt time.Time

	onStatus func(from, to model.SessionStatus)
}

// NewStore creates the store for one attempt. A zero Status is treated as
// in_progress.
func NewStore(state model.SessionState, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	if state.Status == "" {
		state.Status = model.SessionStatusInProgress
	}
	s := &Store{
		clock:     c,
		state:     state,
		answers:   make(map[string]*model.AnswerRecord),
		timeSpent: make(map[string]int64),
		flags:     make(map[string]struct{}),
	}
	for _, id := range state.FlaggedQuestionIDs {
		s.flags[id] = struct{}{}
	}
	s.state.FlaggedQuestionIDs = nil
	return s
}

// OnStatusChange registers a hook invoked after every successful transition.
// It must be set before the store is shared.
func (s *Store) OnStatusChange(fn func(from, to model.SessionStatus)) {
	s.onStatus = fn
}

// ─── Answers ──────────────────────────────────────────────────────────

// SetAnswer records value for questionID. Any value is accepted, including
// empty ones. The record becomes dirty unless value matches what the remote
// store last acknowledged.
func (s *Store) SetAnswer(questionID string, value json.RawMessage) model.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.answers[questionID]
	if !ok {
		rec = &model.AnswerRecord{QuestionID: questionID, SyncState: model.SyncStateClean}
		s.answers[questionID] = rec
	}

	s.version++
	rec.Value = append(json.RawMessage(nil), value...)
	rec.Version = s.version
	rec.LastModifiedAt = s.clock.Now()

	if rec.LastSyncedValueHash != "" && HashValue(value) == rec.LastSyncedValueHash {
		if rec.SyncState != model.SyncStateInFlight {
			rec.SyncState = model.SyncStateClean
		}
		return cloneRecord(rec)
	}
	s.markDirtyLocked(rec)
	return cloneRecord(rec)
}

func cloneRecord(rec *model.AnswerRecord) model.AnswerRecord {
	out := *rec
	out.Value = append(json.RawMessage(nil), rec.Value...)
	return out
}

func (s *Store) markDirtyLocked(rec *model.AnswerRecord) {
	if rec.SyncState == model.SyncStateDirty {
		return
	}
	s.dirtySeq++
	rec.DirtySeq = s.dirtySeq
	rec.SyncState = model.SyncStateDirty
}

// Answer returns a copy of the record for questionID.
func (s *Store) Answer(questionID string) (model.AnswerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.answers[questionID]
	if !ok {
		return model.AnswerRecord{}, false
	}
	return cloneRecord(rec), true
}

// Answers returns copies of every record ordered by question ID.
func (s *Store) Answers() []model.AnswerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AnswerRecord, 0, len(s.answers))
	for _, rec := range s.answers {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// SnapshotDirty returns copies of the dirty records in the order they became
// dirty. It does not change any state.
func (s *Store) SnapshotDirty() []model.AnswerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AnswerRecord
	for _, rec := range s.answers {
		if rec.SyncState == model.SyncStateDirty {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirtySeq < out[j].DirtySeq })
	return out
}

// BeginSync marks a dirty record in-flight and returns the copy to send.
// It reports false when the record is no longer dirty.
func (s *Store) BeginSync(questionID string) (model.AnswerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.answers[questionID]
	if !ok || rec.SyncState != model.SyncStateDirty {
		return model.AnswerRecord{}, false
	}
	rec.SyncState = model.SyncStateInFlight
	return cloneRecord(rec), true
}

// AckSync applies a remote acknowledgment for the given version and value
// hash. The record turns clean only when the acknowledged version is still
// the current one; a stale acknowledgment updates the synced hash but leaves
// the newer value dirty. It reports whether the record is now clean.
func (s *Store) AckSync(questionID string, version uint64, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.answers[questionID]
	if !ok {
		return false
	}
	rec.LastSyncedValueHash = hash
	if rec.Version == version {
		rec.SyncState = model.SyncStateClean
		return true
	}
	if HashValue(rec.Value) == hash {
		rec.SyncState = model.SyncStateClean
		return true
	}
	if rec.SyncState == model.SyncStateInFlight {
		rec.SyncState = model.SyncStateClean
	}
	s.markDirtyLocked(rec)
	return false
}

// AbortSync settles an in-flight record after a failed push of version. The
// record turns clean when its current value is the last synced one and dirty
// otherwise, even when a newer SetAnswer has replaced the value sent.
func (s *Store) AbortSync(questionID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.answers[questionID]
	if !ok || rec.SyncState != model.SyncStateInFlight {
		return
	}
	s.settleLocked(rec, version)
}

// MarkFailed parks a record that the remote store permanently rejected. A
// later SetAnswer makes it dirty again. When the rejected version is no
// longer current the newer value is settled like AbortSync instead.
func (s *Store) MarkFailed(questionID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.answers[questionID]
	if !ok {
		return
	}
	if rec.Version == version {
		rec.SyncState = model.SyncStateFailed
		return
	}
	if rec.SyncState == model.SyncStateInFlight {
		s.settleLocked(rec, version)
	}
}

func (s *Store) settleLocked(rec *model.AnswerRecord, version uint64) {
	if rec.LastSyncedValueHash != "" && HashValue(rec.Value) == rec.LastSyncedValueHash {
		rec.SyncState = model.SyncStateClean
		return
	}
	if rec.Version == version {
		// Keep the original dirty order so the retry goes out in sequence.
		rec.SyncState = model.SyncStateDirty
		return
	}
	rec.SyncState = model.SyncStateClean
	s.markDirtyLocked(rec)
}

// ─── Time spent ───────────────────────────────────────────────────────

// RecordTimeSpent adds deltaMillis to questionID. Non-positive deltas are ignored.
func (s *Store) RecordTimeSpent(questionID string, deltaMillis int64) {
	if deltaMillis <= 0 || questionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeSpent[questionID] += deltaMillis
}

// FocusQuestion moves focus to questionID, crediting the elapsed interval to
// the previously focused question. An empty ID means no question has focus.
func (s *Store) FocusQuestion(questionID string) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused != "" {
		if delta := now.Sub(s.focusedAt).Milliseconds(); delta > 0 {
			s.timeSpent[s.focused] += delta
		}
	}
	s.focused = questionID
	s.focusedAt = now
}

// TimeSpent returns the accumulated milliseconds for questionID.
func (s *Store) TimeSpent(questionID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeSpent[questionID]
}

// TimeSpentRecords returns every accumulator ordered by question ID.
func (s *Store) TimeSpentRecords() []model.TimeSpentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TimeSpentRecord, 0, len(s.timeSpent))
	for id, ms := range s.timeSpent {
		out = append(out, model.TimeSpentRecord{QuestionID: id, AccumulatedMillis: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// ─── Flags ────────────────────────────────────────────────────────────

// ToggleFlag flips questionID's flag and returns the new state.
func (s *Store) ToggleFlag(questionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[questionID]; ok {
		delete(s.flags, questionID)
		return false
	}
	s.flags[questionID] = struct{}{}
	return true
}

// SetFlag forces questionID's flag to flagged.
func (s *Store) SetFlag(questionID string, flagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flagged {
		s.flags[questionID] = struct{}{}
		return
	}
	delete(s.flags, questionID)
}

// IsFlagged reports whether questionID is flagged.
func (s *Store) IsFlagged(questionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.flags[questionID]
	return ok
}

func (s *Store) flaggedLocked() []string {
	out := make([]string, 0, len(s.flags))
	for id := range s.flags {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ─── Violations ───────────────────────────────────────────────────────

// AppendViolation adds a classified violation to the session's list.
func (s *Store) AppendViolation(v model.ViolationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v.Clone())
}

// UpdateViolation mirrors a delivery-state change into the session's list.
func (s *Store) UpdateViolation(v model.ViolationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.violations {
		if s.violations[i].ID == v.ID {
			s.violations[i] = v.Clone()
			return
		}
	}
	s.violations = append(s.violations, v.Clone())
}

// Violations returns copies of every violation in creation order.
func (s *Store) Violations() []model.ViolationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ViolationRecord, len(s.violations))
	for i, v := range s.violations {
		out[i] = v.Clone()
	}
	return out
}

// ─── Status ───────────────────────────────────────────────────────────

// State returns a copy of the session state including the flagged set.
func (s *Store) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.FlaggedQuestionIDs = s.flaggedLocked()
	return st
}

// Status returns the current status.
func (s *Store) Status() model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status
}

// Transition moves the attempt to next if the edge is allowed.
func (s *Store) Transition(next model.SessionStatus) error {
	s.mu.Lock()
	from := s.state.Status
	if !from.CanTransition(next) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	s.state.Status = next
	hook := s.onStatus
	s.mu.Unlock()

	if hook != nil {
		hook(from, next)
	}
	return nil
}

// CompareAndTransition moves from -> next only if the current status is from.
// It is the exactly-once guard for concurrent expiry and submit paths.
func (s *Store) CompareAndTransition(from, next model.SessionStatus) bool {
	s.mu.Lock()
	if s.state.Status != from || !from.CanTransition(next) {
		s.mu.Unlock()
		return false
	}
	s.state.Status = next
	hook := s.onStatus
	s.mu.Unlock()

	if hook != nil {
		hook(from, next)
	}
	return true
}

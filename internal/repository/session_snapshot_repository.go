package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/model"
)

const snapshotField = "state"

// SessionSnapshotRepository persists the session state and fired timer
// thresholds so a restarted agent picks up where it left off.
type SessionSnapshotRepository struct {
	kv KV
}

// NewSessionSnapshotRepository creates a new SessionSnapshotRepository.
func NewSessionSnapshotRepository(kv KV) *SessionSnapshotRepository {
	return &SessionSnapshotRepository{kv: kv}
}

// Save stores the snapshot.
func (r *SessionSnapshotRepository) Save(ctx context.Context, s model.SessionSnapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.kv.Put(ctx, config.StorageKey.SessionSnapshotKey(s.State.SubmissionID), snapshotField, payload)
}

// Get returns the stored snapshot, or nil when the attempt has none.
func (r *SessionSnapshotRepository) Get(ctx context.Context, submissionID string) (*model.SessionSnapshot, error) {
	payload, err := r.kv.Get(ctx, config.StorageKey.SessionSnapshotKey(submissionID), snapshotField)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var s model.SessionSnapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Delete removes the snapshot.
func (r *SessionSnapshotRepository) Delete(ctx context.Context, submissionID string) error {
	return r.kv.Delete(ctx, config.StorageKey.SessionSnapshotKey(submissionID), snapshotField)
}

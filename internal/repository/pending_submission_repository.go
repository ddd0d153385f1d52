package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/model"
)

const pendingSubmissionField = "current"

// PendingSubmissionRepository keeps the recovery record of a submit that was
// started but never acknowledged.
type PendingSubmissionRepository struct {
	kv KV
}

// NewPendingSubmissionRepository creates a new PendingSubmissionRepository.
func NewPendingSubmissionRepository(kv KV) *PendingSubmissionRepository {
	return &PendingSubmissionRepository{kv: kv}
}

// Save stores or replaces the pending submission.
func (r *PendingSubmissionRepository) Save(ctx context.Context, p model.PendingSubmission) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending submission: %w", err)
	}
	return r.kv.Put(ctx, config.StorageKey.PendingSubmissionKey(p.SubmissionID), pendingSubmissionField, payload)
}

// Get returns the pending submission, or nil when there is none.
func (r *PendingSubmissionRepository) Get(ctx context.Context, submissionID string) (*model.PendingSubmission, error) {
	payload, err := r.kv.Get(ctx, config.StorageKey.PendingSubmissionKey(submissionID), pendingSubmissionField)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var p model.PendingSubmission
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode pending submission: %w", err)
	}
	return &p, nil
}

// Delete clears the record after a successful submit.
func (r *PendingSubmissionRepository) Delete(ctx context.Context, submissionID string) error {
	return r.kv.Delete(ctx, config.StorageKey.PendingSubmissionKey(submissionID), pendingSubmissionField)
}

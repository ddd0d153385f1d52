package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/model"
)

// OfflineAnswerRepository persists answers the autosave loop could not push.
// One entry per question; a newer value overwrites the older one.
type OfflineAnswerRepository struct {
	kv KV
}

// NewOfflineAnswerRepository creates a new OfflineAnswerRepository.
func NewOfflineAnswerRepository(kv KV) *OfflineAnswerRepository {
	return &OfflineAnswerRepository{kv: kv}
}

// Save stores or replaces the offline copy of an answer.
func (r *OfflineAnswerRepository) Save(ctx context.Context, submissionID string, a model.OfflineAnswer) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode offline answer: %w", err)
	}
	return r.kv.Put(ctx, config.StorageKey.OfflineAnswersKey(submissionID), a.QuestionID, payload)
}

// Delete evicts the offline copy once the remote store acknowledged it.
func (r *OfflineAnswerRepository) Delete(ctx context.Context, submissionID, questionID string) error {
	return r.kv.Delete(ctx, config.StorageKey.OfflineAnswersKey(submissionID), questionID)
}

// List returns every offline answer, oldest first.
func (r *OfflineAnswerRepository) List(ctx context.Context, submissionID string) ([]model.OfflineAnswer, error) {
	entries, err := r.kv.List(ctx, config.StorageKey.OfflineAnswersKey(submissionID))
	if err != nil {
		return nil, err
	}
	out := make([]model.OfflineAnswer, 0, len(entries))
	for field, payload := range entries {
		var a model.OfflineAnswer
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decode offline answer %s: %w", field, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out, nil
}

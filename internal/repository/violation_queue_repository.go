package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/model"
)

// ViolationQueueRepository is the durable retry queue for violations that
// have not been acknowledged. Only the proctoring monitor writes to it.
type ViolationQueueRepository struct {
	kv KV
}

// NewViolationQueueRepository creates a new ViolationQueueRepository.
func NewViolationQueueRepository(kv KV) *ViolationQueueRepository {
	return &ViolationQueueRepository{kv: kv}
}

// Save enqueues v or replaces its stored copy.
func (r *ViolationQueueRepository) Save(ctx context.Context, submissionID string, v model.ViolationRecord) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}
	return r.kv.Put(ctx, config.StorageKey.ViolationQueueKey(submissionID), violationField(v.ID), payload)
}

// Delete evicts a delivered violation.
func (r *ViolationQueueRepository) Delete(ctx context.Context, submissionID string, id int64) error {
	return r.kv.Delete(ctx, config.StorageKey.ViolationQueueKey(submissionID), violationField(id))
}

// List returns the queued violations in creation order.
func (r *ViolationQueueRepository) List(ctx context.Context, submissionID string) ([]model.ViolationRecord, error) {
	entries, err := r.kv.List(ctx, config.StorageKey.ViolationQueueKey(submissionID))
	if err != nil {
		return nil, err
	}
	out := make([]model.ViolationRecord, 0, len(entries))
	for field, payload := range entries {
		var v model.ViolationRecord
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode violation %s: %w", field, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func violationField(id int64) string {
	return strconv.FormatInt(id, 10)
}

package repository

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-agent/internal/config"
)

const bridgeSessionField = "jti"

// BridgeSessionRepository tracks the single kiosk token allowed to drive an
// attempt. Issuing a new token invalidates the previous one.
type BridgeSessionRepository struct {
	kv KV
}

// NewBridgeSessionRepository creates a new BridgeSessionRepository.
func NewBridgeSessionRepository(kv KV) *BridgeSessionRepository {
	return &BridgeSessionRepository{kv: kv}
}

// SetActive records jti as the only valid bridge token for submissionID.
func (r *BridgeSessionRepository) SetActive(ctx context.Context, submissionID, jti string) error {
	return r.kv.Put(ctx, config.StorageKey.BridgeSessionKey(submissionID), bridgeSessionField, []byte(jti))
}

// Active returns the active token ID, or "" when none was issued.
func (r *BridgeSessionRepository) Active(ctx context.Context, submissionID string) (string, error) {
	v, err := r.kv.Get(ctx, config.StorageKey.BridgeSessionKey(submissionID), bridgeSessionField)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

// Reset removes the active token so the next issued one is accepted.
func (r *BridgeSessionRepository) Reset(ctx context.Context, submissionID string) error {
	return r.kv.Delete(ctx, config.StorageKey.BridgeSessionKey(submissionID), bridgeSessionField)
}

package session

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// HashValue fingerprints an answer payload. Insignificant JSON whitespace is
// removed first so `{"a": 1}` and `{"a":1}` hash the same.
func HashValue(v json.RawMessage) string {
	payload := bytes.TrimSpace(v)
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		payload = compact.Bytes()
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

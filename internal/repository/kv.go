package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned by KV.Get when the field does not exist.
var ErrNotFound = errors.New("durable entry not found")

// KV is the durable local store. Entries are grouped into namespaces (one per
// submission and record kind) and keyed by field within a namespace. Writes to
// distinct fields never collide.
type KV interface {
	Put(ctx context.Context, namespace, field string, payload []byte) error
	Get(ctx context.Context, namespace, field string) ([]byte, error)
	Delete(ctx context.Context, namespace, field string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)
	// Namespaces returns the non-empty namespaces matching a glob pattern
	// where '*' matches any run of characters.
	Namespaces(ctx context.Context, pattern string) ([]string, error)
}

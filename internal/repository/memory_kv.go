package repository

import (
	"context"
	"path"
	"sort"
	"sync"
)

// MemoryKV keeps entries in process memory. It backs tests and the "memory"
// store driver, which gives up durability across restarts.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string][]byte)}
}

func (m *MemoryKV) Put(ctx context.Context, namespace, field string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[field] = append([]byte(nil), payload...)
	return nil
}

func (m *MemoryKV) Get(ctx context.Context, namespace, field string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Delete(ctx context.Context, namespace, field string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil
	}
	delete(ns, field)
	if len(ns) == 0 {
		delete(m.data, namespace)
	}
	return nil
}

func (m *MemoryKV) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryKV) Namespaces(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for ns := range m.data {
		if ok, _ := path.Match(pattern, ns); ok {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

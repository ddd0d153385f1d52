package proctor

import "sync"

type registration struct {
	source Source
	kind   SignalKind
	remove func()
}

// registry is the list of observers added during Initialize. Cleanup drains
// it so every subscription is removed exactly once.
type registry struct {
	mu    sync.Mutex
	items []registration
}

func (r *registry) add(env Environment, source Source, kind SignalKind, h Handler) {
	remove := env.Subscribe(source, kind, h)
	r.mu.Lock()
	r.items = append(r.items, registration{source: source, kind: kind, remove: remove})
	r.mu.Unlock()
}

func (r *registry) drain() int {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		if items[i].remove != nil {
			items[i].remove()
		}
	}
	return len(items)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stemsi/exstem-agent/internal/model"
)

// EventType names an engine event pushed to subscribers.
type EventType string

const (
	EventTick      EventType = "tick"
	EventThreshold EventType = "threshold"
	EventViolation EventType = "violation"
	EventStatus    EventType = "status"
	EventAutosave  EventType = "autosave"
	EventSubmitted EventType = "submitted"
)

// Event is one notification for the kiosk front-end.
type Event struct {
	Type EventType   `json:"event"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

type TickData struct {
	Remaining int `json:"remaining"`
}

type ThresholdData struct {
	Threshold int `json:"threshold"`
}

type StatusData struct {
	From model.SessionStatus `json:"from"`
	To   model.SessionStatus `json:"to"`
}

// AutosaveData is the background status indicator payload.
type AutosaveData struct {
	Trigger  string   `json:"trigger"`
	Saved    []string `json:"saved,omitempty"`
	Pending  []string `json:"pending,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type SubmittedData struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// subscriberBuffer is the per-subscriber backlog. Slow subscribers lose
// events instead of stalling the engine.
const subscriberBuffer = 128

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish never blocks. It reports how many subscribers missed the event.
func (h *hub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

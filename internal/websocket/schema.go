package websocket

// ─── Actions (Kiosk → Agent) ────────────────────────────────────────

type Action string

const (
	ActionHello  Action = "hello"
	ActionSignal Action = "signal"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// HelloRequest reports which permissions the kiosk obtained from the
// examinee. It is sent once, right after connecting.
type HelloRequest struct {
	Action     Action `json:"action"`
	Capture    bool   `json:"capture"`
	Fullscreen bool   `json:"fullscreen"`
	Reason     string `json:"reason,omitempty" binding:"max=256"`
}

// SignalRequest carries one raw environment signal.
type SignalRequest struct {
	Action Action `json:"action"`
	Seq    int64  `json:"seq" binding:"gte=0"`
	Source string `json:"source" binding:"required,oneof=window document input clipboard lifecycle"`
	Kind   string `json:"kind" binding:"required,max=32"`
	Key    string `json:"key,omitempty" binding:"max=32"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Meta   bool   `json:"meta,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
}

// ─── Events (Agent → Kiosk) ─────────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventReady   Event = "ready"
	EventPrevent Event = "prevent"
	EventRelease Event = "release"
	EventPong    Event = "pong"
)

// ReadyResponse acknowledges the hello.
type ReadyResponse struct {
	Event        Event  `json:"event"`
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Remaining    int    `json:"remaining"`
}

// PreventResponse tells the kiosk to suppress the default action of the
// signal with the given sequence number.
type PreventResponse struct {
	Event Event `json:"event"`
	Seq   int64 `json:"seq"`
}

// ReleaseResponse tells the kiosk to stop the capture and leave full-screen.
type ReleaseResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

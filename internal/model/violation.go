package model

import (
	"time"
)

// ViolationType enumerates classified integrity signals.
type ViolationType string

const (
	ViolationWindowFocus      ViolationType = "window-focus"
	ViolationTabSwitch        ViolationType = "tab-switch"
	ViolationFullscreenExit   ViolationType = "fullscreen-exit"
	ViolationFullscreenDenied ViolationType = "fullscreen-denied"
	ViolationKeyboardShortcut ViolationType = "keyboard-shortcut"
	ViolationCopyPaste        ViolationType = "copy-paste"
	ViolationRightClick       ViolationType = "right-click"
	ViolationSuspicious       ViolationType = "suspicious-activity"
)

// DeliveryState tracks whether the reporting endpoint acknowledged a violation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
)

// MetaTransportRefused marks a violation kept local because the transport was
// not encrypted in production.
const MetaTransportRefused = "transport-refused"

// ViolationRecord is one classified proctoring event.
type ViolationRecord struct {
	ID            int64             `json:"id"`
	Type          ViolationType     `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DeliveryState DeliveryState     `json:"delivery_state"`
	AttemptCount  int               `json:"attempt_count"`
	LastError     string            `json:"last_error,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (v ViolationRecord) Clone() ViolationRecord {
	out := v
	if v.Metadata != nil {
		out.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			out.Metadata[k] = val
		}
	}
	return out
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"suitedeck/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeSessionClosed = "session.closed"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionRun   = "session.run"
	TypeSessionStop  = "session.stop"
	TypeSessionClose = "session.close"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrAlreadyRunning  = "SESSION_ALREADY_RUNNING"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInvalidConfig   = "INVALID_CONFIG"
)

// Server → Client payloads.

// SessionUpdatePayload mirrors the polling telemetry view and is pushed on
// every status transition.
type SessionUpdatePayload struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	StatusLine       string `json:"statusLine"`
	Current          int    `json:"current"`
	Total            int    `json:"total"`
	Percentage       int    `json:"percentage"`
	CurrentTest      string `json:"currentTest,omitempty"`
	RecoveryAttempts int    `json:"recoveryAttempts"`
}

type SessionClosedPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionRunPayload struct {
	SessionID string         `json:"sessionId"`
	Config    session.Config `json:"config"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

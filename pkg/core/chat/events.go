package chat

import (
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Event is the interface for orchestrator events. The presentation layer
// observes these instead of reaching into engine state.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// TurnStartedEvent is emitted when a turn acquires the session. Its pairing
// with TurnCompletedEvent is exactly the typing indicator.
type TurnStartedEvent struct {
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"` // "user", "greeting", or "voice"
}

func (e *TurnStartedEvent) EventType() string { return "turn.started" }

// TurnCompletedEvent is emitted when a turn releases the session. Message is
// the appended assistant message; Suppressed marks turns whose response
// carried neither text nor a valid recommendation.
type TurnCompletedEvent struct {
	SessionID  string         `json:"session_id"`
	Message    *types.Message `json:"message,omitempty"`
	Suppressed bool           `json:"suppressed,omitempty"`
	Failed     bool           `json:"failed,omitempty"`
}

func (e *TurnCompletedEvent) EventType() string { return "turn.completed" }

// ModeChangedEvent is emitted when the session switches between text and
// voice.
type ModeChangedEvent struct {
	SessionID string     `json:"session_id"`
	From      types.Mode `json:"from"`
	To        types.Mode `json:"to"`
}

func (e *ModeChangedEvent) EventType() string { return "mode.changed" }

// MessageAppendedEvent is emitted for every message appended to the session,
// user and assistant alike.
type MessageAppendedEvent struct {
	SessionID string        `json:"session_id"`
	Message   types.Message `json:"message"`
}

func (e *MessageAppendedEvent) EventType() string { return "message.appended" }

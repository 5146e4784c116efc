package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Session holds one conversation: an append-only message list, the current
// mode, and the busy flag that serializes turns. All mutation goes through
// the owning orchestrator.
type Session struct {
	id string

	mu         sync.Mutex
	mode       types.Mode
	messages   []types.Message
	busy       bool
	greeted    bool
	createdAt  time.Time
	lastActive time.Time
}

// NewSession creates an empty text-mode session.
func NewSession(now time.Time) *Session {
	return &Session{
		id:         uuid.NewString(),
		mode:       types.ModeText,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Mode returns the active conversation channel.
func (s *Session) Mode() types.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Busy reports whether a turn is in flight. This is the typing indicator.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Messages returns a copy of the conversation in insertion order.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of appended messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActive returns the time of the most recent turn activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch refreshes the activity clock without taking a turn. Voice frames
// keep an otherwise quiet session alive through it.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
}

// beginTurn acquires the busy flag. It reports false when a prior turn has
// not released it yet.
func (s *Session) beginTurn(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.lastActive = now
	return true
}

// endTurn releases the busy flag.
func (s *Session) endTurn(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastActive = now
}

// append is the single message-append entry point; greeting, text turns,
// and voice tool calls all land here.
func (s *Session) append(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	s.lastActive = m.CreatedAt
}

// markGreeted flips the greeting guard. It reports false when the greeting
// was already attempted or the session has messages.
func (s *Session) markGreeted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greeted || len(s.messages) > 0 {
		return false
	}
	s.greeted = true
	return true
}

// setMode switches the conversation channel and reports the previous mode.
func (s *Session) setMode(mode types.Mode) types.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mode
	s.mode = mode
	return prev
}

// newMessage mints a message with a fresh id and timestamp.
func newMessage(role types.Role, text string, rec *types.Recommendation, now time.Time) types.Message {
	return types.Message{
		ID:             uuid.NewString(),
		Role:           role,
		Text:           text,
		CreatedAt:      now,
		Recommendation: rec,
	}
}

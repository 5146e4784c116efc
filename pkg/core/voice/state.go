package voice

import "fmt"

// StreamState represents the current state of a voice stream.
type StreamState int

const (
	// StateIdle is the initial state before any connection attempt.
	StateIdle StreamState = iota
	// StateConnecting is while the live channel dial is in flight.
	StateConnecting
	// StateStreaming is when uplink frames flow and downlink audio plays.
	StateStreaming
	// StateInterrupted is after a barge-in, before the next model turn.
	StateInterrupted
	// StateClosing is while devices and the channel are being torn down.
	StateClosing
	// StateClosed is terminal; the stream cannot be reused.
	StateClosed
)

// String returns a human-readable state name.
func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether moving from s to next is a legal edge of
// the stream lifecycle.
func (s StreamState) CanTransition(next StreamState) bool {
	switch s {
	case StateIdle:
		return next == StateConnecting
	case StateConnecting:
		return next == StateStreaming || next == StateClosing
	case StateStreaming:
		return next == StateInterrupted || next == StateClosing
	case StateInterrupted:
		return next == StateStreaming || next == StateClosing
	case StateClosing:
		return next == StateClosed
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s StreamState) Terminal() bool { return s == StateClosed }

// StateMachine tracks a stream's state and rejects illegal transitions.
// Not safe for concurrent use; the owning loop serializes access.
type StateMachine struct {
	state    StreamState
	observer func(from, to StreamState)
}

// NewStateMachine returns a machine in StateIdle. The observer, if
// non-nil, is called after every successful transition.
func NewStateMachine(observer func(from, to StreamState)) *StateMachine {
	return &StateMachine{state: StateIdle, observer: observer}
}

// State returns the current state.
func (m *StateMachine) State() StreamState { return m.state }

// To transitions the machine to next, or returns an error naming the
// rejected edge.
func (m *StateMachine) To(next StreamState) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("voice: illegal transition %s -> %s", m.state, next)
	}
	from := m.state
	m.state = next
	if m.observer != nil {
		m.observer(from, next)
	}
	return nil
}

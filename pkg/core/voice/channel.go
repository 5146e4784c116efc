package voice

import (
	"context"

	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// ChannelEvent is a message received from the remote live channel.
type ChannelEvent interface {
	// ChannelEventType returns the event type identifier.
	ChannelEventType() string
}

// AudioChunkEvent carries one chunk of downlink PCM in PlaybackFormat.
type AudioChunkEvent struct {
	Data []byte
}

// ToolCallEvent carries a tool invocation requested mid-stream.
type ToolCallEvent struct {
	Call chat.ToolCall
}

// TranscriptEvent carries a transcription fragment of either side's speech.
type TranscriptEvent struct {
	Role types.Role
	Text string
}

// InterruptedEvent signals the remote side detected a barge-in; every
// scheduled downlink segment is stale.
type InterruptedEvent struct{}

// TurnCompleteEvent signals the model finished its spoken turn.
type TurnCompleteEvent struct{}

func (e *AudioChunkEvent) ChannelEventType() string { return "audio_chunk" }

func (e *ToolCallEvent) ChannelEventType() string { return "tool_call" }

func (e *TranscriptEvent) ChannelEventType() string { return "transcript" }

func (e *InterruptedEvent) ChannelEventType() string { return "interrupted" }

func (e *TurnCompleteEvent) ChannelEventType() string { return "turn_complete" }

// ToolResult acknowledges a tool call back to the channel so the remote
// session can continue speaking.
type ToolResult struct {
	// ID matches the ToolCall that is being answered.
	ID string
	// Name matches the invoked tool.
	Name string
	// Output is the structured result payload.
	Output map[string]any
}

// Channel is a bidirectional live audio session with the model.
type Channel interface {
	// Next returns the next event. Returns nil, io.EOF when the remote
	// side ends the session.
	Next() (ChannelEvent, error)

	// SendAudio transmits one uplink frame of CaptureFormat PCM.
	SendAudio(ctx context.Context, frame []byte) error

	// SendToolResult acknowledges a tool call.
	SendToolResult(ctx context.Context, result ToolResult) error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// ChannelConfig carries the session parameters a dialer needs.
type ChannelConfig struct {
	// SystemInstruction is the persona and tool-usage policy.
	SystemInstruction string
	// VoiceName selects the synthesized voice, provider-defined.
	VoiceName string
}

// Dialer opens live channels. Implementations wrap a provider's realtime
// API.
type Dialer interface {
	Connect(ctx context.Context, cfg ChannelConfig) (Channel, error)
}

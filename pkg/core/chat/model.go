package chat

import (
	"context"
)

// ModelClient opens persistent conversations with the hosted model. The
// engine never talks to a model SDK directly; adapters satisfy this.
type ModelClient interface {
	// NewConversation starts a conversation carrying the given system
	// instruction and the engine's tool declarations.
	NewConversation(ctx context.Context, systemInstruction string) (Conversation, error)
}

// Conversation is one model conversation handle. Send is a single
// prompt/response exchange; history lives on the model side of the handle.
type Conversation interface {
	Send(ctx context.Context, prompt string) (*Reply, error)
	Close() error
}

// Reply is the model's response to one turn.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a structured action invoked by the model, still unvalidated.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

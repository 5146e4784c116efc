// Package gemini adapts the google.golang.org/genai SDK to the engine's
// model, embedding, and live-audio contracts. All genai surface area lives
// here; the rest of the engine sees only the core interfaces.
package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

const (
	// DefaultChatModel handles text turns.
	DefaultChatModel = "gemini-2.5-flash"

	// DefaultEmbeddingModel produces catalog and query vectors.
	DefaultEmbeddingModel = "gemini-embedding-001"

	// DefaultLiveModel handles realtime voice sessions.
	DefaultLiveModel = "gemini-2.0-flash-live-001"

	// DefaultVoiceName is the prebuilt voice used when none is configured.
	DefaultVoiceName = "Puck"
)

// Client wraps one genai client and exposes the engine-facing adapters.
type Client struct {
	genai *genai.Client

	chatModel  string
	embedModel string
	liveModel  string
	voiceName  string

	// Live opens realtime audio channels.
	Live *LiveDialer
}

// New creates a Gemini client. A missing API key is a configuration error:
// every caller needs it, and failing late would surface as a confusing
// provider error mid-conversation.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, core.NewConfigError("gemini api key is required")
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}

	c := &Client{
		genai:      gc,
		chatModel:  DefaultChatModel,
		embedModel: DefaultEmbeddingModel,
		liveModel:  DefaultLiveModel,
		voiceName:  DefaultVoiceName,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Live = &LiveDialer{client: c}
	return c, nil
}

// Close releases the underlying client. The genai SDK's client exposes no
// release operation, so there is nothing to do.
func (c *Client) Close() error {
	return nil
}

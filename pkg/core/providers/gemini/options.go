package gemini

// Option configures the Client.
type Option func(*Client)

// WithChatModel sets the model for text turns.
// Default: gemini-2.5-flash
func WithChatModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.chatModel = model
		}
	}
}

// WithEmbeddingModel sets the model for embedding vectors.
// Default: gemini-embedding-001
func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.embedModel = model
		}
	}
}

// WithLiveModel sets the model for realtime voice sessions.
// Default: gemini-2.0-flash-live-001
func WithLiveModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.liveModel = model
		}
	}
}

// WithVoiceName sets the prebuilt voice for spoken replies.
// Default: Puck
func WithVoiceName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.voiceName = name
		}
	}
}

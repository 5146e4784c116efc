// Package types holds the domain model shared by the engine packages:
// catalog products, chat messages, recommendations, and retrieval results.
package types

import (
	"strings"
	"time"
)

// Product is one catalog entry. Products are read-only snapshots for the
// lifetime of a session; catalog edits happen outside the engine.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Price       float64  `json:"price"` // non-negative, in the store currency
	ImageURL    string   `json:"image_url,omitempty"`
	PurchaseURL string   `json:"purchase_url,omitempty"`
	Features    []string `json:"features,omitempty"` // ordered feature tags
}

// EmbeddingVector is one embedding: a fixed-dimensionality sequence of
// components, one per catalog document or query.
type EmbeddingVector = []float32

// RetrievalResult is one ranked catalog hit for a query. Produced fresh per
// query and never persisted.
type RetrievalResult struct {
	Product Product `json:"product"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"` // 1-based position in the result list
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode is the active conversation channel of a session.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Recommendation is a structured product recommendation produced by the
// model's recommend action. It is always attached to the assistant message
// that produced it.
type Recommendation struct {
	Product   Product `json:"product"`
	Reasoning string  `json:"reasoning"`
}

// Message is a single conversation entry. Text may be empty when the message
// carries only a recommendation. At most one recommendation per message.
type Message struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	Text           string          `json:"text"`
	CreatedAt      time.Time       `json:"created_at"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Empty reports whether the message carries neither text nor a
// recommendation. Empty messages are suppressed, not rendered.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Recommendation == nil
}

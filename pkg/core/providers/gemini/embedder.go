package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Embedder generates embedding vectors with the configured embedding
// model. The retrieval index sends the query and all catalog documents in
// one batch, so one task type covers both sides.
type Embedder struct {
	client *Client
}

// Embedder returns the embedding adapter backed by this client.
func (c *Client) Embedder() *Embedder {
	return &Embedder{client: c}
}

// Embed returns one vector per input text, in input order, from a single
// batched call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]types.EmbeddingVector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.genai.Models.EmbedContent(ctx,
		e.client.embedModel,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, core.NewProviderError("gemini",
			fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors",
				len(texts), len(result.Embeddings)))
	}

	vectors := make([]types.EmbeddingVector, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Embedder is the embedding collaborator: one batched call, one vector per
// input string, order-preserving.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]types.EmbeddingVector, error)
}

// Index ranks by cosine similarity over embedded catalog documents. Catalog
// vectors are computed once per snapshot version and cached for the life of
// the process; the query vector is always computed fresh. On the cold path
// the query rides in the same batch as the catalog documents, so the first
// turn costs a single embedding round trip.
type Index struct {
	embedder Embedder
	snapshot *catalog.Snapshot
	logger   *slog.Logger

	mu      sync.Mutex
	vectors []types.EmbeddingVector // nil until the first successful build
}

// NewIndex creates an embedding-backed ranker over the given snapshot.
func NewIndex(embedder Embedder, snapshot *catalog.Snapshot, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		embedder: embedder,
		snapshot: snapshot,
		logger:   logger.With("component", "retrieval.index", "catalog_version", snapshot.Version()),
	}
}

// Rank embeds the query and scores every catalog document. An embedding
// failure is returned to the caller, which degrades the turn to "no
// retrieved context"; a failed catalog build is attempted again on the next
// query rather than poisoning the cache.
func (x *Index) Rank(ctx context.Context, query string, k int) ([]types.RetrievalResult, error) {
	queryVec, err := x.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	vectors := x.vectors
	x.mu.Unlock()

	products := x.snapshot.Products()
	scores := make([]float64, len(products))
	for i := range products {
		scores[i] = CosineSimilarity(queryVec, vectors[i])
	}
	return selectTop(products, scores, k), nil
}

// queryVector returns a fresh query embedding, building the catalog vector
// cache on the way if it does not exist yet.
func (x *Index) queryVector(ctx context.Context, query string) (types.EmbeddingVector, error) {
	x.mu.Lock()
	built := x.vectors != nil
	x.mu.Unlock()

	if built {
		vecs, err := x.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
		}
		return vecs[0], nil
	}

	// Cold path: one batch with the query first, then every catalog document.
	products := x.snapshot.Products()
	texts := make([]string, 0, len(products)+1)
	texts = append(texts, query)
	for _, p := range products {
		texts = append(texts, catalog.Document(p))
	}

	vecs, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	x.mu.Lock()
	x.vectors = vecs[1:]
	x.mu.Unlock()
	x.logger.Debug("catalog embeddings cached", "documents", len(products))

	return vecs[0], nil
}

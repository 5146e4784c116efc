// Package retrieval narrows the catalog to the few items most relevant to a
// query. Two rankers implement the same contract: an embedding ranker backed
// by cosine similarity over cached catalog vectors, and a lexical fallback
// for deployments without an embedding service.
package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// DefaultTopK is the number of catalog items injected as retrieved context.
const DefaultTopK = 3

// Ranker selects the top-k catalog items for a query. Results are sorted by
// descending score; ties keep catalog insertion order. The orchestrator is
// agnostic to which ranker is active.
type Ranker interface {
	Rank(ctx context.Context, query string, k int) ([]types.RetrievalResult, error)
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// It is 0 when either vector has zero magnitude or the dimensions differ;
// it never fails.
func CosineSimilarity(a, b types.EmbeddingVector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	magA := magnitude(a)
	magB := magnitude(b)
	if magA == 0 || magB == 0 {
		return 0
	}
	return dotProduct(a, b) / (magA * magB)
}

func dotProduct(a, b types.EmbeddingVector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func magnitude(v types.EmbeddingVector) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// selectTop sorts scored products by descending score, stable on catalog
// order, and keeps the first k. Rank is assigned 1-based after the cut.
func selectTop(products []types.Product, scores []float64, k int) []types.RetrievalResult {
	if k <= 0 {
		k = DefaultTopK
	}
	results := make([]types.RetrievalResult, 0, len(products))
	for i, p := range products {
		results = append(results, types.RetrievalResult{Product: p, Score: scores[i]})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

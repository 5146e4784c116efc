package retrieval

import (
	"context"
	"strings"
	"unicode"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Field weights for keyword overlap. A query token matching the product
// name counts most, then category, then feature tags, then description.
const (
	weightName        = 5
	weightCategory    = 3
	weightFeature     = 2
	weightDescription = 1
)

// Lexical ranks catalog items by weighted keyword overlap with the query.
// It needs no external service and exposes the same contract as the
// embedding index, so the orchestrator cannot tell them apart.
type Lexical struct {
	snapshot *catalog.Snapshot
	fields   []lexicalFields
}

type lexicalFields struct {
	name        map[string]struct{}
	category    map[string]struct{}
	features    map[string]struct{}
	description map[string]struct{}
}

// NewLexical builds the per-product token sets once at construction.
func NewLexical(snapshot *catalog.Snapshot) *Lexical {
	products := snapshot.Products()
	fields := make([]lexicalFields, len(products))
	for i, p := range products {
		fields[i] = lexicalFields{
			name:        tokenSet(p.Name),
			category:    tokenSet(p.Category),
			features:    tokenSet(strings.Join(p.Features, " ")),
			description: tokenSet(p.Description),
		}
	}
	return &Lexical{snapshot: snapshot, fields: fields}
}

// Rank scores every product against the query tokens and keeps the top k
// with a positive score. Ties keep catalog insertion order. Each distinct
// query token counts at most once per field.
func (l *Lexical) Rank(_ context.Context, query string, k int) ([]types.RetrievalResult, error) {
	queryTokens := uniqueTokens(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	products := l.snapshot.Products()
	scores := make([]float64, len(products))
	for i := range products {
		scores[i] = l.score(i, queryTokens)
	}

	results := selectTop(products, scores, k)
	// Zero scores sort to the tail, so this only trims a suffix.
	kept := results[:0]
	for _, r := range results {
		if r.Score > 0 {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (l *Lexical) score(i int, queryTokens []string) float64 {
	f := l.fields[i]
	var score float64
	for _, tok := range queryTokens {
		if _, ok := f.name[tok]; ok {
			score += weightName
		}
		if _, ok := f.category[tok]; ok {
			score += weightCategory
		}
		if _, ok := f.features[tok]; ok {
			score += weightFeature
		}
		if _, ok := f.description[tok]; ok {
			score += weightDescription
		}
	}
	return score
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// dropping one-character fragments.
func tokenize(text string) []string {
	raw := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := raw[:0]
	for _, t := range raw {
		if len(t) > 1 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

func uniqueTokens(text string) []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, t := range tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	return tokens
}

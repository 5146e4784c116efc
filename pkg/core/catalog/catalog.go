// Package catalog loads and snapshots the product catalog the assistant
// recommends from. A Snapshot is immutable once built; the engine never
// mutates catalog data.
package catalog

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// Snapshot is a read-only view of the catalog taken at load time. Products
// keep their source order; that order breaks ranking ties.
type Snapshot struct {
	products []types.Product
	byID     map[string]int
	version  string
}

// NewSnapshot validates the given products and builds a snapshot. Product
// order is preserved.
func NewSnapshot(products []types.Product) (*Snapshot, error) {
	byID := make(map[string]int, len(products))
	for i, p := range products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, core.NewInvalidRequestErrorWithParam(
				fmt.Sprintf("product at index %d has no id", i), "id")
		}
		if p.ID != id {
			return nil, core.NewInvalidRequestErrorWithParam(
				fmt.Sprintf("product %q: id has surrounding whitespace", p.ID), "id")
		}
		if _, dup := byID[id]; dup {
			return nil, core.NewInvalidRequestErrorWithParam(
				fmt.Sprintf("duplicate product id %q", id), "id")
		}
		if strings.TrimSpace(p.Name) == "" {
			return nil, core.NewInvalidRequestErrorWithParam(
				fmt.Sprintf("product %q has no name", id), "name")
		}
		if p.Price < 0 {
			return nil, core.NewInvalidRequestErrorWithParam(
				fmt.Sprintf("product %q has negative price %v", id, p.Price), "price")
		}
		byID[id] = i
	}

	return &Snapshot{
		products: products,
		byID:     byID,
		version:  fingerprint(products),
	}, nil
}

// Products returns the catalog entries in source order. The returned slice
// must not be modified.
func (s *Snapshot) Products() []types.Product {
	return s.products
}

// Len returns the number of products in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.products)
}

// Lookup resolves a product id against the snapshot.
func (s *Snapshot) Lookup(id string) (types.Product, bool) {
	i, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return types.Product{}, false
	}
	return s.products[i], true
}

// Version identifies the catalog contents. Embedding caches are keyed on it
// so a changed catalog is re-embedded.
func (s *Snapshot) Version() string {
	return s.version
}

// DealOfTheDay picks the featured product for the given day. The pick is a
// date-seeded index so it is stable within a calendar day and needs no
// stored state.
func (s *Snapshot) DealOfTheDay(day time.Time) (types.Product, bool) {
	if len(s.products) == 0 {
		return types.Product{}, false
	}
	seed := day.Year()*1000 + day.YearDay()
	return s.products[seed%len(s.products)], true
}

// Document renders one product as the descriptive string that gets embedded:
// name, description, and feature tags joined into one passage.
func Document(p types.Product) string {
	var b strings.Builder
	b.WriteString(p.Name)
	if d := strings.TrimSpace(p.Description); d != "" {
		b.WriteString(". ")
		b.WriteString(d)
	}
	if len(p.Features) > 0 {
		b.WriteString(". Features: ")
		b.WriteString(strings.Join(p.Features, ", "))
	}
	return b.String()
}

func fingerprint(products []types.Product) string {
	h := fnv.New64a()
	for _, p := range products {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%v\x00", p.ID, p.Name, p.Description, p.Features)
	}
	return fmt.Sprintf("%d-%x", len(products), h.Sum64())
}

package handlers

import (
	"net/http"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// CatalogHandler serves the product snapshot the assistant recommends
// from. The snapshot is immutable for the process lifetime, so responses
// carry a cache header and the version fingerprint.
type CatalogHandler struct {
	Catalog *catalog.Snapshot
}

type catalogResponse struct {
	Version  string          `json:"version"`
	Products []types.Product `json:"products"`
}

func (h CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	resp := catalogResponse{Products: []types.Product{}}
	if h.Catalog != nil {
		resp.Version = h.Catalog.Version()
		resp.Products = h.Catalog.Products()
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, resp)
}

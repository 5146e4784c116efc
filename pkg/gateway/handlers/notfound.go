package handlers

import (
	"net/http"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/mw"
)

// NotFoundHandler answers unknown routes with the JSON envelope instead
// of the mux's plain-text default.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeError(w, reqID, core.NewNotFoundError("not found"))
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
)

// DrainState reports whether the daemon has started shutting down. The
// server's drain flag satisfies it; a nil value reads as not draining.
type DrainState interface {
	IsDraining() bool
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the daemon can hold a conversation. The
// config re-checks matter because embedders and tests build Config by
// hand, bypassing LoadFromEnv validation.
type ReadyHandler struct {
	Config  config.Config
	Catalog *catalog.Snapshot
	Drain   DrainState
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		CatalogProducts int      `json:"catalog_products"`
		Database        bool     `json:"database"`
		Stripe          bool     `json:"stripe"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	products := 0
	if h.Catalog != nil {
		products = h.Catalog.Len()
	}
	if products == 0 {
		issues = append(issues, "catalog is empty")
	}
	if h.Drain != nil && h.Drain.IsDraining() {
		issues = append(issues, "gateway is draining")
	}

	if h.Config.MaxSessions <= 0 {
		issues = append(issues, "max sessions must be > 0")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max body bytes must be > 0")
	}
	if h.Config.SSEPingInterval <= 0 {
		issues = append(issues, "sse ping interval must be > 0")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 || h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live frame budgets must be > 0")
	}
	if h.Config.LiveMaxStreamDuration <= 0 {
		issues = append(issues, "live max stream duration must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:              ok,
		CatalogProducts: products,
		Database:        h.Config.DatabaseURL != "",
		Stripe:          h.Config.StripeAPIKey != "",
		Issues:          issues,
	})
}

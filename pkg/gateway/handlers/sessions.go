package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/mw"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sessions"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sse"
)

type sessionResponse struct {
	ID         string          `json:"id"`
	Mode       types.Mode      `json:"mode"`
	Busy       bool            `json:"busy"`
	CreatedAt  time.Time       `json:"created_at"`
	LastActive time.Time       `json:"last_active"`
	Messages   []types.Message `json:"messages"`
}

func sessionResponseFrom(orch *chat.Orchestrator) sessionResponse {
	s := orch.Session()
	return sessionResponse{
		ID:         s.ID(),
		Mode:       s.Mode(),
		Busy:       s.Busy(),
		CreatedAt:  s.CreatedAt(),
		LastActive: s.LastActive(),
		Messages:   s.Messages(),
	}
}

// SessionsHandler creates chat sessions. The greeting turn runs in the
// background so creation stays fast; clients see it arrive on the events
// stream or in a later GET.
type SessionsHandler struct {
	Config   config.Config
	Registry *sessions.Registry
	Logger   *slog.Logger
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	orch, err := h.Registry.Create(r.Context())
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	go h.greet(orch)

	writeJSON(w, http.StatusCreated, sessionResponseFrom(orch))
}

func (h SessionsHandler) greet(orch *chat.Orchestrator) {
	ctx := context.Background()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}
	if err := orch.Greet(ctx); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("greeting turn failed", "session_id", orch.Session().ID(), "error", err)
		}
	}
}

// SessionHandler serves and deletes one session resource.
type SessionHandler struct {
	Registry *sessions.Registry
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		orch, ok := h.Registry.Get(id)
		if !ok {
			writeError(w, reqID, core.NewNotFoundError("session not found"))
			return
		}
		writeJSON(w, http.StatusOK, sessionResponseFrom(orch))
	case http.MethodDelete:
		if !h.Registry.Delete(id) {
			writeError(w, reqID, core.NewNotFoundError("session not found"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

// SessionMessagesHandler runs one text turn. Turns are strictly
// sequential per session; a submission while one is in flight comes back
// as 409 busy, and the client retries after the turn completes.
type SessionMessagesHandler struct {
	Config   config.Config
	Registry *sessions.Registry
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Message    *types.Message `json:"message,omitempty"`
	Suppressed bool           `json:"suppressed,omitempty"`
}

func (h SessionMessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	orch, ok := h.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, reqID, core.NewNotFoundError("session not found"))
		return
	}

	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reqID, core.NewInvalidRequestError("invalid json body"))
		return
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}

	msg, err := orch.Submit(ctx, req.Text)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	resp := messageResponse{}
	if msg.Empty() {
		resp.Suppressed = true
	} else {
		resp.Message = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionEventsHandler streams orchestrator events over SSE. The event
// channel has one consumer; the stream belongs to the widget that owns
// the session, and a second subscriber would steal frames from it.
type SessionEventsHandler struct {
	Config   config.Config
	Registry *sessions.Registry
}

func (h SessionEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	orch, ok := h.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, reqID, core.NewNotFoundError("session not found"))
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	// First ping flushes the response headers so EventSource fires its
	// open event before the first real frame.
	if err := sw.Ping(); err != nil {
		return
	}

	pingInterval := h.Config.SSEPingInterval
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-orch.Done():
			return
		case ev := <-orch.Events():
			if err := sw.Send(ev.EventType(), ev); err != nil {
				return
			}
		case now := <-ticker.C:
			// Keepalive only when the stream has been quiet.
			if sw.IdleFor(now) < pingInterval {
				continue
			}
			if err := sw.Ping(); err != nil {
				return
			}
		}
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sessions"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot([]types.Product{
		{ID: "p1", Name: "Nexus Pro Mic-Set", Category: "audio",
			Description: "Cardioid condenser microphone with boom arm", Price: 129},
		{ID: "p2", Name: "Aurora Desk Lamp", Category: "lighting",
			Description: "Dimmable LED lamp with warm and cool modes", Price: 49},
	})
	if err != nil {
		t.Fatalf("building test catalog: %v", err)
	}
	return snap
}

// stubConversation answers every prompt with a fixed line. When block is
// non-nil, Send waits for it to close, which holds the session busy.
type stubConversation struct {
	entered chan struct{} // closed when Send is first entered
	once    sync.Once
	block   chan struct{}
}

func (c *stubConversation) Send(ctx context.Context, prompt string) (*chat.Reply, error) {
	if c.entered != nil {
		c.once.Do(func() { close(c.entered) })
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &chat.Reply{Text: "Noted."}, nil
}

func (c *stubConversation) Close() error { return nil }

type stubModel struct {
	conv chat.Conversation
}

func (m stubModel) NewConversation(ctx context.Context, systemInstruction string) (chat.Conversation, error) {
	return m.conv, nil
}

func newTestRegistry(t *testing.T, conv chat.Conversation) *sessions.Registry {
	t.Helper()
	factory := func(ctx context.Context) (*chat.Orchestrator, error) {
		return chat.New(chat.Config{}, chat.Dependencies{
			Catalog:  testCatalog(t),
			Composer: prompt.NewComposer("ShopTalk Demo Store"),
			Model:    stubModel{conv: conv},
			Logger:   testLogger(),
		}), nil
	}
	reg := sessions.New(sessions.Config{MaxSessions: 8}, factory, testLogger())
	t.Cleanup(reg.Close)
	return reg
}

func createSession(t *testing.T, reg *sessions.Registry) *chat.Orchestrator {
	t.Helper()
	orch, err := reg.Create(context.Background())
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return orch
}

func TestSessionsHandler_Create(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	h := SessionsHandler{Config: validConfig(), Registry: reg, Logger: testLogger()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing session id: %s", rr.Body.String())
	}
	if body["mode"] != "text" {
		t.Fatalf("mode=%v, want text", body["mode"])
	}
	if _, ok := reg.Get(id); !ok {
		t.Fatalf("session %s not in registry", id)
	}
}

func TestSessionsHandler_MethodNotAllowed(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	h := SessionsHandler{Registry: reg, Logger: testLogger()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"code":"method_not_allowed"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestSessionHandler_GetAndDelete(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	id := createSession(t, reg).Session().ID()
	h := SessionHandler{Registry: reg}

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
		req.SetPathValue("id", id)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := get()
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), id) {
		t.Fatalf("body does not carry the session id: %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil)
	req.SetPathValue("id", id)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = get()
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status after delete=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestSessionMessagesHandler_RunsTurn(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	orch := createSession(t, reg)
	id := orch.Session().ID()
	h := SessionMessagesHandler{Config: validConfig(), Registry: reg}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages",
		strings.NewReader(`{"text":"I need a microphone for podcasting"}`))
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		Message *types.Message `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Message == nil {
		t.Fatalf("missing message: %s", rr.Body.String())
	}
	if body.Message.Role != types.RoleAssistant || body.Message.Text != "Noted." {
		t.Fatalf("message=%+v", body.Message)
	}
	if got := len(orch.Session().Messages()); got != 2 {
		t.Fatalf("session has %d messages, want user + assistant", got)
	}
}

func TestSessionMessagesHandler_Rejects(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	id := createSession(t, reg).Session().ID()
	h := SessionMessagesHandler{Config: validConfig(), Registry: reg}

	tests := []struct {
		name   string
		id     string
		body   string
		status int
		substr string
	}{
		{"unknown session", "nope", `{"text":"hi"}`, http.StatusNotFound, `"type":"not_found_error"`},
		{"blank text", id, `{"text":"   "}`, http.StatusBadRequest, `"param":"text"`},
		{"invalid json", id, `{`, http.StatusBadRequest, "invalid json body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+tt.id+"/messages",
				strings.NewReader(tt.body))
			req.SetPathValue("id", tt.id)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("status=%d, want %d body=%s", rr.Code, tt.status, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.substr) {
				t.Fatalf("unexpected body: %s", rr.Body.String())
			}
		})
	}
}

func TestSessionMessagesHandler_BusyConflict(t *testing.T) {
	conv := &stubConversation{entered: make(chan struct{}), block: make(chan struct{})}
	reg := newTestRegistry(t, conv)
	id := createSession(t, reg).Session().ID()
	h := SessionMessagesHandler{Config: validConfig(), Registry: reg}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages",
			strings.NewReader(`{"text":"first"}`))
		req.SetPathValue("id", id)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()

	select {
	case <-conv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the model")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages",
		strings.NewReader(`{"text":"second"}`))
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"type":"busy_error"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}

	close(conv.block)
	<-firstDone
}

func TestSessionEventsHandler_StreamsTurnEvents(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	orch := createSession(t, reg)
	id := orch.Session().ID()

	// Run a turn before attaching; its events sit buffered until the
	// stream drains them.
	if _, err := orch.Submit(context.Background(), "I need a desk lamp"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	h := SessionEventsHandler{Config: validConfig(), Registry: reg}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id+"/events", nil).WithContext(ctx)
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"event: ping\n",
		"event: turn.started\n",
		"event: message.appended\n",
		"event: turn.completed\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in stream: %q", want, body)
		}
	}
	if !strings.Contains(body, `"text":"Noted."`) {
		t.Fatalf("assistant text missing from stream: %q", body)
	}
}

func TestSessionEventsHandler_UnknownSession(t *testing.T) {
	reg := newTestRegistry(t, &stubConversation{})
	h := SessionEventsHandler{Config: validConfig(), Registry: reg}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/events", nil)
	req.SetPathValue("id", "nope")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

var testClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot([]types.Product{
		{ID: "p1", Name: "Nexus Pro Mic-Set", Category: "audio",
			Description: "Cardioid condenser microphone with boom arm", Price: 129,
			Features: []string{"USB-C", "shock mount"}},
		{ID: "p2", Name: "Aurora Desk Lamp", Category: "lighting",
			Description: "Dimmable LED lamp with warm and cool modes", Price: 49},
		{ID: "p3", Name: "Drift Mechanical Keyboard", Category: "peripherals",
			Description: "Hot-swappable switches, compact layout", Price: 89},
	})
	if err != nil {
		t.Fatalf("building test snapshot: %v", err)
	}
	return snap
}

type sendResult struct {
	reply *Reply
	err   error
}

// scriptedConversation returns canned replies in order and records every
// prompt it receives.
type scriptedConversation struct {
	mu      sync.Mutex
	script  []sendResult
	prompts []string
	closed  bool

	entered   chan struct{} // closed when Send is first entered
	enterOnce sync.Once
	block     chan struct{} // when non-nil, Send waits until closed
}

func (c *scriptedConversation) Send(ctx context.Context, promptText string) (*Reply, error) {
	if c.entered != nil {
		c.enterOnce.Do(func() { close(c.entered) })
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, promptText)
	i := len(c.prompts) - 1
	if i < len(c.script) {
		return c.script[i].reply, c.script[i].err
	}
	return &Reply{Text: "Happy to help."}, nil
}

func (c *scriptedConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConversation) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *scriptedConversation) prompt(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[i]
}

type fakeModel struct {
	mu      sync.Mutex
	conv    *scriptedConversation
	systems []string
	err     error
}

func (m *fakeModel) NewConversation(ctx context.Context, system string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.systems = append(m.systems, system)
	return m.conv, nil
}

func (m *fakeModel) conversations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.systems)
}

type fakeRanker struct {
	mu      sync.Mutex
	results []types.RetrievalResult
	err     error
	queries []string
}

func (r *fakeRanker) Rank(ctx context.Context, query string, k int) ([]types.RetrievalResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.results) > k {
		return r.results[:k], nil
	}
	return r.results, nil
}

type channelRecorder struct {
	recorded chan types.Message
}

func (r *channelRecorder) RecordMessage(ctx context.Context, sessionID string, m types.Message) error {
	r.recorded <- m
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, conv *scriptedConversation, mutate func(*Dependencies)) (*Orchestrator, *fakeModel) {
	t.Helper()
	model := &fakeModel{conv: conv}
	deps := Dependencies{
		Catalog:  testSnapshot(t),
		Composer: prompt.NewComposer("ShopTalk Demo Store"),
		Model:    model,
		Logger:   testLogger(),
		Clock:    testClock,
	}
	if mutate != nil {
		mutate(&deps)
	}
	o := New(Config{}, deps)
	t.Cleanup(func() { o.Close() })
	return o, model
}

func collectEvents(t *testing.T, o *Orchestrator, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestSubmitAppendsUserAndAssistant(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{
		Text: "The Nexus Pro Mic-Set would suit a home studio.",
		ToolCalls: []ToolCall{{Name: ToolRecommendProduct, Args: map[string]any{
			"productId": "p1",
			"reasoning": "Cardioid pickup suits voice recording",
		}}},
	}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "I need a microphone for podcasting")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.Role != types.RoleAssistant {
		t.Errorf("returned role = %q, want assistant", msg.Role)
	}
	if msg.Recommendation == nil {
		t.Fatal("returned message has no recommendation")
	}
	if msg.Recommendation.Product.ID != "p1" {
		t.Errorf("recommended product = %q, want p1", msg.Recommendation.Product.ID)
	}
	if msg.Recommendation.Reasoning != "Cardioid pickup suits voice recording" {
		t.Errorf("reasoning = %q", msg.Recommendation.Reasoning)
	}

	msgs := o.Session().Messages()
	if len(msgs) != 2 {
		t.Fatalf("session has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Text != "I need a microphone for podcasting" {
		t.Errorf("first message = %+v, want the user turn", msgs[0])
	}
	if msgs[1].ID != msg.ID {
		t.Errorf("second message id = %q, want returned message %q", msgs[1].ID, msg.ID)
	}
	if o.Session().Busy() {
		t.Error("session still busy after turn completed")
	}
}

func TestSubmitAugmentsPromptWithRetrievedContext(t *testing.T) {
	conv := &scriptedConversation{}
	snap := testSnapshot(t)
	p1, _ := snap.Lookup("p1")
	ranker := &fakeRanker{results: []types.RetrievalResult{{Product: p1, Score: 0.9, Rank: 1}}}
	o, _ := newTestOrchestrator(t, conv, func(d *Dependencies) { d.Ranker = ranker })

	if _, err := o.Submit(context.Background(), "something for recording vocals"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if conv.promptCount() != 1 {
		t.Fatalf("model received %d prompts, want 1", conv.promptCount())
	}
	sent := conv.prompt(0)
	if !strings.Contains(sent, "p1") || !strings.Contains(sent, "Nexus Pro Mic-Set") {
		t.Errorf("prompt missing retrieved product: %q", sent)
	}
	if !strings.Contains(sent, "something for recording vocals") {
		t.Errorf("prompt missing user text: %q", sent)
	}
	if len(ranker.queries) != 1 || ranker.queries[0] != "something for recording vocals" {
		t.Errorf("ranker queries = %v", ranker.queries)
	}
}

func TestSubmitRejectsConcurrentTurns(t *testing.T) {
	conv := &scriptedConversation{
		entered: make(chan struct{}),
		block:   make(chan struct{}),
	}
	o, _ := newTestOrchestrator(t, conv, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), "first question")
		done <- err
	}()

	select {
	case <-conv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the model")
	}

	_, err := o.Submit(context.Background(), "second question")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrBusy {
		t.Fatalf("concurrent Submit() error = %v, want busy error", err)
	}

	close(conv.block)
	if err := <-done; err != nil {
		t.Fatalf("first Submit() error: %v", err)
	}
	if got := o.Session().Len(); got != 2 {
		t.Errorf("session has %d messages, want 2 (rejected turn appended nothing)", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	_, err := o.Submit(context.Background(), "   ")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrInvalidRequest {
		t.Fatalf("blank Submit() error = %v, want invalid_request", err)
	}
	if conv.promptCount() != 0 {
		t.Error("model invoked for a rejected submission")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)
	o.Close()

	if _, err := o.Submit(context.Background(), "hello"); err == nil {
		t.Fatal("Submit() after Close succeeded, want error")
	}
}

func TestModelFailureAppendsFallbackOnce(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{
		{err: errors.New("connection reset")},
	}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "recommend me a lamp")
	if err != nil {
		t.Fatalf("Submit() error: %v (model failure must not fail the turn)", err)
	}
	if msg.Text != FallbackText {
		t.Errorf("fallback text = %q, want %q", msg.Text, FallbackText)
	}
	if msg.Recommendation != nil {
		t.Error("fallback message carries a recommendation")
	}

	msgs := o.Session().Messages()
	if len(msgs) != 2 {
		t.Fatalf("session has %d messages, want 2", len(msgs))
	}
	if o.Session().Busy() {
		t.Error("busy flag still set after model failure")
	}

	// The session stays usable: the next turn goes through normally.
	next, err := o.Submit(context.Background(), "try again please")
	if err != nil {
		t.Fatalf("Submit() after failure: %v", err)
	}
	if next.Text == FallbackText {
		t.Errorf("second turn returned the fallback, want scripted default")
	}
	if got := o.Session().Len(); got != 4 {
		t.Errorf("session has %d messages, want 4", got)
	}
}

func TestConversationCreateFailureFallsBack(t *testing.T) {
	conv := &scriptedConversation{}
	o, model := newTestOrchestrator(t, conv, nil)
	model.err = errors.New("api key rejected")

	msg, err := o.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.Text != FallbackText {
		t.Errorf("message text = %q, want fallback", msg.Text)
	}
	if conv.promptCount() != 0 {
		t.Error("conversation invoked despite failed creation")
	}
}

func TestUnknownProductDropsRecommendationKeepsText(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{
		Text: "You might like our premium stand.",
		ToolCalls: []ToolCall{{Name: ToolRecommendProduct, Args: map[string]any{
			"productId": "no-such-id",
			"reasoning": "sturdy",
		}}},
	}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "any stands?")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.Text != "You might like our premium stand." {
		t.Errorf("text = %q, want model text kept", msg.Text)
	}
	if msg.Recommendation != nil {
		t.Error("unresolvable product id produced a recommendation")
	}
}

func TestMalformedToolCallDroppedKeepsText(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{
		Text: "Take a look at the desk lamp.",
		ToolCalls: []ToolCall{{Name: ToolRecommendProduct, Args: map[string]any{
			"productId": "p2",
		}}},
	}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "lighting ideas?")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.Recommendation != nil {
		t.Error("tool call without reasoning produced a recommendation")
	}
	if msg.Text == "" {
		t.Error("text dropped alongside the malformed tool call")
	}
}

func TestFirstValidRecommendationWins(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{
		Text: "Two ideas for you.",
		ToolCalls: []ToolCall{
			{Name: ToolRecommendProduct, Args: map[string]any{"productId": "ghost", "reasoning": "x"}},
			{Name: ToolRecommendProduct, Args: map[string]any{"productId": "p2", "reasoning": "warm light"}},
			{Name: ToolRecommendProduct, Args: map[string]any{"productId": "p3", "reasoning": "clacky"}},
		},
	}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "surprise me")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.Recommendation == nil {
		t.Fatal("no recommendation attached")
	}
	if msg.Recommendation.Product.ID != "p2" {
		t.Errorf("attached product = %q, want first resolvable p2", msg.Recommendation.Product.ID)
	}
}

func TestEmptyReplySuppressed(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{Text: "   "}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	msg, err := o.Submit(context.Background(), "hmm")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.ID != "" {
		t.Errorf("suppressed turn returned message %+v, want zero message", msg)
	}

	msgs := o.Session().Messages()
	if len(msgs) != 1 {
		t.Fatalf("session has %d messages, want 1 (only the user turn)", len(msgs))
	}
	if o.Session().Busy() {
		t.Error("busy flag still set after suppressed turn")
	}
}

func TestGreetRunsOnce(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{
		{reply: &Reply{Text: "Welcome in! Today's deal is something special."}},
	}}
	o, _ := newTestOrchestrator(t, conv, nil)

	if err := o.Greet(context.Background()); err != nil {
		t.Fatalf("Greet() error: %v", err)
	}
	if got := o.Session().Len(); got != 1 {
		t.Fatalf("session has %d messages after greeting, want 1", got)
	}

	snap := testSnapshot(t)
	deal, ok := snap.DealOfTheDay(testClock())
	if !ok {
		t.Fatal("test snapshot has no deal")
	}
	if sent := conv.prompt(0); !strings.Contains(sent, deal.Name) {
		t.Errorf("greeting instruction %q does not mention the deal %q", sent, deal.Name)
	}

	if err := o.Greet(context.Background()); err != nil {
		t.Fatalf("second Greet() error: %v", err)
	}
	if got := o.Session().Len(); got != 1 {
		t.Errorf("second greeting appended a message, session has %d", got)
	}
}

func TestGreetSkippedAfterMessages(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	if _, err := o.Submit(context.Background(), "hi there"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	before := o.Session().Len()
	if err := o.Greet(context.Background()); err != nil {
		t.Fatalf("Greet() error: %v", err)
	}
	if got := o.Session().Len(); got != before {
		t.Errorf("greeting appended after conversation started: %d -> %d", before, got)
	}
}

func TestGreetWithoutCatalog(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, func(d *Dependencies) { d.Catalog = nil })

	if err := o.Greet(context.Background()); err != nil {
		t.Fatalf("Greet() error: %v", err)
	}
	if conv.promptCount() != 0 {
		t.Error("greeting invoked the model with no catalog loaded")
	}
	if got := o.Session().Len(); got != 0 {
		t.Errorf("session has %d messages, want 0", got)
	}
}

func TestRetrievalFailureDegrades(t *testing.T) {
	conv := &scriptedConversation{}
	ranker := &fakeRanker{err: errors.New("embedding quota exhausted")}
	o, _ := newTestOrchestrator(t, conv, func(d *Dependencies) { d.Ranker = ranker })

	if _, err := o.Submit(context.Background(), "what fits a small desk?"); err != nil {
		t.Fatalf("Submit() error: %v (retrieval failure must not block the turn)", err)
	}
	if sent := conv.prompt(0); sent != "what fits a small desk?" {
		t.Errorf("prompt = %q, want unaugmented user text", sent)
	}
}

func TestConversationCreatedLazilyOnce(t *testing.T) {
	conv := &scriptedConversation{}
	o, model := newTestOrchestrator(t, conv, nil)

	if model.conversations() != 0 {
		t.Fatal("conversation created before first turn")
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := o.Submit(context.Background(), text); err != nil {
			t.Fatalf("Submit(%q) error: %v", text, err)
		}
	}
	if got := model.conversations(); got != 1 {
		t.Errorf("NewConversation called %d times, want 1", got)
	}
	model.mu.Lock()
	system := model.systems[0]
	model.mu.Unlock()
	if !strings.Contains(system, ToolRecommendProduct) {
		t.Errorf("system instruction %q does not mention the recommend tool", system)
	}
}

func TestSetModeEmitsOnChange(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	o.SetMode(types.ModeVoice)
	o.SetMode(types.ModeVoice)
	o.SetMode(types.ModeText)

	events := collectEvents(t, o, 2)
	first, ok := events[0].(*ModeChangedEvent)
	if !ok {
		t.Fatalf("event 0 = %T, want ModeChangedEvent", events[0])
	}
	if first.From != types.ModeText || first.To != types.ModeVoice {
		t.Errorf("first change %s -> %s, want text -> voice", first.From, first.To)
	}
	second, ok := events[1].(*ModeChangedEvent)
	if !ok {
		t.Fatalf("event 1 = %T, want ModeChangedEvent", events[1])
	}
	if second.To != types.ModeText {
		t.Errorf("second change to %s, want text", second.To)
	}
}

func TestRecordVoiceRecommendation(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	call := ToolCall{Name: ToolRecommendProduct, Args: map[string]any{
		"productId": "p3",
		"reasoning": "compact and hot-swappable",
	}}
	msg, ok := o.RecordVoiceRecommendation(call, "How about the Drift keyboard?")
	if !ok {
		t.Fatal("valid voice tool call not recorded")
	}
	if msg.Recommendation == nil || msg.Recommendation.Product.ID != "p3" {
		t.Errorf("recorded recommendation = %+v, want p3", msg.Recommendation)
	}
	if msg.Role != types.RoleAssistant {
		t.Errorf("recorded role = %q, want assistant", msg.Role)
	}
	if got := o.Session().Len(); got != 1 {
		t.Errorf("session has %d messages, want 1", got)
	}

	if _, ok := o.RecordVoiceRecommendation(ToolCall{Name: ToolRecommendProduct,
		Args: map[string]any{"productId": "ghost", "reasoning": "x"}}, "spoken"); ok {
		t.Error("unresolvable voice tool call was recorded")
	}
	if got := o.Session().Len(); got != 1 {
		t.Errorf("session grew to %d after dropped call", got)
	}
}

func TestTurnEventSequence(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	if _, err := o.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	events := collectEvents(t, o, 4)
	want := []string{"turn.started", "message.appended", "message.appended", "turn.completed"}
	for i, ev := range events {
		if ev.EventType() != want[i] {
			t.Errorf("event %d = %q, want %q", i, ev.EventType(), want[i])
		}
	}

	started := events[0].(*TurnStartedEvent)
	if started.Origin != OriginUser {
		t.Errorf("turn origin = %q, want user", started.Origin)
	}
	completed := events[3].(*TurnCompletedEvent)
	if completed.Failed || completed.Suppressed {
		t.Errorf("turn completed failed=%v suppressed=%v, want clean", completed.Failed, completed.Suppressed)
	}
	if completed.Message == nil {
		t.Error("completed event carries no message")
	}
}

func TestSuppressedTurnEvent(t *testing.T) {
	conv := &scriptedConversation{script: []sendResult{{reply: &Reply{Text: ""}}}}
	o, _ := newTestOrchestrator(t, conv, nil)

	if _, err := o.Submit(context.Background(), "quiet one"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	events := collectEvents(t, o, 3)
	completed, ok := events[2].(*TurnCompletedEvent)
	if !ok {
		t.Fatalf("event 2 = %T, want TurnCompletedEvent", events[2])
	}
	if !completed.Suppressed {
		t.Error("suppressed turn not flagged on the completed event")
	}
	if completed.Message != nil {
		t.Errorf("suppressed completion carries message %+v", completed.Message)
	}
}

func TestRecorderReceivesAppendedMessages(t *testing.T) {
	conv := &scriptedConversation{}
	rec := &channelRecorder{recorded: make(chan types.Message, 8)}
	o, _ := newTestOrchestrator(t, conv, func(d *Dependencies) { d.Recorder = rec })

	if _, err := o.Submit(context.Background(), "record this"); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	roles := map[types.Role]int{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-rec.recorded:
			roles[m.Role]++
		case <-time.After(2 * time.Second):
			t.Fatalf("recorder saw %d messages, want 2", i)
		}
	}
	if roles[types.RoleUser] != 1 || roles[types.RoleAssistant] != 1 {
		t.Errorf("recorded roles = %v, want one user and one assistant", roles)
	}
}

func TestCloseIdempotent(t *testing.T) {
	conv := &scriptedConversation{}
	o, _ := newTestOrchestrator(t, conv, nil)

	if err := o.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	conv.mu.Lock()
	closed := conv.closed
	conv.mu.Unlock()
	if closed {
		t.Error("conversation closed before it was ever created")
	}
}

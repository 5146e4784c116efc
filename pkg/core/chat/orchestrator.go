// Package chat drives conversations end-to-end: retrieval, prompt
// augmentation, the model call, structured-recommendation interpretation,
// and session bookkeeping.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/retrieval"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// FallbackText is the fixed assistant reply appended when a model call
// fails. The session stays usable for the next turn.
const FallbackText = "Sorry, I ran into a problem answering that. Please try again."

// Turn origins reported on events.
const (
	OriginUser     = "user"
	OriginGreeting = "greeting"
	OriginVoice    = "voice"
)

// Recorder persists transcript rows. Recording is best-effort and never
// blocks or fails a turn.
type Recorder interface {
	RecordMessage(ctx context.Context, sessionID string, m types.Message) error
}

// Config carries per-orchestrator tunables.
type Config struct {
	TopK        int // retrieved-context size, default retrieval.DefaultTopK
	EventBuffer int // events channel capacity, default 64
}

// Dependencies carries the orchestrator's collaborators.
type Dependencies struct {
	Catalog  *catalog.Snapshot
	Ranker   retrieval.Ranker
	Composer *prompt.Composer
	Model    ModelClient
	Recorder Recorder // optional
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Orchestrator owns one chat session and runs its turns. Text turns are
// strictly sequential, enforced by the session's busy flag; voice tool
// calls append through the same single entry point.
type Orchestrator struct {
	cfg     Config
	deps    Dependencies
	session *Session
	logger  *slog.Logger

	convMu sync.Mutex
	conv   Conversation

	events chan Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// New creates an orchestrator with a fresh session. Zero-value config
// fields get defaults.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		session: NewSession(deps.Clock()),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	o.logger = deps.Logger.With("component", "chat.orchestrator", "session_id", o.session.ID())
	return o
}

// Session returns the owned chat session.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Events returns the channel the presentation layer observes. The channel
// is never closed; observers select on Done to learn the session ended.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Done is closed when the orchestrator shuts down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Greet runs the synthetic system-initiated first turn: present the deal of
// the day. It is a no-op unless the session has zero messages and the
// catalog is loaded, so it runs at most once per session.
func (o *Orchestrator) Greet(ctx context.Context) error {
	if o.closed.Load() {
		return core.NewInvalidRequestError("session is closed")
	}
	if o.deps.Catalog == nil || o.deps.Catalog.Len() == 0 {
		return nil
	}
	if !o.session.markGreeted() {
		return nil
	}
	if !o.session.beginTurn(o.deps.Clock()) {
		return core.NewBusyError("a turn is already in flight")
	}
	o.emit(&TurnStartedEvent{SessionID: o.session.ID(), Origin: OriginGreeting})

	deal, hasDeal := o.deps.Catalog.DealOfTheDay(o.deps.Clock())
	o.completeTurn(ctx, o.deps.Composer.Greeting(deal, hasDeal), OriginGreeting)
	return nil
}

// Submit runs one text turn for the given user input. It rejects concurrent
// submissions with a busy error while a prior turn is in flight. The
// returned message is the appended assistant message; a suppressed turn
// returns an empty message.
func (o *Orchestrator) Submit(ctx context.Context, text string) (types.Message, error) {
	if o.closed.Load() {
		return types.Message{}, core.NewInvalidRequestError("session is closed")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Message{}, core.NewInvalidRequestErrorWithParam("message text is required", "text")
	}
	if !o.session.beginTurn(o.deps.Clock()) {
		return types.Message{}, core.NewBusyError("a turn is already in flight")
	}
	o.emit(&TurnStartedEvent{SessionID: o.session.ID(), Origin: OriginUser})

	o.appendMessage(newMessage(types.RoleUser, text, nil, o.deps.Clock()))

	results := o.retrieve(ctx, text)
	augmented := o.deps.Composer.Augment(text, results)
	msg, _ := o.completeTurn(ctx, augmented, OriginUser)
	return msg, nil
}

// SetMode switches the session between text and voice and notifies
// observers.
func (o *Orchestrator) SetMode(mode types.Mode) {
	prev := o.session.setMode(mode)
	if prev != mode {
		o.emit(&ModeChangedEvent{SessionID: o.session.ID(), From: prev, To: mode})
	}
}

// ResolveRecommendation validates a raw tool call against the protocol and
// the catalog. An unresolvable product id or malformed payload returns
// false; the caller treats the action as if it had not occurred.
func (o *Orchestrator) ResolveRecommendation(call ToolCall) (*types.Recommendation, bool) {
	args, err := DecodeRecommend(call)
	if err != nil {
		o.logger.Warn("dropping malformed tool call", "tool", call.Name, "error", err)
		return nil, false
	}
	p, ok := o.deps.Catalog.Lookup(args.ProductID)
	if !ok {
		o.logger.Warn("dropping recommendation for unknown product", "product_id", args.ProductID)
		return nil, false
	}
	return &types.Recommendation{Product: p, Reasoning: args.Reasoning}, true
}

// RecordVoiceRecommendation appends the assistant message produced by a
// tool call on the voice channel. Spoken text may be empty; a call that
// does not resolve appends nothing.
func (o *Orchestrator) RecordVoiceRecommendation(call ToolCall, spokenText string) (types.Message, bool) {
	if o.closed.Load() {
		return types.Message{}, false
	}
	rec, ok := o.ResolveRecommendation(call)
	if !ok {
		return types.Message{}, false
	}
	msg := newMessage(types.RoleAssistant, strings.TrimSpace(spokenText), rec, o.deps.Clock())
	o.appendMessage(msg)
	return msg, true
}

// Close releases the model conversation handle and signals observers. The
// events channel stays open so a concurrent emit can never hit a closed
// channel; Done carries the shutdown signal instead.
func (o *Orchestrator) Close() error {
	o.once.Do(func() {
		o.closed.Store(true)
		close(o.done)

		o.convMu.Lock()
		if o.conv != nil {
			if err := o.conv.Close(); err != nil {
				o.logger.Warn("closing model conversation failed", "error", err)
			}
			o.conv = nil
		}
		o.convMu.Unlock()
	})
	return nil
}

// retrieve runs the ranker and degrades to no context on failure. A
// retrieval error never blocks the turn.
func (o *Orchestrator) retrieve(ctx context.Context, text string) []types.RetrievalResult {
	if o.deps.Ranker == nil {
		return nil
	}
	results, err := o.deps.Ranker.Rank(ctx, text, o.cfg.TopK)
	if err != nil {
		o.logger.Warn("retrieval failed, continuing without context", "error", err)
		return nil
	}
	return results
}

// completeTurn sends the prompt, interprets the reply, appends the outcome,
// and releases the busy flag. Exactly one of three things happens: an
// assistant message is appended, the fixed fallback is appended, or the
// empty response is suppressed.
func (o *Orchestrator) completeTurn(ctx context.Context, promptText, origin string) (types.Message, bool) {
	reply, err := o.invoke(ctx, promptText)
	if err != nil {
		o.logger.Warn("model call failed", "origin", origin, "error", err)
		msg := newMessage(types.RoleAssistant, FallbackText, nil, o.deps.Clock())
		o.appendMessage(msg)
		o.finishTurn(&msg, false, true)
		return msg, true
	}

	rec := o.firstValidRecommendation(reply.ToolCalls)
	msg := newMessage(types.RoleAssistant, strings.TrimSpace(reply.Text), rec, o.deps.Clock())
	if msg.Empty() {
		o.logger.Debug("suppressing empty assistant turn", "origin", origin)
		o.finishTurn(nil, true, false)
		return types.Message{}, false
	}

	o.appendMessage(msg)
	o.finishTurn(&msg, false, false)
	return msg, true
}

// invoke sends one prompt over the lazily created conversation handle.
func (o *Orchestrator) invoke(ctx context.Context, promptText string) (*Reply, error) {
	conv, err := o.conversation(ctx)
	if err != nil {
		return nil, err
	}
	return conv.Send(ctx, promptText)
}

// conversation returns the session's model conversation, creating it on
// first use.
func (o *Orchestrator) conversation(ctx context.Context) (Conversation, error) {
	o.convMu.Lock()
	defer o.convMu.Unlock()
	if o.conv != nil {
		return o.conv, nil
	}
	conv, err := o.deps.Model.NewConversation(ctx, o.deps.Composer.SystemInstruction())
	if err != nil {
		return nil, err
	}
	o.conv = conv
	return conv, nil
}

// firstValidRecommendation picks the first tool call that decodes and
// resolves. At most one recommendation attaches per assistant message;
// invalid calls are dropped, not surfaced.
func (o *Orchestrator) firstValidRecommendation(calls []ToolCall) *types.Recommendation {
	for _, call := range calls {
		if rec, ok := o.ResolveRecommendation(call); ok {
			return rec
		}
	}
	return nil
}

// appendMessage is the single append path: session list, observers, and
// best-effort transcript recording.
func (o *Orchestrator) appendMessage(m types.Message) {
	o.session.append(m)
	o.emit(&MessageAppendedEvent{SessionID: o.session.ID(), Message: m})
	if o.deps.Recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.deps.Recorder.RecordMessage(ctx, o.session.ID(), m); err != nil {
				o.logger.Warn("transcript recording failed", "message_id", m.ID, "error", err)
			}
		}()
	}
}

// finishTurn releases the busy flag and notifies observers.
func (o *Orchestrator) finishTurn(msg *types.Message, suppressed, failed bool) {
	o.session.endTurn(o.deps.Clock())
	o.emit(&TurnCompletedEvent{
		SessionID:  o.session.ID(),
		Message:    msg,
		Suppressed: suppressed,
		Failed:     failed,
	})
}

// emit sends an event to the events channel without ever blocking a turn.
func (o *Orchestrator) emit(event Event) {
	if o.closed.Load() {
		return
	}
	select {
	case o.events <- event:
	case <-o.done:
	default:
		// Channel full, drop event
	}
}

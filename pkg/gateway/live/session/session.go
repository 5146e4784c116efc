// Package session runs one voice websocket from post-handshake to
// teardown. The bridge relays uplink microphone frames to the model's
// live channel and fans channel events back out as JSON frames:
// scheduled audio chunks, transcripts, recommendations, and stream
// state changes. On barge-in every queued downlink chunk is stale; a
// generation counter lets the writer drop them without draining.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/protocol"
)

const outboundPriorityQueueSize = 8

var (
	errBackpressure = errors.New("live outbound backpressure")
	errResetBudget  = errors.New("live audio reset budget exhausted")
)

// Config bounds one live stream. The zero value of an optional field
// picks the default in New; a zero limit disables that limit.
type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	InboundMaxFPS       int
	InboundMaxBPS       int64
	InboundBurstSeconds int
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxStreamDuration   time.Duration
	MaxResetsPerMinute  int
	OutboundQueueSize   int
}

// Dependencies carries everything a bridge needs. Conn, Dialer, and
// Orchestrator are required; the rest defaults in New. Logger should
// already be tagged with the stream and request ids.
type Dependencies struct {
	Conn              *websocket.Conn
	Dialer            voice.Dialer
	Orchestrator      *chat.Orchestrator
	Hello             protocol.ClientHello
	SystemInstruction string
	VoiceName         string
	Logger            *slog.Logger
	Config            Config
	Now               func() time.Time
}

// Bridge owns one voice stream: the client websocket on one side, the
// model's live channel on the other, and the session orchestrator in
// between for recommendation bookkeeping.
type Bridge struct {
	conn        *websocket.Conn
	dialer      voice.Dialer
	orch        *chat.Orchestrator
	hello       protocol.ClientHello
	instruction string
	voiceName   string
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	// generation increments on every barge-in. Queued assistant audio
	// stamped with an older generation is dropped by the writer.
	generation atomic.Int64

	scheduler *voice.Scheduler
	states    *voice.StateMachine
}

type outboundFrame struct {
	isAssistantAudio bool
	generation       int64
	payload          []byte
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type channelResult struct {
	event voice.ChannelEvent
	err   error
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.MaxResetsPerMinute <= 0 {
		deps.Config.MaxResetsPerMinute = 3
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:             deps.Conn,
		dialer:           deps.Dialer,
		orch:             deps.Orchestrator,
		hello:            deps.Hello,
		instruction:      deps.SystemInstruction,
		voiceName:        deps.VoiceName,
		cfg:              deps.Config,
		logger:           deps.Logger,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		scheduler:        voice.NewScheduler(voice.PlaybackFormat()),
	}
	b.states = voice.NewStateMachine(func(from, to voice.StreamState) {
		b.logger.Debug("stream state changed", "from", from.String(), "to", to.String())
		_ = b.sendJSONPriority(protocol.ServerState{Type: "state", State: to.String()})
	})
	return b, nil
}

// Cancel aborts the stream from outside the run loop, typically on
// server drain. Safe to call more than once.
func (b *Bridge) Cancel() {
	if b == nil || b.cancel == nil {
		return
	}
	b.cancel()
}

func (b *Bridge) Run() error {
	defer b.cancel()

	if b.cfg.MaxJSONMessageBytes > 0 {
		b.conn.SetReadLimit(b.cfg.MaxJSONMessageBytes)
	}
	if b.cfg.ReadTimeout > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		b.conn.SetPongHandler(func(string) error {
			return b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       b.conn,
			ctx:      b.ctx,
			cfg:      b.cfg,
			priority: b.outboundPriority,
			normal:   b.outboundNormal,
			stale:    b.isStale,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		b.cancel()
		wait := 100 * time.Millisecond
		if b.cfg.WriteTimeout > 0 && b.cfg.WriteTimeout < wait {
			wait = b.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}
	teardown := func() error {
		b.shutdown()
		return flushAndClose()
	}

	b.logger.Info("live stream started",
		"client", b.hello.Client.Name,
		"audio_in_hz", b.hello.AudioIn.SampleRateHz,
	)

	_ = b.states.To(voice.StateConnecting)

	channel, err := b.dialer.Connect(b.ctx, voice.ChannelConfig{
		SystemInstruction: b.instruction,
		VoiceName:         b.voiceName,
	})
	if err != nil {
		b.logger.Error("live channel dial failed", "error", err)
		_ = b.sendSessionError("provider_unavailable", "voice is unavailable right now, text chat still works", true, "")
		return teardown()
	}
	defer channel.Close()

	b.orch.SetMode(types.ModeVoice)
	defer b.orch.SetMode(types.ModeText)

	_ = b.states.To(voice.StateStreaming)

	readCh := make(chan inboundFrame, 64)
	go b.readLoop(readCh)

	eventCh := make(chan channelResult, 64)
	go b.pumpChannel(channel, eventCh)

	var (
		throttle   = newAudioThrottle(b.now, b.cfg.InboundMaxFPS, b.cfg.InboundMaxBPS, b.cfg.InboundBurstSeconds)
		spoken     strings.Builder // assistant transcript of the turn in flight
		resetTimes []time.Time
	)

	recordReset := func() bool {
		now := b.now()
		cutoff := now.Add(-1 * time.Minute)
		kept := resetTimes[:0]
		for _, t := range resetTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		resetTimes = append(kept, now)
		return len(resetTimes) <= b.cfg.MaxResetsPerMinute
	}

	interrupt := func(reason string) error {
		b.generation.Add(1)
		if dropped := b.scheduler.CancelAll(); dropped > 0 {
			b.logger.Debug("canceled scheduled audio", "segments", dropped, "reason", reason)
		}
		spoken.Reset()
		if b.states.State() == voice.StateStreaming {
			_ = b.states.To(voice.StateInterrupted)
		}
		return b.sendAudioReset(reason)
	}

	// onSendErr maps outbound backpressure to an interrupt: dropping the
	// downlink backlog is recoverable, but a client that keeps forcing
	// resets gets disconnected.
	onSendErr := func(err error) error {
		if err == nil {
			return nil
		}
		if !errors.Is(err, errBackpressure) {
			return err
		}
		if err := interrupt("backpressure"); err != nil && !errors.Is(err, errBackpressure) {
			return err
		}
		if !recordReset() {
			_ = b.sendSessionError("rate_limited", "client cannot keep up with audio playback", true, "")
			return errResetBudget
		}
		return nil
	}

	var streamTimer *time.Timer
	if b.cfg.MaxStreamDuration > 0 {
		streamTimer = time.NewTimer(b.cfg.MaxStreamDuration)
		defer streamTimer.Stop()
	}
	streamTimerCh := func() <-chan time.Time {
		if streamTimer == nil {
			return nil
		}
		return streamTimer.C
	}

	for {
		select {
		case <-b.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err == nil {
				return nil
			}
			return err
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				_ = b.sendSessionError("bad_request", "binary frames are not supported", true, "")
				return teardown()
			}
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code, param := "bad_request", ""
				var de *protocol.DecodeError
				if errors.As(decErr, &de) {
					code, param = de.Code, de.Param
				}
				_ = b.sendSessionError(code, decErr.Error(), true, param)
				return teardown()
			}
			switch m := msg.(type) {
			case protocol.ClientHello:
				_ = b.sendSessionError("bad_request", "hello is only valid as the first frame", true, "type")
				return teardown()
			case protocol.ClientAudioFrame:
				audio, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					_ = b.sendSessionError("bad_request", "invalid audio_frame.data_b64", true, "data_b64")
					return teardown()
				}
				if b.cfg.MaxAudioFrameBytes > 0 && len(audio) > b.cfg.MaxAudioFrameBytes {
					_ = b.sendSessionError("bad_request", "audio frame exceeds max size", true, "data_b64")
					return teardown()
				}
				if !throttle.Admit(len(audio)) {
					_ = b.sendSessionError("rate_limited", "inbound audio rate limit exceeded", true, "")
					return teardown()
				}
				if err := channel.SendAudio(b.ctx, audio); err != nil {
					b.logger.Warn("uplink frame rejected", "error", err)
					_ = b.sendSessionError("provider_error", "failed to forward audio upstream", true, "")
					return teardown()
				}
				b.orch.Session().Touch(b.now())
			case protocol.ClientControl:
				switch m.Op {
				case "interrupt":
					if err := interrupt("barge_in"); err != nil {
						return err
					}
				case "end_session":
					b.logger.Info("live stream ended by client")
					return teardown()
				}
			}
		case res, ok := <-eventCh:
			if !ok {
				return nil
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					b.logger.Info("live channel closed by model")
					return teardown()
				}
				b.logger.Error("live channel receive failed", "error", res.err)
				_ = b.sendSessionError("provider_error", "voice stream failed", true, "")
				return teardown()
			}
			switch ev := res.event.(type) {
			case *voice.AudioChunkEvent:
				if len(ev.Data) == 0 {
					continue
				}
				if b.states.State() == voice.StateInterrupted {
					_ = b.states.To(voice.StateStreaming)
				}
				seg := b.scheduler.Schedule(len(ev.Data))
				err := b.sendAssistantAudio(protocol.ServerAssistantAudioChunk{
					Type:       "assistant_audio_chunk",
					Seq:        seg.Seq,
					AudioB64:   base64.StdEncoding.EncodeToString(ev.Data),
					DurationMS: voice.PlaybackFormat().DurationMs(len(ev.Data)),
				})
				if err := onSendErr(err); err != nil {
					if errors.Is(err, errResetBudget) {
						return teardown()
					}
					return err
				}
			case *voice.TranscriptEvent:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				if ev.Role == types.RoleAssistant {
					if spoken.Len() > 0 {
						spoken.WriteByte(' ')
					}
					spoken.WriteString(text)
				}
				err := b.sendJSON(protocol.ServerTranscript{Type: "transcript", Role: string(ev.Role), Text: text})
				if err := onSendErr(err); err != nil {
					if errors.Is(err, errResetBudget) {
						return teardown()
					}
					return err
				}
			case *voice.ToolCallEvent:
				rec, err := b.handleToolCall(channel, ev.Call, spoken.String())
				if err != nil {
					if err := onSendErr(err); err != nil {
						if errors.Is(err, errResetBudget) {
							return teardown()
						}
						return err
					}
					continue
				}
				if rec != nil {
					b.logger.Info("voice recommendation recorded", "product_id", rec.Product.ID)
				}
			case *voice.InterruptedEvent:
				if err := interrupt("barge_in"); err != nil {
					return err
				}
			case *voice.TurnCompleteEvent:
				spoken.Reset()
				if b.states.State() == voice.StateInterrupted {
					_ = b.states.To(voice.StateStreaming)
				}
			}
		case <-streamTimerCh():
			b.logger.Info("live stream reached maximum duration")
			_ = b.sendSessionError("stream_timeout", "maximum stream duration reached", true, "")
			return teardown()
		}
	}
}

// handleToolCall records a recommendation requested over the live
// channel and acknowledges the call either way, so the model can keep
// speaking. The returned error is an outbound send failure; tool-result
// delivery problems surface on the channel's read side instead.
func (b *Bridge) handleToolCall(channel voice.Channel, call chat.ToolCall, spokenText string) (*types.Recommendation, error) {
	if call.Name != chat.ToolRecommendProduct {
		b.logger.Warn("dropping unsupported live tool call", "tool", call.Name)
		b.sendToolResult(channel, call, map[string]any{"status": "error", "message": "unknown tool"})
		return nil, nil
	}

	msg, ok := b.orch.RecordVoiceRecommendation(call, strings.TrimSpace(spokenText))
	if !ok || msg.Recommendation == nil {
		b.sendToolResult(channel, call, map[string]any{"status": "error", "message": "product not found"})
		return nil, nil
	}

	rec := msg.Recommendation
	if err := b.sendJSON(protocol.ServerRecommendation{
		Type:      "recommendation",
		Product:   rec.Product,
		Reasoning: rec.Reasoning,
	}); err != nil {
		return nil, err
	}
	b.sendToolResult(channel, call, map[string]any{"status": "ok", "product_id": rec.Product.ID})
	return rec, nil
}

func (b *Bridge) sendToolResult(channel voice.Channel, call chat.ToolCall, output map[string]any) {
	err := channel.SendToolResult(b.ctx, voice.ToolResult{ID: call.ID, Name: call.Name, Output: output})
	if err != nil {
		b.logger.Warn("tool result delivery failed", "tool", call.Name, "error", err)
	}
}

// shutdown walks the state machine to CLOSED so observers see the final
// transitions before the writer drains.
func (b *Bridge) shutdown() {
	if b.states.State().Terminal() {
		return
	}
	_ = b.states.To(voice.StateClosing)
	_ = b.states.To(voice.StateClosed)
}

func (b *Bridge) isStale(generation int64) bool {
	return generation < b.generation.Load()
}

func (b *Bridge) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) pumpChannel(channel voice.Channel, out chan<- channelResult) {
	defer close(out)
	for {
		event, err := channel.Next()
		if err != nil {
			select {
			case out <- channelResult{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case out <- channelResult{event: event}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) sendAudioReset(reason string) error {
	return b.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: reason})
}

func (b *Bridge) sendSessionError(code, message string, close bool, param string) error {
	msg := protocol.ServerError{Type: "error", Code: code, Message: message, Param: param, Close: close}
	if close {
		return b.sendJSONPriority(msg)
	}
	return b.sendJSON(msg)
}

func (b *Bridge) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.enqueueNormal(outboundFrame{payload: payload})
}

func (b *Bridge) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.enqueuePriority(outboundFrame{payload: payload})
}

func (b *Bridge) sendAssistantAudio(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.enqueueNormal(outboundFrame{
		isAssistantAudio: true,
		generation:       b.generation.Load(),
		payload:          payload,
	})
}

func (b *Bridge) enqueueNormal(frame outboundFrame) error {
	if frame.isAssistantAudio && b.isStale(frame.generation) {
		return nil
	}
	select {
	case b.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority evicts the oldest queued priority frame rather than
// block; the newest reset or error frame is the one that must arrive.
func (b *Bridge) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case b.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-b.outboundPriority:
		default:
		}
	}
	select {
	case b.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

package shoptalk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/protocol"
)

const defaultVoiceConnectTimeout = 15 * time.Second

// VoiceEvent is an event emitted by VoiceSession.Events().
type VoiceEvent interface {
	voiceEventType() string
}

// VoiceAudioChunk carries decoded assistant PCM ready for playback.
// Duration is how long the chunk plays at the session's output format.
type VoiceAudioChunk struct {
	Seq      int
	Data     []byte
	Duration time.Duration
}

func (e VoiceAudioChunk) voiceEventType() string { return "assistant_audio_chunk" }

// VoiceAudioReset tells the player to drop everything queued, typically
// because the shopper talked over the assistant.
type VoiceAudioReset struct {
	Reason string
}

func (e VoiceAudioReset) voiceEventType() string { return "audio_reset" }

// VoiceRecommendation is a product the assistant recommended mid-speech.
type VoiceRecommendation struct {
	Product   types.Product
	Reasoning string
}

func (e VoiceRecommendation) voiceEventType() string { return "recommendation" }

// VoiceTranscript is a finalized transcript line for one side of the
// conversation.
type VoiceTranscript struct {
	Role string
	Text string
}

func (e VoiceTranscript) voiceEventType() string { return "transcript" }

// VoiceStateChange reports the assistant's speaking state.
type VoiceStateChange struct {
	State string
}

func (e VoiceStateChange) voiceEventType() string { return "state" }

// VoiceError is a protocol error frame. Close means the gateway is about
// to drop the connection.
type VoiceError struct {
	Code    string
	Message string
	Param   string
	Close   bool
}

func (e VoiceError) voiceEventType() string { return "error" }

// VoiceSession is a live voice websocket session. Uplink audio goes out
// through SendAudio; everything the gateway says comes back on Events.
type VoiceSession struct {
	conn *websocket.Conn
	ack  protocol.ServerHelloAck

	scheduler *voice.Scheduler

	events chan VoiceEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error

	seq atomic.Int64
}

// ConnectVoice upgrades an existing chat session to voice mode. The
// returned session is live once the gateway acknowledges the hello.
func (c *Client) ConnectVoice(ctx context.Context, sessionID string) (*VoiceSession, error) {
	if sessionID == "" {
		return nil, core.NewInvalidRequestError("sessionID must not be empty")
	}

	wsURL, err := c.websocketEndpoint("/v1/sessions/" + url.PathEscape(sessionID) + "/voice")
	if err != nil {
		return nil, err
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultVoiceConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			if errors.Is(err, websocket.ErrBadHandshake) {
				// Pre-upgrade refusals carry the gateway's error envelope.
				return nil, decodeErrorResponse(resp, wsURL, http.MethodGet)
			}
			resp.Body.Close()
			return nil, &TransportError{Op: http.MethodGet, URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: http.MethodGet, URL: wsURL, Err: err}
	}

	capture := voice.CaptureFormat()
	hello := protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Client: protocol.HelloClient{
			Name:     "shoptalk-go",
			Version:  Version,
			Platform: runtime.GOOS,
		},
		AudioIn: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16,
			SampleRateHz: capture.SampleRate,
			Channels:     capture.Channels,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send voice hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultVoiceConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first voice frame type %d", messageType)
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode voice frame envelope: %w", err)
	}
	switch strings.TrimSpace(envelope.Type) {
	case "hello_ack":
		var ack protocol.ServerHelloAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode hello_ack: %w", err)
		}
		session := &VoiceSession{
			conn:      conn,
			ack:       ack,
			scheduler: voice.NewScheduler(playbackFormatFromAck(ack)),
			events:    make(chan VoiceEvent, 256),
			done:      make(chan struct{}),
		}
		go session.readLoop()
		return session, nil
	case "error":
		var serverErr protocol.ServerError
		_ = json.Unmarshal(payload, &serverErr)
		_ = conn.Close()
		return nil, &core.Error{
			Type:    core.ErrAPI,
			Message: strings.TrimSpace(serverErr.Message),
			Code:    strings.TrimSpace(serverErr.Code),
			Param:   strings.TrimSpace(serverErr.Param),
		}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first voice frame type %q", envelope.Type)
	}
}

func playbackFormatFromAck(ack protocol.ServerHelloAck) voice.Format {
	format := voice.Format{
		SampleRate:    ack.AudioOut.SampleRateHz,
		Channels:      ack.AudioOut.Channels,
		BitsPerSample: 16,
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return voice.PlaybackFormat()
	}
	return format
}

// Ack returns the gateway's hello acknowledgement, which carries the
// session id, both audio formats, and the frame-size limits.
func (s *VoiceSession) Ack() protocol.ServerHelloAck {
	if s == nil {
		return protocol.ServerHelloAck{}
	}
	return s.ack
}

// Events yields decoded voice events. The channel closes when the session
// ends.
func (s *VoiceSession) Events() <-chan VoiceEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudio ships one microphone frame of pcm_s16le capture audio.
func (s *VoiceSession) SendAudio(pcm []byte) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	frame := protocol.ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     s.seq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	}
	return s.sendJSON(frame)
}

// Interrupt cuts off the assistant mid-speech.
func (s *VoiceSession) Interrupt() error {
	return s.sendControl("interrupt")
}

// EndSession asks the gateway to wind down the voice stream gracefully.
func (s *VoiceSession) EndSession() error {
	return s.sendControl("end_session")
}

// Backlog reports how much scheduled assistant audio has not finished
// playing yet. Callers drain it before tearing down playback.
func (s *VoiceSession) Backlog() time.Duration {
	if s == nil {
		return 0
	}
	return s.scheduler.Backlog()
}

func (s *VoiceSession) sendControl(op string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(protocol.ClientControl{Type: "control", Op: op})
}

func (s *VoiceSession) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("voice session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the websocket session.
func (s *VoiceSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any).
func (s *VoiceSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *VoiceSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *VoiceSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := s.decodeServerFrame(data)
		if err != nil {
			s.setErr(err)
			return
		}
		if event == nil {
			continue
		}
		s.emitEvent(event)
		if errEvent, ok := event.(VoiceError); ok && errEvent.Close {
			s.setErr(&core.Error{
				Type:    core.ErrAPI,
				Message: strings.TrimSpace(errEvent.Message),
				Code:    strings.TrimSpace(errEvent.Code),
				Param:   strings.TrimSpace(errEvent.Param),
			})
		}
	}
}

func (s *VoiceSession) decodeServerFrame(data []byte) (VoiceEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode voice frame envelope: %w", err)
	}

	switch strings.TrimSpace(envelope.Type) {
	case "assistant_audio_chunk":
		var frame protocol.ServerAssistantAudioChunk
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode assistant_audio_chunk: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.AudioB64)
		if err != nil {
			return nil, fmt.Errorf("decode assistant audio: %w", err)
		}
		segment := s.scheduler.Schedule(len(pcm))
		return VoiceAudioChunk{Seq: frame.Seq, Data: pcm, Duration: segment.Duration}, nil
	case "audio_reset":
		var frame protocol.ServerAudioReset
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode audio_reset: %w", err)
		}
		s.scheduler.CancelAll()
		return VoiceAudioReset{Reason: frame.Reason}, nil
	case "recommendation":
		var frame protocol.ServerRecommendation
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode recommendation: %w", err)
		}
		return VoiceRecommendation{Product: frame.Product, Reasoning: frame.Reasoning}, nil
	case "transcript":
		var frame protocol.ServerTranscript
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
		return VoiceTranscript{Role: frame.Role, Text: frame.Text}, nil
	case "state":
		var frame protocol.ServerState
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		return VoiceStateChange{State: frame.State}, nil
	case "error":
		var frame protocol.ServerError
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return VoiceError{Code: frame.Code, Message: frame.Message, Param: frame.Param, Close: frame.Close}, nil
	default:
		// Frames this client version does not know are skipped.
		return nil, nil
	}
}

func (s *VoiceSession) emitEvent(event VoiceEvent) {
	if event == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking read loop if caller stops consuming.
	}
}

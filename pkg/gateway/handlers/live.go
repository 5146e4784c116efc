package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/protocol"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/session"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/streams"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/mw"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/ratelimit"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sessions"
)

// VoiceHandler upgrades /v1/sessions/{id}/voice to the live websocket
// protocol and runs a bridge between the browser and the model's live
// channel. Everything that can be rejected cheaply is rejected before
// the upgrade; past it, errors travel as protocol error frames.
type VoiceHandler struct {
	Config      config.Config
	Registry    *sessions.Registry
	Dialer      voice.Dialer
	Composer    *prompt.Composer
	Limiter     *ratelimit.Limiter
	Drain       DrainState
	LiveStreams *streams.Tracker
	Logger      *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if h.Drain != nil && h.Drain.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
		return
	}

	orch, ok := h.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, reqID, core.NewNotFoundError("session not found"))
		return
	}

	// The stream slot is taken before the upgrade so the refusal can be a
	// plain 429 instead of an upgrade followed by a close.
	if h.Limiter != nil && h.Config.LimitMaxVoiceSessions > 0 {
		dec := h.Limiter.AcquireStream(ratelimit.ClientKey(r.RemoteAddr), time.Now())
		if !dec.Allowed {
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeError(w, reqID, core.NewRateLimitError("too many voice streams", dec.RetryAfter))
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello", "", true)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello", "", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			h.writeWSError(conn, decodeErr.Code, decodeErr.Message, decodeErr.Param, true)
		} else {
			h.writeWSError(conn, "bad_request", "invalid hello frame", "", true)
		}
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello", "", true)
		return
	}
	capture := voice.CaptureFormat()
	if hello.AudioIn.SampleRateHz != capture.SampleRate || hello.AudioIn.Channels != capture.Channels {
		h.writeWSError(conn, "unsupported", "audio_in must be pcm_s16le @16000Hz mono", "audio_in", true)
		return
	}

	playback := voice.PlaybackFormat()
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       orch.Session().ID(),
		AudioIn:         hello.AudioIn,
		AudioOut: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16,
			SampleRateHz: playback.SampleRate,
			Channels:     playback.Channels,
		},
		Voice: h.Config.VoiceName,
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
		},
	}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	streamID := "vs_" + randHex(8)
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream_id", streamID, "request_id", reqID, "session_id", orch.Session().ID())
	logger.Debug("voice handshake accepted", "hello", hello.RedactedForLog())

	bridge, err := session.New(session.Dependencies{
		Conn:              conn,
		Dialer:            h.Dialer,
		Orchestrator:      orch,
		Hello:             hello,
		SystemInstruction: h.systemInstruction(),
		VoiceName:         h.Config.VoiceName,
		Logger:            logger,
		Config: session.Config{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			InboundMaxFPS:       h.Config.LiveInboundMaxFPS,
			InboundMaxBPS:       h.Config.LiveInboundMaxBPS,
			InboundBurstSeconds: h.Config.LiveInboundBurstSeconds,
			PingInterval:        h.Config.LiveWSPingInterval,
			WriteTimeout:        h.Config.LiveWSWriteTimeout,
			ReadTimeout:         h.Config.LiveWSReadTimeout,
			MaxStreamDuration:   h.Config.LiveMaxStreamDuration,
		},
	})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize voice stream", "", true)
		return
	}

	unregister := h.LiveStreams.Register(bridge.Cancel)
	defer unregister()

	if err := bridge.Run(); err != nil {
		logger.Warn("voice stream ended with error", "error", err)
	}
}

// originAllowed enforces the CORS allowlist on the upgrade request. With
// no allowlist configured, any origin may connect.
func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h VoiceHandler) systemInstruction() string {
	if h.Composer == nil {
		return ""
	}
	return h.Composer.SystemInstruction()
}

func (h VoiceHandler) writeWSError(conn *websocket.Conn, code, message, param string, close bool) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Param: param, Close: close})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

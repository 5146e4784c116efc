// Package config loads and validates daemon configuration from the
// environment. Every variable carries the SHOPTALK_ prefix and has a
// working default except the Gemini API key and the catalog source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetrievalMode selects the catalog ranker.
type RetrievalMode string

const (
	// RetrievalModeEmbedding ranks by cosine similarity over Gemini
	// embedding vectors.
	RetrievalModeEmbedding RetrievalMode = "embedding"
	// RetrievalModeLexical ranks by weighted keyword overlap and needs
	// no embedding service.
	RetrievalModeLexical RetrievalMode = "lexical"
)

type Config struct {
	Addr string

	// Gemini provider. Empty model/voice fields fall back to the
	// provider package defaults.
	GeminiAPIKey   string
	ChatModel      string
	EmbeddingModel string
	LiveModel      string
	VoiceName      string

	RetrievalMode RetrievalMode

	// Store identity surfaced in the assistant's instructions.
	StoreName string

	// Catalog sources. At least one must be set; when both are, the
	// file is authoritative and seeds the database at startup.
	CatalogFile string
	DatabaseURL string

	// Optional Stripe payment-link provisioning for products that ship
	// without a purchase URL.
	StripeAPIKey   string
	StripeCurrency string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// SSE
	SSEPingInterval time.Duration

	// Session lifecycle.
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	MaxSessions          int

	// Live WebSocket voice mode (/v1/sessions/{id}/voice).
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveInboundMaxFPS       int   // 0 disables the frame-rate cap
	LiveInboundMaxBPS       int64 // 0 disables the byte-rate cap
	LiveInboundBurstSeconds int
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSReadTimeout       time.Duration // 0 disables the idle read deadline
	LiveHandshakeTimeout    time.Duration
	LiveMaxStreamDuration   time.Duration

	// In-memory limits (per client address).
	LimitRPS              float64
	LimitBurst            int
	LimitMaxVoiceSessions int

	MaxBodyBytes int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration // bounds one synchronous text turn
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("SHOPTALK_ADDR", ":8080"),
		GeminiAPIKey:            strings.TrimSpace(os.Getenv("SHOPTALK_GEMINI_API_KEY")),
		ChatModel:               envOr("SHOPTALK_CHAT_MODEL", ""),
		EmbeddingModel:          envOr("SHOPTALK_EMBEDDING_MODEL", ""),
		LiveModel:               envOr("SHOPTALK_LIVE_MODEL", ""),
		VoiceName:               envOr("SHOPTALK_VOICE_NAME", ""),
		RetrievalMode:           RetrievalMode(strings.ToLower(envOr("SHOPTALK_RETRIEVAL_MODE", string(RetrievalModeEmbedding)))),
		StoreName:               envOr("SHOPTALK_STORE_NAME", "ShopTalk"),
		CatalogFile:             envOr("SHOPTALK_CATALOG_FILE", ""),
		DatabaseURL:             strings.TrimSpace(os.Getenv("SHOPTALK_DATABASE_URL")),
		StripeAPIKey:            strings.TrimSpace(os.Getenv("SHOPTALK_STRIPE_API_KEY")),
		StripeCurrency:          strings.ToLower(envOr("SHOPTALK_STRIPE_CURRENCY", "usd")),
		CORSAllowedOrigins:      make(map[string]struct{}),
		SSEPingInterval:         envDurationOr("SHOPTALK_SSE_PING_INTERVAL", 15*time.Second),
		SessionIdleTimeout:      envDurationOr("SHOPTALK_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval:    envDurationOr("SHOPTALK_SESSION_SWEEP_INTERVAL", time.Minute),
		MaxSessions:             envIntOr("SHOPTALK_MAX_SESSIONS", 512),
		LiveMaxAudioFrameBytes:  envIntOr("SHOPTALK_LIVE_MAX_AUDIO_FRAME_BYTES", 32768),
		LiveMaxJSONMessageBytes: envInt64Or("SHOPTALK_LIVE_MAX_JSON_MESSAGE_BYTES", 128<<10),
		LiveInboundMaxFPS:       envIntOr("SHOPTALK_LIVE_MAX_AUDIO_FPS", 30),
		LiveInboundMaxBPS:       envInt64Or("SHOPTALK_LIVE_MAX_AUDIO_BPS", 64<<10),
		LiveInboundBurstSeconds: envIntOr("SHOPTALK_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:      envDurationOr("SHOPTALK_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("SHOPTALK_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:       envDurationOr("SHOPTALK_LIVE_WS_READ_TIMEOUT", time.Minute),
		LiveHandshakeTimeout:    envDurationOr("SHOPTALK_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		LiveMaxStreamDuration:   envDurationOr("SHOPTALK_LIVE_MAX_STREAM_DURATION", 30*time.Minute),
		LimitRPS:                envFloat64Or("SHOPTALK_RATE_LIMIT_RPS", 5.0),
		LimitBurst:              envIntOr("SHOPTALK_RATE_LIMIT_BURST", 10),
		LimitMaxVoiceSessions:   envIntOr("SHOPTALK_MAX_VOICE_SESSIONS_PER_CLIENT", 2),
		MaxBodyBytes:            envInt64Or("SHOPTALK_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ReadHeaderTimeout:       envDurationOr("SHOPTALK_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("SHOPTALK_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:          envDurationOr("SHOPTALK_HANDLER_TIMEOUT", time.Minute),
		ShutdownGracePeriod:     envDurationOr("SHOPTALK_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("SHOPTALK_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("SHOPTALK_GEMINI_API_KEY must be set")
	}
	switch cfg.RetrievalMode {
	case RetrievalModeEmbedding, RetrievalModeLexical:
	default:
		return Config{}, fmt.Errorf("SHOPTALK_RETRIEVAL_MODE must be %q or %q", RetrievalModeEmbedding, RetrievalModeLexical)
	}
	if cfg.CatalogFile == "" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("one of SHOPTALK_CATALOG_FILE or SHOPTALK_DATABASE_URL must be set")
	}
	if cfg.StripeAPIKey != "" && cfg.StripeCurrency == "" {
		return Config{}, fmt.Errorf("SHOPTALK_STRIPE_CURRENCY must not be empty when SHOPTALK_STRIPE_API_KEY is set")
	}
	if strings.TrimSpace(cfg.StoreName) == "" {
		return Config{}, fmt.Errorf("SHOPTALK_STORE_NAME must not be empty")
	}
	if cfg.SSEPingInterval <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_MAX_SESSIONS must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveInboundMaxFPS < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveInboundMaxBPS < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.LiveInboundMaxFPS > 0 || cfg.LiveInboundMaxBPS > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_INBOUND_BURST_SECONDS must be >= 1 when an inbound audio limit is set")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxStreamDuration <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_LIVE_MAX_STREAM_DURATION must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxVoiceSessions < 0 {
		return Config{}, fmt.Errorf("SHOPTALK_MAX_VOICE_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHOPTALK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

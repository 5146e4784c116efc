// Package server wires the gateway: routes, the middleware chain, and the
// drain hooks the daemon runs between catching a signal and exiting.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/handlers"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/live/streams"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/mw"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/ratelimit"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sessions"
)

// Dependencies carries the engine collaborators the gateway serves. The
// Factory mints one orchestrator per chat session; the Dialer opens live
// voice channels on demand.
type Dependencies struct {
	Catalog  *catalog.Snapshot
	Factory  sessions.Factory
	Dialer   voice.Dialer
	Composer *prompt.Composer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry    *sessions.Registry
	catalog     *catalog.Snapshot
	dialer      voice.Dialer
	composer    *prompt.Composer
	limiter     *ratelimit.Limiter
	liveStreams *streams.Tracker

	// draining flips once, when the daemon catches a shutdown signal.
	// readyz and the voice endpoint read it through handlers.DrainState.
	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		registry: sessions.New(sessions.Config{
			MaxSessions:   cfg.MaxSessions,
			IdleTimeout:   cfg.SessionIdleTimeout,
			SweepInterval: cfg.SessionSweepInterval,
		}, deps.Factory, logger),
		catalog:  deps.Catalog,
		dialer:   deps.Dialer,
		composer: deps.Composer,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                  cfg.LimitRPS,
			Burst:                cfg.LimitBurst,
			MaxConcurrentStreams: cfg.LimitMaxVoiceSessions,
		}),
		liveStreams: streams.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:  s.cfg,
		Catalog: s.catalog,
		Drain:   s,
	})

	s.mux.Handle("/v1/catalog", handlers.CatalogHandler{Catalog: s.catalog})

	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{
		Config:   s.cfg,
		Registry: s.registry,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/sessions/{id}", handlers.SessionHandler{Registry: s.registry})
	s.mux.Handle("/v1/sessions/{id}/messages", handlers.SessionMessagesHandler{
		Config:   s.cfg,
		Registry: s.registry,
	})
	s.mux.Handle("/v1/sessions/{id}/events", handlers.SessionEventsHandler{
		Config:   s.cfg,
		Registry: s.registry,
	})
	s.mux.Handle("/v1/sessions/{id}/voice", handlers.VoiceHandler{
		Config:      s.cfg,
		Registry:    s.registry,
		Dialer:      s.dialer,
		Composer:    s.composer,
		Limiter:     s.limiter,
		Drain:       s,
		LiveStreams: s.liveStreams,
		Logger:      s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probe to not-ready and makes the voice
// endpoint refuse new streams. In-flight work is unaffected.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// IsDraining implements handlers.DrainState.
func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// WaitLiveStreams blocks until every voice bridge has returned or ctx
// expires. Upgraded websockets outlive http.Server.Shutdown, so the
// drain sequence waits on the tracker explicitly.
func (s *Server) WaitLiveStreams(ctx context.Context) bool {
	return s.liveStreams.Wait(ctx)
}

// CancelLiveStreams aborts every active voice bridge. Called when the
// grace period runs out before the streams ended on their own.
func (s *Server) CancelLiveStreams() {
	if n := s.liveStreams.CancelAll(); n > 0 {
		s.logger.Info("canceled live voice streams", "count", n)
	}
}

// Close releases every chat session. Call after the HTTP listener has
// stopped accepting requests.
func (s *Server) Close() {
	s.registry.Close()
}

// Package sessions owns the gateway's live set of chat orchestrators. The
// registry enforces the session cap, reaps idle sessions in the
// background, and closes everything on shutdown.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
)

// Factory mints a fresh orchestrator for a new session.
type Factory func(ctx context.Context) (*chat.Orchestrator, error)

type Config struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

type Registry struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	clock  func() time.Time
	m      map[string]*chat.Orchestrator
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, factory Factory, logger *slog.Logger) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 512
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "sessions"),
		clock:   time.Now,
		m:       make(map[string]*chat.Orchestrator),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// setClock overrides time for tests.
func (r *Registry) setClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = fn
}

// Create mints a session. When the registry is at capacity it reaps idle
// sessions first and rejects only if still full.
func (r *Registry) Create(ctx context.Context) (*chat.Orchestrator, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.NewAPIError("gateway is shutting down")
	}
	var victims []*chat.Orchestrator
	if len(r.m) >= r.cfg.MaxSessions {
		victims = r.reapIdleLocked(r.clock())
	}
	full := len(r.m) >= r.cfg.MaxSessions
	r.mu.Unlock()

	closeAll(victims)
	if full {
		return nil, core.NewRateLimitError("session capacity reached", 30)
	}

	orch, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}

	id := orch.Session().ID()
	r.mu.Lock()
	if r.closed || len(r.m) >= r.cfg.MaxSessions {
		rejected := r.closed
		r.mu.Unlock()
		_ = orch.Close()
		if rejected {
			return nil, core.NewAPIError("gateway is shutting down")
		}
		return nil, core.NewRateLimitError("session capacity reached", 30)
	}
	r.m[id] = orch
	n := len(r.m)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id, "sessions", n)
	return orch, nil
}

func (r *Registry) Get(id string) (*chat.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.m[id]
	return orch, ok
}

// Delete removes and closes a session. It reports whether the id was live.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	orch, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = orch.Close()
	r.logger.Info("session deleted", "session_id", id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Close stops the sweeper and closes every session. Safe to call twice.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	orphans := make([]*chat.Orchestrator, 0, len(r.m))
	for id, orch := range r.m {
		orphans = append(orphans, orch)
		delete(r.m, id)
	}
	r.mu.Unlock()

	close(r.done)
	closeAll(orphans)
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			victims := r.reapIdleLocked(r.clock())
			r.mu.Unlock()
			closeAll(victims)
			if len(victims) > 0 {
				r.logger.Info("reaped idle sessions", "count", len(victims))
			}
		case <-r.done:
			return
		}
	}
}

// reapIdleLocked removes sessions idle past the timeout and returns them
// for the caller to close outside the lock. A session with a turn in
// flight is never reaped. Caller holds r.mu.
func (r *Registry) reapIdleLocked(now time.Time) []*chat.Orchestrator {
	var victims []*chat.Orchestrator
	for id, orch := range r.m {
		s := orch.Session()
		if s.Busy() {
			continue
		}
		if now.Sub(s.LastActive()) < r.cfg.IdleTimeout {
			continue
		}
		delete(r.m, id)
		victims = append(victims, orch)
	}
	return victims
}

func closeAll(orchs []*chat.Orchestrator) {
	for _, orch := range orchs {
		_ = orch.Close()
	}
}

// Command shoptalkd runs the ShopTalk gateway: a conversational
// product-recommendation daemon serving REST chat sessions, SSE event
// streams, and realtime voice over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shoptalk-ai/shoptalk/internal/dotenv"
	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/prompt"
	"github.com/shoptalk-ai/shoptalk/pkg/core/providers/gemini"
	"github.com/shoptalk-ai/shoptalk/pkg/core/retrieval"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/config"
	gatewayserver "github.com/shoptalk-ai/shoptalk/pkg/gateway/server"
	"github.com/shoptalk-ai/shoptalk/pkg/gateway/sessions"
	"github.com/shoptalk-ai/shoptalk/pkg/store"
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	buildGateway func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig:   config.LoadFromEnv,
		buildGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildGateway assembles the engine around the configured catalog source
// and the Gemini client, then wires the HTTP gateway over it. The returned
// cleanup releases the provider client and the database pool; callers run
// it after the listener has stopped.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*gatewayserver.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var st *store.Store
	if cfg.DatabaseURL != "" {
		if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fail(err)
		}
		var err error
		st, err = store.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, st.Close)
	}

	products, err := loadProducts(ctx, cfg, st)
	if err != nil {
		return fail(err)
	}

	if cfg.StripeAPIKey != "" {
		links, err := catalog.NewStripeLinks(cfg.StripeAPIKey, cfg.StripeCurrency)
		if err != nil {
			return fail(err)
		}
		catalog.FillPurchaseLinks(ctx, products, links, logger)
	}

	// Writing back after link provisioning keeps generated purchase URLs
	// across restarts instead of minting new Stripe objects each boot.
	if st != nil {
		if err := st.ReplaceCatalog(ctx, products); err != nil {
			return fail(err)
		}
	}

	snap, err := catalog.NewSnapshot(products)
	if err != nil {
		return fail(err)
	}
	logger.Info("catalog loaded", "products", snap.Len(), "version", snap.Version())

	client, err := gemini.New(ctx, cfg.GeminiAPIKey,
		gemini.WithChatModel(cfg.ChatModel),
		gemini.WithEmbeddingModel(cfg.EmbeddingModel),
		gemini.WithLiveModel(cfg.LiveModel),
		gemini.WithVoiceName(cfg.VoiceName),
	)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = client.Close() })

	var ranker retrieval.Ranker
	switch cfg.RetrievalMode {
	case config.RetrievalModeLexical:
		ranker = retrieval.NewLexical(snap)
	default:
		ranker = retrieval.NewIndex(client.Embedder(), snap, logger)
	}
	logger.Info("retrieval ranker ready", "mode", string(cfg.RetrievalMode))

	composer := prompt.NewComposer(cfg.StoreName)
	factory := newSessionFactory(snap, ranker, composer, client, st, logger)

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Catalog:  snap,
		Factory:  factory,
		Dialer:   client.Live,
		Composer: composer,
	})
	return gw, cleanup, nil
}

// loadProducts reads the catalog from the configured source. The file is
// authoritative when both sources are set.
func loadProducts(ctx context.Context, cfg config.Config, st *store.Store) ([]types.Product, error) {
	if cfg.CatalogFile != "" {
		return catalog.LoadProducts(cfg.CatalogFile)
	}
	snap, err := st.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Products(), nil
}

// newSessionFactory builds the constructor the registry calls per session.
// Sessions share the catalog, ranker, and provider client; each opens its
// own model conversation lazily on the first turn.
func newSessionFactory(snap *catalog.Snapshot, ranker retrieval.Ranker, composer *prompt.Composer, model chat.ModelClient, st *store.Store, logger *slog.Logger) sessions.Factory {
	deps := chat.Dependencies{
		Catalog:  snap,
		Ranker:   ranker,
		Composer: composer,
		Model:    model,
		Logger:   logger,
	}
	if st != nil {
		deps.Recorder = st
	}
	return func(ctx context.Context) (*chat.Orchestrator, error) {
		orch := chat.New(chat.Config{}, deps)
		if st != nil {
			s := orch.Session()
			if err := st.RecordSession(ctx, s.ID(), s.CreatedAt()); err != nil {
				logger.Warn("session recording failed", "session_id", s.ID(), "error", err)
			}
		}
		return orch, nil
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runDaemon(ctx context.Context, logger *slog.Logger, deps daemonDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildGateway == nil {
		return errors.New("missing buildGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, cleanup, err := deps.buildGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer cleanup()

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "store", cfg.StoreName)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Upgraded voice sockets are not covered by Shutdown; give them the
	// same grace before cutting them off.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveStreams(waitCtx) {
		gw.CancelLiveStreams()
	}

	gw.Close()

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// newLogger builds the process logger. SHOPTALK_LOG_FORMAT=json switches
// to JSON lines; anything else keeps the text handler.
func newLogger(w io.Writer) *slog.Logger {
	if strings.EqualFold(os.Getenv("SHOPTALK_LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "shoptalkd: %v\n", err)
		return 1
	}
	logger := newLogger(stderr)

	if err := runDaemon(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "shoptalkd: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}

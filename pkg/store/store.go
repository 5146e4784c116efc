// Package store implements Postgres persistence for the catalog and for
// conversation transcripts. It is optional: the daemon runs fully
// in-memory when no database is configured.
package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects a pool to the given database URL and verifies the
// connection with a ping.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, core.NewConfigError("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, core.NewConfigError("invalid database url: " + err.Error())
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.NewAPIError("database unreachable: " + err.Error())
	}

	return &Store{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

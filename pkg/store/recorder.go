package store

import (
	"context"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

const insertSession = `
INSERT INTO sessions (id, created_at)
VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`

const insertMessage = `
INSERT INTO messages (id, session_id, role, body, product_id, reasoning, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

// RecordSession persists a session row. Recording is idempotent.
func (s *Store) RecordSession(ctx context.Context, sessionID string, createdAt time.Time) error {
	if _, err := s.pool.Exec(ctx, insertSession, sessionID, createdAt); err != nil {
		return core.NewAPIError("recording session: " + err.Error())
	}
	return nil
}

// RecordMessage persists one transcript row. Messages are immutable, so a
// replayed id is a no-op.
func (s *Store) RecordMessage(ctx context.Context, sessionID string, m types.Message) error {
	productID, reasoning := recommendationColumns(m.Recommendation)
	_, err := s.pool.Exec(ctx, insertMessage,
		m.ID, sessionID, string(m.Role), m.Text, productID, reasoning, m.CreatedAt)
	if err != nil {
		return core.NewAPIError("recording message: " + err.Error())
	}
	return nil
}

// recommendationColumns flattens an optional recommendation into nullable
// columns.
func recommendationColumns(rec *types.Recommendation) (productID, reasoning *string) {
	if rec == nil {
		return nil, nil
	}
	id := rec.Product.ID
	why := rec.Reasoning
	return &id, &why
}

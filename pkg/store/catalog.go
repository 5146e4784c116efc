package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/catalog"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

const selectProducts = `
SELECT id, name, category, description, price, image_url, purchase_url, features
FROM products
ORDER BY position, id`

const insertProduct = `
INSERT INTO products (id, name, category, description, price, image_url, purchase_url, features, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// LoadCatalog reads every product row, in stored order, into a validated
// snapshot.
func (s *Store) LoadCatalog(ctx context.Context) (*catalog.Snapshot, error) {
	rows, err := s.pool.Query(ctx, selectProducts)
	if err != nil {
		return nil, core.NewAPIError("loading catalog: " + err.Error())
	}
	defer rows.Close()

	var products []types.Product
	for rows.Next() {
		var p types.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Description,
			&p.Price, &p.ImageURL, &p.PurchaseURL, &p.Features); err != nil {
			return nil, core.NewAPIError("scanning product row: " + err.Error())
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewAPIError("loading catalog: " + err.Error())
	}
	if len(products) == 0 {
		return nil, core.NewNotFoundError("catalog is empty")
	}

	return catalog.NewSnapshot(products)
}

// ReplaceCatalog swaps the stored catalog for the given products in one
// transaction, preserving their order. Used to seed the database from a
// catalog file.
func (s *Store) ReplaceCatalog(ctx context.Context, products []types.Product) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewAPIError("replacing catalog: " + err.Error())
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM products`); err != nil {
		return core.NewAPIError("replacing catalog: " + err.Error())
	}

	b := &pgx.Batch{}
	for i, p := range products {
		features := p.Features
		if features == nil {
			features = []string{}
		}
		b.Queue(insertProduct, p.ID, p.Name, p.Category, p.Description,
			p.Price, p.ImageURL, p.PurchaseURL, features, i)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return core.NewAPIError("replacing catalog: " + err.Error())
	}

	if err := tx.Commit(ctx); err != nil {
		return core.NewAPIError("replacing catalog: " + err.Error())
	}
	s.logger.Info("catalog replaced", "products", len(products))
	return nil
}

package store

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date using the embedded migrations.
// Goose needs a database/sql handle, so it opens its own short-lived
// connection through the pgx stdlib driver.
func Migrate(ctx context.Context, databaseURL string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewConfigError("migrations: " + err.Error())
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return core.NewConfigError("migrations: " + err.Error())
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return core.NewAPIError("migrations failed: " + err.Error())
	}
	return nil
}

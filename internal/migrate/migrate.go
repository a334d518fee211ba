// Package migrate applies the embedded SQL migrations with Goose.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-thumbnailer/migrations"
)

// Up runs all pending migrations against db.
func Up(ctx context.Context, db *sql.DB) error {
	zlog.Logger.Info().Msg("running database migrations")

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get database version: %w", err)
	}

	zlog.Logger.Info().Int64("version", version).Msg("migrations completed successfully")

	return nil
}

package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"errly/pkg/logger"
)

// Migrator applies and inspects schema migrations against the embedded
// SQLite database.
type Migrator struct {
	db         *sqlx.DB
	migrations embed.FS
	dir        string
}

// NewMigrator creates a new migrator.
func NewMigrator(db *sqlx.DB, migrations embed.FS, dir string) *Migrator {
	return &Migrator{db: db, migrations: migrations, dir: dir}
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	goose.SetBaseFS(m.migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, m.db.DB, m.dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Log.Info("migrations applied successfully")
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	goose.SetBaseFS(m.migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.DownContext(ctx, m.db.DB, m.dir); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	logger.Log.Info("migration rolled back successfully")
	return nil
}

// Status prints the current migration status.
func (m *Migrator) Status(ctx context.Context) error {
	goose.SetBaseFS(m.migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	return goose.StatusContext(ctx, m.db.DB, m.dir)
}

// RunMigrations runs all pending migrations against db.
func RunMigrations(ctx context.Context, db *sqlx.DB, migrations embed.FS, dir string) error {
	migrator := NewMigrator(db, migrations, dir)
	return migrator.Up(ctx)
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"errly/pkg/config"
	"errly/pkg/logger"
)

// DB is the interface errly's storage layer depends on. It is satisfied by
// *SQLiteDB; tests wrap their own *sqlx.DB in one.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	Close() error
	PingContext(ctx context.Context) error
}

// SQLiteDB wraps a *sqlx.DB backed by the pure-Go modernc.org/sqlite driver.
// Errly stores everything in a single file (cfg.Path), so there is no
// connection pool to speak of in the network-database sense; it exists
// mainly to serialize writers against SQLite's single-writer model.
type SQLiteDB struct {
	db   *sqlx.DB
	path string
}

// WrapDB adapts an already-open *sqlx.DB to the DB interface. Used by
// tests that open their own handle and need the DB interface without
// going through the file-open path; main uses the *SQLiteDB that
// NewSQLiteDB returns.
func WrapDB(db *sqlx.DB) *SQLiteDB {
	return &SQLiteDB{db: db}
}

// NewSQLiteDB opens (creating if necessary) the embedded database file.
func NewSQLiteDB(ctx context.Context, cfg *config.DatabaseConfig) (*SQLiteDB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.Path)

	sqlxDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows only one writer at a time; serializing connections here
	// avoids SQLITE_BUSY errors under concurrent writes rather than relying
	// solely on busy_timeout.
	sqlxDB.SetMaxOpenConns(1)
	sqlxDB.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlxDB.PingContext(pingCtx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Log.Info("connected to embedded database", "path", cfg.Path)

	return &SQLiteDB{db: sqlxDB, path: cfg.Path}, nil
}

// ExecContext executes a query without returning any rows.
func (d *SQLiteDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *SQLiteDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (d *SQLiteDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTxx starts a transaction.
func (d *SQLiteDB) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return d.db.BeginTxx(ctx, opts)
}

// Close closes the underlying database handle.
func (d *SQLiteDB) Close() error {
	err := d.db.Close()
	logger.Log.Info("database connection closed")
	return err
}

// PingContext verifies the connection is alive.
func (d *SQLiteDB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Sqlx exposes the underlying *sqlx.DB for callers that need sqlx's
// Get/Select helpers directly (e.g. the store package's read queries).
func (d *SQLiteDB) Sqlx() *sqlx.DB {
	return d.db
}

// HealthCheck reports whether the database is reachable and responsive.
func (d *SQLiteDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver

	"github.com/statbridge-io/statbridge/migrations"
)

const pingTimeout = 5 * time.Second

// Connection wraps the metadata store database handle with its configuration
// and logger. All metadata managers share a single Connection; SQLite in WAL
// mode serves concurrent readers alongside one writer.
type Connection struct {
	db        *sql.DB
	config    *StoreConfig
	logger    *slog.Logger
	closeOnce sync.Once
}

// ConnectionOption configures optional Connection behavior.
type ConnectionOption func(*Connection)

// WithLogger sets the structured logger used by the connection and the
// managers built on it.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnection opens the SQLite metadata store, applies connection-time
// pragmas, sizes the pool, and brings the schema up to date with the embedded
// migrations.
//
// File-backed stores get a pool of NumCPU+1 connections in WAL mode.
// In-memory stores are pinned to a single connection so every statement sees
// the same database.
func NewConnection(cfg *StoreConfig, opts ...ConnectionOption) (*Connection, error) {
	if cfg == nil {
		cfg = LoadStoreConfig(nil)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	if !cfg.IsMemory() {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	if cfg.IsMemory() {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping metadata store: %w", err)
	}

	if err := migrations.Apply(db, cfg.MigrationsTable); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	conn := &Connection{
		db:     db,
		config: cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(conn)
	}

	conn.logger.Info("Metadata store ready",
		slog.String("path", cfg.SQLitePath),
		slog.String("environment", cfg.Environment))

	return conn, nil
}

// DB exposes the underlying handle for migrations tooling and tests.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// ExecContext executes a statement against the metadata store.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query against the metadata store.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query against the metadata store.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the metadata store.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the store is reachable and can serve queries.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("metadata store ping failed: %w", err)
	}

	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("metadata store query failed: %w", err)
	}

	return nil
}

// SchemaVersion returns the most recently applied application schema version,
// or the empty string when the version table has no rows yet.
func (c *Connection) SchemaVersion(ctx context.Context) (string, error) {
	var version string

	err := c.db.QueryRowContext(ctx,
		`SELECT version FROM schema_versions ORDER BY applied_at DESC, version DESC LIMIT 1`,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read schema version: %w", err)
	}

	return version, nil
}

// Close releases the database handle. Safe to call multiple times.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		err = c.db.Close()
	})

	return err
}

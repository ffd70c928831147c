package storage

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/migrations"
)

const (
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	// busyTimeoutMS bounds how long a writer waits on a locked database
	// before failing. WAL mode keeps readers out of this path.
	busyTimeoutMS = 30000

	// pageCacheKiB sizes the per-connection page cache (negative cache_size
	// pragma means KiB). 64 MiB keeps registry scans off disk.
	pageCacheKiB = 65536
)

var (
	// ErrSQLitePathEmpty is returned when the metadata store path is empty.
	ErrSQLitePathEmpty = errors.New("sqlite path cannot be empty")

	// ErrDuckDBPathEmpty is returned when the analytics store path is empty.
	ErrDuckDBPathEmpty = errors.New("duckdb path cannot be empty")
)

// StoreConfig holds connection configuration for both stores: the SQLite
// metadata store and the DuckDB analytics store.
type StoreConfig struct {
	SQLitePath      string
	DuckDBPath      string
	MigrationsTable string
	Environment     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadStoreConfig builds store configuration from the settings file overlaid
// with environment variables. A nil settings argument uses built-in defaults.
func LoadStoreConfig(settings *config.Settings) *StoreConfig {
	if settings == nil {
		settings = config.DefaultSettings()
	}

	return &StoreConfig{
		SQLitePath:      config.GetEnvStr("STATBRIDGE_SQLITE_PATH", settings.Database.SQLite.Path),
		DuckDBPath:      config.GetEnvStr("STATBRIDGE_DUCKDB_PATH", settings.Database.DuckDB.Path),
		MigrationsTable: config.GetEnvStr("STATBRIDGE_MIGRATION_TABLE", migrations.DefaultMigrationsTable),
		Environment:     config.GetEnvStr("STATBRIDGE_ENV", "development"),
		MaxOpenConns:    config.GetEnvInt("STATBRIDGE_SQLITE_MAX_OPEN_CONNS", runtime.NumCPU()+1),
		MaxIdleConns:    config.GetEnvInt("STATBRIDGE_SQLITE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("STATBRIDGE_SQLITE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("STATBRIDGE_SQLITE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks that the store configuration is usable.
func (c *StoreConfig) Validate() error {
	if strings.TrimSpace(c.SQLitePath) == "" {
		return ErrSQLitePathEmpty
	}

	if strings.TrimSpace(c.DuckDBPath) == "" {
		return ErrDuckDBPathEmpty
	}

	return nil
}

// IsMemory reports whether the metadata store runs in-memory. In-memory
// databases are limited to a single connection; each pooled connection would
// otherwise see its own private database.
func (c *StoreConfig) IsMemory() bool {
	return c.SQLitePath == ":memory:" || strings.Contains(c.SQLitePath, "mode=memory")
}

// ConnectionString returns the SQLite DSN with the store's pragma set applied
// at connection time: foreign keys on, generous busy timeout, and for
// file-backed stores WAL journaling with normal synchronous writes and a
// larger page cache.
func (c *StoreConfig) ConnectionString() string {
	base := fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", busyTimeoutMS)

	if c.IsMemory() {
		return "file::memory:?" + base
	}

	return "file:" + c.SQLitePath + "?" + base +
		fmt.Sprintf("&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-%d)&_pragma=temp_store(2)", pageCacheKiB)
}

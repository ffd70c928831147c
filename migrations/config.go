package migrations

import (
	"fmt"
	"os"
)

// DefaultMigrationsTable is the table golang-migrate uses to track applied
// migrations. It is deliberately distinct from schema_versions, the
// application-level table recording the logical schema version (1.1.0).
const DefaultMigrationsTable = "migration_versions"

// Config holds all configuration for the migration runner.
type Config struct {
	// DatabasePath is the SQLite metadata store file path (":memory:" allowed).
	DatabasePath string

	// MigrationsTable is the name of the table golang-migrate tracks versions in.
	MigrationsTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabasePath:    getEnvOrDefault("STATBRIDGE_SQLITE_PATH", "data/statbridge.db"),
		MigrationsTable: getEnvOrDefault("STATBRIDGE_MIGRATION_TABLE", DefaultMigrationsTable),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("STATBRIDGE_SQLITE_PATH cannot be empty")
	}

	if c.MigrationsTable == "" {
		return fmt.Errorf("STATBRIDGE_MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging).
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabasePath: %s, MigrationsTable: %s}",
		c.DatabasePath, c.MigrationsTable)
}

// ConnectionString builds the SQLite DSN for the migration runner. Only the
// pragmas migrations depend on are set here; the metadata store applies the
// full performance pragma set on its own connections.
func (c *Config) ConnectionString() string {
	return "file:" + c.DatabasePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)"
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

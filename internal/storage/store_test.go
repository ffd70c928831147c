package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/statbridge-io/statbridge/migrations"
)

// setupTestStore opens a file-backed metadata store in a temp directory with
// migrations applied (schema, seeded config, default rules).
func setupTestStore(t *testing.T) *MetadataStore {
	t.Helper()

	cfg := &StoreConfig{
		SQLitePath:      filepath.Join(t.TempDir(), "statbridge_test.db"),
		DuckDBPath:      ":memory:",
		MigrationsTable: migrations.DefaultMigrationsTable,
		Environment:     "test",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}

	store, err := NewMetadataStore(cfg)
	if err != nil {
		t.Fatalf("NewMetadataStore() error = %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestMetadataStore_Open(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}

	if version != "1.1.0" {
		t.Errorf("SchemaVersion() = %q, want %q", version, "1.1.0")
	}
}

func TestMetadataStore_CloseIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)

	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConnection_InMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := &StoreConfig{
		SQLitePath:      ":memory:",
		DuckDBPath:      ":memory:",
		MigrationsTable: migrations.DefaultMigrationsTable,
	}

	conn, err := NewConnection(cfg)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	// The single-connection pool must keep the schema visible across calls.
	for i := 0; i < 3; i++ {
		if err := conn.HealthCheck(context.Background()); err != nil {
			t.Fatalf("HealthCheck() iteration %d error = %v", i, err)
		}
	}

	version, err := conn.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}

	if version == "" {
		t.Error("SchemaVersion() empty, want seeded version")
	}
}

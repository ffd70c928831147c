package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite" // SQLite driver
)

// MigrationRunner drives schema migrations against the metadata store.
type MigrationRunner interface {
	// Up applies all pending migrations.
	Up() error

	// Down rolls back the most recent migration.
	Down() error

	// Status prints the current migration state.
	Status() error

	// Version prints the current migration version.
	Version() error

	// Drop removes every table. Destructive.
	Drop() error

	// Close releases the database connection.
	Close() error
}

// Runner implements MigrationRunner on top of golang-migrate with the
// embedded migration set as its source.
type Runner struct {
	migrate  *migrate.Migrate
	db       *sql.DB
	embedded *EmbeddedMigration
}

// migrateLogger adapts the standard logger to migrate's logging interfaces.
type migrateLogger struct{}

var (
	_ migrate.Logger = (*migrateLogger)(nil)
	_ io.Writer      = (*migrateLogger)(nil)
)

// NewMigrationRunner opens the configured SQLite database and prepares a
// migrate instance over the embedded migration set. The embedded set is
// validated before any connection is made.
func NewMigrationRunner(config *Config) (*Runner, error) {
	log.Printf("Initializing migration runner with config: %s", config.String())

	embedded := NewEmbeddedMigration(nil)
	if err := embedded.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("sqlite", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The Runner owns db, so migrate.Close() in Runner.Close is the right
	// teardown for both the source and the database driver.
	m, _, err := newMigrateInstance(db, config.MigrationsTable, embedded)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	m.Log = &migrateLogger{}

	return &Runner{
		migrate:  m,
		db:       db,
		embedded: embedded,
	}, nil
}

// newMigrateInstance wires the embedded migration source and the SQLite driver
// into a migrate instance over an existing connection. The source driver is
// returned alongside so callers that must not close the shared database can
// release the source on its own.
func newMigrateInstance(db *sql.DB, migrationsTable string, embedded *EmbeddedMigration) (*migrate.Migrate, source.Driver, error) {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		_ = sourceDriver.Close()

		return nil, nil, fmt.Errorf("failed to create migrate instance with embedded migrations: %w", err)
	}

	return m, sourceDriver, nil
}

// Apply validates the embedded migrations and applies all pending ones against
// an already-open connection. Used by the metadata store to bootstrap its
// schema at open without shelling out to the migrator CLI.
//
// The caller owns db. migrate.Close() would close the database driver and
// with it the shared connection, so only the migration source is released
// here.
func Apply(db *sql.DB, migrationsTable string) error {
	embedded := NewEmbeddedMigration(nil)

	if err := embedded.Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	m, sourceDriver, err := newMigrateInstance(db, migrationsTable, embedded)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = sourceDriver.Close()

		return fmt.Errorf("migration up failed: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("source close error: %w", err)
	}

	return nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("Schema already up to date")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		log.Println("All pending migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		log.Println("Rolled back one migration")
	}

	return nil
}

// Status prints the applied version, whether the schema is dirty, and how the
// database compares with the migrations compiled into this binary.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Println("Migration Status: No migrations applied yet")
		r.reportCompatibility(0)

		return nil
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	log.Printf("Migration Status: Version %d (%s)", ver, state)
	r.reportCompatibility(int(ver)) // #nosec G115 - sequence numbers stay tiny

	return nil
}

// Version prints the applied migration version.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Println("Current Version: No migrations applied")
		r.reportCompatibility(0)

		return nil
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	note := ""
	if dirty {
		note = " (dirty)"
	}

	log.Printf("Current Version: %d%s", ver, note)
	r.reportCompatibility(int(ver)) // #nosec G115 - sequence numbers stay tiny

	return nil
}

// Drop removes every table in the database.
func (r *Runner) Drop() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped")

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// reportCompatibility prints how the database schema version relates to the
// highest sequence number in the embedded set.
func (r *Runner) reportCompatibility(current int) {
	supported := r.maxEmbeddedSequence()

	log.Printf("Schema Compatibility:")
	log.Printf("  Database Schema: v%03d", current)
	log.Printf("  Migrator Supports: v%03d", supported)

	switch {
	case current == supported:
		log.Printf("  Status: up to date")
	case current < supported:
		log.Printf("  Status: %d migration(s) available", supported-current)
	default:
		log.Printf("  Status: database schema newer than this migrator")
		log.Printf("  Warning: update the migrator to handle schema v%03d", current)
	}
}

// maxEmbeddedSequence returns the highest sequence number in the embedded
// migration set, or 0 when the set cannot be read.
func (r *Runner) maxEmbeddedSequence() int {
	files, err := r.embedded.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, filename := range files {
		info, parseErr := parseMigrationFilename(filename)
		if parseErr != nil {
			continue
		}

		if info.Sequence > highest {
			highest = info.Sequence
		}
	}

	return highest
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}

func (l *migrateLogger) Write(p []byte) (int, error) {
	log.Printf("[MIGRATE] %s", string(p))

	return len(p), nil
}

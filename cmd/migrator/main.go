// Package main provides the database migration CLI tool for StatBridge.
//
// The migrator drives the embedded migration set against the SQLite metadata
// store, supporting up/down/status/version commands for zero-config
// deployment. The analytics store needs no migrator: DuckDB tables are
// created on open.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/statbridge-io/statbridge/migrations"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return
	}

	if flag.NArg() == 0 {
		printUsage()

		return
	}

	if err := run(flag.Arg(0)); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func run(command string) error {
	cfg, err := migrations.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	runner, err := migrations.NewMigrationRunner(cfg)
	if err != nil {
		return fmt.Errorf("create migration runner: %w", err)
	}
	defer runner.Close()

	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		return dropWithConfirmation(runner)
	default:
		return fmt.Errorf("unknown command: %q", command)
	}
}

// dropWithConfirmation asks before destroying the schema. Anything other than
// an explicit "y" aborts.
func dropWithConfirmation(runner migrations.MigrationRunner) error {
	fmt.Print("This drops every table in the metadata store. Continue? (y/N): ")

	raw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}

	if strings.ToLower(strings.TrimSpace(raw)) != "y" {
		fmt.Println("Operation cancelled.")

		return nil
	}

	return runner.Drop()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s manages the StatBridge SQLite metadata schema.

Usage:

    %s [flags] <command>

Commands:

    up       apply all pending migrations
    down     roll back the most recent migration
    status   print applied and pending migrations
    version  print the current schema version
    drop     drop every table (asks for confirmation)

Flags:

    -version  print version and exit

Environment:

    STATBRIDGE_SQLITE_PATH      metadata store path (default data/statbridge.db)
    STATBRIDGE_MIGRATION_TABLE  migration tracking table (default %s)

Stores open with migrations auto-applied; this tool inspects and rolls back
schema state by hand.
`, name, version, name, migrations.DefaultMigrationsTable)
}

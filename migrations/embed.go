// Package migrations embeds the metadata-store schema migrations and provides
// validation and a golang-migrate runner over them.
//
// Migrations are embedded at build time with go:embed so both the migrator CLI
// and the metadata store bootstrap (applied at open) work without external
// file dependencies.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"regexp"
	"slices"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// migrationFilenameRegex enforces the strict naming standard:
// 001_migration_name.up.sql / 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// EmbeddedMigration provides access to the embedded migration files with
// filename, pairing, sequence, and checksum validation.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string
}

// MigrationInfo holds the components parsed from a migration filename.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// NewEmbeddedMigration wraps filesystem as a migration source. Passing nil
// selects the migrations compiled into this binary.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the underlying migration file system.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns the migration filenames in lexicographic order. Files that do
// not follow the strict naming standard are excluded.
func (e *EmbeddedMigration) List() ([]string, error) {
	candidates, err := fs.Glob(e.fs, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, name := range candidates {
		if migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	return files, nil
}

// Content returns the raw bytes of one migration file.
func (e *EmbeddedMigration) Content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

// Validate checks the whole migration set: every filename parses, every
// sequence has both directions, the sequence is contiguous from 001, and no
// file changed since the previous Validate call.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return errors.New("no embedded migration files found")
	}

	parsed := make([]*MigrationInfo, 0, len(files))

	for _, file := range files {
		info, parseErr := parseMigrationFilename(file)
		if parseErr != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, parseErr)
		}

		parsed = append(parsed, info)
	}

	if err := validatePairing(parsed); err != nil {
		return err
	}

	if err := validateSequence(parsed); err != nil {
		return err
	}

	return e.verifyChecksums(files)
}

// parseMigrationFilename splits a filename into sequence, name, and direction.
func parseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing checks that each sequence_name key carries both an up and a
// down file.
func validatePairing(migrations []*MigrationInfo) error {
	type pair struct{ up, down bool }

	pairs := make(map[string]*pair)

	for _, m := range migrations {
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if pairs[key] == nil {
			pairs[key] = &pair{}
		}

		switch m.Direction {
		case "up":
			pairs[key].up = true
		case "down":
			pairs[key].down = true
		}
	}

	for key, p := range pairs {
		if !p.up {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !p.down {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence checks that sequence numbers start at 001 with no gaps.
func validateSequence(migrations []*MigrationInfo) error {
	present := make(map[int]bool)
	for _, m := range migrations {
		present[m.Sequence] = true
	}

	seqs := slices.Sorted(maps.Keys(present))
	if len(seqs) == 0 {
		return nil
	}

	if seqs[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", seqs[0])
	}

	for i := 1; i < len(seqs); i++ {
		if expected := seqs[i-1] + 1; seqs[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, seqs[i])
		}
	}

	return nil
}

// verifyChecksums reads every migration and compares it against the checksum
// recorded by the previous Validate call, then records the current checksums.
// A mismatch means the migration set changed underneath an open runner.
func (e *EmbeddedMigration) verifyChecksums(files []string) error {
	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if stored, ok := e.checksums[file]; ok && stored != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		e.checksums[file] = sum
	}

	return nil
}

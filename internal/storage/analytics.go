package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/statbridge-io/statbridge/internal/sdmx"
)

// ObservationTable is the single analytics table every ingestion targets.
// dataset_id is the discriminator; rows are append-only.
const ObservationTable = "istat_observations"

// ErrInvalidTableName rejects bulk-insert targets that are not plain
// identifiers. The appender API interpolates the table name, so it never
// accepts caller-supplied punctuation.
var ErrInvalidTableName = errors.New("invalid analytics table name")

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type (
	// AnalyticsStore wraps the DuckDB analytics database holding normalized
	// SDMX observations. Bulk loads go through the DuckDB appender; reads are
	// parameterized SQL.
	AnalyticsStore struct {
		db        *sql.DB
		path      string
		logger    *slog.Logger
		closeOnce sync.Once
	}

	// QueryResult is a buffered analytics query result.
	QueryResult struct {
		Columns []string
		Rows    [][]any
	}

	// ObservationStats summarizes one dataset's observations for PowerBI
	// performance estimation.
	ObservationStats struct {
		TotalRecords int64
		Territories  int64
		StartYear    int
		EndYear      int
	}

	// GroupCount is one bucket of a grouped observation count.
	GroupCount struct {
		Key   string
		Count int64
	}

	// TerritoryQuality is the share of numerically valid observations for
	// one territory.
	TerritoryQuality struct {
		Territory string
		Quality   float64
		Records   int64
	}
)

// AnalyticsOption configures optional AnalyticsStore behavior.
type AnalyticsOption func(*AnalyticsStore)

// WithAnalyticsLogger sets the structured logger for the analytics store.
func WithAnalyticsLogger(logger *slog.Logger) AnalyticsOption {
	return func(s *AnalyticsStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAnalyticsStore opens (creating if needed) the DuckDB database at the
// configured path and ensures the observation table exists. An empty or
// ":memory:" path opens an in-memory database, which tests rely on.
func NewAnalyticsStore(cfg *StoreConfig, opts ...AnalyticsOption) (*AnalyticsStore, error) {
	path := ""
	if cfg != nil && cfg.DuckDBPath != ":memory:" {
		path = cfg.DuckDBPath
	}

	if path != "" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create analytics directory: %w", err)
			}
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics store: %w", err)
	}

	store := &AnalyticsStore{
		db:     db,
		path:   path,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping analytics store: %w", err)
	}

	if err := store.EnsureObservationTable(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	store.logger.Info("Analytics store ready", slog.String("path", path))

	return store, nil
}

// DB exposes the underlying handle for tests.
func (s *AnalyticsStore) DB() *sql.DB {
	return s.db
}

// EnsureObservationTable creates the observation table if it does not exist.
// Idempotent; called at open and again before every bulk insert.
func (s *AnalyticsStore) EnsureObservationTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+ObservationTable+` (
			dataset_id            VARCHAR NOT NULL,
			record_id             INTEGER NOT NULL,
			obs_value             VARCHAR,
			time_period           VARCHAR,
			additional_attributes VARCHAR,
			ingestion_timestamp   TIMESTAMP,
			created_at            TIMESTAMP DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure observation table: %w", err)
	}

	return nil
}

// BulkInsert appends observations through the DuckDB appender, the bulk-load
// path that bypasses per-row SQL. An empty table name targets the shared
// observation table. Returns the number of rows appended.
func (s *AnalyticsStore) BulkInsert(ctx context.Context, table string, observations []sdmx.Observation) (int64, error) {
	if table == "" {
		table = ObservationTable
	}

	if !tableNamePattern.MatchString(table) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}

	if len(observations) == 0 {
		return 0, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire analytics connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	now := time.Now()

	err = conn.Raw(func(driverConn any) error {
		dconn, ok := driverConn.(driver.Conn)
		if !ok {
			return errors.New("analytics connection is not a duckdb connection")
		}

		appender, err := duckdb.NewAppenderFromConn(dconn, "", table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, obs := range observations {
			attrs, err := json.Marshal(obs.AdditionalAttributes)
			if err != nil {
				attrs = []byte("{}")
			}

			err = appender.AppendRow(
				obs.DatasetID,
				int32(obs.RecordID),
				obs.ObsValue,
				obs.TimePeriod,
				string(attrs),
				obs.IngestionTimestamp,
				now,
			)
			if err != nil {
				_ = appender.Close()

				return fmt.Errorf("failed to append observation %d: %w", obs.RecordID, err)
			}
		}

		if err := appender.Close(); err != nil {
			return fmt.Errorf("failed to flush appender: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert into %s failed: %w", table, err)
	}

	s.logger.Debug("Observations appended",
		slog.String("table", table),
		slog.Int("rows", len(observations)))

	return int64(len(observations)), nil
}

// ExecuteQuery runs a parameterized query and buffers the full result.
// Export and PowerBI analytics read through this.
func (s *AnalyticsStore) ExecuteQuery(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read analytics columns: %w", err)
	}

	result := &QueryResult{Columns: columns}

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan analytics row: %w", err)
		}

		result.Rows = append(result.Rows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analytics rows: %w", err)
	}

	return result, nil
}

// Query runs a parameterized query and returns the raw rows for callers that
// stream instead of buffering. The caller owns rows.Close.
func (s *AnalyticsStore) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics query failed: %w", err)
	}

	return rows, nil
}

// CountByDataset returns the number of stored observations for a dataset.
// The ingestion pipeline's skip-if-fresh check and export size estimation
// both ride on this.
func (s *AnalyticsStore) CountByDataset(ctx context.Context, datasetID string) (int64, error) {
	if datasetID == "" {
		return 0, ErrInvalidDatasetID
	}

	var count int64

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+ObservationTable+" WHERE dataset_id = ?",
		datasetID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations for %s: %w", datasetID, err)
	}

	return count, nil
}

// CountSince returns how many observation rows for a dataset were created
// after the given instant. Incremental refresh change detection.
func (s *AnalyticsStore) CountSince(ctx context.Context, datasetID string, since time.Time) (int64, error) {
	if datasetID == "" {
		return 0, ErrInvalidDatasetID
	}

	var count int64

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+ObservationTable+" WHERE dataset_id = ? AND created_at > ?",
		datasetID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes for %s: %w", datasetID, err)
	}

	return count, nil
}

// territoryExpression extracts a territory code from the observation
// attributes. ISTAT payloads carry it under REF_AREA or ITTER107 depending
// on the dataflow.
const territoryExpression = `COALESCE(
	json_extract_string(additional_attributes, '$.obs_ref_area'),
	json_extract_string(additional_attributes, '$.obs_itter107'),
	json_extract_string(additional_attributes, '$.obsdimension_ref_area'))`

// yearExpression reads the leading four digits of a time period literal.
// Non-numeric periods come back NULL.
const yearExpression = "TRY_CAST(substr(time_period, 1, 4) AS INTEGER)"

// Stats summarizes a dataset's observations: row count, distinct territories
// (best-effort from territory-like observation attributes), and the year span
// of time periods.
func (s *AnalyticsStore) Stats(ctx context.Context, datasetID string) (*ObservationStats, error) {
	if datasetID == "" {
		return nil, ErrInvalidDatasetID
	}

	var (
		stats     ObservationStats
		startYear sql.NullInt64
		endYear   sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT `+territoryExpression+`),
		       MIN(`+yearExpression+`),
		       MAX(`+yearExpression+`)
		FROM `+ObservationTable+`
		WHERE dataset_id = ?`,
		datasetID,
	).Scan(&stats.TotalRecords, &stats.Territories, &startYear, &endYear)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats for %s: %w", datasetID, err)
	}

	stats.StartYear = int(startYear.Int64)
	stats.EndYear = int(endYear.Int64)

	return &stats, nil
}

// ChangeBreakdown groups rows created after since by territory and by year,
// up to ten buckets each, largest first. Rows without a recognizable
// territory or year group under "unknown".
func (s *AnalyticsStore) ChangeBreakdown(ctx context.Context, datasetID string, since time.Time) (territories, years []GroupCount, err error) {
	if datasetID == "" {
		return nil, nil, ErrInvalidDatasetID
	}

	territories, err = s.groupCounts(ctx, `
		SELECT COALESCE(`+territoryExpression+`, 'unknown') AS bucket, COUNT(*)
		FROM `+ObservationTable+`
		WHERE dataset_id = ? AND created_at > ?
		GROUP BY bucket
		ORDER BY COUNT(*) DESC, bucket ASC
		LIMIT 10`,
		datasetID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to break down changes by territory for %s: %w", datasetID, err)
	}

	years, err = s.groupCounts(ctx, `
		SELECT COALESCE(CAST(`+yearExpression+` AS VARCHAR), 'unknown') AS bucket, COUNT(*)
		FROM `+ObservationTable+`
		WHERE dataset_id = ? AND created_at > ?
		GROUP BY bucket
		ORDER BY COUNT(*) DESC, bucket ASC
		LIMIT 10`,
		datasetID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to break down changes by year for %s: %w", datasetID, err)
	}

	return territories, years, nil
}

// TerritoryQualityAverages computes, per territory, the share of
// observations whose obs_value parses as a number. Rows without a territory
// attribute group under "unknown".
func (s *AnalyticsStore) TerritoryQualityAverages(ctx context.Context, datasetID string) ([]TerritoryQuality, error) {
	if datasetID == "" {
		return nil, ErrInvalidDatasetID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(`+territoryExpression+`, 'unknown') AS territory,
		       AVG(CASE WHEN TRY_CAST(obs_value AS DOUBLE) IS NOT NULL THEN 1.0 ELSE 0.0 END),
		       COUNT(*)
		FROM `+ObservationTable+`
		WHERE dataset_id = ?
		GROUP BY territory
		ORDER BY territory`,
		datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute territory quality for %s: %w", datasetID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []TerritoryQuality

	for rows.Next() {
		var tq TerritoryQuality
		if err := rows.Scan(&tq.Territory, &tq.Quality, &tq.Records); err != nil {
			return nil, fmt.Errorf("failed to scan territory quality row: %w", err)
		}

		out = append(out, tq)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read territory quality rows: %w", err)
	}

	return out, nil
}

func (s *AnalyticsStore) groupCounts(ctx context.Context, query string, args ...any) ([]GroupCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GroupCount

	for rows.Next() {
		var bucket GroupCount
		if err := rows.Scan(&bucket.Key, &bucket.Count); err != nil {
			return nil, err
		}

		out = append(out, bucket)
	}

	return out, rows.Err()
}

// TimePeriodRange returns the min and max time_period literals for a dataset,
// empty strings when the dataset has no observations.
func (s *AnalyticsStore) TimePeriodRange(ctx context.Context, datasetID string) (string, string, error) {
	if datasetID == "" {
		return "", "", ErrInvalidDatasetID
	}

	var minPeriod, maxPeriod sql.NullString

	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(time_period), MAX(time_period) FROM "+ObservationTable+" WHERE dataset_id = ?",
		datasetID,
	).Scan(&minPeriod, &maxPeriod)
	if err != nil {
		return "", "", fmt.Errorf("failed to read time range for %s: %w", datasetID, err)
	}

	return minPeriod.String, maxPeriod.String, nil
}

// HealthCheck verifies the analytics store can serve queries.
func (s *AnalyticsStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("analytics store ping failed: %w", err)
	}

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("analytics store query failed: %w", err)
	}

	return nil
}

// Close releases the database handle. Safe to call multiple times.
func (s *AnalyticsStore) Close() error {
	var err error

	s.closeOnce.Do(func() {
		err = s.db.Close()
	})

	return err
}

// Maps converts a buffered result to one map per row keyed by column name.
func (r *QueryResult) Maps() []map[string]any {
	maps := make([]map[string]any, 0, len(r.Rows))

	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				m[column] = row[i]
			}
		}

		maps = append(maps, m)
	}

	return maps
}

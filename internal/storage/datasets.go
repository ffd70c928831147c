package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCategory is the fallback category for dataflows no categorization
// rule matches. Registrations without a category get it too.
const DefaultCategory = "altro"

const (
	defaultPriority     = 5
	defaultSourceAgency = "ISTAT"
)

// DatasetManager provides CRUD operations over the dataset registry.
//
// Registration is an upsert: re-registering an existing dataset updates its
// descriptive fields and re-activates it while preserving created_at.
type DatasetManager struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDatasetManager creates a dataset manager on an open connection.
func NewDatasetManager(conn *Connection) (*DatasetManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DatasetManager{conn: conn, logger: conn.logger}, nil
}

// Register inserts or updates a dataset registration.
//
// Zero-value fields take the registry defaults: priority 5, category "altro",
// source agency "ISTAT". Priority outside 1-10 is rejected before touching
// the database.
func (m *DatasetManager) Register(ctx context.Context, dataset *Dataset) error {
	if dataset == nil || strings.TrimSpace(dataset.ID) == "" {
		return ErrInvalidDatasetID
	}

	priority := dataset.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	if priority < 1 || priority > 10 {
		return ErrInvalidPriority
	}

	category := strings.TrimSpace(dataset.Category)
	if category == "" {
		category = DefaultCategory
	}

	agency := strings.TrimSpace(dataset.SourceAgency)
	if agency == "" {
		agency = defaultSourceAgency
	}

	now := formatTime(time.Now())

	_, err := m.conn.ExecContext(ctx, `
		INSERT INTO dataset_registry (
			dataset_id, name, category, description, source_agency,
			priority, is_active, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(dataset_id) DO UPDATE SET
			name          = excluded.name,
			category      = excluded.category,
			description   = excluded.description,
			source_agency = excluded.source_agency,
			priority      = excluded.priority,
			is_active     = 1,
			metadata      = excluded.metadata,
			updated_at    = excluded.updated_at`,
		dataset.ID, dataset.Name, category, dataset.Description, agency,
		priority, marshalMetadata(dataset.Metadata), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to register dataset %s: %w", dataset.ID, err)
	}

	m.logger.Debug("Dataset registered",
		slog.String("dataset_id", dataset.ID),
		slog.String("category", category),
		slog.Int("priority", priority))

	return nil
}

// Get retrieves a dataset by id. Returns (nil, nil) when the dataset is not
// registered.
func (m *DatasetManager) Get(ctx context.Context, datasetID string) (*Dataset, error) {
	if strings.TrimSpace(datasetID) == "" {
		return nil, ErrInvalidDatasetID
	}

	row := m.conn.QueryRowContext(ctx, `
		SELECT dataset_id, name, category, description, source_agency,
		       priority, is_active, metadata, quality_score, record_count,
		       created_at, updated_at, last_processed
		FROM dataset_registry
		WHERE dataset_id = ?`,
		datasetID,
	)

	dataset, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get dataset %s: %w", datasetID, err)
	}

	return dataset, nil
}

// List returns registered datasets ordered by priority (highest first) then
// name. An empty category matches all categories; activeOnly restricts the
// result to active registrations. A limit of zero returns every match;
// offset skips past rows in the same ordering.
func (m *DatasetManager) List(ctx context.Context, category string, activeOnly bool, limit, offset int) ([]*Dataset, error) {
	query := `
		SELECT dataset_id, name, category, description, source_agency,
		       priority, is_active, metadata, quality_score, record_count,
		       created_at, updated_at, last_processed
		FROM dataset_registry`

	var (
		clauses []string
		args    []any
	)

	if activeOnly {
		clauses = append(clauses, "is_active = 1")
	}

	if category = strings.TrimSpace(category); category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, category)
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY priority DESC, name ASC"

	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}

	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var datasets []*Dataset

	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}

		datasets = append(datasets, dataset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dataset rows: %w", err)
	}

	return datasets, nil
}

// UpdateStats applies a partial statistics update. Nil fields are left
// unchanged; updated_at is always bumped. Returns ErrDatasetNotFound when the
// dataset is not registered.
func (m *DatasetManager) UpdateStats(ctx context.Context, datasetID string, update DatasetStatsUpdate) error {
	if strings.TrimSpace(datasetID) == "" {
		return ErrInvalidDatasetID
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if update.RecordCount != nil {
		sets = append(sets, "record_count = ?")
		args = append(args, *update.RecordCount)
	}

	if update.QualityScore != nil {
		sets = append(sets, "quality_score = ?")
		args = append(args, *update.QualityScore)
	}

	if update.LastProcessed != nil {
		sets = append(sets, "last_processed = ?")
		args = append(args, formatTime(*update.LastProcessed))
	}

	args = append(args, datasetID)

	result, err := m.conn.ExecContext(ctx,
		"UPDATE dataset_registry SET "+strings.Join(sets, ", ")+" WHERE dataset_id = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update stats for dataset %s: %w", datasetID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check stats update for dataset %s: %w", datasetID, err)
	}

	if affected == 0 {
		return ErrDatasetNotFound
	}

	return nil
}

// Deactivate soft-deletes a dataset registration. The row is kept so audit
// history and analytics referencing the dataset remain resolvable.
func (m *DatasetManager) Deactivate(ctx context.Context, datasetID string) error {
	if strings.TrimSpace(datasetID) == "" {
		return ErrInvalidDatasetID
	}

	result, err := m.conn.ExecContext(ctx,
		"UPDATE dataset_registry SET is_active = 0, updated_at = ? WHERE dataset_id = ?",
		formatTime(time.Now()), datasetID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate dataset %s: %w", datasetID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deactivation for dataset %s: %w", datasetID, err)
	}

	if affected == 0 {
		return ErrDatasetNotFound
	}

	m.logger.Info("Dataset deactivated", slog.String("dataset_id", datasetID))

	return nil
}

// Categories returns the distinct categories of active datasets, sorted.
func (m *DatasetManager) Categories(ctx context.Context) ([]string, error) {
	rows, err := m.conn.QueryContext(ctx,
		"SELECT DISTINCT category FROM dataset_registry WHERE is_active = 1 ORDER BY category",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []string

	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}

		categories = append(categories, category)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate categories: %w", err)
	}

	return categories, nil
}

// Summary aggregates registry-wide statistics in a single query.
func (m *DatasetManager) Summary(ctx context.Context) (*DatasetSummary, error) {
	var (
		summary        DatasetSummary
		lastProcessing sql.NullString
	)

	err := m.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT category),
		       COALESCE(SUM(record_count), 0),
		       COALESCE(AVG(quality_score), 0.0),
		       MAX(last_processed)
		FROM dataset_registry`,
	).Scan(
		&summary.Total, &summary.Active, &summary.Categories,
		&summary.TotalRecords, &summary.AvgQuality, &lastProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize dataset registry: %w", err)
	}

	if lastProcessing.Valid {
		t := parseStoreTime(lastProcessing.String)
		summary.LastProcessing = &t
	}

	return &summary, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanDataset(s scanner) (*Dataset, error) {
	var (
		dataset       Dataset
		isActive      int
		metadata      string
		createdAt     string
		updatedAt     string
		lastProcessed sql.NullString
	)

	err := s.Scan(
		&dataset.ID, &dataset.Name, &dataset.Category, &dataset.Description,
		&dataset.SourceAgency, &dataset.Priority, &isActive, &metadata,
		&dataset.QualityScore, &dataset.RecordCount,
		&createdAt, &updatedAt, &lastProcessed,
	)
	if err != nil {
		return nil, err
	}

	dataset.IsActive = isActive != 0
	dataset.Metadata = unmarshalMetadata(metadata)
	dataset.CreatedAt = parseStoreTime(createdAt)
	dataset.UpdatedAt = parseStoreTime(updatedAt)

	if lastProcessed.Valid {
		t := parseStoreTime(lastProcessed.String)
		dataset.LastProcessed = &t
	}

	return &dataset, nil
}

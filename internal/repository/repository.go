// Package repository composes the metadata and analytics stores behind a
// single entry point. Every component above the storage layer (pipeline,
// export, PowerBI tooling, HTTP API) talks to a Repository instead of
// holding both stores.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/statbridge-io/statbridge/internal/storage"
)

// Sentinel errors for repository construction and queries.
var (
	ErrNilMetadataStore  = errors.New("repository requires a metadata store")
	ErrNilAnalyticsStore = errors.New("repository requires an analytics store")
)

const (
	// defaultPreferenceTTL is how long cached user preferences stay valid.
	defaultPreferenceTTL = 5 * time.Minute

	// auditSQLSampleLimit bounds the SQL text recorded on analytics query
	// audit events.
	auditSQLSampleLimit = 500

	// ActionAnalyticsQuery tags audit events emitted for pass-through
	// analytics queries.
	ActionAnalyticsQuery = "analytics_query"
)

type (
	// Categorizer assigns a category from dataflow name and description.
	// Satisfied by *categorize.Engine.
	Categorizer interface {
		Categorize(ctx context.Context, name, description string) (string, error)
	}

	// AnalyticsStats summarizes stored observations for one dataset.
	AnalyticsStats struct {
		Count         int64
		MinTimePeriod string
		MaxTimePeriod string
	}

	// DatasetComplete is a registry row augmented with analytics facts.
	DatasetComplete struct {
		storage.Dataset

		// HasAnalyticsData reports whether any observation rows exist.
		HasAnalyticsData bool

		// AnalyticsStats is nil when no rows exist or the analytics store
		// could not be reached.
		AnalyticsStats *AnalyticsStats
	}

	// Repository is the unified facade over both stores.
	Repository struct {
		meta        *storage.MetadataStore
		analytics   *storage.AnalyticsStore
		categorizer Categorizer
		logger      *slog.Logger

		prefCache *preferenceCache
	}

	// Option configures a Repository.
	Option func(*Repository)
)

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPreferenceTTL overrides the preference cache TTL.
func WithPreferenceTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		if ttl > 0 {
			r.prefCache.ttl = ttl
		}
	}
}

// WithCategorizer wires a categorization engine into registration. When set,
// registrations without an explicit category are classified from their name
// and description before the metadata write.
func WithCategorizer(categorizer Categorizer) Option {
	return func(r *Repository) {
		r.categorizer = categorizer
	}
}

// New creates a Repository over an open metadata and analytics store.
func New(meta *storage.MetadataStore, analytics *storage.AnalyticsStore, opts ...Option) (*Repository, error) {
	if meta == nil {
		return nil, ErrNilMetadataStore
	}

	if analytics == nil {
		return nil, ErrNilAnalyticsStore
	}

	repo := &Repository{
		meta:      meta,
		analytics: analytics,
		logger:    slog.Default(),
		prefCache: newPreferenceCache(defaultPreferenceTTL),
	}

	for _, opt := range opts {
		opt(repo)
	}

	return repo, nil
}

// Metadata exposes the underlying metadata store.
func (r *Repository) Metadata() *storage.MetadataStore {
	return r.meta
}

// Analytics exposes the underlying analytics store.
func (r *Repository) Analytics() *storage.AnalyticsStore {
	return r.analytics
}

// RegisterDatasetComplete registers a dataset in the metadata store and
// makes sure the shared observation table exists so the first ingestion can
// insert without DDL. The metadata write is atomic; the table DDL is
// idempotent.
func (r *Repository) RegisterDatasetComplete(ctx context.Context, dataset *storage.Dataset) error {
	if dataset != nil && dataset.Category == "" && r.categorizer != nil {
		category, err := r.categorizer.Categorize(ctx, dataset.Name, dataset.Description)
		if err != nil {
			r.logger.Warn("Categorization failed, falling back to default category",
				"dataset_id", dataset.ID,
				"error", err,
			)
		} else {
			dataset.Category = category
		}
	}

	if err := r.meta.Datasets.Register(ctx, dataset); err != nil {
		return err
	}

	if err := r.analytics.EnsureObservationTable(ctx); err != nil {
		return fmt.Errorf("dataset registered but observation table missing: %w", err)
	}

	return nil
}

// GetDatasetComplete returns a registration augmented with analytics facts,
// or (nil, nil) when the dataset is not registered. Analytics failures
// degrade to metadata-only results with a warning instead of failing the
// lookup.
func (r *Repository) GetDatasetComplete(ctx context.Context, datasetID string) (*DatasetComplete, error) {
	dataset, err := r.meta.Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if dataset == nil {
		return nil, nil
	}

	complete := &DatasetComplete{Dataset: *dataset}
	r.augment(ctx, complete)

	return complete, nil
}

// ListDatasetsComplete returns all active registrations augmented with
// analytics facts, in registry order (priority descending, then name).
func (r *Repository) ListDatasetsComplete(ctx context.Context) ([]*DatasetComplete, error) {
	datasets, err := r.meta.Datasets.List(ctx, "", true, 0, 0)
	if err != nil {
		return nil, err
	}

	complete := make([]*DatasetComplete, 0, len(datasets))

	for _, dataset := range datasets {
		entry := &DatasetComplete{Dataset: *dataset}
		r.augment(ctx, entry)
		complete = append(complete, entry)
	}

	return complete, nil
}

// augment fills the analytics fields of a DatasetComplete in place.
func (r *Repository) augment(ctx context.Context, entry *DatasetComplete) {
	count, err := r.analytics.CountByDataset(ctx, entry.ID)
	if err != nil {
		r.logger.Warn("Analytics store unreachable, returning metadata only",
			"dataset_id", entry.ID,
			"error", err,
		)

		return
	}

	if count == 0 {
		return
	}

	entry.HasAnalyticsData = true

	minPeriod, maxPeriod, err := r.analytics.TimePeriodRange(ctx, entry.ID)
	if err != nil {
		r.logger.Warn("Failed to read time period range",
			"dataset_id", entry.ID,
			"error", err,
		)

		entry.AnalyticsStats = &AnalyticsStats{Count: count}

		return
	}

	entry.AnalyticsStats = &AnalyticsStats{
		Count:         count,
		MinTimePeriod: minPeriod,
		MaxTimePeriod: maxPeriod,
	}
}

// ExecuteAnalyticsQuery passes a parameterized query through to the
// analytics store and records an audit event for it. The audit write is
// best-effort; a failing audit never fails the query.
func (r *Repository) ExecuteAnalyticsQuery(ctx context.Context, query string, params []any, userID string) (*storage.QueryResult, error) {
	started := time.Now()

	result, queryErr := r.analytics.ExecuteQuery(ctx, query, params...)

	entry := storage.NewAuditEntry(ActionAnalyticsQuery, "analytics")
	entry.UserID = userID
	entry.ExecutionTimeMS = time.Since(started).Milliseconds()
	entry.Details = map[string]any{"sql": sampleSQL(query)}

	if queryErr != nil {
		entry.Success = false
		entry.ErrorMessage = queryErr.Error()
	}

	if err := r.meta.Audit.LogAction(ctx, entry); err != nil {
		r.logger.Warn("Failed to record analytics query audit event", "error", err)
	}

	if queryErr != nil {
		return nil, queryErr
	}

	return result, nil
}

// Transaction runs fn inside a metadata-store transaction. The transaction
// commits when fn returns nil and rolls back on error and on panic.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.meta.Connection().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// No-op after a successful commit.
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LogUserActivity records a user-initiated action in the audit log.
func (r *Repository) LogUserActivity(ctx context.Context, userID, action string, details map[string]any) error {
	entry := storage.NewAuditEntry(action, "user_activity")
	entry.UserID = userID
	entry.Details = details

	return r.meta.Audit.LogAction(ctx, entry)
}

// HealthCheck verifies both stores are reachable.
func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.meta.HealthCheck(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}

	if err := r.analytics.HealthCheck(ctx); err != nil {
		return fmt.Errorf("analytics store: %w", err)
	}

	return nil
}

// Close closes both underlying stores.
func (r *Repository) Close() error {
	return errors.Join(r.meta.Close(), r.analytics.Close())
}

// sampleSQL bounds SQL text for audit details.
func sampleSQL(query string) string {
	if len(query) <= auditSQLSampleLimit {
		return query
	}

	return query[:auditSQLSampleLimit]
}

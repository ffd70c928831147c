// Package export produces CSV, JSON, and Parquet exports of stored
// observations, with column projection, date-range filtering, and head
// limits applied in a fixed order.
//
// Buffered and streaming emission share one writer per format, so the bytes
// of a streamed export concatenate to exactly what the buffered call
// returns. Streaming exists to bound response latency, not to change the
// payload.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// ErrNilRepository is returned when the engine is built without a
// repository.
var ErrNilRepository = errors.New("export engine requires a repository")

// ErrUnsupportedFormat is returned for formats outside the catalog.
var ErrUnsupportedFormat = errors.New("unsupported export format")

const (
	// Approximate bytes per exported row, used for size estimates only.
	bytesPerRowCSV     = 100
	bytesPerRowJSON    = 150
	bytesPerRowParquet = 50

	// streamingThreshold is the row count above which clients should
	// switch to the streaming endpoint.
	streamingThreshold = 50_000

	// defaultChunkRows is how many rows a streamed CSV or JSON export
	// emits per write.
	defaultChunkRows = 10_000

	// parquetChunkBytes sizes the byte chunks of a streamed Parquet
	// export. The file is assembled in memory first; row-group level
	// streaming is not worth the complexity at current volumes.
	parquetChunkBytes = 64 * 1024
)

// Format identifies an export serialization.
type Format string

// Supported formats.
const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a client-supplied format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatCSV, FormatJSON, FormatParquet:
		return Format(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension, dot included.
func (f Format) Extension() string {
	switch f {
	case FormatCSV:
		return ".csv"
	case FormatJSON:
		return ".json"
	default:
		return ".parquet"
	}
}

type (
	// FormatInfo describes one catalog entry for the formats endpoint.
	FormatInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		ContentType string `json:"content_type"`
		Extension   string `json:"extension"`
	}

	// SizeEstimate predicts export sizes for a dataset and recommends
	// the streaming endpoint above the row threshold.
	SizeEstimate struct {
		RowCount             int64              `json:"row_count"`
		EstimatedSizes       map[string]float64 `json:"estimated_sizes"`
		RecommendedStreaming bool               `json:"recommended_streaming"`
	}

	// Engine reads observations through the repository and serializes
	// them in the requested format.
	Engine struct {
		repo      *repository.Repository
		logger    *slog.Logger
		chunkRows int
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// Formats returns the export format catalog.
func Formats() []FormatInfo {
	return []FormatInfo{
		{
			Name:        string(FormatCSV),
			Description: "Comma-separated values with a header row",
			ContentType: FormatCSV.ContentType(),
			Extension:   FormatCSV.Extension(),
		},
		{
			Name:        string(FormatJSON),
			Description: "JSON envelope with export metadata and records",
			ContentType: FormatJSON.ContentType(),
			Extension:   FormatJSON.Extension(),
		},
		{
			Name:        string(FormatParquet),
			Description: "Apache Parquet, snappy compressed",
			ContentType: FormatParquet.ContentType(),
			Extension:   FormatParquet.Extension(),
		},
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithChunkRows overrides the streaming chunk size. Tests use small chunks
// to exercise multi-chunk output with small fixtures.
func WithChunkRows(rows int) Option {
	return func(e *Engine) {
		if rows > 0 {
			e.chunkRows = rows
		}
	}
}

// New creates an export Engine over the repository.
func New(repo *repository.Repository, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	e := &Engine{
		repo:      repo,
		logger:    slog.Default(),
		chunkRows: defaultChunkRows,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// EstimateSize reports the stored row count, approximate export sizes in
// megabytes per format, and whether streaming is recommended.
func (e *Engine) EstimateSize(ctx context.Context, datasetID string) (*SizeEstimate, error) {
	if err := e.requireDataset(ctx, datasetID); err != nil {
		return nil, err
	}

	count, err := e.repo.Analytics().CountByDataset(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations for %s: %w", datasetID, err)
	}

	return &SizeEstimate{
		RowCount: count,
		EstimatedSizes: map[string]float64{
			"csv_mb":     estimateMB(count, bytesPerRowCSV),
			"json_mb":    estimateMB(count, bytesPerRowJSON),
			"parquet_mb": estimateMB(count, bytesPerRowParquet),
		},
		RecommendedStreaming: count > streamingThreshold,
	}, nil
}

// AvailableColumns returns the exportable column names in emission order.
func (e *Engine) AvailableColumns(ctx context.Context, datasetID string) ([]string, error) {
	if err := e.requireDataset(ctx, datasetID); err != nil {
		return nil, err
	}

	result, err := e.repo.Analytics().ExecuteQuery(ctx, observationQuery+" LIMIT 0", datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect columns for %s: %w", datasetID, err)
	}

	return result.Columns, nil
}

// Export serializes the filtered observations of a dataset into memory.
func (e *Engine) Export(ctx context.Context, datasetID string, format Format, filters Filters) ([]byte, error) {
	var buf bytes.Buffer

	if err := e.Stream(ctx, &buf, datasetID, format, filters); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Stream serializes the filtered observations of a dataset to w in chunks,
// flushing between chunks when w supports it. The concatenated output is
// identical to the buffered export of the same request.
func (e *Engine) Stream(ctx context.Context, w io.Writer, datasetID string, format Format, filters Filters) error {
	if _, err := ParseFormat(string(format)); err != nil {
		return err
	}

	if err := e.requireDataset(ctx, datasetID); err != nil {
		return err
	}

	result, err := e.repo.Analytics().ExecuteQuery(ctx, observationQuery+" ORDER BY record_id", datasetID)
	if err != nil {
		return fmt.Errorf("failed to query observations for %s: %w", datasetID, err)
	}

	columns, rows := e.applyFilters(datasetID, result.Columns, result.Rows, filters)

	e.logger.Debug("Exporting dataset",
		"dataset_id", datasetID,
		"format", string(format),
		"rows", len(rows),
		"columns", len(columns),
	)

	switch format {
	case FormatCSV:
		return e.streamCSV(ctx, w, columns, rows)
	case FormatJSON:
		return e.streamJSON(ctx, w, datasetID, columns, rows)
	default:
		return e.streamParquet(ctx, w, columns, rows)
	}
}

// observationQuery selects the exportable columns in a stable order.
const observationQuery = "SELECT dataset_id, record_id, obs_value, time_period, " +
	"additional_attributes, ingestion_timestamp, created_at FROM " +
	storage.ObservationTable + " WHERE dataset_id = ?"

// requireDataset fails with storage.ErrDatasetNotFound for unregistered
// datasets so the HTTP layer can answer 404.
func (e *Engine) requireDataset(ctx context.Context, datasetID string) error {
	dataset, err := e.repo.Metadata().Datasets.Get(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("failed to look up dataset %s: %w", datasetID, err)
	}

	if dataset == nil {
		return fmt.Errorf("dataset %s: %w", datasetID, storage.ErrDatasetNotFound)
	}

	return nil
}

func estimateMB(rows int64, bytesPerRow int64) float64 {
	mb := float64(rows*bytesPerRow) / (1024 * 1024)

	return math.Round(mb*100) / 100
}

// flushable is what the HTTP layer's response writer exposes between
// chunks.
type flushable interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flushable); ok {
		f.Flush()
	}
}

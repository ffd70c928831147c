package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/sdmx"
	"github.com/statbridge-io/statbridge/internal/storage"
	"github.com/statbridge-io/statbridge/migrations"
)

// exportColumns is the emission order every export uses.
var exportColumns = []string{
	"dataset_id", "record_id", "obs_value", "time_period",
	"additional_attributes", "ingestion_timestamp", "created_at",
}

// jsonEnvelope mirrors the wire shape of a JSON export.
type jsonEnvelope struct {
	Metadata exportMetadata   `json:"metadata"`
	Data     []map[string]any `json:"data"`
}

type obsFixture struct {
	value  string
	period string
}

// flushRecorder captures streamed bytes and counts chunk flushes.
type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (r *flushRecorder) Flush() { r.flushes++ }

func setupTestEngine(t *testing.T, opts ...Option) (*Engine, *repository.Repository) {
	t.Helper()

	storeCfg := &storage.StoreConfig{
		SQLitePath:      filepath.Join(t.TempDir(), "export_test.db"),
		DuckDBPath:      ":memory:",
		MigrationsTable: migrations.DefaultMigrationsTable,
		Environment:     "test",
		MaxOpenConns:    2,
	}

	meta, err := storage.NewMetadataStore(storeCfg)
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}

	t.Cleanup(func() { _ = meta.Close() })

	analytics, err := storage.NewAnalyticsStore(storeCfg)
	if err != nil {
		t.Fatalf("failed to open analytics store: %v", err)
	}

	t.Cleanup(func() { _ = analytics.Close() })

	repo, err := repository.New(meta, analytics)
	if err != nil {
		t.Fatalf("repository.New() error = %v", err)
	}

	engine, err := New(repo, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return engine, repo
}

func registerDataset(t *testing.T, repo *repository.Repository, id, name, category string) {
	t.Helper()

	err := repo.Metadata().Datasets.Register(context.Background(), &storage.Dataset{
		ID:       id,
		Name:     name,
		Category: category,
		Priority: 8,
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

func insertObservations(t *testing.T, repo *repository.Repository, datasetID string, fixtures []obsFixture) {
	t.Helper()

	ingested := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	observations := make([]sdmx.Observation, len(fixtures))

	for i, f := range fixtures {
		observations[i] = sdmx.Observation{
			DatasetID:            datasetID,
			RecordID:             i,
			ObsValue:             f.value,
			TimePeriod:           f.period,
			AdditionalAttributes: map[string]string{"freq": "A"},
			IngestionTimestamp:   ingested,
		}
	}

	if _, err := repo.Analytics().BulkInsert(context.Background(), "", observations); err != nil {
		t.Fatalf("BulkInsert(%s) error = %v", datasetID, err)
	}
}

// cropFixtures is the standard three-row dataset: two 2024 values and one
// 2023 value, in record order.
func cropFixtures() []obsFixture {
	return []obsFixture{
		{value: "100", period: "2024"},
		{value: "200", period: "2024"},
		{value: "50", period: "2023"},
	}
}

func parseCSV(t *testing.T, data []byte) [][]string {
	t.Helper()

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV export: %v", err)
	}

	return records
}

func TestEngine_ExportCSV(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	data, err := engine.Export(ctx, "101_1015", FormatCSV, Filters{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	records := parseCSV(t, data)

	if len(records) != 4 {
		t.Fatalf("CSV has %d records, want header plus 3 rows", len(records))
	}

	if strings.Join(records[0], ",") != strings.Join(exportColumns, ",") {
		t.Errorf("header = %v, want %v", records[0], exportColumns)
	}

	// Rows come back in record order with raw source values.
	for i, want := range cropFixtures() {
		row := records[i+1]

		if row[1] != fmt.Sprint(i) {
			t.Errorf("row %d record_id = %q, want %d", i, row[1], i)
		}

		if row[2] != want.value || row[3] != want.period {
			t.Errorf("row %d = (%q, %q), want (%q, %q)", i, row[2], row[3], want.value, want.period)
		}
	}

	if _, err := time.Parse(time.RFC3339, records[1][5]); err != nil {
		t.Errorf("ingestion_timestamp %q is not RFC3339: %v", records[1][5], err)
	}
}

func TestEngine_ExportCSVWithFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	data, err := engine.Export(ctx, "101_1015", FormatCSV, Filters{
		StartDate: &start,
		Limit:     1,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	records := parseCSV(t, data)

	if len(records) != 2 {
		t.Fatalf("CSV has %d records, want header plus 1 row", len(records))
	}

	if records[1][2] != "100" || records[1][3] != "2024" {
		t.Errorf("filtered row = (%q, %q), want first 2024 value", records[1][2], records[1][3])
	}
}

func TestEngine_ExportCSVProjection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	data, err := engine.Export(ctx, "101_1015", FormatCSV, Filters{
		Columns: []string{"obs_value", "time_period", "not_a_column"},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	records := parseCSV(t, data)

	if strings.Join(records[0], ",") != "obs_value,time_period" {
		t.Errorf("header = %v, want projected pair without the invalid name", records[0])
	}

	if len(records) != 4 {
		t.Errorf("CSV has %d records, want header plus 3 rows", len(records))
	}
}

func TestEngine_ExportJSONEnvelope(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	data, err := engine.Export(ctx, "101_1015", FormatJSON, Filters{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var envelope jsonEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("JSON export does not parse: %v", err)
	}

	if envelope.Metadata.DatasetID != "101_1015" {
		t.Errorf("metadata.dataset_id = %q, want 101_1015", envelope.Metadata.DatasetID)
	}

	if envelope.Metadata.TotalRecords != 3 {
		t.Errorf("metadata.total_records = %d, want 3", envelope.Metadata.TotalRecords)
	}

	if !reflect.DeepEqual(envelope.Metadata.Columns, exportColumns) {
		t.Errorf("metadata.columns = %v, want %v", envelope.Metadata.Columns, exportColumns)
	}

	if _, err := time.Parse(time.RFC3339, envelope.Metadata.ExportedAt); err != nil {
		t.Errorf("metadata.exported_at %q is not RFC3339: %v", envelope.Metadata.ExportedAt, err)
	}

	if len(envelope.Data) != 3 {
		t.Fatalf("data has %d records, want 3", len(envelope.Data))
	}

	first := envelope.Data[0]

	if first["obs_value"] != "100" || first["time_period"] != "2024" {
		t.Errorf("data[0] = %v, want raw 2024 values", first)
	}

	if first["record_id"] != float64(0) {
		t.Errorf("data[0].record_id = %v, want 0", first["record_id"])
	}
}

func TestEngine_ExportEmptyDataset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "92_521", "Universita", "istruzione")

	// CSV of an empty dataset is an empty payload, no header.
	data, err := engine.Export(ctx, "92_521", FormatCSV, Filters{})
	if err != nil {
		t.Fatalf("Export(csv) error = %v", err)
	}

	if len(data) != 0 {
		t.Errorf("empty CSV export has %d bytes, want 0", len(data))
	}

	// JSON still carries the full envelope.
	data, err = engine.Export(ctx, "92_521", FormatJSON, Filters{})
	if err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}

	var envelope jsonEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("empty JSON export does not parse: %v", err)
	}

	if envelope.Metadata.TotalRecords != 0 || len(envelope.Data) != 0 {
		t.Errorf("empty JSON envelope = %+v, want zero records", envelope)
	}

	// Parquet is a structurally valid file with zero rows.
	data, err = engine.Export(ctx, "92_521", FormatParquet, Filters{})
	if err != nil {
		t.Fatalf("Export(parquet) error = %v", err)
	}

	if rows := parquetRowCount(t, data); rows != 0 {
		t.Errorf("empty Parquet export has %d rows, want 0", rows)
	}
}

func TestEngine_ExportParquet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	data, err := engine.Export(ctx, "101_1015", FormatParquet, Filters{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	magic := []byte("PAR1")

	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("Parquet export is missing the PAR1 framing (%d bytes)", len(data))
	}

	if rows := parquetRowCount(t, data); rows != 3 {
		t.Errorf("Parquet export has %d rows, want 3", rows)
	}
}

// parquetRowCount parses an export with the parquet-go reader and returns
// the row count recorded in the footer.
func parquetRowCount(t *testing.T, data []byte) int64 {
	t.Helper()

	pf := buffer.NewBufferFileFromBytes(data)

	pr, err := reader.NewParquetReader(pf, nil, 1)
	if err != nil {
		t.Fatalf("failed to open Parquet export: %v", err)
	}

	defer func() {
		pr.ReadStop()
		_ = pf.Close()
	}()

	return pr.GetNumRows()
}

func TestEngine_StreamMatchesExport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	// Three chunks of ten, ten, and five rows.
	engine, repo := setupTestEngine(t, WithChunkRows(10))
	ctx := context.Background()

	registerDataset(t, repo, "22_289", "Popolazione residente", "popolazione")

	fixtures := make([]obsFixture, 25)
	for i := range fixtures {
		fixtures[i] = obsFixture{value: fmt.Sprint(1000 + i), period: "2024"}
	}

	insertObservations(t, repo, "22_289", fixtures)

	buffered, err := engine.Export(ctx, "22_289", FormatCSV, Filters{})
	if err != nil {
		t.Fatalf("Export(csv) error = %v", err)
	}

	recorder := &flushRecorder{}
	if err := engine.Stream(ctx, recorder, "22_289", FormatCSV, Filters{}); err != nil {
		t.Fatalf("Stream(csv) error = %v", err)
	}

	if !bytes.Equal(recorder.Bytes(), buffered) {
		t.Errorf("streamed CSV differs from buffered export")
	}

	if recorder.flushes != 3 {
		t.Errorf("CSV stream flushed %d times, want 3", recorder.flushes)
	}

	// JSON runs carry their own exported_at stamp, so compare the parsed
	// payloads rather than the bytes.
	buffered, err = engine.Export(ctx, "22_289", FormatJSON, Filters{})
	if err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}

	recorder = &flushRecorder{}
	if err := engine.Stream(ctx, recorder, "22_289", FormatJSON, Filters{}); err != nil {
		t.Fatalf("Stream(json) error = %v", err)
	}

	var fromExport, fromStream jsonEnvelope

	if err := json.Unmarshal(buffered, &fromExport); err != nil {
		t.Fatalf("buffered JSON does not parse: %v", err)
	}

	if err := json.Unmarshal(recorder.Bytes(), &fromStream); err != nil {
		t.Fatalf("streamed JSON does not parse: %v", err)
	}

	if !reflect.DeepEqual(fromStream.Data, fromExport.Data) {
		t.Errorf("streamed JSON data differs from buffered export")
	}

	if fromStream.Metadata.TotalRecords != fromExport.Metadata.TotalRecords {
		t.Errorf("streamed total_records = %d, buffered = %d",
			fromStream.Metadata.TotalRecords, fromExport.Metadata.TotalRecords)
	}

	buffered, err = engine.Export(ctx, "22_289", FormatParquet, Filters{})
	if err != nil {
		t.Fatalf("Export(parquet) error = %v", err)
	}

	recorder = &flushRecorder{}
	if err := engine.Stream(ctx, recorder, "22_289", FormatParquet, Filters{}); err != nil {
		t.Fatalf("Stream(parquet) error = %v", err)
	}

	if !bytes.Equal(recorder.Bytes(), buffered) {
		t.Errorf("streamed Parquet differs from buffered export")
	}
}

func TestEngine_UnknownDataset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, _ := setupTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Export(ctx, "999_999", FormatCSV, Filters{}); !errors.Is(err, storage.ErrDatasetNotFound) {
		t.Errorf("Export(unknown) error = %v, want %v", err, storage.ErrDatasetNotFound)
	}

	if _, err := engine.EstimateSize(ctx, "999_999"); !errors.Is(err, storage.ErrDatasetNotFound) {
		t.Errorf("EstimateSize(unknown) error = %v, want %v", err, storage.ErrDatasetNotFound)
	}
}

func TestEngine_EstimateSize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")
	insertObservations(t, repo, "101_1015", cropFixtures())

	estimate, err := engine.EstimateSize(ctx, "101_1015")
	if err != nil {
		t.Fatalf("EstimateSize() error = %v", err)
	}

	if estimate.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", estimate.RowCount)
	}

	if estimate.RecommendedStreaming {
		t.Errorf("RecommendedStreaming = true for 3 rows")
	}

	for _, key := range []string{"csv_mb", "json_mb", "parquet_mb"} {
		if _, ok := estimate.EstimatedSizes[key]; !ok {
			t.Errorf("EstimatedSizes is missing %q: %v", key, estimate.EstimatedSizes)
		}
	}
}

func TestEngine_AvailableColumns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, repo := setupTestEngine(t)
	ctx := context.Background()

	registerDataset(t, repo, "101_1015", "Coltivazioni", "economia")

	columns, err := engine.AvailableColumns(ctx, "101_1015")
	if err != nil {
		t.Fatalf("AvailableColumns() error = %v", err)
	}

	if !reflect.DeepEqual(columns, exportColumns) {
		t.Errorf("columns = %v, want %v", columns, exportColumns)
	}
}

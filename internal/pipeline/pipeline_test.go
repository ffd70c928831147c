package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/sdmx"
)

func TestLoadConfig_Defaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadConfig(nil)

	if len(cfg.PriorityDatasets) != 7 {
		t.Errorf("PriorityDatasets has %d entries, want 7", len(cfg.PriorityDatasets))
	}

	if cfg.PriorityDatasets[0] != "101_1015" {
		t.Errorf("PriorityDatasets[0] = %q, want %q", cfg.PriorityDatasets[0], "101_1015")
	}

	if cfg.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", cfg.MaxConcurrent)
	}

	if cfg.Retries != 3 {
		t.Errorf("Retries = %d, want 3", cfg.Retries)
	}
}

func TestLoadConfig_FromSettings(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	settings := config.DefaultSettings()
	settings.Ingestion.PriorityDatasets = []string{"101_1015", "22_289"}
	settings.Ingestion.MaxConcurrent = 4
	settings.Ingestion.Retries = 5

	cfg := LoadConfig(settings)

	if len(cfg.PriorityDatasets) != 2 || cfg.PriorityDatasets[1] != "22_289" {
		t.Errorf("PriorityDatasets = %v, want [101_1015 22_289]", cfg.PriorityDatasets)
	}

	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}

	if cfg.Retries != 5 {
		t.Errorf("Retries = %d, want 5", cfg.Retries)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STATBRIDGE_INGESTION_PRIORITY_DATASETS", " 101_1015 , 22_289 ,")
	t.Setenv("STATBRIDGE_INGESTION_MAX_CONCURRENT", "3")
	t.Setenv("STATBRIDGE_INGESTION_RETRIES", "1")

	cfg := LoadConfig(config.DefaultSettings())

	want := []string{"101_1015", "22_289"}
	if len(cfg.PriorityDatasets) != len(want) {
		t.Fatalf("PriorityDatasets = %v, want %v", cfg.PriorityDatasets, want)
	}

	for i, id := range want {
		if cfg.PriorityDatasets[i] != id {
			t.Errorf("PriorityDatasets[%d] = %q, want %q", i, cfg.PriorityDatasets[i], id)
		}
	}

	if cfg.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.MaxConcurrent)
	}

	if cfg.Retries != 1 {
		t.Errorf("Retries = %d, want 1", cfg.Retries)
	}
}

func TestNew_NilRepository(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := New(Config{}, nil, nil); !errors.Is(err, ErrNilRepository) {
		t.Errorf("New(nil repo) error = %v, want %v", err, ErrNilRepository)
	}
}

func TestValidateFetch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		res         *sdmx.FetchResult
		wantContent string
		wantErr     error
	}{
		{
			name:    "nil envelope",
			res:     nil,
			wantErr: errMalformedResponse,
		},
		{
			name:    "failure envelope",
			res:     &sdmx.FetchResult{Success: false, ErrorMessage: "connection reset"},
			wantErr: errUpstreamFetch,
		},
		{
			name:    "failure without message",
			res:     &sdmx.FetchResult{Success: false},
			wantErr: errUpstreamFetch,
		},
		{
			name:    "success without data",
			res:     &sdmx.FetchResult{Success: true},
			wantErr: errMalformedResponse,
		},
		{
			name: "success with unexpected status",
			res: &sdmx.FetchResult{
				Success: true,
				Data:    &sdmx.FetchData{Status: "partial", Content: "<DataSet/>"},
			},
			wantErr: errMalformedResponse,
		},
		{
			name: "valid success",
			res: &sdmx.FetchResult{
				Success: true,
				Data:    &sdmx.FetchData{Status: sdmx.FetchStatusSuccess, Content: "<DataSet/>", Size: 10},
			},
			wantContent: "<DataSet/>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := validateFetch(tt.res)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("validateFetch() error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("validateFetch() error = %v", err)
			}

			if content != tt.wantContent {
				t.Errorf("validateFetch() content = %q, want %q", content, tt.wantContent)
			}
		})
	}
}

func TestBatchResult_ByID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	batch := &BatchResult{
		Results: []*DatasetResult{
			{DatasetID: "101_1015", Success: true},
			{DatasetID: "22_289", Error: "upstream fetch failed"},
		},
	}

	byID := batch.ByID()

	if len(byID) != 2 {
		t.Fatalf("ByID() has %d entries, want 2", len(byID))
	}

	if !byID["101_1015"].Success {
		t.Error("ByID()[101_1015].Success = false, want true")
	}

	if byID["22_289"].Error == "" {
		t.Error("ByID()[22_289].Error is empty, want failure message")
	}
}

func TestIngestionStatus_ErrorHistoryTrimmed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var status ingestionStatus

	for i := 0; i < maxStatusErrors+5; i++ {
		status.record(&DatasetResult{
			DatasetID: fmt.Sprintf("ds_%d", i),
			Error:     fmt.Sprintf("failure %d", i),
		})
	}

	snap := status.snapshot()

	if len(snap.Errors) != maxStatusErrors {
		t.Fatalf("snapshot has %d errors, want %d", len(snap.Errors), maxStatusErrors)
	}

	last := snap.Errors[len(snap.Errors)-1]
	if last.DatasetID != fmt.Sprintf("ds_%d", maxStatusErrors+4) {
		t.Errorf("newest error is %q, want the last recorded failure", last.DatasetID)
	}

	if snap.DatasetsProcessed != int64(maxStatusErrors+5) {
		t.Errorf("DatasetsProcessed = %d, want %d", snap.DatasetsProcessed, maxStatusErrors+5)
	}
}

func TestIngestionStatus_Snapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var status ingestionStatus

	empty := status.snapshot()
	if empty.LastRun != nil {
		t.Errorf("LastRun = %v before any run, want nil", empty.LastRun)
	}

	status.record(&DatasetResult{DatasetID: "101_1015", Success: true, RecordsProcessed: 40})
	status.record(&DatasetResult{DatasetID: "22_289", Error: "boom"})

	snap := status.snapshot()

	if snap.LastRun == nil {
		t.Fatal("LastRun is nil after recording runs")
	}

	if snap.TotalRecords != 40 {
		t.Errorf("TotalRecords = %d, want 40", snap.TotalRecords)
	}

	if len(snap.Errors) != 1 || snap.Errors[0].DatasetID != "22_289" {
		t.Fatalf("Errors = %+v, want one entry for 22_289", snap.Errors)
	}

	// The snapshot is a copy; mutating it must not touch the live state.
	snap.Errors[0].Message = "mutated"

	if again := status.snapshot(); again.Errors[0].Message != "boom" {
		t.Errorf("live error message = %q, want %q", again.Errors[0].Message, "boom")
	}
}

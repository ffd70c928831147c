package api

import (
	"testing"
	"time"

	"github.com/statbridge-io/statbridge/internal/pipeline"
)

func TestBuildIngestResponse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		batch      *pipeline.BatchResult
		wantStatus string
	}{
		{
			name: "all successful",
			batch: &pipeline.BatchResult{
				Successful: 2,
				Results: []*pipeline.DatasetResult{
					{DatasetID: "101_1015", Success: true},
					{DatasetID: "22_289", Success: true},
				},
			},
			wantStatus: "success",
		},
		{
			name: "skips count as success",
			batch: &pipeline.BatchResult{
				Successful: 2,
				Skipped:    1,
				Results: []*pipeline.DatasetResult{
					{DatasetID: "101_1015", Success: true, Skipped: true},
					{DatasetID: "22_289", Success: true},
				},
			},
			wantStatus: "success",
		},
		{
			name: "mixed outcome",
			batch: &pipeline.BatchResult{
				Successful: 1,
				Failed:     1,
				Results: []*pipeline.DatasetResult{
					{DatasetID: "101_1015", Success: true},
					{DatasetID: "145_404", Success: false},
				},
			},
			wantStatus: "partial_success",
		},
		{
			name: "every dataset failed",
			batch: &pipeline.BatchResult{
				Failed: 2,
				Results: []*pipeline.DatasetResult{
					{DatasetID: "101_1015", Success: false},
					{DatasetID: "145_404", Success: false},
				},
			},
			wantStatus: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := buildIngestResponse("cafebabe00000001", tt.batch)

			if response.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", response.Status, tt.wantStatus)
			}

			if response.Summary.Received != len(tt.batch.Results) {
				t.Errorf("Received = %d, want %d", response.Summary.Received, len(tt.batch.Results))
			}
		})
	}

	t.Run("summary and metadata mapping", func(t *testing.T) {
		batch := &pipeline.BatchResult{
			Successful:   2,
			Failed:       1,
			Skipped:      1,
			TotalRecords: 3500,
			Results: []*pipeline.DatasetResult{
				{DatasetID: "101_1015", Success: true, RecordsProcessed: 3500},
				{DatasetID: "22_289", Success: true, Skipped: true},
				{DatasetID: "145_404", Success: false, Error: "upstream fetch failed: timeout"},
			},
		}

		response := buildIngestResponse("cafebabe00000001", batch)

		if response.Summary.Successful != 2 || response.Summary.Failed != 1 || response.Summary.Skipped != 1 {
			t.Errorf("Summary = %+v, want counts 2/1/1", response.Summary)
		}

		if response.Summary.TotalRecords != 3500 {
			t.Errorf("TotalRecords = %d, want 3500", response.Summary.TotalRecords)
		}

		if len(response.Results) != 3 || response.Results[2].Error == "" {
			t.Errorf("Results not passed through: %+v", response.Results)
		}

		if response.CorrelationID != "cafebabe00000001" {
			t.Errorf("CorrelationID = %q, want the request ID", response.CorrelationID)
		}

		if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
			t.Errorf("Timestamp %q does not parse as RFC3339: %v", response.Timestamp, err)
		}
	})
}

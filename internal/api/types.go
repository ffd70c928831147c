// Package api provides HTTP API server implementation for the StatBridge service.
package api

import (
	"time"

	"github.com/statbridge-io/statbridge/internal/export"
	"github.com/statbridge-io/statbridge/internal/pipeline"
)

type (
	// ExportInfoResponse represents the response for GET /api/datasets/{id}/export/info.
	// Describes what an export of the dataset would contain before the client
	// commits to downloading it.
	ExportInfoResponse struct {
		Dataset          DatasetInfo           `json:"dataset"`
		AvailableColumns []string              `json:"available_columns"` //nolint:tagliatelle
		SizeEstimates    SizeEstimates         `json:"size_estimates"`    //nolint:tagliatelle
		SupportedFormats []export.FormatInfo   `json:"supported_formats"` //nolint:tagliatelle
		Recommendations  ExportRecommendations `json:"recommendations"`
	}

	// DatasetInfo is the registry view of a dataset in the export info response,
	// augmented with analytics coverage facts.
	DatasetInfo struct {
		ID               string           `json:"id"`
		Name             string           `json:"name"`
		Category         string           `json:"category"`
		Description      string           `json:"description,omitempty"`
		SourceAgency     string           `json:"source_agency"` //nolint:tagliatelle
		Priority         int              `json:"priority"`
		IsActive         bool             `json:"is_active"`                //nolint:tagliatelle
		QualityScore     float64          `json:"quality_score"`            //nolint:tagliatelle
		RecordCount      int64            `json:"record_count"`             //nolint:tagliatelle
		LastProcessed    *time.Time       `json:"last_processed,omitempty"` //nolint:tagliatelle
		HasAnalyticsData bool             `json:"has_analytics_data"`       //nolint:tagliatelle
		TimePeriodRange  *TimePeriodRange `json:"time_period_range,omitempty"` //nolint:tagliatelle
	}

	// TimePeriodRange bounds the time periods of the stored observations.
	// Periods are SDMX strings ("2024", "2024-Q1", "2024-03") compared
	// lexically, which orders correctly within one frequency.
	TimePeriodRange struct {
		Min string `json:"min"`
		Max string `json:"max"`
	}

	// SizeEstimates reports the stored row count and the projected payload
	// size in megabytes per export format.
	SizeEstimates struct {
		RowCount       int64              `json:"row_count"`       //nolint:tagliatelle
		EstimatedSizes map[string]float64 `json:"estimated_sizes"` //nolint:tagliatelle
	}

	// ExportRecommendations advises clients on transfer and format choices.
	ExportRecommendations struct {
		Streaming         bool   `json:"streaming"`
		RecommendedFormat string `json:"recommended_format"` //nolint:tagliatelle
		Reason            string `json:"reason,omitempty"`
	}

	// FormatCatalogResponse represents the response for GET /api/datasets/export/formats.
	FormatCatalogResponse struct {
		Formats       []export.FormatInfo `json:"formats"`
		DefaultFormat string              `json:"default_format"` //nolint:tagliatelle
	}

	// IngestStatusResponse represents the response for GET /api/ingest/status.
	// Combines the cumulative ingestion counters, the configured priority set,
	// and a live component health probe.
	IngestStatusResponse struct {
		Status      *pipeline.IngestionStatus `json:"status"`
		PrioritySet []string                  `json:"priority_set"` //nolint:tagliatelle
		Health      *pipeline.ComponentHealth `json:"health"`
	}
)

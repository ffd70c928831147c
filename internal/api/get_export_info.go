package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/statbridge-io/statbridge/internal/api/middleware"
	"github.com/statbridge-io/statbridge/internal/export"
	"github.com/statbridge-io/statbridge/internal/repository"
)

// handleExportInfo handles GET /api/datasets/{id}/export/info.
// Returns registry metadata, exportable columns, per-format size estimates,
// the format catalog, and transfer recommendations for one dataset.
//
// The dataset lookup is authoritative: a missing registration is 404. The
// column and size probes against the analytics store are advisory, so their
// failures degrade the response instead of failing it.
func (s *Server) handleExportInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	datasetID := r.PathValue("id")
	if datasetID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing dataset ID"))

		return
	}

	dataset, err := s.repo.GetDatasetComplete(ctx, datasetID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load dataset",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load dataset"))

		return
	}

	if dataset == nil {
		WriteErrorResponse(w, r, s.logger, NotFound("Dataset not found: "+datasetID))

		return
	}

	columns, err := s.exporter.AvailableColumns(ctx, datasetID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to inspect exportable columns",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)
		// Non-fatal: continue without column names
		columns = nil
	}

	estimate, err := s.exporter.EstimateSize(ctx, datasetID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to estimate export sizes",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)
		// Non-fatal: continue without size estimates
		estimate = nil
	}

	response := buildExportInfo(dataset, columns, estimate)

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal export info response",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleExportFormats handles GET /api/datasets/export/formats.
// Returns the static export format catalog. The route is public: the catalog
// carries no dataset data and PowerBI template wizards read it pre-auth.
func (s *Server) handleExportFormats(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	response := FormatCatalogResponse{
		Formats:       export.Formats(),
		DefaultFormat: string(export.FormatCSV),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal format catalog",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// buildExportInfo assembles the info response from the registry row and the
// advisory analytics probes.
func buildExportInfo(
	dataset *repository.DatasetComplete,
	columns []string,
	estimate *export.SizeEstimate,
) ExportInfoResponse {
	if columns == nil {
		columns = []string{}
	}

	response := ExportInfoResponse{
		Dataset:          mapDatasetInfo(dataset),
		AvailableColumns: columns,
		SupportedFormats: export.Formats(),
		Recommendations:  buildRecommendations(estimate),
	}

	if estimate != nil {
		response.SizeEstimates = SizeEstimates{
			RowCount:       estimate.RowCount,
			EstimatedSizes: estimate.EstimatedSizes,
		}
	}

	return response
}

// mapDatasetInfo converts the repository view to the API response shape.
func mapDatasetInfo(dataset *repository.DatasetComplete) DatasetInfo {
	info := DatasetInfo{
		ID:               dataset.ID,
		Name:             dataset.Name,
		Category:         dataset.Category,
		Description:      dataset.Description,
		SourceAgency:     dataset.SourceAgency,
		Priority:         dataset.Priority,
		IsActive:         dataset.IsActive,
		QualityScore:     dataset.QualityScore,
		RecordCount:      dataset.RecordCount,
		LastProcessed:    dataset.LastProcessed,
		HasAnalyticsData: dataset.HasAnalyticsData,
	}

	if dataset.AnalyticsStats != nil {
		info.TimePeriodRange = &TimePeriodRange{
			Min: dataset.AnalyticsStats.MinTimePeriod,
			Max: dataset.AnalyticsStats.MaxTimePeriod,
		}
	}

	return info
}

// buildRecommendations derives transfer advice from the size estimate.
//
// Recommendation logic:
//   - Above the streaming threshold: stream=true plus Parquet, which keeps
//     the payload a fraction of the CSV size at PowerBI refresh time
//   - At or below the threshold: buffered CSV is simplest to consume
//   - No estimate available: default to buffered CSV without a reason
func buildRecommendations(estimate *export.SizeEstimate) ExportRecommendations {
	recommendations := ExportRecommendations{
		RecommendedFormat: string(export.FormatCSV),
	}

	if estimate == nil {
		return recommendations
	}

	if estimate.RecommendedStreaming {
		recommendations.Streaming = true
		recommendations.RecommendedFormat = string(export.FormatParquet)
		recommendations.Reason = fmt.Sprintf(
			"%d rows exceed the buffered export threshold; request stream=true and a columnar format",
			estimate.RowCount,
		)
	}

	return recommendations
}

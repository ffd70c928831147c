package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/statbridge-io/statbridge/internal/api/middleware"
	"github.com/statbridge-io/statbridge/internal/pipeline"
)

// handleIngest handles POST /api/ingest.
// Runs the priority-set ingestion batch synchronously and reports the outcome.
//
// The request carries no body: the batch always covers the configured
// priority set. The response is 200 whenever the batch ran; per-dataset
// failures surface in summary.failed and results, never in the status code.
//
// SDMX downloads make this a long call. The handler honors the request
// context, so a client disconnect cancels in-flight datasets, and the
// server write timeout bounds the total duration.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	batch := s.ingestion.IngestAllPriorityDatasets(ctx)
	response := buildIngestResponse(correlationID, batch)

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal ingest response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write ingest response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("Priority ingestion processed",
		slog.String("correlation_id", correlationID),
		slog.String("status", response.Status),
		slog.Int("received", response.Summary.Received),
		slog.Int("successful", response.Summary.Successful),
		slog.Int("failed", response.Summary.Failed),
		slog.Int("skipped", response.Summary.Skipped),
		slog.Int64("total_records", response.Summary.TotalRecords),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// handleIngestStatus handles GET /api/ingest/status.
// Returns the cumulative ingestion counters, the configured priority set,
// and a live health probe of the pipeline components.
func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	response := IngestStatusResponse{
		Status:      s.ingestion.GetIngestionStatus(),
		PrioritySet: s.ingestion.PrioritySet(),
		Health:      s.ingestion.HealthCheck(ctx),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal ingest status response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// buildIngestResponse maps a batch result to the API response.
//
// Status classification:
//   - "success": no dataset failed
//   - "partial_success": some datasets failed, some succeeded
//   - "error": every dataset failed
func buildIngestResponse(correlationID string, batch *pipeline.BatchResult) *IngestResponse {
	status := "success"

	switch {
	case batch.Failed > 0 && batch.Successful > 0:
		status = "partial_success"
	case batch.Failed > 0:
		status = "error"
	}

	return &IngestResponse{
		Status: status,
		Summary: ResponseSummary{
			Received:     len(batch.Results),
			Successful:   batch.Successful,
			Failed:       batch.Failed,
			Skipped:      batch.Skipped,
			TotalRecords: batch.TotalRecords,
		},
		Results:       batch.Results,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

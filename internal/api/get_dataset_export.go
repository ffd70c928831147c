package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/statbridge-io/statbridge/internal/api/middleware"
	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/export"
	"github.com/statbridge-io/statbridge/internal/storage"
)

type (
	// exportParams holds parsed query parameters for a dataset export.
	exportParams struct {
		format  export.Format
		filters export.Filters
		stream  bool
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// dateParamLayout is the accepted layout for start_date and end_date.
	dateParamLayout = "2006-01-02"

	// filenameTimestampLayout stamps the Content-Disposition filename.
	filenameTimestampLayout = "20060102_150405"
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleDatasetExport handles GET /api/datasets/{id}/export.
// Serializes the dataset observations in the requested format as a file download.
//
// Query Parameters:
//   - format: "csv" | "json" | "parquet" (default: "csv")
//   - columns: comma-separated column projection (unknown names are ignored)
//   - start_date: inclusive ISO date lower bound on the date column
//   - end_date: inclusive ISO date upper bound on the date column
//   - limit: maximum rows after filtering (>= 0, 0 = no cap)
//   - stream: "true" streams the payload in chunks instead of buffering it
//
// Responses:
//   - 200 OK: export payload with Content-Disposition attachment headers.
//     A registered dataset with no observations yields an empty payload of
//     the format, not 404.
//   - 400 Bad Request: unknown format or malformed query parameter
//   - 404 Not Found: dataset ID is not registered
func (s *Server) handleDatasetExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	startTime := time.Now()

	datasetID := r.PathValue("id")
	if datasetID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Missing dataset ID"))

		return
	}

	params, err := parseExportParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	filename := exportFilename(datasetID, params.format, startTime.UTC())

	if params.stream {
		// The engine validates the dataset and fetches every row before the
		// first write, so an error return here means no payload bytes went
		// out and a problem response is still possible.
		w.Header().Set("Content-Type", params.format.ContentType())
		w.Header().Set("Content-Disposition", "attachment; filename="+filename)

		if err := s.exporter.Stream(ctx, w, datasetID, params.format, params.filters); err != nil {
			w.Header().Del("Content-Disposition")
			s.writeExportError(w, r, datasetID, err)

			return
		}

		s.logExportServed(ctx, datasetID, params, -1, time.Since(startTime))

		return
	}

	data, err := s.exporter.Export(ctx, datasetID, params.format, params.filters)
	if err != nil {
		s.writeExportError(w, r, datasetID, err)

		return
	}

	w.Header().Set("Content-Type", params.format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write export response",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)

		return
	}

	s.logExportServed(ctx, datasetID, params, int64(len(data)), time.Since(startTime))
}

// parseExportParams parses and validates the export query parameters.
func parseExportParams(r *http.Request) (*exportParams, error) {
	query := r.URL.Query()

	params := &exportParams{format: export.FormatCSV}

	if raw := query.Get("format"); raw != "" {
		format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return nil, &paramError{param: "format", msg: "must be one of csv, json, parquet"}
		}

		params.format = format
	}

	if raw := query.Get("columns"); raw != "" {
		params.filters.Columns = config.ParseCommaSeparatedList(raw)
	}

	if raw := query.Get("start_date"); raw != "" {
		start, err := time.Parse(dateParamLayout, raw)
		if err != nil {
			return nil, &paramError{param: "start_date", msg: "must be an ISO date (YYYY-MM-DD)"}
		}

		params.filters.StartDate = &start
	}

	if raw := query.Get("end_date"); raw != "" {
		end, err := time.Parse(dateParamLayout, raw)
		if err != nil {
			return nil, &paramError{param: "end_date", msg: "must be an ISO date (YYYY-MM-DD)"}
		}

		params.filters.EndDate = &end
	}

	if params.filters.StartDate != nil && params.filters.EndDate != nil &&
		params.filters.EndDate.Before(*params.filters.StartDate) {
		return nil, &paramError{param: "end_date", msg: "must not precede start_date"}
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, &paramError{param: "limit", msg: "must be a non-negative integer"}
		}

		params.filters.Limit = limit
	}

	if raw := query.Get("stream"); raw != "" {
		stream, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &paramError{param: "stream", msg: "must be a boolean"}
		}

		params.stream = stream
	}

	return params, nil
}

// exportFilename builds the Content-Disposition filename for a download.
func exportFilename(datasetID string, format export.Format, now time.Time) string {
	return fmt.Sprintf("%s_export_%s%s", datasetID, now.Format(filenameTimestampLayout), format.Extension())
}

// writeExportError maps export engine failures to problem responses.
func (s *Server) writeExportError(w http.ResponseWriter, r *http.Request, datasetID string, err error) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	switch {
	case errors.Is(err, storage.ErrDatasetNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound("Dataset not found: "+datasetID))
	case errors.Is(err, export.ErrUnsupportedFormat):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		s.logger.ErrorContext(ctx, "Failed to export dataset",
			"correlation_id", correlationID,
			"dataset_id", datasetID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to export dataset"))
	}
}

// logExportServed logs a completed export. Streamed responses report size -1
// because the payload is written incrementally and never measured.
func (s *Server) logExportServed(
	ctx context.Context,
	datasetID string,
	params *exportParams,
	sizeBytes int64,
	duration time.Duration,
) {
	s.logger.InfoContext(ctx, "Dataset export served",
		"correlation_id", middleware.GetCorrelationID(ctx),
		"dataset_id", datasetID,
		"format", string(params.format),
		"streamed", params.stream,
		"size_bytes", sizeBytes,
		"duration", duration,
	)
}

// Package api provides HTTP API server implementation for the StatBridge service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/statbridge-io/statbridge/internal/api/middleware"
)

// ProblemDetail is an RFC 7807 problem document. Every error response on the
// API uses this shape, including those written by the middleware chain, so
// clients can rely on type, status, and correlation_id being present.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"` //nolint:tagliatelle
}

// newProblem builds a problem document with the statbridge.io type URI for
// the given status.
func newProblem(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://statbridge.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// BadRequest builds a 400 problem.
func BadRequest(detail string) *ProblemDetail {
	return newProblem(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound builds a 404 problem.
func NotFound(detail string) *ProblemDetail {
	return newProblem(http.StatusNotFound, "Not Found", detail)
}

// InternalServerError builds a 500 problem.
func InternalServerError(detail string) *ProblemDetail {
	return newProblem(http.StatusInternalServerError, "Internal Server Error", detail)
}

// WriteErrorResponse completes problem with the request path and correlation
// ID, then writes it as application/problem+json with the problem's status.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery converts panics raised by downstream handlers into RFC 7807 error
// responses. The panic value and stack trace are logged together with the
// request's correlation ID before the 500 is written.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if cause := recover(); cause != nil {
					writePanicResponse(logger, w, r, cause)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writePanicResponse logs the recovered panic and answers with problem+json.
func writePanicResponse(logger *slog.Logger, w http.ResponseWriter, r *http.Request, cause any) {
	correlationID := GetCorrelationID(r.Context())

	logger.Error("HTTP request panic recovered",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("correlation_id", correlationID),
		slog.Any("panic", cause),
		slog.String("stack_trace", string(debug.Stack())),
	)

	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlation_id"` //nolint: tagliatelle
	}{
		Type:          fmt.Sprintf("https://statbridge.io/problems/%d", http.StatusInternalServerError),
		Title:         "Internal Server Error",
		Status:        http.StatusInternalServerError,
		Detail:        "An unexpected error occurred while processing the request",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}

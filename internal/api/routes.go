// Package api provides HTTP API server implementation for the StatBridge service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/statbridge-io/statbridge/internal/api/middleware"
	"github.com/statbridge-io/statbridge/internal/pipeline"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"

	// serviceVersion is reported by the health endpoints and the version header.
	// TODO: inject the version at build time via -ldflags.
	serviceVersion = "v1.0.0"
	versionHeader  = "X-Statbridge-Version"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// IngestResponse summarizes one synchronous run over the priority set.
	//
	// The endpoint always returns 200 once the batch ran: per-dataset failures
	// surface in the summary counts and Results, not in the HTTP status code,
	// so schedulers can tell "batch completed with failures" apart from
	// "batch could not start".
	//
	// Extensions for observability:
	//   - correlation_id: Request correlation ID for tracing
	//   - timestamp: Response generation time (ISO8601)
	IngestResponse struct {
		Status        string                    `json:"status"`         // "success", "partial_success" or "error"
		Summary       ResponseSummary           `json:"summary"`        // Dataset counts (received, successful, failed, skipped)
		Results       []*pipeline.DatasetResult `json:"results"`        // Per-dataset outcomes in priority-set order
		CorrelationID string                    `json:"correlation_id"` //nolint: tagliatelle // Tracing extension
		Timestamp     string                    `json:"timestamp"`      // Response generation time (ISO8601)
	}

	// ResponseSummary provides aggregate counts for one batch ingestion run.
	ResponseSummary struct {
		Received     int   `json:"received"`      // Total datasets in the priority set
		Successful   int   `json:"successful"`    // Ingested or skipped as fresh (skips count as success)
		Failed       int   `json:"failed"`        // Datasets that failed download, parse, or storage
		Skipped      int   `json:"skipped"`       // Fresh datasets skipped by the change detector
		TotalRecords int64 `json:"total_records"` //nolint: tagliatelle // Observations written across the batch
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/api/ping", "GET /api/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// Routes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /api/ping", s.handlePing},     // K8s liveness probe
		Route{"GET /api/ready", s.handleReady},   // K8s readiness probe
		Route{"GET /api/health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"GET /api/datasets/export/formats", s.handleExportFormats}, // Static format catalog
		Route{"/", s.handleNotFound}, // Catch-all handler for 404 responses
	)

	// Export endpoints
	mux.HandleFunc("GET /api/datasets/{id}/export", s.handleDatasetExport)
	mux.HandleFunc("GET /api/datasets/{id}/export/info", s.handleExportInfo)

	// Ingestion endpoints
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/ingest/status", s.handleIngestStatus)
}

// registerPublicRoutes registers HTTP routes that bypass authentication.
// Public routes still pass through rate limiting on the unauthenticated tier.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for endpoints that need to be accessible
// without credentials (health probes, the static format catalog).
//
// Security Warning: Never register export or ingestion endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		// If the route path contains a method prefix (e.g., "GET /api/ping"), extract the path part.
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		// Skip registering an empty path as a public
		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		// Always register (handles both "GET /api/ping" and "/" formats)
		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(versionHeader, serviceVersion)
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes with storage backend health checks.
// This endpoint verifies that both stores behind the repository are healthy and
// ready to serve requests.
//
// Response codes:
//   - 200 OK: Metadata and analytics stores are healthy and ready to accept traffic
//   - 503 Service Unavailable: A storage backend is unhealthy or unreachable
//
// K8s readiness probes use this endpoint to determine if the pod should receive traffic.
// If this endpoint returns 503, K8s will stop routing requests to the pod until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// If the repository is not configured, return ready (degraded mode)
	if s.repo == nil {
		s.logger.Warn("Repository not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)

		_, err := w.Write([]byte("ready"))
		if err != nil {
			s.logger.Error("Failed to write ready response",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	// Create context with 2-second timeout for storage health check
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		// Return 503 Service Unavailable if a storage backend is unhealthy
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)

		_, writeErr := w.Write([]byte("storage unavailable"))
		if writeErr != nil {
			s.logger.Error("Failed to write unavailable response",
				slog.String("correlation_id", correlationID),
				slog.String("error", writeErr.Error()),
			)
		}

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("ready"))
	if err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Calculate uptime if server has started
	var uptime string

	if !s.startTime.IsZero() {
		duration := time.Since(s.startTime)
		uptime = duration.Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "statbridge",
		Version:     serviceVersion,
		Uptime:      uptime,
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(versionHeader, serviceVersion)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

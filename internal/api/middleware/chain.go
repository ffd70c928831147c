// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/statbridge-io/statbridge/internal/storage"
)

// Option wraps a handler with one middleware layer.
type Option func(http.Handler) http.Handler

// Apply wraps handler with the given options. The first option becomes the
// outermost layer, so requests traverse options in declaration order.
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Wrap from the inside out so the first option ends up outermost.
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// passthrough leaves the handler unchanged. Stands in for middleware whose
// optional dependency is absent.
func passthrough(next http.Handler) http.Handler { return next }

// WithCorrelationID tags requests with correlation IDs.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts downstream panics into 500 responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth enforces API key authentication. Without a credential store the
// chain runs unauthenticated.
func WithAuth(credentials storage.CredentialFinder, auditor SecurityAuditor, logger *slog.Logger) Option {
	if credentials == nil {
		return passthrough
	}

	return Authenticate(credentials, auditor, logger)
}

// WithRateLimit enforces per-key token bucket limits. A nil limiter disables
// limiting.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request completion with status and duration.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS answers cross-origin and preflight requests.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}

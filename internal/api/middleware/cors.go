// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig exposes the CORS settings consumed by the CORS middleware.
// The concrete type lives in internal/api/config.go.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS answers cross-origin requests according to config. Preflight OPTIONS
// requests terminate here with 204 No Content; everything else continues down
// the chain with the CORS headers already set.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if origin := resolveCORSOrigin(config.GetAllowedOrigins(), r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if methods := config.GetAllowedMethods(); len(methods) > 0 {
				h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			}

			if headers := config.GetAllowedHeaders(); len(headers) > 0 {
				h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			}

			if maxAge := config.GetMaxAge(); maxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// resolveCORSOrigin picks the Access-Control-Allow-Origin value for a request.
// A lone "*" entry allows every origin; otherwise the request origin must match
// a configured entry exactly and is echoed back. Returns "" when no entry
// matches, which suppresses the header.
func resolveCORSOrigin(allowed []string, requestOrigin string) string {
	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	for _, candidate := range allowed {
		if candidate == requestOrigin && requestOrigin != "" {
			return requestOrigin
		}
	}

	return ""
}

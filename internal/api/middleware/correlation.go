// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// correlationHeader carries the correlation ID on both requests and responses.
const correlationHeader = "X-Correlation-ID"

// correlationHexLength is the length of a generated correlation ID in hex characters.
const correlationHexLength = 16

// correlationIDKey is the context key under which the correlation ID is stored.
type correlationIDKey struct{}

// CorrelationID tags every request with a correlation ID. A client-supplied
// X-Correlation-ID header wins; otherwise a fresh ID is generated. The ID is
// echoed on the response and stored in the request context for handlers and
// downstream middleware.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationHeader)
			if id == "" {
				id = newCorrelationID()
			}

			w.Header().Set(correlationHeader, id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the correlation ID stored in ctx, or "unknown" for
// contexts that never passed through the correlation middleware.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

// newCorrelationID produces a random 16-character hex ID. When the entropy
// source fails, the nanosecond clock stands in.
func newCorrelationID() string {
	var raw [correlationHexLength / 2]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Sprintf("%0*x", correlationHexLength, time.Now().UnixNano())[:correlationHexLength]
	}

	return hex.EncodeToString(raw[:])
}

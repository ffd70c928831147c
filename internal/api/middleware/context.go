// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"context"
	"time"
)

// serviceContextKey is the context key for authenticated service information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type serviceContextKey struct{}

// ServiceContext contains authenticated service information enriched in the request context.
// This context is added by the authentication middleware after successful API key validation.
type ServiceContext struct {
	// ServiceName identifies the calling service (e.g., "powerbi-gateway")
	ServiceName string

	// CredentialID is the credential row ID used for authentication (for audit logging).
	// Zero when the credential came from the in-memory bootstrap store.
	CredentialID int64

	// RateLimit is the per-credential requests-per-minute quota from the credential record
	RateLimit int

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// GetServiceContext extracts service context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
//
// Example usage:
//
//	svcCtx, authenticated := middleware.GetServiceContext(r.Context())
//	if !authenticated {
//	    // Handle unauthenticated request
//	    return
//	}
func GetServiceContext(ctx context.Context) (ServiceContext, bool) {
	svcCtx, ok := ctx.Value(serviceContextKey{}).(ServiceContext)

	return svcCtx, ok
}

// SetServiceContext adds service context to the request context.
// Returns a new context with the service context attached.
//
// This function is used by the authentication middleware to enrich the request
// context after successful API key validation.
func SetServiceContext(ctx context.Context, svcCtx ServiceContext) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, svcCtx)
}

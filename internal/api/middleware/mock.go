// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"context"

	"github.com/statbridge-io/statbridge/internal/storage"
)

type (
	// MockCredentialFinder is a mock implementation of storage.CredentialFinder for testing.
	MockCredentialFinder struct {
		FindCredentialByKeyFunc func(ctx context.Context, apiKey string) (*storage.APICredential, bool)
	}

	// MockSecurityAuditor is a mock implementation of SecurityAuditor for testing.
	// Recorded entries can be inspected after the request completes.
	MockSecurityAuditor struct {
		LogActionFunc func(ctx context.Context, entry storage.AuditEntry) error
		Entries       []storage.AuditEntry
	}
)

// FindCredentialByKey implements storage.CredentialFinder.
func (m *MockCredentialFinder) FindCredentialByKey(
	ctx context.Context,
	apiKey string,
) (*storage.APICredential, bool) {
	if m.FindCredentialByKeyFunc != nil {
		return m.FindCredentialByKeyFunc(ctx, apiKey)
	}

	return nil, false
}

// LogAction implements SecurityAuditor.
func (m *MockSecurityAuditor) LogAction(ctx context.Context, entry storage.AuditEntry) error {
	m.Entries = append(m.Entries, entry)

	if m.LogActionFunc != nil {
		return m.LogActionFunc(ctx, entry)
	}

	return nil
}

package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCredentialStore is a thread-safe in-memory credential resolver.
//
// Unlike the persistent store it keeps plaintext keys, which makes it usable
// only for tests and for bootstrap deployments that inject keys through the
// environment before the metadata store holds any credentials.
type MemoryCredentialStore struct {
	// byKey maps plaintext key strings to credentials for O(1) lookup
	byKey map[string]*APICredential
	// byService maps service names to credentials for management operations
	byService map[string]*APICredential
	// mutex protects concurrent access to both maps
	mutex sync.RWMutex
}

// Compile-time interface checks for both credential resolvers.
var (
	_ CredentialFinder = (*MemoryCredentialStore)(nil)
	_ CredentialFinder = (*UserManager)(nil)
)

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byKey:     make(map[string]*APICredential),
		byService: make(map[string]*APICredential),
	}
}

// Add registers a plaintext key for a service. Re-adding a service replaces
// its previous key.
func (s *MemoryCredentialStore) Add(serviceName, apiKey string, rateLimit int) error {
	if strings.TrimSpace(serviceName) == "" {
		return ErrInvalidServiceName
	}

	if apiKey == "" {
		return ErrKeyEmpty
	}

	if rateLimit <= 0 {
		rateLimit = 100
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.byService[serviceName]; ok {
		delete(s.byKey, existing.APIKeyHash)
	}

	credential := &APICredential{
		ServiceName: serviceName,
		APIKeyHash:  apiKey, // this store holds plaintext keys
		RateLimit:   rateLimit,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	s.byKey[apiKey] = credential
	s.byService[serviceName] = credential

	return nil
}

// FindCredentialByKey resolves a plaintext key with constant-time comparison
// semantics preserved by the map lookup plus SecureCompare confirmation.
func (s *MemoryCredentialStore) FindCredentialByKey(_ context.Context, apiKey string) (*APICredential, bool) {
	if apiKey == "" {
		return nil, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	credential, ok := s.byKey[apiKey]
	if !ok || !credential.Usable(time.Now()) || !SecureCompare(credential.APIKeyHash, apiKey) {
		return nil, false
	}

	credential.UsageCount++
	now := time.Now()
	credential.LastUsed = &now

	copied := *credential

	return &copied, true
}

// Remove deletes a service's credential. Removing an absent service is a
// no-op.
func (s *MemoryCredentialStore) Remove(serviceName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.byService[serviceName]; ok {
		delete(s.byKey, existing.APIKeyHash)
		delete(s.byService, serviceName)
	}
}

// Len reports how many credentials are loaded.
func (s *MemoryCredentialStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.byService)
}

// LoadFromList seeds the store from "service:key" entries, the format of the
// STATBRIDGE_API_KEYS environment variable. Entries without a service prefix
// are registered under "default". Malformed entries are skipped; the count of
// loaded credentials is returned.
func (s *MemoryCredentialStore) LoadFromList(entries []string) int {
	loaded := 0

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		service, key := "default", entry
		if idx := strings.IndexByte(entry, ':'); idx > 0 {
			service, key = entry[:idx], entry[idx+1:]
		}

		if err := s.Add(service, key, 0); err != nil {
			continue
		}

		loaded++
	}

	return loaded
}

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/statbridge-io/statbridge/internal/storage"
)

type (
	prefKey struct {
		userID string
		key    string
	}

	prefEntry struct {
		// pref is nil for cached not-found lookups.
		pref      *storage.UserPreference
		expiresAt time.Time
	}

	// preferenceCache is a wall-clock TTL cache for user preferences.
	// Expiry is checked on read; set and delete invalidate synchronously,
	// so within one process a read after a write always sees the write.
	preferenceCache struct {
		mu      sync.RWMutex
		entries map[prefKey]prefEntry
		ttl     time.Duration
	}
)

func newPreferenceCache(ttl time.Duration) *preferenceCache {
	return &preferenceCache{
		entries: make(map[prefKey]prefEntry),
		ttl:     ttl,
	}
}

func (c *preferenceCache) get(userID, key string) (*storage.UserPreference, bool) {
	c.mu.RLock()
	entry, ok := c.entries[prefKey{userID: userID, key: key}]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	if entry.pref == nil {
		return nil, true
	}

	// Copy so callers cannot mutate the cached row.
	pref := *entry.pref

	return &pref, true
}

func (c *preferenceCache) set(userID, key string, pref *storage.UserPreference) {
	entry := prefEntry{expiresAt: time.Now().Add(c.ttl)}

	if pref != nil {
		copied := *pref
		entry.pref = &copied
	}

	c.mu.Lock()
	c.entries[prefKey{userID: userID, key: key}] = entry
	c.mu.Unlock()
}

func (c *preferenceCache) invalidate(userID, key string) {
	c.mu.Lock()
	delete(c.entries, prefKey{userID: userID, key: key})
	c.mu.Unlock()
}

func (c *preferenceCache) invalidateUser(userID string) {
	c.mu.Lock()

	for key := range c.entries {
		if key.userID == userID {
			delete(c.entries, key)
		}
	}

	c.mu.Unlock()
}

// GetUserPreference returns a user preference through the repository cache.
// Not-found lookups are cached too, and return (nil, nil) like the
// underlying manager.
func (r *Repository) GetUserPreference(ctx context.Context, userID, key string) (*storage.UserPreference, error) {
	if pref, ok := r.prefCache.get(userID, key); ok {
		return pref, nil
	}

	pref, err := r.meta.Users.GetPreference(ctx, userID, key)
	if err != nil {
		return nil, err
	}

	r.prefCache.set(userID, key, pref)

	return pref, nil
}

// SetUserPreference writes a preference and invalidates its cache entry
// before returning, so subsequent reads observe the new value.
func (r *Repository) SetUserPreference(ctx context.Context, userID, key string, input storage.PreferenceInput) error {
	if err := r.meta.Users.SetPreference(ctx, userID, key, input); err != nil {
		return err
	}

	r.prefCache.invalidate(userID, key)

	return nil
}

// DeleteUserPreference removes a preference and invalidates its cache entry.
func (r *Repository) DeleteUserPreference(ctx context.Context, userID, key string) error {
	if err := r.meta.Users.DeletePreference(ctx, userID, key); err != nil {
		return err
	}

	r.prefCache.invalidate(userID, key)

	return nil
}

// DeleteAllUserPreferences removes every preference a user has stored and
// drops all of the user's cache entries, including cached not-found
// lookups.
func (r *Repository) DeleteAllUserPreferences(ctx context.Context, userID string) (int64, error) {
	deleted, err := r.meta.Users.DeleteAllPreferences(ctx, userID)
	if err != nil {
		return 0, err
	}

	r.prefCache.invalidateUser(userID)

	return deleted, nil
}

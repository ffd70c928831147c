package repository

import (
	"context"
	"testing"
	"time"

	"github.com/statbridge-io/statbridge/internal/storage"
)

func TestPreferenceCache_SetGetInvalidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := newPreferenceCache(time.Minute)

	if _, ok := cache.get("anna", "theme"); ok {
		t.Error("get() on empty cache reported a hit")
	}

	cache.set("anna", "theme", &storage.UserPreference{UserID: "anna", Key: "theme", Value: "dark"})

	pref, ok := cache.get("anna", "theme")
	if !ok || pref == nil || pref.Value != "dark" {
		t.Fatalf("get() after set = (%+v, %v), want dark hit", pref, ok)
	}

	// Cached rows are copies; mutating the returned row must not leak back.
	pref.Value = "mutated"

	again, _ := cache.get("anna", "theme")
	if again.Value != "dark" {
		t.Errorf("cached value = %q after caller mutation, want dark", again.Value)
	}

	cache.invalidate("anna", "theme")

	if _, ok := cache.get("anna", "theme"); ok {
		t.Error("get() after invalidate reported a hit")
	}
}

func TestPreferenceCache_NotFoundCached(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := newPreferenceCache(time.Minute)
	cache.set("anna", "missing", nil)

	pref, ok := cache.get("anna", "missing")
	if !ok {
		t.Fatal("get() missed a cached not-found entry")
	}

	if pref != nil {
		t.Errorf("cached not-found = %+v, want nil", pref)
	}
}

func TestPreferenceCache_Expiry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := newPreferenceCache(time.Nanosecond)
	cache.set("anna", "theme", &storage.UserPreference{Value: "dark"})

	time.Sleep(time.Millisecond)

	if _, ok := cache.get("anna", "theme"); ok {
		t.Error("get() after TTL expiry reported a hit")
	}
}

func TestPreferenceCache_InvalidateUser(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache := newPreferenceCache(time.Minute)
	cache.set("anna", "theme", &storage.UserPreference{Value: "dark"})
	cache.set("anna", "language", &storage.UserPreference{Value: "it"})
	cache.set("mario", "theme", &storage.UserPreference{Value: "light"})

	cache.invalidateUser("anna")

	if _, ok := cache.get("anna", "theme"); ok {
		t.Error("anna/theme survived invalidateUser")
	}

	if _, ok := cache.get("anna", "language"); ok {
		t.Error("anna/language survived invalidateUser")
	}

	if pref, ok := cache.get("mario", "theme"); !ok || pref.Value != "light" {
		t.Error("invalidateUser(anna) dropped mario's entry")
	}
}

func TestRepository_PreferenceCaching(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo := setupTestRepository(t)
	ctx := context.Background()

	err := repo.SetUserPreference(ctx, "anna", "theme", storage.PreferenceInput{Value: "dark"})
	if err != nil {
		t.Fatalf("SetUserPreference() error = %v", err)
	}

	pref, err := repo.GetUserPreference(ctx, "anna", "theme")
	if err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}

	if pref == nil || pref.Value != "dark" {
		t.Fatalf("GetUserPreference() = %+v, want dark", pref)
	}

	// A write behind the repository's back stays invisible while the cache
	// entry is fresh.
	err = repo.Metadata().Users.SetPreference(ctx, "anna", "theme", storage.PreferenceInput{Value: "light"})
	if err != nil {
		t.Fatalf("direct SetPreference() error = %v", err)
	}

	cached, err := repo.GetUserPreference(ctx, "anna", "theme")
	if err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}

	if cached.Value != "dark" {
		t.Errorf("GetUserPreference() = %q, want cached dark", cached.Value)
	}

	// A write through the repository invalidates synchronously.
	if err := repo.SetUserPreference(ctx, "anna", "theme", storage.PreferenceInput{Value: "solarized"}); err != nil {
		t.Fatalf("SetUserPreference() error = %v", err)
	}

	updated, err := repo.GetUserPreference(ctx, "anna", "theme")
	if err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}

	if updated.Value != "solarized" {
		t.Errorf("GetUserPreference() after set = %q, want solarized", updated.Value)
	}

	if err := repo.DeleteUserPreference(ctx, "anna", "theme"); err != nil {
		t.Fatalf("DeleteUserPreference() error = %v", err)
	}

	gone, err := repo.GetUserPreference(ctx, "anna", "theme")
	if err != nil {
		t.Fatalf("GetUserPreference() after delete error = %v", err)
	}

	if gone != nil {
		t.Errorf("GetUserPreference() after delete = %+v, want nil", gone)
	}
}

func TestRepository_DeleteAllUserPreferences(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo := setupTestRepository(t)
	ctx := context.Background()

	for key, value := range map[string]string{"theme": "dark", "language": "it"} {
		if err := repo.SetUserPreference(ctx, "anna", key, storage.PreferenceInput{Value: value}); err != nil {
			t.Fatalf("SetUserPreference(%s) error = %v", key, err)
		}
	}

	// Warm the cache.
	if _, err := repo.GetUserPreference(ctx, "anna", "theme"); err != nil {
		t.Fatalf("GetUserPreference() error = %v", err)
	}

	deleted, err := repo.DeleteAllUserPreferences(ctx, "anna")
	if err != nil {
		t.Fatalf("DeleteAllUserPreferences() error = %v", err)
	}

	if deleted != 2 {
		t.Errorf("DeleteAllUserPreferences() deleted = %d, want 2", deleted)
	}

	pref, err := repo.GetUserPreference(ctx, "anna", "theme")
	if err != nil {
		t.Fatalf("GetUserPreference() after delete-all error = %v", err)
	}

	if pref != nil {
		t.Errorf("GetUserPreference() after delete-all = %+v, want nil", pref)
	}
}

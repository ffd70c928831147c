package storage

import (
	"context"
	"testing"
)

func TestMemoryCredentialStore_AddAndFind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryCredentialStore()
	ctx := context.Background()

	key, err := GenerateAPIKey("powerbi")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	if err := store.Add("powerbi", key, 50); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	credential, found := store.FindCredentialByKey(ctx, key)
	if !found {
		t.Fatal("FindCredentialByKey() = not found, want credential")
	}

	if credential.ServiceName != "powerbi" || credential.RateLimit != 50 {
		t.Errorf("FindCredentialByKey() = %+v, want powerbi/50", credential)
	}

	if credential.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1 after lookup", credential.UsageCount)
	}

	if _, found := store.FindCredentialByKey(ctx, "statbridge_ak_unknown"); found {
		t.Error("FindCredentialByKey(unknown) = found, want not found")
	}

	if _, found := store.FindCredentialByKey(ctx, ""); found {
		t.Error("FindCredentialByKey(empty) = found, want not found")
	}
}

func TestMemoryCredentialStore_AddValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryCredentialStore()

	if err := store.Add("", "key", 0); err != ErrInvalidServiceName {
		t.Errorf("Add(empty service) error = %v, want ErrInvalidServiceName", err)
	}

	if err := store.Add("svc", "", 0); err != ErrKeyEmpty {
		t.Errorf("Add(empty key) error = %v, want ErrKeyEmpty", err)
	}
}

func TestMemoryCredentialStore_ReplaceAndRemove(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryCredentialStore()
	ctx := context.Background()

	if err := store.Add("svc", "old-key", 0); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := store.Add("svc", "new-key", 0); err != nil {
		t.Fatalf("Add() replace error = %v", err)
	}

	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after replace", store.Len())
	}

	if _, found := store.FindCredentialByKey(ctx, "old-key"); found {
		t.Error("old key still resolvable after replacement")
	}

	if _, found := store.FindCredentialByKey(ctx, "new-key"); !found {
		t.Error("new key not resolvable after replacement")
	}

	store.Remove("svc")

	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after remove", store.Len())
	}

	if _, found := store.FindCredentialByKey(ctx, "new-key"); found {
		t.Error("key resolvable after service removal")
	}
}

func TestMemoryCredentialStore_LoadFromList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := NewMemoryCredentialStore()

	loaded := store.LoadFromList([]string{
		"powerbi:statbridge_ak_aaa",
		"bare-key-entry",
		"  ",
		"dashboard:statbridge_ak_bbb",
	})

	if loaded != 3 {
		t.Errorf("LoadFromList() = %d, want 3", loaded)
	}

	ctx := context.Background()

	credential, found := store.FindCredentialByKey(ctx, "statbridge_ak_aaa")
	if !found || credential.ServiceName != "powerbi" {
		t.Errorf("FindCredentialByKey(powerbi key) = %+v/%v, want powerbi", credential, found)
	}

	credential, found = store.FindCredentialByKey(ctx, "bare-key-entry")
	if !found || credential.ServiceName != "default" {
		t.Errorf("FindCredentialByKey(bare entry) = %+v/%v, want default service", credential, found)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuditManager_LogAndTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	entry := NewAuditEntry("dataset_ingestion", "dataset")
	entry.UserID = "pipeline"
	entry.ResourceID = "101_1015"
	entry.Details = map[string]any{"records": 1500.0}
	entry.ExecutionTimeMS = 420

	if err := store.Audit.LogAction(ctx, entry); err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}

	failure := NewAuditEntry("dataset_ingestion", "dataset")
	failure.UserID = "pipeline"
	failure.ResourceID = "150_895"
	failure.Success = false
	failure.ErrorMessage = "connection reset"

	if err := store.Audit.LogAction(ctx, failure); err != nil {
		t.Fatalf("LogAction() failure entry error = %v", err)
	}

	events, err := store.Audit.Trail(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("Trail() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Trail() returned %d events, want 2", len(events))
	}

	// Newest first
	if events[0].ResourceID != "150_895" {
		t.Errorf("Trail()[0] resource = %q, want newest event first", events[0].ResourceID)
	}

	if events[0].Success {
		t.Error("Trail()[0] Success = true, want false")
	}

	if events[1].Details["records"] != 1500.0 {
		t.Errorf("Trail()[1] Details = %v, want records preserved", events[1].Details)
	}

	if events[1].ExecutionTimeMS != 420 {
		t.Errorf("Trail()[1] ExecutionTimeMS = %d, want 420", events[1].ExecutionTimeMS)
	}
}

func TestAuditManager_TrailFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []AuditEntry{
		{UserID: "mario", Action: "export", ResourceType: "dataset", ResourceID: "a", Success: true},
		{UserID: "mario", Action: ActionLogin, ResourceType: "security", Success: true},
		{UserID: "anna", Action: "export", ResourceType: "dataset", ResourceID: "b", Success: false, ErrorMessage: "boom"},
		{Action: "cleanup", ResourceType: "system", Success: true},
	}

	for _, entry := range seed {
		if err := store.Audit.LogAction(ctx, entry); err != nil {
			t.Fatalf("LogAction(%s) error = %v", entry.Action, err)
		}
	}

	byUser, err := store.Audit.Trail(ctx, AuditFilter{UserID: "mario"})
	if err != nil {
		t.Fatalf("Trail(user) error = %v", err)
	}

	if len(byUser) != 2 {
		t.Errorf("Trail(user=mario) returned %d events, want 2", len(byUser))
	}

	byAction, err := store.Audit.Trail(ctx, AuditFilter{Action: "export"})
	if err != nil {
		t.Fatalf("Trail(action) error = %v", err)
	}

	if len(byAction) != 2 {
		t.Errorf("Trail(action=export) returned %d events, want 2", len(byAction))
	}

	failed := false
	byOutcome, err := store.Audit.Trail(ctx, AuditFilter{Success: &failed})
	if err != nil {
		t.Fatalf("Trail(success) error = %v", err)
	}

	if len(byOutcome) != 1 || byOutcome[0].ErrorMessage != "boom" {
		t.Errorf("Trail(success=false) = %d events, want the single failure", len(byOutcome))
	}

	limited, err := store.Audit.Trail(ctx, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Trail(limit) error = %v", err)
	}

	if len(limited) != 2 {
		t.Errorf("Trail(limit=2) returned %d events, want 2", len(limited))
	}
}

func TestAuditManager_EmptyActionRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)

	err := store.Audit.LogAction(context.Background(), AuditEntry{ResourceType: "dataset"})
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("LogAction(empty action) error = %v, want ErrInvalidAction", err)
	}
}

func TestAuditManager_Statistics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []AuditEntry{
		{UserID: "a", Action: "export", ResourceType: "dataset", Success: true, ExecutionTimeMS: 100},
		{UserID: "a", Action: "export", ResourceType: "dataset", Success: true, ExecutionTimeMS: 300},
		{UserID: "b", Action: "ingest", ResourceType: "dataset", Success: false, ExecutionTimeMS: 200},
	}

	for _, entry := range seed {
		if err := store.Audit.LogAction(ctx, entry); err != nil {
			t.Fatalf("LogAction() error = %v", err)
		}
	}

	stats, err := store.Audit.Statistics(ctx, nil)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}

	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}

	if stats.SuccessfulEvents != 2 || stats.FailedEvents != 1 {
		t.Errorf("success/failed = %d/%d, want 2/1", stats.SuccessfulEvents, stats.FailedEvents)
	}

	if stats.UniqueUsers != 2 {
		t.Errorf("UniqueUsers = %d, want 2", stats.UniqueUsers)
	}

	if stats.AvgExecutionMS != 200.0 {
		t.Errorf("AvgExecutionMS = %v, want 200", stats.AvgExecutionMS)
	}

	if len(stats.ByAction) != 2 {
		t.Fatalf("ByAction has %d entries, want 2", len(stats.ByAction))
	}

	// Most frequent action first
	if stats.ByAction[0].Action != "export" || stats.ByAction[0].Count != 2 {
		t.Errorf("ByAction[0] = %+v, want export x2", stats.ByAction[0])
	}

	if stats.ByAction[1].Failures != 1 {
		t.Errorf("ByAction[1].Failures = %d, want 1", stats.ByAction[1].Failures)
	}

	// Windowed statistics exclude older events
	future := time.Now().Add(time.Hour)

	windowed, err := store.Audit.Statistics(ctx, &future)
	if err != nil {
		t.Fatalf("Statistics(windowed) error = %v", err)
	}

	if windowed.TotalEvents != 0 {
		t.Errorf("Statistics(future window) TotalEvents = %d, want 0", windowed.TotalEvents)
	}
}

func TestAuditManager_Cleanup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	// Two old events planted directly, one fresh through the manager
	oldTS := formatTime(time.Now().AddDate(0, 0, -100))

	for i := 0; i < 2; i++ {
		_, err := store.Connection().ExecContext(ctx, `
			INSERT INTO audit_log (action, resource_type, success, timestamp)
			VALUES ('ancient_action', 'system', 1, ?)`,
			oldTS,
		)
		if err != nil {
			t.Fatalf("failed to plant old audit row: %v", err)
		}
	}

	if err := store.Audit.LogAction(ctx, NewAuditEntry("fresh_action", "system")); err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}

	deleted, err := store.Audit.Cleanup(ctx, 90)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if deleted != 2 {
		t.Errorf("Cleanup() deleted = %d, want 2", deleted)
	}

	remaining, err := store.Audit.Trail(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("Trail() error = %v", err)
	}

	if len(remaining) != 1 || remaining[0].Action != "fresh_action" {
		t.Errorf("Trail() after cleanup = %d events, want only the fresh one", len(remaining))
	}

	// Retention floor
	if _, err := store.Audit.Cleanup(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("Cleanup(0) error = %v, want ErrInvalidRetention", err)
	}
}

func TestAuditManager_SecurityEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []AuditEntry{
		{UserID: "mario", Action: ActionLogin, ResourceType: "security", Success: true},
		{UserID: "eve", Action: ActionAuthFailure, ResourceType: "security", Success: false, ErrorMessage: "bad key"},
		{UserID: "anna", Action: "export", ResourceType: "dataset", Success: false, ErrorMessage: "boom"},
		{UserID: "anna", Action: "export", ResourceType: "dataset", Success: true},
	}

	for _, entry := range seed {
		if err := store.Audit.LogAction(ctx, entry); err != nil {
			t.Fatalf("LogAction(%s) error = %v", entry.Action, err)
		}
	}

	// Security actions and failures qualify; the successful export does not.
	events, err := store.Audit.SecurityEvents(ctx, nil, 0)
	if err != nil {
		t.Fatalf("SecurityEvents() error = %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("SecurityEvents() returned %d events, want 3", len(events))
	}

	for _, event := range events {
		if event.Success && !IsSecurityAction(event.Action) {
			t.Errorf("SecurityEvents() included %s/%v, want security actions or failures only",
				event.Action, event.Success)
		}
	}

	limited, err := store.Audit.SecurityEvents(ctx, nil, 1)
	if err != nil {
		t.Fatalf("SecurityEvents(limit) error = %v", err)
	}

	if len(limited) != 1 {
		t.Errorf("SecurityEvents(limit=1) returned %d events, want 1", len(limited))
	}

	future := time.Now().Add(time.Hour)

	windowed, err := store.Audit.SecurityEvents(ctx, &future, 0)
	if err != nil {
		t.Fatalf("SecurityEvents(windowed) error = %v", err)
	}

	if len(windowed) != 0 {
		t.Errorf("SecurityEvents(future window) returned %d events, want 0", len(windowed))
	}
}

func TestAuditManager_UserActivity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []AuditEntry{
		{UserID: "mario", Action: "export", ResourceType: "dataset", ResourceID: "a", Success: true},
		{UserID: "mario", Action: ActionLogin, ResourceType: "security", Success: true},
		{UserID: "anna", Action: "export", ResourceType: "dataset", ResourceID: "b", Success: true},
	}

	for _, entry := range seed {
		if err := store.Audit.LogAction(ctx, entry); err != nil {
			t.Fatalf("LogAction(%s) error = %v", entry.Action, err)
		}
	}

	activity, err := store.Audit.UserActivity(ctx, "mario", nil, 0)
	if err != nil {
		t.Fatalf("UserActivity() error = %v", err)
	}

	if len(activity) != 2 {
		t.Fatalf("UserActivity(mario) returned %d events, want 2", len(activity))
	}

	// Newest first
	if activity[0].Action != ActionLogin {
		t.Errorf("UserActivity()[0].Action = %q, want newest event first", activity[0].Action)
	}

	if _, err := store.Audit.UserActivity(ctx, "  ", nil, 0); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("UserActivity(blank user) error = %v, want ErrInvalidUserID", err)
	}
}

func TestAuditManager_ActionSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []AuditEntry{
		{Action: "export", ResourceType: "dataset", Success: true},
		{Action: "export", ResourceType: "dataset", Success: false, ErrorMessage: "boom"},
		{Action: "ingest", ResourceType: "dataset", Success: true},
	}

	for _, entry := range seed {
		if err := store.Audit.LogAction(ctx, entry); err != nil {
			t.Fatalf("LogAction(%s) error = %v", entry.Action, err)
		}
	}

	summary, err := store.Audit.ActionSummary(ctx, nil)
	if err != nil {
		t.Fatalf("ActionSummary() error = %v", err)
	}

	if len(summary) != 2 {
		t.Fatalf("ActionSummary() has %d entries, want 2", len(summary))
	}

	if summary[0].Action != "export" || summary[0].Count != 2 || summary[0].Failures != 1 {
		t.Errorf("ActionSummary()[0] = %+v, want export x2 with 1 failure", summary[0])
	}

	if summary[1].Action != "ingest" || summary[1].Count != 1 {
		t.Errorf("ActionSummary()[1] = %+v, want ingest x1", summary[1])
	}
}

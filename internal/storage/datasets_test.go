package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDatasetManager_RegisterAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	dataset := &Dataset{
		ID:          "101_1015",
		Name:        "Coltivazioni",
		Category:    "economia",
		Description: "Superfici e produzioni agricole",
		Priority:    8,
		Metadata:    map[string]any{"source": "istat"},
	}

	if err := store.Datasets.Register(ctx, dataset); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := store.Datasets.Get(ctx, "101_1015")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got == nil {
		t.Fatal("Get() = nil, want dataset")
	}

	if got.Name != "Coltivazioni" || got.Category != "economia" || got.Priority != 8 {
		t.Errorf("Get() = %+v, want registered fields", got)
	}

	if !got.IsActive {
		t.Error("Get() IsActive = false, want true")
	}

	if got.SourceAgency != "ISTAT" {
		t.Errorf("Get() SourceAgency = %q, want default ISTAT", got.SourceAgency)
	}

	if got.Metadata["source"] != "istat" {
		t.Errorf("Get() Metadata = %v, want source preserved", got.Metadata)
	}

	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Get() timestamps are zero")
	}
}

func TestDatasetManager_RegisterIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	first := &Dataset{ID: "22_289", Name: "Indicatori demografici", Category: "popolazione", Priority: 9}
	if err := store.Datasets.Register(ctx, first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	before, err := store.Datasets.Get(ctx, "22_289")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Re-register with changed fields; created_at must survive.
	second := &Dataset{ID: "22_289", Name: "Indicatori demografici v2", Category: "popolazione", Priority: 7}
	if err := store.Datasets.Register(ctx, second); err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}

	after, err := store.Datasets.Get(ctx, "22_289")
	if err != nil {
		t.Fatalf("Get() after re-register error = %v", err)
	}

	if after.Name != "Indicatori demografici v2" || after.Priority != 7 {
		t.Errorf("re-Register() did not update fields: %+v", after)
	}

	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("re-Register() changed created_at: before %v, after %v", before.CreatedAt, after.CreatedAt)
	}

	summary, err := store.Datasets.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	if summary.Total != 1 {
		t.Errorf("Summary() Total = %d, want 1 after duplicate registration", summary.Total)
	}
}

func TestDatasetManager_RegisterValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Datasets.Register(ctx, &Dataset{ID: "  "}); !errors.Is(err, ErrInvalidDatasetID) {
		t.Errorf("Register(empty id) error = %v, want ErrInvalidDatasetID", err)
	}

	if err := store.Datasets.Register(ctx, &Dataset{ID: "x", Name: "X", Priority: 11}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("Register(priority 11) error = %v, want ErrInvalidPriority", err)
	}

	if err := store.Datasets.Register(ctx, &Dataset{ID: "x", Name: "X", Priority: -1}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("Register(priority -1) error = %v, want ErrInvalidPriority", err)
	}

	// Nothing was persisted by the failed registrations.
	got, err := store.Datasets.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != nil {
		t.Error("failed Register() persisted a row")
	}
}

func TestDatasetManager_GetMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)

	got, err := store.Datasets.Get(context.Background(), "never_registered")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
}

func TestDatasetManager_ListOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []*Dataset{
		{ID: "a", Name: "Zeta", Category: "economia", Priority: 5},
		{ID: "b", Name: "Alfa", Category: "economia", Priority: 5},
		{ID: "c", Name: "Beta", Category: "popolazione", Priority: 9},
		{ID: "d", Name: "Gamma", Category: "lavoro", Priority: 1},
	}

	for _, dataset := range seed {
		if err := store.Datasets.Register(ctx, dataset); err != nil {
			t.Fatalf("Register(%s) error = %v", dataset.ID, err)
		}
	}

	datasets, err := store.Datasets.List(ctx, "", true, 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	wantOrder := []string{"c", "b", "a", "d"} // priority desc, then name asc

	if len(datasets) != len(wantOrder) {
		t.Fatalf("List() returned %d datasets, want %d", len(datasets), len(wantOrder))
	}

	for i, want := range wantOrder {
		if datasets[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, datasets[i].ID, want)
		}
	}

	// Paging walks the same ordering
	page, err := store.Datasets.List(ctx, "", true, 2, 1)
	if err != nil {
		t.Fatalf("List(paged) error = %v", err)
	}

	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "a" {
		t.Errorf("List(limit=2, offset=1) = %v, want [b a]", page)
	}

	// Category filter
	economia, err := store.Datasets.List(ctx, "economia", true, 0, 0)
	if err != nil {
		t.Fatalf("List(economia) error = %v", err)
	}

	if len(economia) != 2 {
		t.Errorf("List(economia) returned %d datasets, want 2", len(economia))
	}

	// Deactivated datasets drop out of active listings
	if err := store.Datasets.Deactivate(ctx, "c"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	active, err := store.Datasets.List(ctx, "", true, 0, 0)
	if err != nil {
		t.Fatalf("List() after deactivate error = %v", err)
	}

	for _, dataset := range active {
		if dataset.ID == "c" {
			t.Error("List(activeOnly) returned deactivated dataset")
		}
	}

	all, err := store.Datasets.List(ctx, "", false, 0, 0)
	if err != nil {
		t.Fatalf("List(all) error = %v", err)
	}

	if len(all) != 4 {
		t.Errorf("List(all) returned %d datasets, want 4", len(all))
	}
}

func TestDatasetManager_UpdateStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Datasets.Register(ctx, &Dataset{ID: "101_1015", Name: "Coltivazioni", Category: "economia"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	records := int64(1500)
	quality := 0.92
	processed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	err := store.Datasets.UpdateStats(ctx, "101_1015", DatasetStatsUpdate{
		RecordCount:   &records,
		QualityScore:  &quality,
		LastProcessed: &processed,
	})
	if err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}

	got, err := store.Datasets.Get(ctx, "101_1015")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.RecordCount != 1500 {
		t.Errorf("RecordCount = %d, want 1500", got.RecordCount)
	}

	if got.QualityScore != 0.92 {
		t.Errorf("QualityScore = %v, want 0.92", got.QualityScore)
	}

	if got.LastProcessed == nil || !got.LastProcessed.Equal(processed) {
		t.Errorf("LastProcessed = %v, want %v", got.LastProcessed, processed)
	}

	// Partial update leaves other fields unchanged
	newRecords := int64(2000)
	if err := store.Datasets.UpdateStats(ctx, "101_1015", DatasetStatsUpdate{RecordCount: &newRecords}); err != nil {
		t.Fatalf("partial UpdateStats() error = %v", err)
	}

	got, err = store.Datasets.Get(ctx, "101_1015")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.RecordCount != 2000 {
		t.Errorf("RecordCount after partial update = %d, want 2000", got.RecordCount)
	}

	if got.QualityScore != 0.92 {
		t.Errorf("QualityScore after partial update = %v, want unchanged 0.92", got.QualityScore)
	}

	// Unknown dataset
	if err := store.Datasets.UpdateStats(ctx, "ghost", DatasetStatsUpdate{RecordCount: &records}); !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("UpdateStats(ghost) error = %v, want ErrDatasetNotFound", err)
	}
}

func TestDatasetManager_CategoriesAndSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	seed := []*Dataset{
		{ID: "a", Name: "A", Category: "popolazione", Priority: 8},
		{ID: "b", Name: "B", Category: "economia", Priority: 6},
		{ID: "c", Name: "C", Category: "economia", Priority: 4},
	}

	for _, dataset := range seed {
		if err := store.Datasets.Register(ctx, dataset); err != nil {
			t.Fatalf("Register(%s) error = %v", dataset.ID, err)
		}
	}

	records := int64(100)
	if err := store.Datasets.UpdateStats(ctx, "a", DatasetStatsUpdate{RecordCount: &records}); err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}

	categories, err := store.Datasets.Categories(ctx)
	if err != nil {
		t.Fatalf("Categories() error = %v", err)
	}

	want := []string{"economia", "popolazione"}
	if len(categories) != len(want) {
		t.Fatalf("Categories() = %v, want %v", categories, want)
	}

	for i := range want {
		if categories[i] != want[i] {
			t.Errorf("Categories()[%d] = %s, want %s", i, categories[i], want[i])
		}
	}

	summary, err := store.Datasets.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	if summary.Total != 3 || summary.Active != 3 {
		t.Errorf("Summary() total/active = %d/%d, want 3/3", summary.Total, summary.Active)
	}

	if summary.Categories != 2 {
		t.Errorf("Summary() categories = %d, want 2", summary.Categories)
	}

	if summary.TotalRecords != 100 {
		t.Errorf("Summary() total records = %d, want 100", summary.TotalRecords)
	}
}

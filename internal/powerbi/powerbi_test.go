package powerbi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/storage"
)

func TestDatasetKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := datasetKey("101_1015", keyStarSchema); got != "dataset.101_1015.powerbi_star_schema" {
		t.Errorf("datasetKey() = %q", got)
	}

	tests := []struct {
		name   string
		key    string
		suffix string
		want   string
	}{
		{"round trip", "dataset.101_1015.powerbi_star_schema", keyStarSchema, "101_1015"},
		{"wrong namespace", "system.101_1015.powerbi_star_schema", keyStarSchema, ""},
		{"wrong suffix", "dataset.101_1015.powerbi_lineage", keyStarSchema, ""},
		{"dotted dataset id", "dataset.a.b.powerbi_lineage", keyLineage, "a.b"},
		{"bare namespace", "dataset.", keyLineage, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := datasetFromKey(tt.key, tt.suffix); got != tt.want {
				t.Errorf("datasetFromKey(%q, %q) = %q, want %q", tt.key, tt.suffix, got, tt.want)
			}
		})
	}
}

func TestDeriveStarSchema(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		category  string
		wantDims  int
		wantExtra string
	}{
		{"population adds gender and age", categoryPopulation, 6, "dim_gender"},
		{"economy adds indicator and sector", categoryEconomy, 6, "dim_sector"},
		{"labor adds occupation and status", categoryLabor, 6, "dim_employment_status"},
		{"other categories keep the standard four", "altro", 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := deriveStarSchema(&storage.Dataset{ID: "DCIS_POPRES1", Category: tt.category})

			if schema.FactTable.Name != "fact_dcis_popres1" {
				t.Errorf("FactTable.Name = %q", schema.FactTable.Name)
			}

			if len(schema.Dimensions) != tt.wantDims {
				t.Errorf("len(Dimensions) = %d, want %d", len(schema.Dimensions), tt.wantDims)
			}

			if tt.wantExtra != "" && !hasDimension(schema, tt.wantExtra) {
				t.Errorf("Dimensions missing %s", tt.wantExtra)
			}

			if len(schema.Relationships) != 3 {
				t.Fatalf("len(Relationships) = %d, want 3", len(schema.Relationships))
			}

			for _, rel := range schema.Relationships {
				if rel.Cardinality != "many_to_one" {
					t.Errorf("Relationship %s cardinality = %q", rel.ToTable, rel.Cardinality)
				}

				if rel.FromTable != schema.FactTable.Name {
					t.Errorf("Relationship %s from = %q", rel.ToTable, rel.FromTable)
				}
			}
		})
	}
}

func TestBuildMeasureSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	population := buildMeasureSet(&storage.Dataset{ID: "X", Category: categoryPopulation})
	if len(population.Measures) != 9 {
		t.Errorf("population measures = %d, want 9", len(population.Measures))
	}

	if !hasMeasure(population, "Popolazione Totale") {
		t.Error("population set missing Popolazione Totale")
	}

	generic := buildMeasureSet(&storage.Dataset{ID: "X", Category: "altro"})
	if len(generic.Measures) != 6 {
		t.Errorf("generic measures = %d, want 6", len(generic.Measures))
	}

	if hasMeasure(generic, "Popolazione Totale") {
		t.Error("generic set should not carry category measures")
	}

	total := measureByName(t, generic, "Total Observations")
	if total.Expression != "COUNTROWS('fact_x')" {
		t.Errorf("Total Observations = %q", total.Expression)
	}

	labor := buildMeasureSet(&storage.Dataset{ID: "150_908", Category: categoryLabor})

	rate := measureByName(t, labor, "Tasso di Disoccupazione")
	if !strings.Contains(rate.Expression, "[Totale Disoccupati]") {
		t.Errorf("unemployment rate expression = %q", rate.Expression)
	}

	yoy := measureByName(t, labor, "YoY Growth")
	if !strings.Contains(yoy.Expression, "RETURN DIVIDE(CurrentValue - PreviousValue, PreviousValue)") {
		t.Errorf("YoY Growth expression = %q", yoy.Expression)
	}
}

func TestRecommendedFrequency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		priority int
		metadata map[string]any
		want     string
	}{
		{"priority eight is daily", 8, nil, FrequencyDaily},
		{"priority ten is daily", 10, nil, FrequencyDaily},
		{"priority six is weekly", 6, nil, FrequencyWeekly},
		{"priority seven is weekly", 7, nil, FrequencyWeekly},
		{"declared frequency applies below six", 5, map[string]any{"update_frequency": "weekly"}, "weekly"},
		{"no declaration falls back to monthly", 3, nil, FrequencyMonthly},
		{"non-string declaration falls back to monthly", 4, map[string]any{"update_frequency": 7}, FrequencyMonthly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataset := &storage.Dataset{ID: "X", Priority: tt.priority, Metadata: tt.metadata}

			if got := recommendedFrequency(dataset); got != tt.want {
				t.Errorf("recommendedFrequency() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextScheduled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	last := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		frequency string
		want      time.Time
	}{
		{"daily", FrequencyDaily, last.AddDate(0, 0, 1)},
		{"weekly", FrequencyWeekly, last.AddDate(0, 0, 7)},
		{"monthly", FrequencyMonthly, last.AddDate(0, 0, 30)},
		{"unknown defaults to daily", "hourly", last.AddDate(0, 0, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextScheduled(last, tt.frequency); !got.Equal(tt.want) {
				t.Errorf("nextScheduled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidFrequency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, frequency := range []string{FrequencyDaily, FrequencyWeekly, FrequencyMonthly} {
		if !validFrequency(frequency) {
			t.Errorf("validFrequency(%q) = false", frequency)
		}
	}

	for _, frequency := range []string{"", "hourly", "DAILY"} {
		if validFrequency(frequency) {
			t.Errorf("validFrequency(%q) = true", frequency)
		}
	}
}

func TestCategoryVisuals(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	population := categoryVisuals(categoryPopulation)
	if len(population) != 4 {
		t.Errorf("population visuals = %d, want 4", len(population))
	}

	if population[0].Type != "lineChart" {
		t.Errorf("population lead visual = %q", population[0].Type)
	}

	economy := categoryVisuals(categoryEconomy)

	var hasCard bool

	for _, v := range economy {
		if v.Type == "card" {
			hasCard = true
		}
	}

	if !hasCard {
		t.Error("economy set missing the card visual")
	}

	generic := categoryVisuals("istruzione")
	if len(generic) != 3 {
		t.Errorf("generic visuals = %d, want 3", len(generic))
	}

	if generic[len(generic)-1].Type != "table" {
		t.Errorf("generic detail visual = %q", generic[len(generic)-1].Type)
	}
}

func TestBuildLayout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	visuals := categoryVisuals(categoryPopulation)

	layout := buildLayout("Popolazione residente", visuals)
	if len(layout.Sections) != 1 {
		t.Fatalf("sections = %d, want 1", len(layout.Sections))
	}

	main := layout.Sections[0]
	if main.DisplayName != "Popolazione residente" {
		t.Errorf("DisplayName = %q", main.DisplayName)
	}

	if len(main.VisualContainers) != 4 {
		t.Fatalf("containers = %d, want 4", len(main.VisualContainers))
	}

	first := main.VisualContainers[0]
	if first.X != visualMargin || first.Y != visualMargin {
		t.Errorf("first container at (%d, %d)", first.X, first.Y)
	}

	cellWidth := pageWidth / gridColumns
	cellHeight := pageHeight / 2

	if first.Width != cellWidth-2*visualMargin || first.Height != cellHeight-2*visualMargin {
		t.Errorf("first container size %dx%d", first.Width, first.Height)
	}

	// Index three wraps to the second row, first column.
	fourth := main.VisualContainers[3]
	if fourth.X != visualMargin || fourth.Y != cellHeight+visualMargin {
		t.Errorf("fourth container at (%d, %d)", fourth.X, fourth.Y)
	}

	overflow := buildLayout("x", append(visuals, visuals...))
	if len(overflow.Sections) != 2 {
		t.Fatalf("overflow sections = %d, want 2", len(overflow.Sections))
	}

	detail := overflow.Sections[1]
	if detail.DisplayName != "Dettagli" {
		t.Errorf("detail page name = %q", detail.DisplayName)
	}

	if len(detail.VisualContainers) != 2 {
		t.Fatalf("detail containers = %d, want 2", len(detail.VisualContainers))
	}

	detailWidth := pageWidth / detailColumns
	second := detail.VisualContainers[1]

	if second.X != detailWidth+visualMargin || second.Y != visualMargin {
		t.Errorf("detail container at (%d, %d)", second.X, second.Y)
	}

	if second.Width != detailWidth-2*visualMargin {
		t.Errorf("detail container width = %d", second.Width)
	}
}

func TestQualityMeasures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	measures := qualityMeasures()
	if len(measures) != 3 {
		t.Fatalf("quality measures = %d, want 3", len(measures))
	}

	grade := measures[1]
	if grade.Name != "Quality Grade" {
		t.Errorf("measure name = %q", grade.Name)
	}

	for _, threshold := range []string{">= 0.9", ">= 0.8", ">= 0.7", ">= 0.6", `"F"`} {
		if !strings.Contains(grade.Expression, threshold) {
			t.Errorf("grade expression missing %s: %q", threshold, grade.Expression)
		}
	}

	trend := measures[2]
	if !strings.Contains(trend.Expression, `"Improving"`) || !strings.Contains(trend.Expression, `"Stable"`) {
		t.Errorf("trend expression = %q", trend.Expression)
	}
}

func TestStandardSteps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	steps := standardSteps()
	want := []string{"data_extraction", "data_validation", "quality_scoring"}

	if len(steps) != len(want) {
		t.Fatalf("standard steps = %d, want %d", len(steps), len(want))
	}

	for i, step := range steps {
		if step.Name != want[i] {
			t.Errorf("step %d = %q, want %q", i, step.Name, want[i])
		}

		if step.Order != i+1 {
			t.Errorf("step %s order = %d, want %d", step.Name, step.Order, i+1)
		}
	}
}

func TestBuildArchive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "150_908", Name: "Occupati", Category: categoryLabor}
	schema := deriveStarSchema(dataset)
	measures := buildMeasureSet(dataset)
	visuals := categoryVisuals(dataset.Category)
	policy := map[string]any{"incremental": true, "refresh_frequency": FrequencyDaily}

	archive, pages, err := buildArchive(dataset.Name, schema, measures, visuals, policy, config.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("buildArchive() error = %v", err)
	}

	if pages != 1 {
		t.Errorf("pages = %d, want 1", pages)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}

	wantEntries := []string{"Report/Layout", "DataModel", "Metadata", "Connections"}
	if len(zr.File) != len(wantEntries) {
		t.Fatalf("archive entries = %d, want %d", len(zr.File), len(wantEntries))
	}

	for i, f := range zr.File {
		if f.Name != wantEntries[i] {
			t.Errorf("entry %d = %q, want %q", i, f.Name, wantEntries[i])
		}
	}

	var model dataModelDocument

	readArchiveEntry(t, zr, "DataModel", &model)

	if model.Culture != templateCulture {
		t.Errorf("model culture = %q", model.Culture)
	}

	if len(model.Tables) != 1+len(schema.Dimensions) {
		t.Errorf("model tables = %d, want %d", len(model.Tables), 1+len(schema.Dimensions))
	}

	if len(model.Measures) != len(measures.Measures) {
		t.Errorf("model measures = %d, want %d", len(model.Measures), len(measures.Measures))
	}

	var meta metadataDocument

	readArchiveEntry(t, zr, "Metadata", &meta)

	if meta.DatasetID != dataset.ID || meta.Locale != templateCulture || meta.Version != templateVersion {
		t.Errorf("metadata = %+v", meta)
	}

	if _, err := time.Parse(time.RFC3339, meta.Created); err != nil {
		t.Errorf("metadata created %q not RFC3339: %v", meta.Created, err)
	}

	var conns connectionsDocument

	readArchiveEntry(t, zr, "Connections", &conns)

	if len(conns.Connections) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns.Connections))
	}

	if conns.Connections[0].ConnectionString != "Data Source=data/statbridge.db" {
		t.Errorf("metadata connection = %q", conns.Connections[0].ConnectionString)
	}

	if conns.RefreshPolicy["refresh_frequency"] != FrequencyDaily {
		t.Errorf("refresh policy stub = %v", conns.RefreshPolicy)
	}

	sample := &sampleDataDocument{DatasetID: dataset.ID, RowCount: 1, Rows: []map[string]any{{"obs_value": "1"}}}

	withSample, _, err := buildArchive(dataset.Name, schema, measures, visuals, policy, config.DefaultSettings(), sample)
	if err != nil {
		t.Fatalf("buildArchive() with sample error = %v", err)
	}

	zr2, err := zip.NewReader(bytes.NewReader(withSample), int64(len(withSample)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}

	if len(zr2.File) != 5 || zr2.File[4].Name != "Data/SampleData.json" {
		t.Errorf("sample archive entries = %d, last = %q", len(zr2.File), zr2.File[len(zr2.File)-1].Name)
	}
}

func hasDimension(schema *StarSchema, name string) bool {
	for _, dim := range schema.Dimensions {
		if dim.Name == name {
			return true
		}
	}

	return false
}

func hasMeasure(set *MeasureSet, name string) bool {
	for _, m := range set.Measures {
		if m.Name == name {
			return true
		}
	}

	return false
}

func measureByName(t *testing.T, set *MeasureSet, name string) Measure {
	t.Helper()

	for _, m := range set.Measures {
		if m.Name == name {
			return m
		}
	}

	t.Fatalf("measure %s not found", name)

	return Measure{}
}

func readArchiveEntry(t *testing.T, zr *zip.Reader, name string, out any) {
	t.Helper()

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			t.Fatalf("failed to open archive entry %s: %v", name, err)
		}

		defer rc.Close()

		if err := json.NewDecoder(rc).Decode(out); err != nil {
			t.Fatalf("failed to decode archive entry %s: %v", name, err)
		}

		return
	}

	t.Fatalf("archive entry %s not found", name)
}

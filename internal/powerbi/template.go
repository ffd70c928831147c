package powerbi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/repository"
)

// ErrNilOptimizer is returned when a Generator is built without an
// Optimizer.
var ErrNilOptimizer = errors.New("template generator requires an optimizer")

const (
	templateCulture = "it-IT"
	templateVersion = "1.0"

	// Report page geometry. The main page lays visuals on a three-column
	// grid, up to six per page; overflow lands on a two-column detail
	// page.
	pageWidth      = 1280
	pageHeight     = 720
	gridColumns    = 3
	visualsPerPage = 6
	detailColumns  = 2
	visualMargin   = 10

	// sampleRowLimit caps the optional embedded sample data.
	sampleRowLimit = 100
)

type (
	// Visual describes one report visual as structured data.
	Visual struct {
		Type        string `json:"type"`
		Title       string `json:"title"`
		XAxis       string `json:"x_axis,omitempty"`
		YAxis       string `json:"y_axis,omitempty"`
		Legend      string `json:"legend,omitempty"`
		Value       string `json:"value,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// TemplateDescriptor is the stored record of a generated template.
	TemplateDescriptor struct {
		DatasetID    string    `json:"dataset_id"`
		TemplateName string    `json:"template_name"`
		Pages        int       `json:"pages"`
		Visuals      int       `json:"visuals"`
		Measures     int       `json:"measures"`
		SizeBytes    int       `json:"size_bytes"`
		GeneratedAt  time.Time `json:"generated_at"`
	}

	// Generator packages star schemas, DAX measures, and curated visual
	// sets into .pbit-shaped ZIP archives.
	Generator struct {
		repo      *repository.Repository
		optimizer *Optimizer
		logger    *slog.Logger
		settings  *config.Settings
	}

	// GeneratorOption configures a Generator.
	GeneratorOption func(*Generator)

	// Archive entry documents. Field casing follows the PowerBI file
	// conventions rather than the API surface.
	layoutDocument struct {
		ID       string          `json:"id"`
		Theme    string          `json:"theme"`
		Sections []layoutSection `json:"sections"`
	}

	layoutSection struct {
		ID               string            `json:"id"`
		Name             string            `json:"name"`
		DisplayName      string            `json:"displayName"`
		Width            int               `json:"width"`
		Height           int               `json:"height"`
		VisualContainers []visualContainer `json:"visualContainers"`
	}

	visualContainer struct {
		ID     string `json:"id"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Z      int    `json:"z"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Config Visual `json:"config"`
	}

	dataModelDocument struct {
		Name          string         `json:"name"`
		Culture       string         `json:"culture"`
		Tables        []Table        `json:"tables"`
		Relationships []Relationship `json:"relationships"`
		Measures      []Measure      `json:"measures"`
	}

	metadataDocument struct {
		Version      string            `json:"version"`
		Created      string            `json:"created"`
		Locale       string            `json:"locale"`
		DatasetID    string            `json:"datasetId"`
		Requirements map[string]string `json:"requirements"`
	}

	templateConnection struct {
		Name             string `json:"name"`
		Type             string `json:"type"`
		ConnectionString string `json:"connectionString"`
	}

	connectionsDocument struct {
		Version       string               `json:"version"`
		Connections   []templateConnection `json:"connections"`
		RefreshPolicy map[string]any       `json:"refreshPolicy"`
	}

	sampleDataDocument struct {
		DatasetID string           `json:"dataset_id"`
		RowCount  int              `json:"row_count"`
		Rows      []map[string]any `json:"rows"`
	}
)

// WithGeneratorLogger sets the generator logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithSettings supplies the settings the Connections entry and SaveTemplate
// read. Defaults to the built-in settings.
func WithSettings(settings *config.Settings) GeneratorOption {
	return func(g *Generator) {
		if settings != nil {
			g.settings = settings
		}
	}
}

// NewGenerator creates a template generator over the repository and
// optimizer.
func NewGenerator(repo *repository.Repository, optimizer *Optimizer, opts ...GeneratorOption) (*Generator, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	if optimizer == nil {
		return nil, ErrNilOptimizer
	}

	g := &Generator{
		repo:      repo,
		optimizer: optimizer,
		logger:    slog.Default(),
		settings:  config.DefaultSettings(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Generate builds the .pbit-shaped archive for a dataset and returns its
// bytes together with the stored descriptor. With includeSampleData the
// archive embeds up to one hundred observation rows.
func (g *Generator) Generate(ctx context.Context, datasetID string, includeSampleData bool) ([]byte, *TemplateDescriptor, error) {
	started := time.Now()

	dataset, err := requireDataset(ctx, g.repo, datasetID)
	if err != nil {
		return nil, nil, err
	}

	schema, err := g.optimizer.StarSchema(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}

	measures, err := g.optimizer.Measures(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}

	visuals := categoryVisuals(dataset.Category)

	var sample *sampleDataDocument

	if includeSampleData {
		rows, err := g.sampleRows(ctx, datasetID)
		if err != nil {
			return nil, nil, err
		}

		sample = &sampleDataDocument{DatasetID: datasetID, RowCount: len(rows), Rows: rows}
	}

	policy, err := g.refreshPolicyStub(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}

	archive, pages, err := buildArchive(dataset.Name, schema, measures, visuals, policy, g.settings, sample)
	if err != nil {
		return nil, nil, err
	}

	descriptor := &TemplateDescriptor{
		DatasetID:    datasetID,
		TemplateName: fmt.Sprintf("%s PowerBI Template", dataset.Name),
		Pages:        pages,
		Visuals:      len(visuals),
		Measures:     len(measures.Measures),
		SizeBytes:    len(archive),
		GeneratedAt:  time.Now().UTC(),
	}

	if err := saveArtifact(ctx, g.repo, datasetID, keyTemplate, "PowerBI template descriptor", descriptor); err != nil {
		return nil, nil, err
	}

	auditArtifact(ctx, g.repo, g.logger, ActionTemplateGeneration, datasetID, time.Since(started), map[string]any{
		"size_bytes":  descriptor.SizeBytes,
		"pages":       descriptor.Pages,
		"visuals":     descriptor.Visuals,
		"sample_data": includeSampleData,
	})

	g.logger.Info("PowerBI template generated",
		"dataset_id", datasetID,
		"size_bytes", descriptor.SizeBytes,
		"visuals", descriptor.Visuals,
	)

	return archive, descriptor, nil
}

// SaveTemplate generates the archive and writes it to the configured
// template directory as <dataset>.pbit, returning the written path.
func (g *Generator) SaveTemplate(ctx context.Context, datasetID string, includeSampleData bool) (string, *TemplateDescriptor, error) {
	archive, descriptor, err := g.Generate(ctx, datasetID, includeSampleData)
	if err != nil {
		return "", nil, err
	}

	dir := g.settings.Templates.Dir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", nil, fmt.Errorf("failed to create template directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, datasetID+".pbit")
	if err := os.WriteFile(path, archive, 0o600); err != nil {
		return "", nil, fmt.Errorf("failed to write template %s: %w", path, err)
	}

	return path, descriptor, nil
}

// Descriptor returns the stored template descriptor, or nil when no
// template was generated for the dataset.
func (g *Generator) Descriptor(ctx context.Context, datasetID string) (*TemplateDescriptor, error) {
	var descriptor TemplateDescriptor

	found, err := loadArtifact(ctx, g.repo, datasetID, keyTemplate, &descriptor)
	if err != nil || !found {
		return nil, err
	}

	return &descriptor, nil
}

func (g *Generator) sampleRows(ctx context.Context, datasetID string) ([]map[string]any, error) {
	query := `SELECT dataset_id, record_id, obs_value, time_period, additional_attributes, ingestion_timestamp
		FROM istat_observations
		WHERE dataset_id = ?
		ORDER BY record_id
		LIMIT ?`

	res, err := g.repo.Analytics().ExecuteQuery(ctx, query, datasetID, sampleRowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample rows for %s: %w", datasetID, err)
	}

	rows := make([]map[string]any, 0, len(res.Rows))

	for _, row := range res.Rows {
		record := make(map[string]any, len(res.Columns))
		for i, col := range res.Columns {
			record[col] = row[i]
		}

		rows = append(rows, record)
	}

	return rows, nil
}

// refreshPolicyStub reflects the stored refresh policy into the
// Connections entry, defaulting to daily incremental refresh when no
// policy exists yet.
func (g *Generator) refreshPolicyStub(ctx context.Context, datasetID string) (map[string]any, error) {
	var policy RefreshPolicy

	found, err := loadArtifact(ctx, g.repo, datasetID, keyRefreshPolicy, &policy)
	if err != nil {
		return nil, err
	}

	if !found {
		return map[string]any{
			"incremental":       true,
			"refresh_frequency": FrequencyDaily,
		}, nil
	}

	return map[string]any{
		"incremental":             policy.Enabled,
		"refresh_frequency":       policy.RefreshFrequency,
		"incremental_window_days": policy.IncrementalWindowDays,
	}, nil
}

// buildArchive assembles the ZIP: Report/Layout, DataModel, Metadata,
// Connections, and optionally Data/SampleData.json.
func buildArchive(datasetName string, schema *StarSchema, measures *MeasureSet, visuals []Visual, policy map[string]any, settings *config.Settings, sample *sampleDataDocument) ([]byte, int, error) {
	layout := buildLayout(datasetName, visuals)

	model := dataModelDocument{
		Name:          schema.FactTable.Name,
		Culture:       templateCulture,
		Tables:        append([]Table{schema.FactTable}, schema.Dimensions...),
		Relationships: schema.Relationships,
		Measures:      measures.Measures,
	}

	meta := metadataDocument{
		Version:   templateVersion,
		Created:   time.Now().UTC().Format(time.RFC3339),
		Locale:    templateCulture,
		DatasetID: schema.DatasetID,
		Requirements: map[string]string{
			"powerbi_desktop": "2.120 or later",
			"data_sources":    "statbridge metadata and analytics stores",
		},
	}

	conns := connectionsDocument{
		Version: templateVersion,
		Connections: []templateConnection{
			{
				Name:             "statbridge_metadata",
				Type:             "sqlite",
				ConnectionString: "Data Source=" + settings.Database.SQLite.Path,
			},
			{
				Name:             "statbridge_analytics",
				Type:             "duckdb",
				ConnectionString: "Database=" + settings.Database.DuckDB.Path,
			},
		},
		RefreshPolicy: policy,
	}

	entries := []struct {
		name    string
		payload any
	}{
		{"Report/Layout", layout},
		{"DataModel", model},
		{"Metadata", meta},
		{"Connections", conns},
	}

	if sample != nil {
		entries = append(entries, struct {
			name    string
			payload any
		}{"Data/SampleData.json", sample})
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, entry := range entries {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create archive entry %s: %w", entry.name, err)
		}

		data, err := json.MarshalIndent(entry.payload, "", "  ")
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode archive entry %s: %w", entry.name, err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, 0, fmt.Errorf("failed to write archive entry %s: %w", entry.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize template archive: %w", err)
	}

	return buf.Bytes(), len(layout.Sections), nil
}

// buildLayout places the first six visuals on a three-column grid and any
// overflow on a two-column "Dettagli" page.
func buildLayout(datasetName string, visuals []Visual) layoutDocument {
	main := layoutSection{
		ID:          uuid.NewString(),
		Name:        "ReportSection1",
		DisplayName: datasetName,
		Width:       pageWidth,
		Height:      pageHeight,
	}

	cellWidth := pageWidth / gridColumns
	cellHeight := pageHeight / 2

	for i, visual := range visuals {
		if i >= visualsPerPage {
			break
		}

		col := i % gridColumns
		row := i / gridColumns

		main.VisualContainers = append(main.VisualContainers, visualContainer{
			ID:     uuid.NewString(),
			X:      col*cellWidth + visualMargin,
			Y:      row*cellHeight + visualMargin,
			Z:      i,
			Width:  cellWidth - 2*visualMargin,
			Height: cellHeight - 2*visualMargin,
			Config: visual,
		})
	}

	sections := []layoutSection{main}

	if len(visuals) > visualsPerPage {
		detail := layoutSection{
			ID:          uuid.NewString(),
			Name:        "ReportSection2",
			DisplayName: "Dettagli",
			Width:       pageWidth,
			Height:      pageHeight,
		}

		detailWidth := pageWidth / detailColumns

		for j, visual := range visuals[visualsPerPage:] {
			col := j % detailColumns
			row := j / detailColumns

			detail.VisualContainers = append(detail.VisualContainers, visualContainer{
				ID:     uuid.NewString(),
				X:      col*detailWidth + visualMargin,
				Y:      row*cellHeight + visualMargin,
				Z:      j,
				Width:  detailWidth - 2*visualMargin,
				Height: cellHeight - 2*visualMargin,
				Config: visual,
			})
		}

		sections = append(sections, detail)
	}

	return layoutDocument{
		ID:       uuid.NewString(),
		Theme:    "CY24SU06",
		Sections: sections,
	}
}

// categoryVisuals returns the curated visual set for a category, or the
// generic set for anything else.
func categoryVisuals(category string) []Visual {
	switch category {
	case categoryPopulation:
		return []Visual{
			{
				Type:        "lineChart",
				Title:       "Andamento della Popolazione",
				XAxis:       "dim_time[period_label]",
				YAxis:       "[Popolazione Totale]",
				Description: "Serie storica della popolazione",
			},
			{
				Type:        "map",
				Title:       "Distribuzione Territoriale",
				Legend:      "dim_territory[territory_name]",
				Value:       "[Popolazione Totale]",
				Description: "Popolazione per territorio",
			},
			{
				Type:        "donutChart",
				Title:       "Ripartizione per Genere",
				Legend:      "dim_gender[gender]",
				Value:       "[Popolazione Totale]",
				Description: "Quote di genere sul totale",
			},
			{
				Type:        "barChart",
				Title:       "Popolazione per Fascia di Eta",
				XAxis:       "dim_age_group[age_group]",
				YAxis:       "[Popolazione Totale]",
				Description: "Distribuzione per fascia di eta",
			},
		}
	case categoryEconomy:
		return []Visual{
			{
				Type:        "lineChart",
				Title:       "Andamento del Valore Economico",
				XAxis:       "dim_time[period_label]",
				YAxis:       "[Valore Economico Totale]",
				Description: "Serie storica del valore economico",
			},
			{
				Type:        "barChart",
				Title:       "Valore per Settore",
				XAxis:       "dim_sector[sector_name]",
				YAxis:       "[Valore Economico Totale]",
				Description: "Confronto tra settori",
			},
			{
				Type:        "card",
				Title:       "Valore Ultimo Anno",
				Value:       "[Valore Ultimo Anno]",
				Description: "Valore dell'anno piu recente",
			},
			{
				Type:        "map",
				Title:       "Distribuzione Territoriale",
				Legend:      "dim_territory[territory_name]",
				Value:       "[Valore Economico Totale]",
				Description: "Valore economico per territorio",
			},
		}
	case categoryLabor:
		return []Visual{
			{
				Type:        "lineChart",
				Title:       "Andamento dell'Occupazione",
				XAxis:       "dim_time[period_label]",
				YAxis:       "[Totale Occupati]",
				Description: "Serie storica degli occupati",
			},
			{
				Type:        "card",
				Title:       "Tasso di Disoccupazione",
				Value:       "[Tasso di Disoccupazione]",
				Description: "Quota di disoccupati sulla forza lavoro",
			},
			{
				Type:        "barChart",
				Title:       "Occupati per Territorio",
				XAxis:       "dim_territory[territory_name]",
				YAxis:       "[Totale Occupati]",
				Description: "Confronto territoriale degli occupati",
			},
			{
				Type:        "donutChart",
				Title:       "Occupati e Disoccupati",
				Legend:      "dim_employment_status[employment_status]",
				Value:       "[Total Observations]",
				Description: "Composizione della forza lavoro",
			},
		}
	default:
		return []Visual{
			{
				Type:        "lineChart",
				Title:       "Andamento Temporale",
				XAxis:       "dim_time[period_label]",
				YAxis:       "[Average Value]",
				Description: "Serie storica dei valori osservati",
			},
			{
				Type:        "barChart",
				Title:       "Valori per Territorio",
				XAxis:       "dim_territory[territory_name]",
				YAxis:       "[Average Value]",
				Description: "Confronto territoriale dei valori",
			},
			{
				Type:        "table",
				Title:       "Dati di Dettaglio",
				Description: "Tabella dei dati osservati",
			},
		}
	}
}

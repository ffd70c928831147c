package powerbi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/storage"
)

const (
	// schemaCacheTTL and measureCacheTTL bound how long derived artifacts
	// are served from memory before re-derivation.
	schemaCacheTTL  = 24 * time.Hour
	measureCacheTTL = 6 * time.Hour
)

type (
	// Column describes one column of a fact or dimension table.
	Column struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}

	// Table is a fact or dimension table of the star schema.
	Table struct {
		Name    string   `json:"name"`
		Columns []Column `json:"columns"`
	}

	// Relationship is a many-to-one join from the fact table to a
	// dimension on the dimension's key column.
	Relationship struct {
		FromTable   string `json:"from_table"`
		ToTable     string `json:"to_table"`
		Key         string `json:"key"`
		Cardinality string `json:"cardinality"`
	}

	// StarSchema is the PowerBI model descriptor for a dataset. Derivation
	// is a pure function of the registration; observation contents never
	// change the shape.
	StarSchema struct {
		DatasetID     string         `json:"dataset_id"`
		FactTable     Table          `json:"fact_table"`
		Dimensions    []Table        `json:"dimensions"`
		Relationships []Relationship `json:"relationships"`
		GeneratedAt   time.Time      `json:"generated_at"`
	}

	// Measure is one DAX measure bound to the model.
	Measure struct {
		Name       string `json:"name"`
		Table      string `json:"table"`
		Expression string `json:"expression"`
	}

	// MeasureSet is the DAX measure library generated for a dataset: the
	// base set shared by every dataset plus the category extension.
	MeasureSet struct {
		DatasetID   string    `json:"dataset_id"`
		Category    string    `json:"category"`
		Measures    []Measure `json:"measures"`
		GeneratedAt time.Time `json:"generated_at"`
	}

	// PerformanceEstimate predicts PowerBI behavior for a dataset from
	// stored observation statistics.
	PerformanceEstimate struct {
		DatasetID             string  `json:"dataset_id"`
		TotalRecords          int64   `json:"total_records"`
		Territories           int64   `json:"territories"`
		StartYear             int     `json:"start_year"`
		EndYear               int     `json:"end_year"`
		AvgQualityScore       float64 `json:"avg_quality_score"`
		EstimatedLoadTimeMS   float64 `json:"estimated_powerbi_load_time_ms"`
		RecommendedRefresh    string  `json:"recommended_refresh_frequency"`
		OptimizationPotential float64 `json:"star_schema_optimization_potential"`
	}

	schemaEntry struct {
		schema    *StarSchema
		expiresAt time.Time
	}

	measureEntry struct {
		set       *MeasureSet
		expiresAt time.Time
	}

	// Optimizer derives star schemas and DAX measure sets behind
	// wall-clock TTL caches, and computes performance estimates. The first
	// derivation of each artifact also persists it to the metadata store;
	// later derivations leave the stored copy untouched.
	Optimizer struct {
		repo   *repository.Repository
		logger *slog.Logger

		mu         sync.Mutex
		schemaTTL  time.Duration
		measureTTL time.Duration
		schemas    map[string]schemaEntry
		measures   map[string]measureEntry
	}

	// OptimizerOption configures an Optimizer.
	OptimizerOption func(*Optimizer)
)

// WithOptimizerLogger sets the optimizer logger.
func WithOptimizerLogger(logger *slog.Logger) OptimizerOption {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSchemaTTL overrides the star-schema cache TTL.
func WithSchemaTTL(ttl time.Duration) OptimizerOption {
	return func(o *Optimizer) {
		if ttl > 0 {
			o.schemaTTL = ttl
		}
	}
}

// WithMeasureTTL overrides the DAX measure cache TTL.
func WithMeasureTTL(ttl time.Duration) OptimizerOption {
	return func(o *Optimizer) {
		if ttl > 0 {
			o.measureTTL = ttl
		}
	}
}

// NewOptimizer creates an optimizer over the repository.
func NewOptimizer(repo *repository.Repository, opts ...OptimizerOption) (*Optimizer, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	o := &Optimizer{
		repo:       repo,
		logger:     slog.Default(),
		schemaTTL:  schemaCacheTTL,
		measureTTL: measureCacheTTL,
		schemas:    make(map[string]schemaEntry),
		measures:   make(map[string]measureEntry),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// StarSchema returns the star-schema descriptor for a dataset, serving
// repeat calls from cache for 24 hours. Unregistered datasets fail with
// storage.ErrDatasetNotFound.
func (o *Optimizer) StarSchema(ctx context.Context, datasetID string) (*StarSchema, error) {
	if cached := o.cachedSchema(datasetID); cached != nil {
		return cached, nil
	}

	dataset, err := requireDataset(ctx, o.repo, datasetID)
	if err != nil {
		return nil, err
	}

	schema := deriveStarSchema(dataset)

	exists, err := hasArtifact(ctx, o.repo, datasetID, keyStarSchema)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := saveArtifact(ctx, o.repo, datasetID, keyStarSchema, "Derived PowerBI star schema", schema); err != nil {
			return nil, err
		}
	}

	o.storeSchema(datasetID, schema)

	o.logger.Debug("Star schema derived",
		"dataset_id", datasetID,
		"fact_table", schema.FactTable.Name,
		"dimensions", len(schema.Dimensions),
	)

	return schema, nil
}

// Measures returns the DAX measure set for a dataset, serving repeat calls
// from cache for 6 hours.
func (o *Optimizer) Measures(ctx context.Context, datasetID string) (*MeasureSet, error) {
	if cached := o.cachedMeasures(datasetID); cached != nil {
		return cached, nil
	}

	dataset, err := requireDataset(ctx, o.repo, datasetID)
	if err != nil {
		return nil, err
	}

	set := buildMeasureSet(dataset)

	exists, err := hasArtifact(ctx, o.repo, datasetID, keyDaxMeasures)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := saveArtifact(ctx, o.repo, datasetID, keyDaxMeasures, "Generated DAX measure set", set); err != nil {
			return nil, err
		}
	}

	o.storeMeasures(datasetID, set)

	o.logger.Debug("DAX measures generated",
		"dataset_id", datasetID,
		"measures", len(set.Measures),
	)

	return set, nil
}

// PerformanceEstimate predicts load time, refresh cadence, and star-schema
// optimization potential for a dataset.
func (o *Optimizer) PerformanceEstimate(ctx context.Context, datasetID string) (*PerformanceEstimate, error) {
	dataset, err := requireDataset(ctx, o.repo, datasetID)
	if err != nil {
		return nil, err
	}

	stats, err := o.repo.Analytics().Stats(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to read observation stats for %s: %w", datasetID, err)
	}

	// Datasets without a recognizable territory attribute count as one
	// territory, not zero.
	territories := max(stats.Territories, 1)

	return &PerformanceEstimate{
		DatasetID:             datasetID,
		TotalRecords:          stats.TotalRecords,
		Territories:           stats.Territories,
		StartYear:             stats.StartYear,
		EndYear:               stats.EndYear,
		AvgQualityScore:       dataset.QualityScore,
		EstimatedLoadTimeMS:   100 + 0.01*float64(stats.TotalRecords),
		RecommendedRefresh:    recommendedFrequency(dataset),
		OptimizationPotential: math.Min(0.5, float64(stats.TotalRecords)/100_000*float64(territories)/100),
	}, nil
}

func (o *Optimizer) cachedSchema(datasetID string) *StarSchema {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.schemas[datasetID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}

	schema := *entry.schema

	return &schema
}

func (o *Optimizer) storeSchema(datasetID string, schema *StarSchema) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.schemas[datasetID] = schemaEntry{schema: schema, expiresAt: time.Now().Add(o.schemaTTL)}
}

func (o *Optimizer) cachedMeasures(datasetID string) *MeasureSet {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.measures[datasetID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}

	set := *entry.set

	return &set
}

func (o *Optimizer) storeMeasures(datasetID string, set *MeasureSet) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.measures[datasetID] = measureEntry{set: set, expiresAt: time.Now().Add(o.measureTTL)}
}

// factTableName is the fact table naming convention of the derived model.
func factTableName(datasetID string) string {
	return "fact_" + strings.ToLower(datasetID)
}

// deriveStarSchema builds the model descriptor for a registration: the
// fact table, the four standard dimensions, category-specific dimensions,
// and the fact-to-dimension relationships.
func deriveStarSchema(dataset *storage.Dataset) *StarSchema {
	fact := factTableName(dataset.ID)

	dimensions := []Table{
		{Name: "dim_time", Columns: []Column{
			{Name: "time_key", Type: "integer"},
			{Name: "year", Type: "integer"},
			{Name: "quarter", Type: "string"},
			{Name: "month", Type: "integer"},
			{Name: "period_label", Type: "string"},
		}},
		{Name: "dim_territory", Columns: []Column{
			{Name: "territory_key", Type: "integer"},
			{Name: "territory_code", Type: "string"},
			{Name: "territory_name", Type: "string"},
			{Name: "territory_level", Type: "string"},
		}},
		{Name: "dim_measure", Columns: []Column{
			{Name: "measure_key", Type: "integer"},
			{Name: "measure_code", Type: "string"},
			{Name: "measure_name", Type: "string"},
			{Name: "unit", Type: "string"},
		}},
		{Name: "dim_dataset_metadata", Columns: []Column{
			{Name: "dataset_id", Type: "string"},
			{Name: "name", Type: "string"},
			{Name: "category", Type: "string"},
			{Name: "source_agency", Type: "string"},
			{Name: "quality_score", Type: "double"},
		}},
	}

	dimensions = append(dimensions, categoryDimensions(dataset.Category)...)

	relationships := make([]Relationship, 0, 3)
	for _, dim := range []string{"time", "territory", "measure"} {
		relationships = append(relationships, Relationship{
			FromTable:   fact,
			ToTable:     "dim_" + dim,
			Key:         dim + "_key",
			Cardinality: "many_to_one",
		})
	}

	return &StarSchema{
		DatasetID: dataset.ID,
		FactTable: Table{
			Name: fact,
			Columns: []Column{
				{Name: "time_key", Type: "integer"},
				{Name: "territory_key", Type: "integer"},
				{Name: "measure_key", Type: "integer"},
				{Name: "obs_value", Type: "double"},
				{Name: "time_period", Type: "string"},
				{Name: "ingestion_timestamp", Type: "timestamp"},
			},
		},
		Dimensions:    dimensions,
		Relationships: relationships,
		GeneratedAt:   time.Now().UTC(),
	}
}

// categoryDimensions returns the extra dimensions a category adds to the
// standard four.
func categoryDimensions(category string) []Table {
	switch category {
	case categoryPopulation:
		return []Table{
			{Name: "dim_age_group", Columns: []Column{
				{Name: "age_group_key", Type: "integer"},
				{Name: "age_group", Type: "string"},
			}},
			{Name: "dim_gender", Columns: []Column{
				{Name: "gender_key", Type: "integer"},
				{Name: "gender", Type: "string"},
			}},
		}
	case categoryEconomy:
		return []Table{
			{Name: "dim_economic_indicator", Columns: []Column{
				{Name: "indicator_key", Type: "integer"},
				{Name: "indicator_code", Type: "string"},
				{Name: "indicator_name", Type: "string"},
			}},
			{Name: "dim_sector", Columns: []Column{
				{Name: "sector_key", Type: "integer"},
				{Name: "sector_name", Type: "string"},
			}},
		}
	case categoryLabor:
		return []Table{
			{Name: "dim_occupation", Columns: []Column{
				{Name: "occupation_key", Type: "integer"},
				{Name: "occupation", Type: "string"},
			}},
			{Name: "dim_employment_status", Columns: []Column{
				{Name: "employment_status_key", Type: "integer"},
				{Name: "employment_status", Type: "string"},
			}},
		}
	default:
		return nil
	}
}

// buildMeasureSet assembles the base DAX measures plus the category
// extension for a registration.
func buildMeasureSet(dataset *storage.Dataset) *MeasureSet {
	fact := factTableName(dataset.ID)
	measures := baseMeasures(fact)
	measures = append(measures, categoryMeasures(dataset.Category, fact)...)

	return &MeasureSet{
		DatasetID:   dataset.ID,
		Category:    dataset.Category,
		Measures:    measures,
		GeneratedAt: time.Now().UTC(),
	}
}

// baseMeasures is the measure set every dataset receives.
func baseMeasures(fact string) []Measure {
	quoted := "'" + fact + "'"

	return []Measure{
		{
			Name:       "Total Observations",
			Table:      fact,
			Expression: fmt.Sprintf("COUNTROWS(%s)", quoted),
		},
		{
			Name:       "Average Value",
			Table:      fact,
			Expression: fmt.Sprintf("AVERAGE(%s[obs_value])", quoted),
		},
		{
			Name:       "Latest Period",
			Table:      fact,
			Expression: "MAX('dim_time'[period_label])",
		},
		{
			Name:       "Quality Score",
			Table:      fact,
			Expression: "AVERAGE('dim_dataset_metadata'[quality_score])",
		},
		{
			Name:  "YoY Growth",
			Table: fact,
			Expression: fmt.Sprintf(
				"VAR CurrentYear = MAX('dim_time'[year]) "+
					"VAR CurrentValue = CALCULATE(SUM(%s[obs_value]), 'dim_time'[year] = CurrentYear) "+
					"VAR PreviousValue = CALCULATE(SUM(%s[obs_value]), 'dim_time'[year] = CurrentYear - 1) "+
					"RETURN DIVIDE(CurrentValue - PreviousValue, PreviousValue)",
				quoted, quoted),
		},
		{
			Name:       "Data Freshness Days",
			Table:      fact,
			Expression: fmt.Sprintf("DATEDIFF(MAX(%s[ingestion_timestamp]), NOW(), DAY)", quoted),
		},
	}
}

// categoryMeasures extends the base set for the curated categories.
func categoryMeasures(category, fact string) []Measure {
	quoted := "'" + fact + "'"

	switch category {
	case categoryPopulation:
		return []Measure{
			{
				Name:       "Popolazione Totale",
				Table:      fact,
				Expression: fmt.Sprintf("SUM(%s[obs_value])", quoted),
			},
			{
				Name:  "Quota Femminile",
				Table: fact,
				Expression: fmt.Sprintf(
					"DIVIDE(CALCULATE(SUM(%s[obs_value]), 'dim_gender'[gender] = \"F\"), SUM(%s[obs_value]))",
					quoted, quoted),
			},
			{
				Name:  "Quota Maschile",
				Table: fact,
				Expression: fmt.Sprintf(
					"DIVIDE(CALCULATE(SUM(%s[obs_value]), 'dim_gender'[gender] = \"M\"), SUM(%s[obs_value]))",
					quoted, quoted),
			},
		}
	case categoryEconomy:
		return []Measure{
			{
				Name:       "Valore Economico Totale",
				Table:      fact,
				Expression: fmt.Sprintf("SUM(%s[obs_value])", quoted),
			},
			{
				Name:  "Media per Settore",
				Table: fact,
				Expression: fmt.Sprintf(
					"AVERAGEX(VALUES('dim_sector'[sector_name]), CALCULATE(SUM(%s[obs_value])))",
					quoted),
			},
			{
				Name:  "Valore Ultimo Anno",
				Table: fact,
				Expression: fmt.Sprintf(
					"CALCULATE(SUM(%s[obs_value]), 'dim_time'[year] = MAX('dim_time'[year]))",
					quoted),
			},
		}
	case categoryLabor:
		return []Measure{
			{
				Name:  "Totale Occupati",
				Table: fact,
				Expression: fmt.Sprintf(
					"CALCULATE(SUM(%s[obs_value]), 'dim_employment_status'[employment_status] = \"occupati\")",
					quoted),
			},
			{
				Name:  "Totale Disoccupati",
				Table: fact,
				Expression: fmt.Sprintf(
					"CALCULATE(SUM(%s[obs_value]), 'dim_employment_status'[employment_status] = \"disoccupati\")",
					quoted),
			},
			{
				Name:       "Tasso di Disoccupazione",
				Table:      fact,
				Expression: "DIVIDE([Totale Disoccupati], [Totale Occupati] + [Totale Disoccupati])",
			},
		}
	default:
		return nil
	}
}

// recommendedFrequency maps registry priority to a refresh cadence. Below
// priority six the registration's declared update_frequency metadata
// applies, monthly when absent.
func recommendedFrequency(dataset *storage.Dataset) string {
	switch {
	case dataset.Priority >= 8:
		return FrequencyDaily
	case dataset.Priority >= 6:
		return FrequencyWeekly
	default:
		if declared, ok := dataset.Metadata["update_frequency"].(string); ok && declared != "" {
			return declared
		}

		return FrequencyMonthly
	}
}

package powerbi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// sourceSystem names the upstream system every lineage record starts
// from.
const sourceSystem = "ISTAT SDMX"

// Usage sync sources.
const (
	UsageSourceService     = "powerbi_service"
	UsageSourceNone        = "none"
	UsageSourceUnavailable = "unavailable"
)

type (
	// TransformationStep is one ordered step of a dataset's lineage.
	TransformationStep struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Order       int    `json:"order"`
	}

	// LineageRecord documents where a dataset's rows come from and how
	// they were transformed.
	LineageRecord struct {
		DatasetID           string               `json:"dataset_id"`
		SourceSystem        string               `json:"source_system"`
		SourceDatasets      []string             `json:"source_datasets,omitempty"`
		TransformationSteps []TransformationStep `json:"transformation_steps"`
		CreatedAt           time.Time            `json:"created_at"`
	}

	// UsageMetrics records how a dataset is consumed in PowerBI.
	UsageMetrics struct {
		DatasetID        string    `json:"dataset_id"`
		PowerBIDatasetID string    `json:"powerbi_dataset_id,omitempty"`
		Reports          int       `json:"reports"`
		Dashboards       int       `json:"dashboards"`
		Views            int       `json:"views"`
		Source           string    `json:"source"`
		SyncedAt         time.Time `json:"synced_at"`
	}

	// TerritoryScore is the wire shape of a per-territory quality
	// average.
	TerritoryScore struct {
		Territory string  `json:"territory"`
		Quality   float64 `json:"quality"`
		Records   int64   `json:"records"`
	}

	// QualityMetadata is the propagated quality artifact: the weighted
	// overall score, the per-territory breakdown, and the DAX measures
	// that surface quality inside PowerBI.
	QualityMetadata struct {
		DatasetID    string           `json:"dataset_id"`
		OverallScore float64          `json:"overall_score"`
		ByTerritory  []TerritoryScore `json:"by_territory,omitempty"`
		Measures     []Measure        `json:"measures"`
		ComputedAt   time.Time        `json:"computed_at"`
	}

	// GovernanceEntry is one dataset's row in the governance report.
	// Datasets with stored artifacts but no registration appear with an
	// empty name and a zero quality score.
	GovernanceEntry struct {
		DatasetID         string  `json:"dataset_id"`
		Name              string  `json:"name,omitempty"`
		Category          string  `json:"category,omitempty"`
		HasLineage        bool    `json:"has_lineage"`
		HasUsageData      bool    `json:"has_usage_data"`
		QualityScore      float64 `json:"quality_score"`
		PowerBIIntegrated bool    `json:"powerbi_integrated"`
	}

	// GovernanceSummary aggregates the report entries.
	GovernanceSummary struct {
		TotalDatasets     int     `json:"total_datasets"`
		WithLineage       int     `json:"with_lineage"`
		WithUsageData     int     `json:"with_usage_data"`
		PowerBIIntegrated int     `json:"powerbi_integrated"`
		AvgQualityScore   float64 `json:"avg_quality_score"`
	}

	// GovernanceReport is the full governance rollup.
	GovernanceReport struct {
		Entries     []GovernanceEntry `json:"entries"`
		Summary     GovernanceSummary `json:"summary"`
		GeneratedAt time.Time         `json:"generated_at"`
	}

	// Bridge maintains the cross-cutting governance artifacts: lineage,
	// usage analytics, propagated quality, and the governance report.
	Bridge struct {
		repo   *repository.Repository
		logger *slog.Logger
		push   PushClient
	}

	// BridgeOption configures a Bridge.
	BridgeOption func(*Bridge)
)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithUsageClient wires the PowerBI client usage syncs read from.
func WithUsageClient(client PushClient) BridgeOption {
	return func(b *Bridge) {
		b.push = client
	}
}

// NewBridge creates a metadata bridge over the repository.
func NewBridge(repo *repository.Repository, opts ...BridgeOption) (*Bridge, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	b := &Bridge{
		repo:   repo,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// CreateLineage stores the lineage record for a dataset. The three
// standard steps always come first; caller-supplied steps are renumbered
// after them in the order given.
func (b *Bridge) CreateLineage(ctx context.Context, datasetID string, sourceDatasets []string, steps []TransformationStep) (*LineageRecord, error) {
	started := time.Now()

	if _, err := requireDataset(ctx, b.repo, datasetID); err != nil {
		return nil, err
	}

	ordered := standardSteps()
	base := len(ordered)
	for i, step := range steps {
		step.Order = base + i + 1
		ordered = append(ordered, step)
	}

	record := &LineageRecord{
		DatasetID:           datasetID,
		SourceSystem:        sourceSystem,
		SourceDatasets:      sourceDatasets,
		TransformationSteps: ordered,
		CreatedAt:           time.Now().UTC(),
	}

	if err := saveArtifact(ctx, b.repo, datasetID, keyLineage, "Dataset lineage record", record); err != nil {
		return nil, err
	}

	auditArtifact(ctx, b.repo, b.logger, ActionLineageCreation, datasetID, time.Since(started), map[string]any{
		"steps":   len(record.TransformationSteps),
		"sources": len(record.SourceDatasets),
	})

	b.logger.Info("Dataset lineage recorded",
		"dataset_id", datasetID,
		"steps", len(record.TransformationSteps),
	)

	return record, nil
}

// GetLineage returns the stored lineage record, or nil when none exists.
func (b *Bridge) GetLineage(ctx context.Context, datasetID string) (*LineageRecord, error) {
	var record LineageRecord

	found, err := loadArtifact(ctx, b.repo, datasetID, keyLineage, &record)
	if err != nil || !found {
		return nil, err
	}

	return &record, nil
}

// SyncUsage fetches usage counts for the dataset from the PowerBI
// service and stores them. Without a client or a PowerBI dataset ID the
// stored counts are zero with source "none"; a service failure degrades
// to zero counts with source "unavailable" instead of failing the sync.
func (b *Bridge) SyncUsage(ctx context.Context, datasetID, powerbiDatasetID string) (*UsageMetrics, error) {
	started := time.Now()

	if _, err := requireDataset(ctx, b.repo, datasetID); err != nil {
		return nil, err
	}

	metrics := &UsageMetrics{
		DatasetID:        datasetID,
		PowerBIDatasetID: powerbiDatasetID,
		Source:           UsageSourceNone,
		SyncedAt:         time.Now().UTC(),
	}

	if b.push != nil && powerbiDatasetID != "" {
		counts, err := b.push.DatasetUsage(ctx, powerbiDatasetID)
		if err != nil {
			metrics.Source = UsageSourceUnavailable

			b.logger.Warn("PowerBI usage fetch failed",
				"dataset_id", datasetID,
				"powerbi_dataset_id", powerbiDatasetID,
				"error", err,
			)
		} else {
			metrics.Source = UsageSourceService
			metrics.Reports = counts.Reports
			metrics.Dashboards = counts.Dashboards
			metrics.Views = counts.Views
		}
	}

	if err := saveArtifact(ctx, b.repo, datasetID, keyUsage, "PowerBI usage metrics", metrics); err != nil {
		return nil, err
	}

	auditArtifact(ctx, b.repo, b.logger, ActionUsageSync, datasetID, time.Since(started), map[string]any{
		"source":     metrics.Source,
		"reports":    metrics.Reports,
		"dashboards": metrics.Dashboards,
		"views":      metrics.Views,
	})

	return metrics, nil
}

// PropagateQuality computes per-territory quality averages from the
// stored observations, writes the propagated artifact, and pushes the
// record-weighted overall score back onto the registration.
func (b *Bridge) PropagateQuality(ctx context.Context, datasetID string) (*QualityMetadata, error) {
	started := time.Now()

	dataset, err := requireDataset(ctx, b.repo, datasetID)
	if err != nil {
		return nil, err
	}

	averages, err := b.repo.Analytics().TerritoryQualityAverages(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute territory quality for %s: %w", datasetID, err)
	}

	var (
		weighted float64
		records  int64
	)

	territories := make([]TerritoryScore, 0, len(averages))

	for _, avg := range averages {
		territories = append(territories, TerritoryScore{
			Territory: avg.Territory,
			Quality:   avg.Quality,
			Records:   avg.Records,
		})

		weighted += avg.Quality * float64(avg.Records)
		records += avg.Records
	}

	// Without observations there is no evidence to move the registration
	// score, so the stored score carries over.
	overall := dataset.QualityScore
	if records > 0 {
		overall = weighted / float64(records)
	}

	metadata := &QualityMetadata{
		DatasetID:    datasetID,
		OverallScore: overall,
		ByTerritory:  territories,
		Measures:     qualityMeasures(),
		ComputedAt:   time.Now().UTC(),
	}

	if err := saveArtifact(ctx, b.repo, datasetID, keyQuality, "Propagated quality metadata", metadata); err != nil {
		return nil, err
	}

	if records > 0 {
		update := storage.DatasetStatsUpdate{QualityScore: &overall}
		if err := b.repo.Metadata().Datasets.UpdateStats(ctx, datasetID, update); err != nil {
			return nil, fmt.Errorf("failed to update registration quality for %s: %w", datasetID, err)
		}
	}

	auditArtifact(ctx, b.repo, b.logger, ActionQualityPropagation, datasetID, time.Since(started), map[string]any{
		"overall_score": overall,
		"territories":   len(territories),
	})

	b.logger.Info("Quality scores propagated",
		"dataset_id", datasetID,
		"overall_score", overall,
		"territories", len(territories),
	)

	return metadata, nil
}

// GovernanceReport builds the governance rollup. With a dataset ID it
// covers that dataset alone; otherwise it covers every dataset with a
// stored template or lineage artifact.
func (b *Bridge) GovernanceReport(ctx context.Context, datasetID string) (*GovernanceReport, error) {
	var ids []string

	if datasetID != "" {
		ids = []string{datasetID}
	} else {
		discovered, err := b.artifactDatasets(ctx)
		if err != nil {
			return nil, err
		}

		ids = discovered
	}

	report := &GovernanceReport{
		Entries:     make([]GovernanceEntry, 0, len(ids)),
		GeneratedAt: time.Now().UTC(),
	}

	var totalQuality float64

	for _, id := range ids {
		entry, err := b.governanceEntry(ctx, id)
		if err != nil {
			return nil, err
		}

		report.Entries = append(report.Entries, *entry)

		report.Summary.TotalDatasets++
		totalQuality += entry.QualityScore

		if entry.HasLineage {
			report.Summary.WithLineage++
		}

		if entry.HasUsageData {
			report.Summary.WithUsageData++
		}

		if entry.PowerBIIntegrated {
			report.Summary.PowerBIIntegrated++
		}
	}

	if report.Summary.TotalDatasets > 0 {
		report.Summary.AvgQualityScore = totalQuality / float64(report.Summary.TotalDatasets)
	}

	return report, nil
}

// artifactDatasets lists the dataset IDs holding a template or lineage
// artifact, sorted.
func (b *Bridge) artifactDatasets(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	for _, suffix := range []string{keyTemplate, keyLineage} {
		entries, err := b.repo.Metadata().Config.ByPattern(ctx, "dataset.%."+suffix, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list %s artifacts: %w", suffix, err)
		}

		for _, entry := range entries {
			if id := datasetFromKey(entry.Key, suffix); id != "" {
				seen[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

func (b *Bridge) governanceEntry(ctx context.Context, datasetID string) (*GovernanceEntry, error) {
	entry := &GovernanceEntry{DatasetID: datasetID}

	dataset, err := b.repo.Metadata().Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if dataset != nil {
		entry.Name = dataset.Name
		entry.Category = dataset.Category
		entry.QualityScore = dataset.QualityScore
	}

	if entry.HasLineage, err = hasArtifact(ctx, b.repo, datasetID, keyLineage); err != nil {
		return nil, err
	}

	if entry.HasUsageData, err = hasArtifact(ctx, b.repo, datasetID, keyUsage); err != nil {
		return nil, err
	}

	hasTemplate, err := hasArtifact(ctx, b.repo, datasetID, keyTemplate)
	if err != nil {
		return nil, err
	}

	hasQuality, err := hasArtifact(ctx, b.repo, datasetID, keyQuality)
	if err != nil {
		return nil, err
	}

	// Any stored PowerBI artifact marks the dataset as integrated; a
	// generated template is not a prerequisite for lineage or quality
	// governance.
	entry.PowerBIIntegrated = hasTemplate || entry.HasLineage || hasQuality

	return entry, nil
}

// standardSteps is the lineage prefix every record starts with.
func standardSteps() []TransformationStep {
	return []TransformationStep{
		{Name: "data_extraction", Description: "Download SDMX XML from the ISTAT web service", Order: 1},
		{Name: "data_validation", Description: "Validate structure and observation values", Order: 2},
		{Name: "quality_scoring", Description: "Score completeness and validity", Order: 3},
	}
}

// qualityMeasures is the DAX surface of propagated quality: the score,
// its letter grade, and the year-over-year trend.
func qualityMeasures() []Measure {
	return []Measure{
		{
			Name:       "Quality Score",
			Table:      "dim_dataset_metadata",
			Expression: "AVERAGE('dim_dataset_metadata'[quality_score])",
		},
		{
			Name:  "Quality Grade",
			Table: "dim_dataset_metadata",
			Expression: "SWITCH(TRUE(), " +
				"[Quality Score] >= 0.9, \"A\", " +
				"[Quality Score] >= 0.8, \"B\", " +
				"[Quality Score] >= 0.7, \"C\", " +
				"[Quality Score] >= 0.6, \"D\", " +
				"\"F\")",
		},
		{
			Name:  "Quality Trend",
			Table: "dim_dataset_metadata",
			Expression: "VAR CurrentScore = CALCULATE([Quality Score], 'dim_time'[year] = MAX('dim_time'[year])) " +
				"VAR PreviousScore = CALCULATE([Quality Score], 'dim_time'[year] = MAX('dim_time'[year]) - 1) " +
				"RETURN SWITCH(TRUE(), " +
				"CurrentScore > PreviousScore, \"Improving\", " +
				"CurrentScore < PreviousScore, \"Declining\", " +
				"\"Stable\")",
		},
	}
}

// Package powerbi derives PowerBI integration artifacts from stored
// datasets: star-schema descriptors and DAX measure sets, incremental
// refresh policies and their execution, .pbit template archives, and
// governance metadata (lineage, usage, quality, rollups).
//
// Artifacts persist as JSON values in the metadata configuration store
// under dataset.<id>.* keys; deleting a registration does not cascade to
// them. Nothing here talks to the PowerBI Service directly. Deployments
// that push refresh deltas or read usage analytics wire a PushClient.
package powerbi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// ErrNilRepository is returned when a component is built without a
// repository.
var ErrNilRepository = errors.New("powerbi components require a repository")

// Audit action names recorded by the PowerBI components.
const (
	ActionIncrementalRefresh = "incremental_refresh"
	ActionTemplateGeneration = "template_generation"
	ActionLineageCreation    = "lineage_creation"
	ActionUsageSync          = "usage_sync"
	ActionQualityPropagation = "quality_propagation"
)

// Refresh frequencies accepted by policies and used for scheduling.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Dataset categories with curated star-schema and measure extensions.
const (
	categoryPopulation = "popolazione"
	categoryEconomy    = "economia"
	categoryLabor      = "lavoro"
)

// Artifact key suffixes under the dataset.<id>. configuration namespace.
const (
	keyStarSchema    = "powerbi_star_schema"
	keyDaxMeasures   = "powerbi_dax_measures"
	keyRefreshPolicy = "incremental_refresh_policy"
	keyLastRefresh   = "last_incremental_refresh"
	keyTemplate      = "powerbi_template"
	keyLineage       = "powerbi_lineage"
	keyUsage         = "powerbi_usage_metrics"
	keyQuality       = "powerbi_quality_metadata"
)

type (
	// PushClient is the outbound PowerBI Service surface. Refresh pushes
	// and usage sync degrade to local bookkeeping when no client is
	// configured.
	PushClient interface {
		// PushRows uploads delta rows to a PowerBI dataset.
		PushRows(ctx context.Context, powerbiDatasetID string, rows []map[string]any) error

		// DatasetUsage reports how a PowerBI dataset is consumed.
		DatasetUsage(ctx context.Context, powerbiDatasetID string) (*UsageCounts, error)
	}

	// UsageCounts is what the PowerBI Service reports about one dataset.
	UsageCounts struct {
		Reports    int `json:"reports"`
		Dashboards int `json:"dashboards"`
		Views      int `json:"views"`
	}

	// Bucket is one group of a change or quality breakdown.
	Bucket struct {
		Key   string `json:"key"`
		Count int64  `json:"count"`
	}
)

// datasetKey builds the namespaced configuration key for one dataset
// artifact.
func datasetKey(datasetID, suffix string) string {
	return fmt.Sprintf("dataset.%s.%s", datasetID, suffix)
}

// datasetFromKey recovers the dataset ID from an artifact key, or "" when
// the key is not in the dataset namespace.
func datasetFromKey(key, suffix string) string {
	rest, ok := strings.CutPrefix(key, "dataset.")
	if !ok {
		return ""
	}

	id, ok := strings.CutSuffix(rest, "."+suffix)
	if !ok {
		return ""
	}

	return id
}

// saveArtifact upserts a JSON artifact for a dataset.
func saveArtifact(ctx context.Context, repo *repository.Repository, datasetID, suffix, description string, value any) error {
	err := repo.Metadata().Config.Set(ctx, storage.ConfigEntry{
		Key:         datasetKey(datasetID, suffix),
		Value:       value,
		Type:        storage.ValueTypeJSON,
		Description: description,
	})
	if err != nil {
		return fmt.Errorf("failed to persist %s for %s: %w", suffix, datasetID, err)
	}

	return nil
}

// loadArtifact reads a JSON artifact into out. Returns (false, nil) when
// the artifact does not exist.
func loadArtifact(ctx context.Context, repo *repository.Repository, datasetID, suffix string, out any) (bool, error) {
	entry, err := repo.Metadata().Config.Get(ctx, datasetKey(datasetID, suffix), "")
	if err != nil {
		return false, err
	}

	if entry == nil {
		return false, nil
	}

	if err := json.Unmarshal([]byte(entry.RawValue), out); err != nil {
		return false, fmt.Errorf("failed to decode %s for %s: %w", suffix, datasetID, err)
	}

	return true, nil
}

// hasArtifact reports whether an artifact exists without decoding it.
func hasArtifact(ctx context.Context, repo *repository.Repository, datasetID, suffix string) (bool, error) {
	entry, err := repo.Metadata().Config.Get(ctx, datasetKey(datasetID, suffix), "")
	if err != nil {
		return false, err
	}

	return entry != nil, nil
}

// requireDataset returns the registration, or storage.ErrDatasetNotFound
// wrapped with the dataset ID when it is not registered.
func requireDataset(ctx context.Context, repo *repository.Repository, datasetID string) (*storage.Dataset, error) {
	dataset, err := repo.Metadata().Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up dataset %s: %w", datasetID, err)
	}

	if dataset == nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, storage.ErrDatasetNotFound)
	}

	return dataset, nil
}

// auditOutcome records an action outcome, best-effort. The audit row
// should survive a cancellation that ends the caller's run.
func auditOutcome(ctx context.Context, repo *repository.Repository, logger *slog.Logger, action, datasetID string, success bool, errorMessage string, elapsed time.Duration, details map[string]any) {
	entry := storage.NewAuditEntry(action, "dataset")
	entry.ResourceID = datasetID
	entry.ExecutionTimeMS = elapsed.Milliseconds()
	entry.Details = details

	if !success {
		entry.Success = false
		entry.ErrorMessage = errorMessage
	}

	if err := repo.Metadata().Audit.LogAction(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to record audit event",
			"action", action,
			"dataset_id", datasetID,
			"error", err,
		)
	}
}

// auditArtifact records a successful artifact write.
func auditArtifact(ctx context.Context, repo *repository.Repository, logger *slog.Logger, action, datasetID string, elapsed time.Duration, details map[string]any) {
	auditOutcome(ctx, repo, logger, action, datasetID, true, "", elapsed, details)
}

// buckets converts store group counts to the wire shape.
func buckets(groups []storage.GroupCount) []Bucket {
	out := make([]Bucket, len(groups))

	for i, g := range groups {
		out[i] = Bucket{Key: g.Key, Count: g.Count}
	}

	return out
}

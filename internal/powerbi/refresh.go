package powerbi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/storage"
)

const (
	// Policy defaults applied when CreatePolicy receives zero values.
	defaultIncrementalWindowDays = 30
	defaultHistoricalWindowYears = 2

	// deltaRowLimit caps how many changed rows one refresh run retrieves.
	deltaRowLimit = 10_000

	// recentChangesWindow is the lookback GetRefreshStatus reports on.
	recentChangesWindow = 7 * 24 * time.Hour

	// ReasonPolicyDisabled and ReasonNoChanges mark refresh skips.
	ReasonPolicyDisabled = "policy-disabled"
	ReasonNoChanges      = "no-changes"
)

type (
	// RefreshPolicy governs incremental refresh for one dataset.
	RefreshPolicy struct {
		DatasetID             string    `json:"dataset_id"`
		IncrementalWindowDays int       `json:"incremental_window_days"`
		HistoricalWindowYears int       `json:"historical_window_years"`
		RefreshFrequency      string    `json:"refresh_frequency"`
		Enabled               bool      `json:"enabled"`
		CreatedAt             time.Time `json:"created_at"`
	}

	// PolicyInput carries policy settings for CreatePolicy. Zero values
	// take the defaults of thirty days, two years, and daily frequency.
	PolicyInput struct {
		IncrementalWindowDays int
		HistoricalWindowYears int
		RefreshFrequency      string
		Disabled              bool
	}

	// ChangeSummary reports observations stored after a reference time.
	// The observation store is append-only, so updates arrive as
	// re-inserts and both per-kind counters equal the total.
	ChangeSummary struct {
		HasChanges     bool      `json:"has_changes"`
		TotalChanges   int64     `json:"total_changes"`
		NewRecords     int64     `json:"new_records"`
		UpdatedRecords int64     `json:"updated_records"`
		ByTerritory    []Bucket  `json:"by_territory,omitempty"`
		ByYear         []Bucket  `json:"by_year,omitempty"`
		Since          time.Time `json:"since"`
		CheckedAt      time.Time `json:"checked_at"`
	}

	// RefreshResult reports one refresh run.
	RefreshResult struct {
		DatasetID   string         `json:"dataset_id"`
		Success     bool           `json:"success"`
		Skipped     bool           `json:"skipped,omitempty"`
		Reason      string         `json:"reason,omitempty"`
		Error       string         `json:"error,omitempty"`
		LastRefresh *time.Time     `json:"last_refresh,omitempty"`
		Changes     *ChangeSummary `json:"changes,omitempty"`
		DeltaRows   int            `json:"delta_rows"`
		Pushed      bool           `json:"pushed"`
		PushError   string         `json:"push_error,omitempty"`
		DurationMS  int64          `json:"duration_ms"`
	}

	// RefreshStatus describes the refresh posture of a dataset.
	RefreshStatus struct {
		DatasetID     string         `json:"dataset_id"`
		HasPolicy     bool           `json:"has_policy"`
		Policy        *RefreshPolicy `json:"policy,omitempty"`
		LastRefresh   *time.Time     `json:"last_refresh,omitempty"`
		NextScheduled *time.Time     `json:"next_scheduled,omitempty"`
		RecentChanges int64          `json:"recent_changes"`
	}

	// RefreshManager runs change detection and incremental refresh
	// bookkeeping, optionally pushing deltas through a PushClient.
	RefreshManager struct {
		repo   *repository.Repository
		logger *slog.Logger
		push   PushClient
	}

	// RefreshOption configures a RefreshManager.
	RefreshOption func(*RefreshManager)
)

// WithRefreshLogger sets the refresh manager logger.
func WithRefreshLogger(logger *slog.Logger) RefreshOption {
	return func(m *RefreshManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPushClient wires the PowerBI push client. Without one, refresh runs
// still detect and record changes but push nothing.
func WithPushClient(client PushClient) RefreshOption {
	return func(m *RefreshManager) {
		m.push = client
	}
}

// NewRefreshManager creates a refresh manager over the repository.
func NewRefreshManager(repo *repository.Repository, opts ...RefreshOption) (*RefreshManager, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	m := &RefreshManager{
		repo:   repo,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// CreatePolicy stores the refresh policy for a registered dataset,
// replacing any previous one.
func (m *RefreshManager) CreatePolicy(ctx context.Context, datasetID string, input PolicyInput) (*RefreshPolicy, error) {
	if _, err := requireDataset(ctx, m.repo, datasetID); err != nil {
		return nil, err
	}

	policy := &RefreshPolicy{
		DatasetID:             datasetID,
		IncrementalWindowDays: input.IncrementalWindowDays,
		HistoricalWindowYears: input.HistoricalWindowYears,
		RefreshFrequency:      input.RefreshFrequency,
		Enabled:               !input.Disabled,
		CreatedAt:             time.Now().UTC(),
	}

	if policy.IncrementalWindowDays <= 0 {
		policy.IncrementalWindowDays = defaultIncrementalWindowDays
	}

	if policy.HistoricalWindowYears <= 0 {
		policy.HistoricalWindowYears = defaultHistoricalWindowYears
	}

	if policy.RefreshFrequency == "" {
		policy.RefreshFrequency = FrequencyDaily
	}

	if !validFrequency(policy.RefreshFrequency) {
		return nil, fmt.Errorf("invalid refresh frequency %q: must be %s, %s, or %s",
			policy.RefreshFrequency, FrequencyDaily, FrequencyWeekly, FrequencyMonthly)
	}

	if err := saveArtifact(ctx, m.repo, datasetID, keyRefreshPolicy, "Incremental refresh policy", policy); err != nil {
		return nil, err
	}

	m.logger.Info("Refresh policy configured",
		"dataset_id", datasetID,
		"frequency", policy.RefreshFrequency,
		"incremental_window_days", policy.IncrementalWindowDays,
		"enabled", policy.Enabled,
	)

	return policy, nil
}

// GetPolicy returns the stored policy, or nil when none is configured.
func (m *RefreshManager) GetPolicy(ctx context.Context, datasetID string) (*RefreshPolicy, error) {
	var policy RefreshPolicy

	found, err := loadArtifact(ctx, m.repo, datasetID, keyRefreshPolicy, &policy)
	if err != nil || !found {
		return nil, err
	}

	return &policy, nil
}

// DetectChanges summarizes observations stored after the reference time,
// with top-ten breakdowns by territory and by year.
func (m *RefreshManager) DetectChanges(ctx context.Context, datasetID string, since time.Time) (*ChangeSummary, error) {
	if _, err := requireDataset(ctx, m.repo, datasetID); err != nil {
		return nil, err
	}

	total, err := m.repo.Analytics().CountSince(ctx, datasetID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes for %s: %w", datasetID, err)
	}

	summary := &ChangeSummary{
		HasChanges:     total > 0,
		TotalChanges:   total,
		NewRecords:     total,
		UpdatedRecords: total,
		Since:          since,
		CheckedAt:      time.Now().UTC(),
	}

	if total == 0 {
		return summary, nil
	}

	territories, years, err := m.repo.Analytics().ChangeBreakdown(ctx, datasetID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to break down changes for %s: %w", datasetID, err)
	}

	summary.ByTerritory = buckets(territories)
	summary.ByYear = buckets(years)

	return summary, nil
}

// ExecuteIncrementalRefresh runs one refresh: load the policy, detect
// changes since the last refresh, retrieve the delta, push it when a
// client and a PowerBI dataset ID are present, and advance the stored
// last-refresh marker. Failures land in the result rather than an error
// return so batch callers always get per-dataset outcomes.
func (m *RefreshManager) ExecuteIncrementalRefresh(ctx context.Context, datasetID, powerbiDatasetID string, force bool) *RefreshResult {
	started := time.Now()
	result := &RefreshResult{DatasetID: datasetID}

	defer func() {
		result.DurationMS = time.Since(started).Milliseconds()
	}()

	policy, err := m.GetPolicy(ctx, datasetID)
	if err != nil {
		result.Error = err.Error()

		return result
	}

	if policy == nil {
		result.Error = fmt.Sprintf("no refresh policy configured for %s", datasetID)

		return result
	}

	if !policy.Enabled && !force {
		result.Success = true
		result.Skipped = true
		result.Reason = ReasonPolicyDisabled

		m.logger.Debug("Refresh skipped, policy disabled", "dataset_id", datasetID)

		return result
	}

	lastRefresh, err := m.lastRefresh(ctx, datasetID, policy)
	if err != nil {
		result.Error = err.Error()

		return result
	}

	result.LastRefresh = &lastRefresh

	changes, err := m.DetectChanges(ctx, datasetID, lastRefresh)
	if err != nil {
		result.Error = err.Error()

		return result
	}

	result.Changes = changes

	if !changes.HasChanges && !force {
		result.Success = true
		result.Skipped = true
		result.Reason = ReasonNoChanges

		m.logger.Debug("Refresh skipped, no changes since last refresh",
			"dataset_id", datasetID,
			"last_refresh", lastRefresh,
		)

		return result
	}

	rows, err := m.deltaRows(ctx, datasetID, lastRefresh)
	if err != nil {
		result.Error = err.Error()
		m.auditRefresh(ctx, result, time.Since(started))

		return result
	}

	result.DeltaRows = len(rows)

	// Push is best-effort. A service failure is recorded on the result
	// and the local bookkeeping still advances.
	if m.push != nil && powerbiDatasetID != "" && len(rows) > 0 {
		if err := m.push.PushRows(ctx, powerbiDatasetID, rows); err != nil {
			result.PushError = err.Error()
			m.logger.Warn("PowerBI push failed",
				"dataset_id", datasetID,
				"powerbi_dataset_id", powerbiDatasetID,
				"rows", len(rows),
				"error", err,
			)
		} else {
			result.Pushed = true
		}
	}

	// Nanosecond precision keeps rows inserted in the same second as the
	// marker from re-detecting on the next run.
	now := time.Now().UTC()
	entry := storage.ConfigEntry{
		Key:         datasetKey(datasetID, keyLastRefresh),
		Value:       now.Format(time.RFC3339Nano),
		Type:        storage.ValueTypeString,
		Description: "Timestamp of the last incremental refresh",
	}

	if err := m.repo.Metadata().Config.Set(ctx, entry); err != nil {
		result.Error = fmt.Sprintf("failed to advance last refresh marker: %s", err)
		m.auditRefresh(ctx, result, time.Since(started))

		return result
	}

	result.Success = true

	m.logger.Info("Incremental refresh executed",
		"dataset_id", datasetID,
		"changes", changes.TotalChanges,
		"delta_rows", result.DeltaRows,
		"pushed", result.Pushed,
	)

	m.auditRefresh(ctx, result, time.Since(started))

	return result
}

// GetRefreshStatus reports policy state, refresh markers, the next
// scheduled run, and the change count over the last seven days.
func (m *RefreshManager) GetRefreshStatus(ctx context.Context, datasetID string) (*RefreshStatus, error) {
	if _, err := requireDataset(ctx, m.repo, datasetID); err != nil {
		return nil, err
	}

	status := &RefreshStatus{DatasetID: datasetID}

	policy, err := m.GetPolicy(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if policy != nil {
		status.HasPolicy = true
		status.Policy = policy
	}

	if last, ok, err := m.storedLastRefresh(ctx, datasetID); err != nil {
		return nil, err
	} else if ok {
		status.LastRefresh = &last

		if policy != nil {
			next := nextScheduled(last, policy.RefreshFrequency)
			status.NextScheduled = &next
		}
	}

	recent, err := m.repo.Analytics().CountSince(ctx, datasetID, time.Now().Add(-recentChangesWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent changes for %s: %w", datasetID, err)
	}

	status.RecentChanges = recent

	return status, nil
}

// lastRefresh resolves the stored marker, falling back to now minus the
// policy's incremental window when no refresh has run yet.
func (m *RefreshManager) lastRefresh(ctx context.Context, datasetID string, policy *RefreshPolicy) (time.Time, error) {
	last, ok, err := m.storedLastRefresh(ctx, datasetID)
	if err != nil {
		return time.Time{}, err
	}

	if !ok {
		last = time.Now().UTC().AddDate(0, 0, -policy.IncrementalWindowDays)
	}

	return last, nil
}

func (m *RefreshManager) storedLastRefresh(ctx context.Context, datasetID string) (time.Time, bool, error) {
	entry, err := m.repo.Metadata().Config.Get(ctx, datasetKey(datasetID, keyLastRefresh), "")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load last refresh marker for %s: %w", datasetID, err)
	}

	if entry == nil {
		return time.Time{}, false, nil
	}

	raw, _ := entry.Value.(string)

	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last refresh marker for %s: %w", datasetID, err)
	}

	return last, true, nil
}

// deltaRows retrieves the changed observations joined with registration
// name and category, capped at deltaRowLimit rows.
func (m *RefreshManager) deltaRows(ctx context.Context, datasetID string, since time.Time) ([]map[string]any, error) {
	dataset, err := requireDataset(ctx, m.repo, datasetID)
	if err != nil {
		return nil, err
	}

	query := `SELECT dataset_id, record_id, obs_value, time_period, additional_attributes, ingestion_timestamp
		FROM istat_observations
		WHERE dataset_id = ? AND created_at > ?
		ORDER BY record_id
		LIMIT ?`

	res, err := m.repo.Analytics().ExecuteQuery(ctx, query, datasetID, since, deltaRowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve delta rows for %s: %w", datasetID, err)
	}

	rows := make([]map[string]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		record := make(map[string]any, len(res.Columns)+2)
		for i, col := range res.Columns {
			record[col] = row[i]
		}

		record["dataset_name"] = dataset.Name
		record["dataset_category"] = dataset.Category

		rows = append(rows, record)
	}

	return rows, nil
}

func (m *RefreshManager) auditRefresh(ctx context.Context, result *RefreshResult, elapsed time.Duration) {
	details := map[string]any{
		"delta_rows": result.DeltaRows,
		"pushed":     result.Pushed,
	}

	if result.Changes != nil {
		details["total_changes"] = result.Changes.TotalChanges
	}

	if result.PushError != "" {
		details["push_error"] = result.PushError
	}

	auditOutcome(ctx, m.repo, m.logger, ActionIncrementalRefresh, result.DatasetID, result.Success, result.Error, elapsed, details)
}

// nextScheduled adds one frequency interval to the last refresh. Monthly
// uses a thirty-day interval.
func nextScheduled(last time.Time, frequency string) time.Time {
	switch frequency {
	case FrequencyWeekly:
		return last.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return last.AddDate(0, 0, 30)
	default:
		return last.AddDate(0, 0, 1)
	}
}

func validFrequency(frequency string) bool {
	switch frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}

	return false
}

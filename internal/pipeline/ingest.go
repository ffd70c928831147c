package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/statbridge-io/statbridge/internal/sdmx"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// Ingestion flow errors. Upstream fetch failures are transient and replay
// with backoff; malformed responses are terminal for the run because a
// replay would return the same bytes.
var (
	errUpstreamFetch     = errors.New("upstream fetch failed")
	errMalformedResponse = errors.New("unexpected upstream response shape")
	errMalformedPayload  = errors.New("upstream payload not parseable")
)

// DatasetResult reports the outcome of one ingestion run. Exactly one of
// three shapes applies:
//
//	skipped: Success and Skipped set, ExistingRecords and Reason filled
//	success: Success set, RecordsProcessed counts the stored observations
//	failure: Error filled, RecordsProcessed zero, Cancelled set when the
//	         context ended the run
type DatasetResult struct {
	DatasetID        string `json:"dataset_id"`
	Success          bool   `json:"success"`
	Skipped          bool   `json:"skipped,omitempty"`
	Cancelled        bool   `json:"cancelled,omitempty"`
	ExistingRecords  int64  `json:"existing_records,omitempty"`
	RecordsProcessed int64  `json:"records_processed"`
	Attempts         int    `json:"attempts"`
	Reason           string `json:"reason,omitempty"`
	Error            string `json:"error,omitempty"`
	DurationMS       int64  `json:"duration_ms"`
}

// IngestSingleDataset runs the full ingestion flow for one dataset:
// freshness check, fetch, parse, persist, metadata update, audit event.
// Transient upstream failures replay the fetch-to-persist steps with
// exponential waits (1s, 2s, 4s, ...) up to the configured retry budget;
// each replay restarts at the fetch, never mid-sequence.
//
// The per-dataset lock is held for the whole run, so concurrent calls for
// the same ID serialize. Failures are reported in the result, never as a
// panic or error return.
func (p *Pipeline) IngestSingleDataset(ctx context.Context, datasetID string) *DatasetResult {
	started := time.Now()
	result := &DatasetResult{DatasetID: datasetID}

	defer func() {
		result.DurationMS = time.Since(started).Milliseconds()
		p.status.record(result)
	}()

	if strings.TrimSpace(datasetID) == "" {
		p.logger.Warn("Ingestion requested without a dataset ID")
		result.Error = "dataset id is required"

		return result
	}

	lock := p.datasetLock(datasetID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		result.Cancelled = true
		result.Error = err.Error()

		return result
	}

	// Step 1: skip when an active registration already has stored rows.
	skip, existing, err := p.isFresh(ctx, datasetID)
	if err != nil {
		p.logger.Error("Freshness check failed", "dataset_id", datasetID, "error", err)
		result.Error = err.Error()

		return result
	}

	if skip {
		result.Success = true
		result.Skipped = true
		result.ExistingRecords = existing
		result.Reason = ReasonUpToDate

		p.logger.Debug("Dataset already ingested, skipping",
			"dataset_id", datasetID,
			"existing_records", existing,
		)

		return result
	}

	// Steps 2 to 6 replay as a unit on transient failures.
	var (
		attempts  int
		processed int64
	)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++

		// Step 2: fetch through the rate-limited client.
		fetched := p.client.FetchDataset(ctx, datasetID)

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		content, err := validateFetch(fetched)
		if err != nil {
			if errors.Is(err, errMalformedResponse) {
				p.persistSentinel(ctx, sdmx.NewParseErrorObservation(datasetID, err, ""))

				return backoff.Permanent(err)
			}

			return err
		}

		// Step 3: parse. A malformed payload yields a single sentinel
		// record; an empty payload on a successful fetch yields a
		// placeholder row so the next freshness check short-circuits.
		observations := p.parser.Parse(datasetID, content)

		if len(observations) == 1 && observations[0].IsParseError() {
			p.persistSentinel(ctx, observations[0])

			return backoff.Permanent(fmt.Errorf("%w: %s",
				errMalformedPayload, observations[0].AdditionalAttributes[sdmx.AttrParseError]))
		}

		realRecords := int64(len(observations))
		if len(observations) == 0 {
			observations = []sdmx.Observation{sdmx.NewEmptySuccessObservation(datasetID)}
		}

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		// Step 4: idempotent DDL before the first insert.
		if err := p.repo.Analytics().EnsureObservationTable(ctx); err != nil {
			return fmt.Errorf("failed to ensure observation table: %w", err)
		}

		// Step 5: append the batch.
		if _, err := p.repo.Analytics().BulkInsert(ctx, "", observations); err != nil {
			return fmt.Errorf("failed to persist observations: %w", err)
		}

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		// Step 6: metadata bookkeeping. Unregistered datasets still
		// ingest; their registration can arrive later.
		if err := p.updateDatasetStats(ctx, datasetID); err != nil {
			return fmt.Errorf("failed to update dataset stats: %w", err)
		}

		processed = realRecords

		return nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Ingestion attempt failed, retrying",
			"dataset_id", datasetID,
			"error", err,
			"wait", wait.String(),
		)
	}

	runErr := backoff.RetryNotify(op, p.newRetryBackoff(ctx), notify)

	result.Attempts = attempts

	switch {
	case runErr == nil:
		result.Success = true
		result.RecordsProcessed = processed

		p.logger.Info("Dataset ingested",
			"dataset_id", datasetID,
			"records_processed", processed,
			"attempts", attempts,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		result.Cancelled = true
		result.Error = runErr.Error()

		p.logger.Warn("Ingestion cancelled", "dataset_id", datasetID, "attempts", attempts)
	default:
		result.Error = runErr.Error()

		p.logger.Error("Ingestion failed",
			"dataset_id", datasetID,
			"attempts", attempts,
			"error", runErr,
		)
	}

	// Step 7: audit event. Best effort; the outcome stands either way.
	p.auditRun(ctx, result, time.Since(started))

	return result
}

// isFresh reports whether the dataset has an active registration and at
// least one stored observation. Fresh datasets are not re-fetched.
func (p *Pipeline) isFresh(ctx context.Context, datasetID string) (bool, int64, error) {
	dataset, err := p.repo.Metadata().Datasets.Get(ctx, datasetID)
	if err != nil {
		return false, 0, err
	}

	if dataset == nil || !dataset.IsActive {
		return false, 0, nil
	}

	count, err := p.repo.Analytics().CountByDataset(ctx, datasetID)
	if err != nil {
		return false, 0, err
	}

	return count > 0, count, nil
}

// newRetryBackoff builds the retry schedule: exponential from 1s with
// factor 2 and no jitter, bounded by the configured retry count, aborted
// when ctx ends.
func (p *Pipeline) newRetryBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.Retries)), ctx)
}

// validateFetch checks the response envelope and extracts the payload.
// Failure envelopes are transient. Success envelopes missing their payload
// are malformed; retrying cannot fix those.
func validateFetch(res *sdmx.FetchResult) (string, error) {
	if res == nil {
		return "", fmt.Errorf("%w: no response envelope", errMalformedResponse)
	}

	if !res.Success {
		message := res.ErrorMessage
		if message == "" {
			message = "no error message provided"
		}

		return "", fmt.Errorf("%w: %s", errUpstreamFetch, message)
	}

	if res.Data == nil {
		return "", fmt.Errorf("%w: success without data", errMalformedResponse)
	}

	if res.Data.Status != sdmx.FetchStatusSuccess {
		return "", fmt.Errorf("%w: data status %q", errMalformedResponse, res.Data.Status)
	}

	return res.Data.Content, nil
}

// persistSentinel stores a synthetic observation so the failure is visible
// in the analytics store. Write errors are logged, not propagated; the run
// is already failing for the underlying reason.
func (p *Pipeline) persistSentinel(ctx context.Context, obs sdmx.Observation) {
	if err := p.repo.Analytics().EnsureObservationTable(ctx); err != nil {
		p.logger.Warn("Failed to prepare table for sentinel observation",
			"dataset_id", obs.DatasetID,
			"error", err,
		)

		return
	}

	if _, err := p.repo.Analytics().BulkInsert(ctx, "", []sdmx.Observation{obs}); err != nil {
		p.logger.Warn("Failed to store sentinel observation",
			"dataset_id", obs.DatasetID,
			"error", err,
		)
	}
}

// updateDatasetStats mirrors the stored row count and processing time into
// the registry. Unregistered datasets are left alone.
func (p *Pipeline) updateDatasetStats(ctx context.Context, datasetID string) error {
	total, err := p.repo.Analytics().CountByDataset(ctx, datasetID)
	if err != nil {
		return err
	}

	now := time.Now()
	update := storage.DatasetStatsUpdate{
		RecordCount:   &total,
		LastProcessed: &now,
	}

	err = p.repo.Metadata().Datasets.UpdateStats(ctx, datasetID, update)
	if err != nil && !errors.Is(err, storage.ErrDatasetNotFound) {
		return err
	}

	return nil
}

// auditRun records the ingestion outcome. Skips short-circuit before any
// work happens and are not audited.
func (p *Pipeline) auditRun(ctx context.Context, result *DatasetResult, elapsed time.Duration) {
	if result.Skipped {
		return
	}

	entry := storage.NewAuditEntry(ActionIngestion, "dataset")
	entry.ResourceID = result.DatasetID
	entry.ExecutionTimeMS = elapsed.Milliseconds()
	entry.Details = map[string]any{
		"records_processed": result.RecordsProcessed,
		"attempts":          result.Attempts,
	}

	if !result.Success {
		entry.Success = false
		entry.ErrorMessage = result.Error
	}

	// The audit row should survive the cancellation that ended the run.
	auditCtx := context.WithoutCancel(ctx)

	if err := p.repo.Metadata().Audit.LogAction(auditCtx, entry); err != nil {
		p.logger.Warn("Failed to record ingestion audit event",
			"dataset_id", result.DatasetID,
			"error", err,
		)
	}
}

package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchResult aggregates one run over the priority set. Results keeps the
// priority-set order regardless of worker scheduling.
type BatchResult struct {
	Successful   int              `json:"successful"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	TotalRecords int64            `json:"total_records"`
	DurationMS   int64            `json:"duration_ms"`
	Results      []*DatasetResult `json:"results"`
}

// ByID returns the per-dataset results keyed by dataset ID.
func (b *BatchResult) ByID() map[string]*DatasetResult {
	out := make(map[string]*DatasetResult, len(b.Results))

	for _, res := range b.Results {
		out[res.DatasetID] = res
	}

	return out
}

// IngestAllPriorityDatasets ingests every dataset in the priority set.
// Datasets run serially unless max_concurrent raises the worker bound;
// the per-dataset lock still keeps each ID single-flight. Per-dataset
// failures are collected, never propagated, so one bad dataset cannot
// abort the batch.
func (p *Pipeline) IngestAllPriorityDatasets(ctx context.Context) *BatchResult {
	started := time.Now()
	ids := p.cfg.PriorityDatasets

	p.logger.Info("Starting priority set ingestion",
		"datasets", len(ids),
		"max_concurrent", p.cfg.MaxConcurrent,
	)

	results := make([]*DatasetResult, len(ids))

	if p.cfg.MaxConcurrent > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.MaxConcurrent)

		for i, id := range ids {
			g.Go(func() error {
				results[i] = p.IngestSingleDataset(gctx, id)

				return nil
			})
		}

		// Workers never return errors; failures live in the results.
		_ = g.Wait()
	} else {
		for i, id := range ids {
			results[i] = p.IngestSingleDataset(ctx, id)
		}
	}

	batch := &BatchResult{Results: results}

	for _, res := range results {
		if res.Success {
			batch.Successful++
		} else {
			batch.Failed++
		}

		if res.Skipped {
			batch.Skipped++
		}

		batch.TotalRecords += res.RecordsProcessed
	}

	batch.DurationMS = time.Since(started).Milliseconds()

	p.logger.Info("Priority set ingestion finished",
		"successful", batch.Successful,
		"failed", batch.Failed,
		"skipped", batch.Skipped,
		"total_records", batch.TotalRecords,
		"duration_ms", batch.DurationMS,
	)

	return batch
}

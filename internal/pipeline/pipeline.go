// Package pipeline orchestrates ingestion for the priority dataset set:
// skip-if-fresh checks, upstream fetch, SDMX parsing, bulk persistence,
// metadata bookkeeping, and audit events.
//
// The single-dataset path runs under a per-dataset lock, so at most one
// ingestion per dataset ID is in flight even when batch mode uses a worker
// pool. Transient upstream failures replay the fetch-to-persist sequence
// with exponential backoff; malformed payloads are recorded as sentinel
// observations and never retried.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/sdmx"
)

// Construction errors.
var (
	ErrNilRepository = errors.New("pipeline requires a repository")
	ErrNilClient     = errors.New("pipeline requires an SDMX client")
)

// DefaultPriorityDatasets is the MVP priority set: a small cross-section of
// the ISTAT catalogue spanning agriculture, demography, labour, prices, and
// education. Deployments override it through ingestion.priority_datasets.
var DefaultPriorityDatasets = []string{
	"101_1015", // Coltivazioni
	"22_289",   // Popolazione residente al 1 gennaio
	"151_914",  // Tasso di disoccupazione
	"139_176",  // Prezzi al consumo NIC
	"83_63",    // Indicatori demografici
	"68_355",   // Retribuzioni contrattuali
	"92_521",   // Iscritti all'universita
}

const (
	// defaultRetries bounds the replays of the fetch-to-persist steps
	// after a transient failure.
	defaultRetries = 3

	// defaultMaxConcurrent keeps batch mode serial unless configured.
	defaultMaxConcurrent = 1

	// retryInitialWait is the first backoff interval. Waits double per
	// attempt with no jitter: 1s, 2s, 4s, ...
	retryInitialWait = time.Second

	// maxStatusErrors caps the error history kept in the status snapshot.
	maxStatusErrors = 20

	// ReasonUpToDate marks a skip-if-fresh short circuit.
	ReasonUpToDate = "up-to-date"

	// ActionIngestion is the audit action recorded when an ingestion run
	// completes, successfully or not.
	ActionIngestion = "dataset_ingestion"
)

type (
	// Config holds the ingestion pipeline settings.
	Config struct {
		PriorityDatasets []string
		MaxConcurrent    int
		Retries          int
	}

	// Pipeline coordinates ingestion runs across the priority set.
	Pipeline struct {
		repo   *repository.Repository
		client sdmx.Client
		parser *sdmx.Parser
		cfg    Config
		logger *slog.Logger

		mu    sync.Mutex
		locks map[string]*sync.Mutex

		status ingestionStatus
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// ComponentHealth reports reachability of the pipeline's dependencies.
	// The client entry only confirms wiring; no upstream fetch is made.
	ComponentHealth struct {
		Healthy    bool              `json:"healthy"`
		Components map[string]string `json:"components"`
	}
)

// LoadConfig assembles the pipeline configuration from settings, falling
// back to the MVP defaults.
//
// Environment variables:
//   - STATBRIDGE_INGESTION_PRIORITY_DATASETS: comma-separated dataset IDs
//   - STATBRIDGE_INGESTION_MAX_CONCURRENT: batch worker bound
//   - STATBRIDGE_INGESTION_RETRIES: replays per dataset after failure
func LoadConfig(settings *config.Settings) Config {
	priority := DefaultPriorityDatasets
	maxConcurrent := defaultMaxConcurrent
	retries := defaultRetries

	if settings != nil {
		if len(settings.Ingestion.PriorityDatasets) > 0 {
			priority = settings.Ingestion.PriorityDatasets
		}

		if settings.Ingestion.MaxConcurrent > 0 {
			maxConcurrent = settings.Ingestion.MaxConcurrent
		}

		if settings.Ingestion.Retries > 0 {
			retries = settings.Ingestion.Retries
		}
	}

	if raw := config.GetEnvStr("STATBRIDGE_INGESTION_PRIORITY_DATASETS", ""); raw != "" {
		priority = splitDatasetList(raw)
	}

	return Config{
		PriorityDatasets: priority,
		MaxConcurrent:    config.GetEnvInt("STATBRIDGE_INGESTION_MAX_CONCURRENT", maxConcurrent),
		Retries:          config.GetEnvInt("STATBRIDGE_INGESTION_RETRIES", retries),
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithParser replaces the SDMX parser. The default parser shares the
// pipeline logger.
func WithParser(parser *sdmx.Parser) Option {
	return func(p *Pipeline) {
		if parser != nil {
			p.parser = parser
		}
	}
}

// New creates a Pipeline over the repository and SDMX client. An empty
// priority set and a non-positive worker bound fall back to the MVP
// defaults; Retries zero means no replays, negative falls back to the
// default budget.
func New(cfg Config, repo *repository.Repository, client sdmx.Client, opts ...Option) (*Pipeline, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	if client == nil {
		return nil, ErrNilClient
	}

	if len(cfg.PriorityDatasets) == 0 {
		cfg.PriorityDatasets = DefaultPriorityDatasets
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}

	if cfg.Retries < 0 {
		cfg.Retries = defaultRetries
	}

	p := &Pipeline{
		repo:   repo,
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.parser == nil {
		p.parser = sdmx.NewParser(sdmx.WithParserLogger(p.logger))
	}

	return p, nil
}

// PrioritySet returns a copy of the configured priority dataset IDs.
func (p *Pipeline) PrioritySet() []string {
	out := make([]string, len(p.cfg.PriorityDatasets))
	copy(out, p.cfg.PriorityDatasets)
	return out
}

// GetIngestionStatus returns a snapshot of pipeline activity since process
// start. The error history keeps the most recent entries only.
func (p *Pipeline) GetIngestionStatus() *IngestionStatus {
	return p.status.snapshot()
}

// HealthCheck reports reachability of the metadata store, the analytics
// store, and the SDMX client without performing a fetch.
func (p *Pipeline) HealthCheck(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Healthy:    true,
		Components: make(map[string]string, 3),
	}

	if err := p.repo.Metadata().HealthCheck(ctx); err != nil {
		health.Healthy = false
		health.Components["metadata_store"] = err.Error()
	} else {
		health.Components["metadata_store"] = "ok"
	}

	if err := p.repo.Analytics().HealthCheck(ctx); err != nil {
		health.Healthy = false
		health.Components["analytics_store"] = err.Error()
	} else {
		health.Components["analytics_store"] = "ok"
	}

	health.Components["sdmx_client"] = "configured"

	return health
}

// datasetLock returns the mutex guarding one dataset ID, creating it on
// first use. Locks are never removed; the priority set is small.
func (p *Pipeline) datasetLock(datasetID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[datasetID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[datasetID] = lock
	}

	return lock
}

func splitDatasetList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

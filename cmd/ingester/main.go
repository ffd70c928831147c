// Package main provides the StatBridge batch ingester.
//
// The ingester runs one ingestion pass over the priority set (or a single
// dataset) and exits, which makes it suitable for cron and CI schedules.
// The process exits non-zero when any dataset fails, so schedulers can
// alert on the exit code alone.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/statbridge-io/statbridge/internal/categorize"
	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/pipeline"
	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/sdmx"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	datasetFlag := flag.String("dataset", "", "ingest a single dataset instead of the priority set")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	settings, err := config.LoadSettingsFromEnv()
	if err != nil {
		log.Printf("Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(settings),
	}))

	logger.Info("Starting StatBridge ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	// A signal cancels in-flight datasets; completed datasets stay persisted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeConfig := storage.LoadStoreConfig(settings)

	meta, err := storage.NewMetadataStore(storeConfig)
	if err != nil {
		logger.Error("Failed to open metadata store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	analytics, err := storage.NewAnalyticsStore(storeConfig)
	if err != nil {
		logger.Error("Failed to open analytics store", slog.String("error", err.Error()))

		_ = meta.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	categorizer := categorize.NewEngine(meta.Rules, categorize.WithEngineLogger(logger))

	repo, err := repository.New(meta, analytics,
		repository.WithLogger(logger),
		repository.WithCategorizer(categorizer),
	)
	if err != nil {
		logger.Error("Failed to build repository", slog.String("error", err.Error()))

		_ = meta.Close()
		_ = analytics.Close()
		os.Exit(1)
	}

	client := sdmx.NewHTTPClient(sdmx.LoadClientConfig(settings), sdmx.WithClientLogger(logger))

	ingestion, err := pipeline.New(pipeline.LoadConfig(settings), repo, client, pipeline.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to build ingestion pipeline", slog.String("error", err.Error()))

		_ = repo.Close()
		os.Exit(1)
	}

	failed := run(ctx, logger, ingestion, *datasetFlag)

	_ = repo.Close()

	if failed {
		os.Exit(1)
	}
}

// run executes the requested ingestion and reports whether anything failed.
func run(ctx context.Context, logger *slog.Logger, ingestion *pipeline.Pipeline, datasetID string) bool {
	if datasetID != "" {
		result := ingestion.IngestSingleDataset(ctx, datasetID)
		logResult(logger, result)

		return !result.Success
	}

	logger.Info("Ingesting priority set",
		slog.Any("datasets", ingestion.PrioritySet()),
	)

	batch := ingestion.IngestAllPriorityDatasets(ctx)

	for _, result := range batch.Results {
		logResult(logger, result)
	}

	logger.Info("Ingestion run complete",
		slog.Int("successful", batch.Successful),
		slog.Int("failed", batch.Failed),
		slog.Int("skipped", batch.Skipped),
		slog.Int64("total_records", batch.TotalRecords),
		slog.Int64("duration_ms", batch.DurationMS),
	)

	return batch.Failed > 0
}

// logResult logs one per-dataset outcome at a level matching its severity.
func logResult(logger *slog.Logger, result *pipeline.DatasetResult) {
	attrs := []any{
		slog.String("dataset_id", result.DatasetID),
		slog.Int64("records_processed", result.RecordsProcessed),
		slog.Int("attempts", result.Attempts),
		slog.Int64("duration_ms", result.DurationMS),
	}

	switch {
	case result.Success && result.Skipped:
		attrs = append(attrs, slog.String("reason", result.Reason))
		logger.Info("Dataset skipped", attrs...)
	case result.Success:
		logger.Info("Dataset ingested", attrs...)
	default:
		attrs = append(attrs, slog.String("error", result.Error))
		logger.Error("Dataset ingestion failed", attrs...)
	}
}

// logLevel maps the settings log level name to a slog level, with the
// STATBRIDGE_LOG_LEVEL environment variable taking precedence.
func logLevel(settings *config.Settings) slog.Level {
	level := slog.LevelInfo

	if settings != nil {
		switch strings.ToLower(strings.TrimSpace(settings.Logging.Level)) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	return config.GetEnvLogLevel("STATBRIDGE_LOG_LEVEL", level)
}

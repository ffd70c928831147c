// Package main provides the StatBridge statistical data platform service.
//
// The service ingests ISTAT SDMX datasets into the dual-store backend and
// serves PowerBI-ready exports over HTTP.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/statbridge-io/statbridge/internal/api"
	"github.com/statbridge-io/statbridge/internal/api/middleware"
	"github.com/statbridge-io/statbridge/internal/categorize"
	"github.com/statbridge-io/statbridge/internal/config"
	"github.com/statbridge-io/statbridge/internal/export"
	"github.com/statbridge-io/statbridge/internal/pipeline"
	"github.com/statbridge-io/statbridge/internal/repository"
	"github.com/statbridge-io/statbridge/internal/sdmx"
	"github.com/statbridge-io/statbridge/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "statbridge"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
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

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting StatBridge service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("service_rps", middlewareConfig.ServiceRPS),
		slog.Int("service_burst", middlewareConfig.ServiceBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load store configuration
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

	logger.Info("Stores initialized",
		slog.String("sqlite_path", storeConfig.SQLitePath),
		slog.String("duckdb_path", storeConfig.DuckDBPath),
		slog.String("environment", storeConfig.Environment),
		slog.Int("max_open_conns", storeConfig.MaxOpenConns),
		slog.Int("max_idle_conns", storeConfig.MaxIdleConns),
	)

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

	defer func() {
		_ = repo.Close() // Ensure both stores close on normal shutdown
	}()

	clientConfig := sdmx.LoadClientConfig(settings)
	client := sdmx.NewHTTPClient(clientConfig, sdmx.WithClientLogger(logger))

	logger.Info("SDMX client initialized",
		slog.String("base_url", clientConfig.BaseURL),
		slog.Int("rate_limit_per_hour", clientConfig.RateLimit),
		slog.Duration("timeout", clientConfig.Timeout),
	)

	ingestion, err := pipeline.New(pipeline.LoadConfig(settings), repo, client, pipeline.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to build ingestion pipeline", slog.String("error", err.Error()))

		_ = repo.Close()
		os.Exit(1)
	}

	exporter, err := export.New(repo, export.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to build export engine", slog.String("error", err.Error()))

		_ = repo.Close()
		os.Exit(1)
	}

	deps := api.Dependencies{
		Repository:  repo,
		Exporter:    exporter,
		Ingestion:   ingestion,
		RateLimiter: rateLimiter,
	}

	authEnabled := config.GetEnvBool("STATBRIDGE_AUTH_ENABLED", false)
	if authEnabled {
		deps.Credentials = credentialSource(logger, meta)
		deps.Auditor = meta.Audit

		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set STATBRIDGE_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("StatBridge service stopped")
}

// credentialSource picks the API key backend. STATBRIDGE_API_KEYS
// ("service:key,service:key") bootstraps an in-memory store for deployments
// without provisioned credentials; otherwise keys resolve against the
// persistent credential table.
func credentialSource(logger *slog.Logger, meta *storage.MetadataStore) storage.CredentialFinder {
	raw := os.Getenv("STATBRIDGE_API_KEYS")
	if raw == "" {
		return meta.Users
	}

	bootstrap := storage.NewMemoryCredentialStore()
	loaded := bootstrap.LoadFromList(config.ParseCommaSeparatedList(raw))

	logger.Info("Bootstrapped API keys from environment",
		slog.Int("loaded", loaded),
	)

	return bootstrap
}

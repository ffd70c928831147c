package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsPath is the default location for the statbridge settings file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultSettingsPath = ".statbridge.yaml"

// SettingsPathEnvVar is the environment variable name for a custom settings file path.
const SettingsPathEnvVar = "STATBRIDGE_CONFIG"

type (
	// Settings holds the file-backed configuration surface loaded from .statbridge.yaml.
	//
	// Precedence is: environment variable > settings file > built-in default.
	// Component config loaders read the file values as their defaults and let
	// env vars override them.
	Settings struct {
		Database  DatabaseSettings  `yaml:"database"`
		API       APISettings       `yaml:"api"`
		Cache     CacheSettings     `yaml:"cache"`
		Security  SecuritySettings  `yaml:"security"`
		Logging   LoggingSettings   `yaml:"logging"`
		Dashboard DashboardSettings `yaml:"dashboard"`
		Ingestion IngestionSettings `yaml:"ingestion"`
		Templates TemplateSettings  `yaml:"templates"`
	}

	// DatabaseSettings holds store file locations.
	DatabaseSettings struct {
		SQLite PathSetting `yaml:"sqlite"`
		DuckDB PathSetting `yaml:"duckdb"`
	}

	// PathSetting wraps a single filesystem path.
	PathSetting struct {
		Path string `yaml:"path"`
	}

	// APISettings holds upstream API client settings.
	APISettings struct {
		Istat IstatSettings `yaml:"istat"`
	}

	// IstatSettings controls the outbound SDMX client.
	IstatSettings struct {
		BaseURL   string `yaml:"base_url"`
		RateLimit int    `yaml:"rate_limit"` // requests per hour
		Timeout   int    `yaml:"timeout"`    // seconds
	}

	// CacheSettings controls in-process cache TTLs.
	CacheSettings struct {
		DefaultTTL int `yaml:"default_ttl"` // seconds
	}

	// SecuritySettings holds authentication limits.
	SecuritySettings struct {
		MaxLoginAttempts int `yaml:"max_login_attempts"`
	}

	// LoggingSettings holds the log level name.
	LoggingSettings struct {
		Level string `yaml:"level"`
	}

	// DashboardSettings holds downstream dashboard hints.
	DashboardSettings struct {
		RefreshInterval int `yaml:"refresh_interval"` // seconds
	}

	// IngestionSettings controls the batch ingestion pipeline.
	IngestionSettings struct {
		PriorityDatasets []string `yaml:"priority_datasets"`
		MaxConcurrent    int      `yaml:"max_concurrent"`
		Retries          int      `yaml:"retries"`
	}

	// TemplateSettings holds the output directory for generated .pbit files.
	TemplateSettings struct {
		Dir string `yaml:"dir"`
	}
)

// DefaultSettings returns the built-in configuration defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Database: DatabaseSettings{
			SQLite: PathSetting{Path: "data/statbridge.db"},
			DuckDB: PathSetting{Path: "data/statbridge_analytics.duckdb"},
		},
		API: APISettings{
			Istat: IstatSettings{
				BaseURL:   "https://esploradati.istat.it/SDMXWS/rest",
				RateLimit: 100,
				Timeout:   30,
			},
		},
		Cache:     CacheSettings{DefaultTTL: 300},
		Security:  SecuritySettings{MaxLoginAttempts: 5},
		Logging:   LoggingSettings{Level: "info"},
		Dashboard: DashboardSettings{RefreshInterval: 30},
		Ingestion: IngestionSettings{
			PriorityDatasets: nil, // pipeline supplies the MVP priority set
			MaxConcurrent:    1,
			Retries:          3,
		},
		Templates: TemplateSettings{Dir: "templates"},
	}
}

// LoadSettings loads settings from a YAML file at the given path, overlaid on
// the built-in defaults.
//
// Behavior:
//   - Returns defaults (not error) if the file doesn't exist - the file is optional
//   - Returns defaults + logs warning if YAML is invalid (graceful degradation)
//   - Returns defaults overlaid with file values on success
//
// This graceful degradation ensures every binary can start with zero
// configuration; the settings file only narrows defaults.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Settings file not found, using defaults",
				slog.String("path", path))

			return settings, nil
		}

		slog.Warn("Failed to read settings file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return settings, nil
	}

	if len(data) == 0 {
		return settings, nil
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		slog.Warn("Failed to parse settings file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultSettings(), nil
	}

	return settings, nil
}

// LoadSettingsFromEnv loads settings from the path specified in the
// STATBRIDGE_CONFIG environment variable. Falls back to ".statbridge.yaml"
// in the current directory if not set.
func LoadSettingsFromEnv() (*Settings, error) {
	path := GetEnvStr(SettingsPathEnvVar, DefaultSettingsPath)

	return LoadSettings(path)
}

// Flatten returns the recognized dotted configuration surface as key/value
// strings, suitable for seeding the system_config table.
func (s *Settings) Flatten() map[string]string {
	return map[string]string{
		"database.sqlite.path":        s.Database.SQLite.Path,
		"database.duckdb.path":        s.Database.DuckDB.Path,
		"api.istat.rate_limit":        fmt.Sprintf("%d", s.API.Istat.RateLimit),
		"api.istat.timeout":           fmt.Sprintf("%d", s.API.Istat.Timeout),
		"cache.default_ttl":           fmt.Sprintf("%d", s.Cache.DefaultTTL),
		"security.max_login_attempts": fmt.Sprintf("%d", s.Security.MaxLoginAttempts),
		"logging.level":               s.Logging.Level,
		"dashboard.refresh_interval":  fmt.Sprintf("%d", s.Dashboard.RefreshInterval),
	}
}

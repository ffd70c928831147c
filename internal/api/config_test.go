package api

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func validServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "localhost",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRequestSize:  1 << 20,
	}
}

func TestServerConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("valid configuration passes", func(t *testing.T) {
		if err := validServerConfig().Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr error
	}{
		{
			name:    "zero port",
			mutate:  func(c *ServerConfig) { c.Port = 0 },
			wantErr: ErrInvalidPort,
		},
		{
			name:    "port above range",
			mutate:  func(c *ServerConfig) { c.Port = 70000 },
			wantErr: ErrInvalidPort,
		},
		{
			name:    "empty host",
			mutate:  func(c *ServerConfig) { c.Host = "" },
			wantErr: ErrEmptyHost,
		},
		{
			name:    "zero read timeout",
			mutate:  func(c *ServerConfig) { c.ReadTimeout = 0 },
			wantErr: ErrInvalidReadTimeout,
		},
		{
			name:    "negative write timeout",
			mutate:  func(c *ServerConfig) { c.WriteTimeout = -time.Second },
			wantErr: ErrInvalidWriteTimeout,
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *ServerConfig) { c.ShutdownTimeout = 0 },
			wantErr: ErrInvalidShutdownTimeout,
		},
		{
			name:    "zero max request size",
			mutate:  func(c *ServerConfig) { c.MaxRequestSize = 0 },
			wantErr: ErrInvalidMaxRequestSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validServerConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigAddress(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &ServerConfig{Host: "localhost", Port: 9090}

	if got := cfg.Address(); got != "localhost:9090" {
		t.Errorf("Address() = %q, want %q", got, "localhost:9090")
	}
}

func TestServerConfigToCORSConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &ServerConfig{
		CORSAllowedOrigins: []string{"https://reports.example.com"},
		CORSAllowedMethods: []string{"GET", "POST"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Api-Key"},
		CORSMaxAge:         7200,
	}

	cors := cfg.ToCORSConfig()

	if got := cors.GetAllowedOrigins(); len(got) != 1 || got[0] != "https://reports.example.com" {
		t.Errorf("GetAllowedOrigins() = %v, want the configured origin", got)
	}

	if got := cors.GetAllowedMethods(); len(got) != 2 || got[0] != "GET" {
		t.Errorf("GetAllowedMethods() = %v, want the configured methods", got)
	}

	if got := cors.GetAllowedHeaders(); len(got) != 2 || got[1] != "X-Api-Key" {
		t.Errorf("GetAllowedHeaders() = %v, want the configured headers", got)
	}

	if got := cors.GetMaxAge(); got != 7200 {
		t.Errorf("GetMaxAge() = %d, want 7200", got)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadServerConfig()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}

	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", cfg.ReadTimeout)
	}

	// Exports stream large datasets, so writes get a longer deadline.
	if cfg.WriteTimeout != 120*time.Second {
		t.Errorf("WriteTimeout = %v, want 120s", cfg.WriteTimeout)
	}

	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}

	if cfg.MaxRequestSize != 1048576 {
		t.Errorf("MaxRequestSize = %d, want 1048576", cfg.MaxRequestSize)
	}

	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("CORSAllowedOrigins = %v, want [*]", cfg.CORSAllowedOrigins)
	}

	if cfg.CORSMaxAge != 86400 {
		t.Errorf("CORSMaxAge = %d, want 86400", cfg.CORSMaxAge)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate, got %v", err)
	}
}

func TestLoadServerConfigFromEnvironment(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STATBRIDGE_SERVER_PORT", "9090")
	t.Setenv("STATBRIDGE_SERVER_HOST", "127.0.0.1")
	t.Setenv("STATBRIDGE_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("STATBRIDGE_SERVER_LOG_LEVEL", "debug")
	t.Setenv("STATBRIDGE_CORS_ALLOWED_ORIGINS", "https://reports.example.com, https://gateway.example.com")

	cfg := LoadServerConfig()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}

	if cfg.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %v, want 5s", cfg.ReadTimeout)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}

	want := []string{"https://reports.example.com", "https://gateway.example.com"}
	if len(cfg.CORSAllowedOrigins) != len(want) {
		t.Fatalf("CORSAllowedOrigins = %v, want %v", cfg.CORSAllowedOrigins, want)
	}

	for i, origin := range want {
		if cfg.CORSAllowedOrigins[i] != origin {
			t.Errorf("CORSAllowedOrigins[%d] = %q, want %q", i, cfg.CORSAllowedOrigins[i], origin)
		}
	}
}

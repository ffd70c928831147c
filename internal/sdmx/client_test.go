package sdmx

import (
	"testing"
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
)

func TestLoadClientConfig_Defaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadClientConfig(nil)

	if cfg.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, defaultBaseURL)
	}

	if cfg.RateLimit != defaultRateLimit {
		t.Errorf("RateLimit = %d, want %d", cfg.RateLimit, defaultRateLimit)
	}

	if cfg.Timeout != defaultFetchTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, defaultFetchTimeout)
	}
}

func TestLoadClientConfig_FromSettings(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	settings := config.DefaultSettings()
	settings.API.Istat.BaseURL = "https://sdmx.example.test/rest"
	settings.API.Istat.RateLimit = 10
	settings.API.Istat.Timeout = 5

	cfg := LoadClientConfig(settings)

	if cfg.BaseURL != "https://sdmx.example.test/rest" {
		t.Errorf("BaseURL = %q, want settings value", cfg.BaseURL)
	}

	if cfg.RateLimit != 10 {
		t.Errorf("RateLimit = %d, want 10", cfg.RateLimit)
	}

	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
}

func TestLoadClientConfig_EnvOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STATBRIDGE_ISTAT_BASE_URL", "https://override.example.test")
	t.Setenv("STATBRIDGE_ISTAT_RATE_LIMIT", "7")
	t.Setenv("STATBRIDGE_ISTAT_TIMEOUT", "12s")

	cfg := LoadClientConfig(config.DefaultSettings())

	if cfg.BaseURL != "https://override.example.test" {
		t.Errorf("BaseURL = %q, want env override", cfg.BaseURL)
	}

	if cfg.RateLimit != 7 {
		t.Errorf("RateLimit = %d, want 7", cfg.RateLimit)
	}

	if cfg.Timeout != 12*time.Second {
		t.Errorf("Timeout = %v, want 12s", cfg.Timeout)
	}
}

func TestNewHTTPClient_Defaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := NewHTTPClient(ClientConfig{BaseURL: "https://sdmx.example.test/rest/"})

	if client.baseURL != "https://sdmx.example.test/rest" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", client.baseURL)
	}

	if client.httpClient.Timeout != defaultFetchTimeout {
		t.Errorf("http timeout = %v, want %v", client.httpClient.Timeout, defaultFetchTimeout)
	}

	if client.limiter == nil {
		t.Fatal("limiter should always be configured")
	}
}

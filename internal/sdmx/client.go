package sdmx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/statbridge-io/statbridge/internal/config"
)

const (
	// defaultBaseURL is the ISTAT SDMX REST endpoint.
	defaultBaseURL = "https://esploradati.istat.it/SDMXWS/rest"

	// defaultRateLimit is the outbound request budget in requests per hour.
	defaultRateLimit = 100

	// defaultFetchTimeout bounds a single upstream request.
	defaultFetchTimeout = 30 * time.Second

	// sdmxGenericMediaType asks the service for the generic data format the
	// parser understands.
	sdmxGenericMediaType = "application/vnd.sdmx.genericdata+xml;version=2.1"

	clientUserAgent = "statbridge/1.0"

	// FetchStatusSuccess is the Data.Status value of a successful fetch.
	FetchStatusSuccess = "success"
)

type (
	// FetchData is the payload portion of a successful fetch.
	FetchData struct {
		Status  string
		Content string
		Size    int
	}

	// FetchResult is the upstream response envelope. Failures are reported
	// in the envelope, not as Go errors, so callers handle exactly two
	// shapes: success with data, or failure with a message.
	FetchResult struct {
		Success      bool
		Data         *FetchData
		ErrorMessage string
	}

	// Client fetches the raw SDMX payload for a dataflow.
	Client interface {
		FetchDataset(ctx context.Context, datasetID string) *FetchResult
	}

	// ClientConfig holds the outbound SDMX client settings.
	ClientConfig struct {
		BaseURL   string
		RateLimit int // requests per hour; <=0 disables limiting
		Timeout   time.Duration
	}

	// HTTPClient is the production Client for the ISTAT SDMX REST service.
	// A token bucket keeps outbound traffic inside the configured hourly
	// budget; FetchDataset blocks on the bucket before dialing.
	HTTPClient struct {
		baseURL    string
		httpClient *http.Client
		limiter    *rate.Limiter
		logger     *slog.Logger
	}

	// HTTPClientOption configures an HTTPClient.
	HTTPClientOption func(*HTTPClient)
)

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// LoadClientConfig builds a ClientConfig from settings with environment
// overrides.
//
// Environment variables:
//   - STATBRIDGE_ISTAT_BASE_URL: upstream REST endpoint
//   - STATBRIDGE_ISTAT_RATE_LIMIT: requests per hour
//   - STATBRIDGE_ISTAT_TIMEOUT: per-request timeout (Go duration)
func LoadClientConfig(settings *config.Settings) ClientConfig {
	baseURL := defaultBaseURL
	rateLimit := defaultRateLimit
	timeout := defaultFetchTimeout

	if settings != nil {
		if settings.API.Istat.BaseURL != "" {
			baseURL = settings.API.Istat.BaseURL
		}

		if settings.API.Istat.RateLimit > 0 {
			rateLimit = settings.API.Istat.RateLimit
		}

		if settings.API.Istat.Timeout > 0 {
			timeout = time.Duration(settings.API.Istat.Timeout) * time.Second
		}
	}

	return ClientConfig{
		BaseURL:   config.GetEnvStr("STATBRIDGE_ISTAT_BASE_URL", baseURL),
		RateLimit: config.GetEnvInt("STATBRIDGE_ISTAT_RATE_LIMIT", rateLimit),
		Timeout:   config.GetEnvDuration("STATBRIDGE_ISTAT_TIMEOUT", timeout),
	}
}

// WithClientLogger sets the logger for fetch failures and slow requests.
func WithClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests to
// point at a local server or shorten timeouts.
func WithHTTPClient(httpClient *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewHTTPClient creates an HTTPClient from cfg. Zero-value fields fall back
// to the ISTAT defaults.
func NewHTTPClient(cfg ClientConfig, opts ...HTTPClientOption) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RateLimit)), 1)
	}

	client := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchDataset retrieves the full generic-format payload for datasetID.
//
// The request path follows the SDMX REST data query
// GET {base}/data/{flowRef}/ALL with the generic media type in Accept.
// Every failure mode (bad id, rate-limit wait cancelled, transport error,
// non-2xx status) returns a failure envelope; FetchDataset never panics and
// never returns nil.
func (c *HTTPClient) FetchDataset(ctx context.Context, datasetID string) *FetchResult {
	ref, err := ParseDataflowRef(datasetID)
	if err != nil {
		return c.failure(datasetID, fmt.Sprintf("invalid dataflow reference: %v", err))
	}

	// Suspension point: blocks until the hourly budget admits the request
	// or the context is done.
	if err := c.limiter.Wait(ctx); err != nil {
		return c.failure(datasetID, fmt.Sprintf("rate limit wait aborted: %v", err))
	}

	requestURL := c.baseURL + "/data/" + ref.String() + "/ALL"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return c.failure(datasetID, fmt.Sprintf("failed to build request: %v", err))
	}

	req.Header.Set("Accept", sdmxGenericMediaType)
	req.Header.Set("User-Agent", clientUserAgent)

	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.failure(datasetID, fmt.Sprintf("request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.failure(datasetID, fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode == http.StatusNotFound {
		return c.failure(datasetID, fmt.Sprintf("no data for dataflow %s (HTTP 404)", ref.String()))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return c.failure(datasetID, fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
	}

	c.logger.Debug("Fetched SDMX payload",
		"dataset_id", datasetID,
		"bytes", len(body),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &FetchResult{
		Success: true,
		Data: &FetchData{
			Status:  FetchStatusSuccess,
			Content: string(body),
			Size:    len(body),
		},
	}
}

// failure logs and wraps a fetch failure into the result envelope.
func (c *HTTPClient) failure(datasetID, message string) *FetchResult {
	c.logger.Warn("SDMX fetch failed",
		"dataset_id", datasetID,
		"error", message,
	)

	return &FetchResult{Success: false, ErrorMessage: message}
}

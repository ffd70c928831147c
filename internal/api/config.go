// Package api provides HTTP API server implementation for the StatBridge service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
)

const (
	defaultPort            = 8080
	defaultHost            = "0.0.0.0"
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultLogLevel        = slog.LevelInfo
	defaultCORSMaxAge      = 86400
	maxPort                = 65535

	// Export responses stream entire datasets, so writes get a much longer
	// deadline than reads.
	defaultWriteTimeout = 120 * time.Second

	// defaultMaxRequestSize caps ingestion request bodies at 1 MB.
	defaultMaxRequestSize int64 = 1 << 20
)

var (
	// ErrInvalidPort reports a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost reports a missing listen address.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout reports a non-positive read timeout.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout reports a non-positive write timeout.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout reports a non-positive shutdown timeout.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize reports a non-positive request body cap.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

// ServerConfig holds HTTP server configuration. Pure configuration only, no
// runtime dependencies.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	MaxRequestSize     int64
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// CORSConfig carries the CORS fields in the shape the middleware consumes.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// LoadServerConfig builds the server configuration from STATBRIDGE_*
// environment variables; unset variables keep the package defaults.
func LoadServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Port:            config.GetEnvInt("STATBRIDGE_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("STATBRIDGE_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("STATBRIDGE_SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("STATBRIDGE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("STATBRIDGE_SERVER_TIMEOUT", defaultShutdownTimeout),
		LogLevel:        config.GetEnvLogLevel("STATBRIDGE_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("STATBRIDGE_MAX_REQUEST_SIZE", defaultMaxRequestSize),
	}

	cfg.loadCORSFromEnv()

	return cfg
}

// loadCORSFromEnv fills the CORS fields. The wildcard origin default suits
// development; deployments restrict it through the environment.
func (c *ServerConfig) loadCORSFromEnv() {
	c.CORSAllowedOrigins = config.ParseCommaSeparatedList(
		config.GetEnvStr("STATBRIDGE_CORS_ALLOWED_ORIGINS", "*"),
	)
	c.CORSAllowedMethods = config.ParseCommaSeparatedList(
		config.GetEnvStr("STATBRIDGE_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
	)
	c.CORSAllowedHeaders = config.ParseCommaSeparatedList(
		config.GetEnvStr(
			"STATBRIDGE_CORS_ALLOWED_HEADERS",
			"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
		),
	)
	c.CORSMaxAge = config.GetEnvInt("STATBRIDGE_CORS_MAX_AGE", defaultCORSMaxAge)
}

// Validate checks that the configuration can produce a working listener.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Port < 1 || c.Port > maxPort:
		return fmt.Errorf("%w: %d is outside 1-%d", ErrInvalidPort, c.Port, maxPort)
	case c.Host == "":
		return ErrEmptyHost
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	case c.MaxRequestSize <= 0:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig copies the CORS fields into a middleware-compatible view.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the preflight cache lifetime in seconds.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

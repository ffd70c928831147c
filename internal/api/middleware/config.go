// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"time"

	"github.com/statbridge-io/statbridge/internal/config"
)

// Config holds rate limiter settings.
//
// Three token bucket tiers apply in order: a global bucket shared by all
// traffic, a per-service bucket for authenticated callers, and a single
// bucket for unauthenticated requests. Rates are requests per second; a
// burst of 0 means the limiter derives the burst as twice the rate.
type Config struct {
	GlobalRPS  int
	ServiceRPS int
	UnAuthRPS  int

	GlobalBurst  int
	ServiceBurst int
	UnAuthBurst  int

	// Idle per-service buckets are evicted on a timer so the limiter map
	// cannot grow without bound.
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxServices     int
}

// LoadConfig reads rate limiter settings from STATBRIDGE_* environment
// variables, falling back to the package defaults (100/50/10 RPS, cleanup
// every 5 minutes, eviction after 1 hour idle).
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:  config.GetEnvInt("STATBRIDGE_GLOBAL_RPS", defaultGlobalRPS),
		ServiceRPS: config.GetEnvInt("STATBRIDGE_SERVICE_RPS", defaultServiceRPS),
		UnAuthRPS:  config.GetEnvInt("STATBRIDGE_UNAUTH_RPS", defaultUnAuthRPS),

		// 0 keeps the derived burst of 2x the tier rate
		GlobalBurst:  config.GetEnvInt("STATBRIDGE_GLOBAL_BURST", 0),
		ServiceBurst: config.GetEnvInt("STATBRIDGE_SERVICE_BURST", 0),
		UnAuthBurst:  config.GetEnvInt("STATBRIDGE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"STATBRIDGE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("STATBRIDGE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxServices: config.GetEnvInt("STATBRIDGE_RATE_LIMIT_MAX_SERVICES", maxServices),
	}
}

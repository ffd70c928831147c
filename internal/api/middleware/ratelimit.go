// Package middleware provides HTTP middleware components for the StatBridge API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxServices                int     = 100
	defaultGlobalRPS           int     = 100
	defaultServiceRPS          int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

// RateLimiter decides whether a request may proceed.
//
// serviceName identifies the authenticated caller; unauthenticated requests
// pass the empty string. The in-memory implementation below suits single-node
// deployment; a distributed store can implement the same interface when the
// service scales out.
type RateLimiter interface {
	Allow(serviceName string) bool
}

// InMemoryRateLimiter enforces three token bucket tiers with
// golang.org/x/time/rate: a global bucket over all traffic, one bucket per
// authenticated service, and a shared bucket for unauthenticated requests.
// Idle service buckets are evicted by a background goroutine so the map stays
// bounded.
type InMemoryRateLimiter struct {
	global          *rate.Limiter
	perService      map[string]*serviceLimiter
	unauthenticated *rate.Limiter
	mu              sync.RWMutex
	cleanupTicker   *time.Ticker
	done            chan struct{}

	serviceRPS      int
	serviceBurst    int
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	maxServices     int
}

// serviceLimiter pairs a bucket with its last access time for eviction.
type serviceLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// NewInMemoryRateLimiter builds the three-tier limiter from config. Zero-value
// bursts derive as twice the tier rate; zero-value cleanup settings fall back
// to the package defaults. Call Close when done to stop the eviction loop.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	cleanupInterval := config.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	idleTimeout := config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), burstFor(config.GlobalRPS, config.GlobalBurst)),
		perService:      make(map[string]*serviceLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), burstFor(config.UnAuthRPS, config.UnAuthBurst)),
		done:            make(chan struct{}),
		serviceRPS:      config.ServiceRPS,
		serviceBurst:    burstFor(config.ServiceRPS, config.ServiceBurst),
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		maxServices:     config.MaxServices,
	}

	rl.startCleanup()

	return rl
}

// burstFor returns override when set, otherwise twice the rate.
func burstFor(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

// Allow consumes one token from the applicable buckets. The global bucket is
// checked first; a request that passes it then draws from its service bucket,
// or from the unauthenticated bucket when serviceName is empty.
func (rl *InMemoryRateLimiter) Allow(serviceName string) bool {
	if !rl.global.Allow() {
		return false
	}

	if serviceName == "" {
		return rl.unauthenticated.Allow()
	}

	sl := rl.serviceLimiterFor(serviceName)

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// serviceLimiterFor returns the bucket for serviceName, creating it on first
// use. Creation takes the write lock and re-checks the map to close the race
// with concurrent first requests.
func (rl *InMemoryRateLimiter) serviceLimiterFor(serviceName string) *serviceLimiter {
	rl.mu.RLock()
	sl, ok := rl.perService[serviceName]
	rl.mu.RUnlock()

	if ok {
		return sl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if sl, ok = rl.perService[serviceName]; ok {
		return sl
	}

	sl = &serviceLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.serviceRPS), rl.serviceBurst),
		lastAccess: time.Now(),
	}
	rl.perService[serviceName] = sl

	rl.warnIfNearCapacity(len(rl.perService))

	return sl
}

// warnIfNearCapacity logs once the tracked service count crosses 80% of the
// configured maximum, so operators see service name proliferation before the
// map fills. Caller holds rl.mu.
func (rl *InMemoryRateLimiter) warnIfNearCapacity(current int) {
	if rl.maxServices <= 0 {
		return
	}

	if current < int(float64(rl.maxServices)*thresholdMultiplier) {
		return
	}

	slog.Warn("rate limiter approaching max services limit",
		"current_services", current,
		"max_services", rl.maxServices,
		"threshold_percent", thresholdPercentage,
		"recommendation", "investigate service name proliferation or increase max_services limit")
}

// Close stops the eviction goroutine. Close is not part of the RateLimiter
// interface; the error return satisfies io.Closer so shutdown paths can use a
// type assertion.
func (rl *InMemoryRateLimiter) Close() error {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)

	return nil
}

// startCleanup launches the eviction loop.
func (rl *InMemoryRateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rl.cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup evicts service buckets that have been idle past the timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for serviceName, sl := range rl.perService {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > rl.idleTimeout {
			delete(rl.perService, serviceName)
		}
	}
}

// RateLimit enforces limiter on every request. The service name comes from
// the ServiceContext placed by the authentication middleware, so this
// middleware must sit after authentication in the chain; requests without a
// ServiceContext draw from the unauthenticated tier. Limited requests get a
// 429 problem document.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serviceName := ""
			if svcCtx, ok := GetServiceContext(r.Context()); ok {
				serviceName = svcCtx.ServiceName
			}

			if !limiter.Allow(serviceName) {
				writeRateLimited(w, r, logger)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimited answers with a 429 problem document, falling back to plain
// text when the encoder fails.
func writeRateLimited(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	correlationID := GetCorrelationID(r.Context())
	detail := "Rate limit exceeded. Please retry after some time."

	if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.String("error", err.Error()),
		)

		http.Error(w, detail, http.StatusTooManyRequests)
	}
}

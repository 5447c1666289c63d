package pesakit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Guard bundles the resilience primitives behind a single entry point.
// Every outbound call flows rate limiter first, then metrics, then circuit
// breaker, so a rejected call never pollutes breaker statistics and every
// attempt that reaches the breaker is timed.
type Guard struct {
	limiter  *RateLimiter
	breakers *BreakerGroup
	cache    *SecureCache
	tokens   *TokenCache
	metrics  *Collector
	health   *HealthChecker

	logger Logger
	debug  bool

	mu     sync.Mutex
	closed bool
}

// New creates a Guard. All components are enabled by default; use the
// Without* options to drop one and the With* options to tune them.
func New(opts ...Option) (*Guard, error) {
	o := defaultGuardOptions()
	for _, opt := range opts {
		opt(o)
	}

	g := &Guard{
		logger: o.logger,
		debug:  o.debug,
		health: NewHealthChecker(),
	}
	g.health.SetLogger(o.logger)

	if !o.disableLimiter {
		limiter, err := NewRateLimiter(o.limiterCfg)
		if err != nil {
			return nil, err
		}
		g.limiter = limiter
	}

	breakers, err := NewBreakerGroup(o.breakerCfg, o.classifier)
	if err != nil {
		return nil, err
	}
	breakers.SetLogger(o.logger)
	for _, fn := range o.listeners {
		breakers.OnStateChange(fn)
	}
	g.breakers = breakers

	if !o.disableCache {
		cache, err := NewSecureCache(o.cacheCfg)
		if err != nil {
			return nil, err
		}
		g.cache = cache
		g.tokens = NewTokenCache(cache)
	}

	if !o.disableMetrics {
		metrics, err := NewCollector(o.metricsCfg)
		if err != nil {
			return nil, err
		}
		if o.promReg != nil {
			metrics.MirrorToPrometheus(o.promReg)
		}
		g.metrics = metrics
	}

	g.registerSelfProbes()
	return g, nil
}

// Call executes work for endpoint under the full resilience pipeline. The
// quota is charged against quotaKey, which typically identifies the caller
// or credential rather than the endpoint. Metrics are recorded under the
// "request" name, tagged with the endpoint.
func (g *Guard) Call(ctx context.Context, endpoint, quotaKey string, work func(context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrShutdown
	}
	g.mu.Unlock()

	requestID := ""
	if g.debug {
		requestID = uuid.NewString()
		g.logger.Debug("call start", "requestId", requestID, "endpoint", endpoint, "quotaKey", quotaKey)
	}

	if g.limiter != nil {
		quota, err := g.limiter.Allow(quotaKey)
		if err != nil {
			g.metrics.Inc("rate_limit.rejected", 1, map[string]string{"key": quotaKey})
			if g.debug {
				g.logger.Debug("call rejected by rate limiter", "requestId", requestID, "endpoint", endpoint, "quotaKey", quotaKey, "error", err)
			}
			return nil, err
		}
		g.metrics.Gauge("rate_limit.remaining", float64(quota.Remaining), map[string]string{"key": quotaKey})
	}

	protected := func(ctx context.Context) (any, error) {
		return g.breakers.Protect(ctx, endpoint, work)
	}

	var (
		value any
		err   error
	)
	if g.metrics != nil {
		value, err = g.metrics.Time(ctx, "request", protected, map[string]string{"endpoint": endpoint})
		if stats, ok := g.breakers.Stats(endpoint); ok {
			g.metrics.Gauge("circuit_breaker.state", float64(stats.State), map[string]string{"endpoint": endpoint})
		}
	} else {
		value, err = protected(ctx)
	}

	if g.debug {
		g.logger.Debug("call finished", "requestId", requestID, "endpoint", endpoint, "error", err)
	}
	return value, err
}

// Token returns the cached credential for consumerKey, fetching through
// fetch on a miss. Outcomes feed the well-known auth counters. With the
// token cache disabled every call reaches the provider.
func (g *Guard) Token(ctx context.Context, consumerKey string, fetch TokenFetch) (string, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", ErrShutdown
	}
	g.mu.Unlock()

	// The provider fetch itself runs under the auth endpoint's breaker, so
	// a flapping token endpoint trips like any other.
	protectedFetch := func(ctx context.Context) (string, time.Duration, error) {
		var expiresIn time.Duration
		value, err := g.breakers.Protect(ctx, "auth", func(ctx context.Context) (any, error) {
			token, d, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			expiresIn = d
			return token, nil
		})
		if err != nil {
			return "", 0, err
		}
		return value.(string), expiresIn, nil
	}

	obtain := func(ctx context.Context) (any, error) {
		if g.tokens == nil {
			token, _, err := protectedFetch(ctx)
			if err != nil {
				return "", err
			}
			if token == "" {
				return "", ErrTokenNotFound
			}
			return token, nil
		}
		if token, ok := g.tokens.Token(consumerKey); ok {
			g.metrics.Inc("token_cache.hit", 1, nil)
			return token, nil
		}
		g.metrics.Inc("token_cache.miss", 1, nil)
		return g.tokens.FetchToken(ctx, consumerKey, protectedFetch)
	}

	var (
		value any
		err   error
	)
	if g.metrics != nil {
		value, err = g.metrics.Time(ctx, "auth", obtain, nil)
	} else {
		value, err = obtain(ctx)
	}
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// InvalidateToken drops the cached credential for consumerKey, forcing the
// next Token call to fetch. Used after the provider rejects a token that
// the cache still considers live.
func (g *Guard) InvalidateToken(consumerKey string) {
	if g.tokens != nil {
		g.tokens.InvalidateToken(consumerKey)
	}
}

// HealthCheck runs every registered probe, built-in and custom, and returns
// the aggregated report.
func (g *Guard) HealthCheck(ctx context.Context) *HealthReport {
	return g.health.Check(ctx)
}

// RateLimiter exposes the guard's rate limiter, nil when disabled.
func (g *Guard) RateLimiter() *RateLimiter { return g.limiter }

// Breakers exposes the guard's circuit breaker group.
func (g *Guard) Breakers() *BreakerGroup { return g.breakers }

// TokenCache exposes the guard's token cache, nil when disabled.
func (g *Guard) TokenCache() *TokenCache { return g.tokens }

// Cache exposes the underlying secure cache, nil when disabled.
func (g *Guard) Cache() *SecureCache { return g.cache }

// Metrics exposes the guard's collector, nil when disabled.
func (g *Guard) Metrics() *Collector { return g.metrics }

// Health exposes the guard's health checker for custom probe registration.
func (g *Guard) Health() *HealthChecker { return g.health }

// Close releases background resources. Subsequent Call and Token calls
// fail with ErrShutdown. Close is idempotent.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.breakers.Shutdown()
	if g.cache != nil {
		g.cache.Close()
	}
	if g.metrics != nil {
		g.metrics.Destroy()
	}
}

func (g *Guard) registerSelfProbes() {
	g.health.Register("circuit_breakers", func(context.Context) error {
		if health := g.breakers.HealthCheck(); !health.Healthy {
			return &Error{Kind: KindCircuitOpen, Message: "one or more circuit breakers are open"}
		}
		return nil
	}, ProbeOptions{})

	if g.cache != nil {
		g.health.Register("secure_cache", func(context.Context) error {
			return g.cache.HealthCheck()
		}, ProbeOptions{Critical: true})
	}

	if g.metrics != nil {
		g.health.Register("metrics", func(context.Context) error {
			return g.metrics.HealthCheck()
		}, ProbeOptions{})
	}
}

// Package pesakit provides the resilience core for a payment-gateway client
// SDK, built from composable reliability primitives:
//
//   - Rate limiting per quota key (token bucket, sliding window or fixed window)
//   - Per-endpoint circuit breakers with rolling error-percentage statistics
//   - AES-256-CBC encrypted TTL cache, specialized for auth credential storage
//   - Typed metrics (counters, gauges, histograms with nearest-rank percentiles)
//   - Concurrent health probing with healthy / degraded / critical aggregation
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Typed errors with a closed classifier set, no shape probing
//   - Safe concurrent use of a single *Guard instance
//   - Secrets never appear in logs, metrics or health surfaces
//
// Typical usage:
//
//	guard, err := pesakit.New(
//	    pesakit.WithRateLimiter(pesakit.RateLimiterConfig{Requests: 100, Window: time.Minute}),
//	    pesakit.WithCircuitBreaker(pesakit.BreakerConfig{ResetTimeout: 10 * time.Second}),
//	    pesakit.WithSecureCache(pesakit.SecureCacheConfig{}),
//	    pesakit.WithMetrics(pesakit.MetricsConfig{}),
//	)
//	result, err := guard.Call(ctx, "payments/create", quotaKey, func(ctx context.Context) (any, error) {
//	    return provider.CreatePayment(ctx, order)
//	})
//
// The surrounding SDK owns HTTP construction, provider signatures and retry
// scheduling; this package decides whether a call may proceed, protects it,
// and observes it. The library avoids opinionated logging: provide a Logger
// (e.g. via WithSimpleLogger) and enable debug flags selectively for insight
// without noise.
package pesakit

package pesakit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Strategy selects the rate limiting algorithm. It is fixed at construction.
type Strategy string

const (
	// StrategyTokenBucket refills tokens lazily proportional to elapsed time.
	StrategyTokenBucket Strategy = "token-bucket"
	// StrategySlidingWindow tracks individual request timestamps.
	StrategySlidingWindow Strategy = "sliding-window"
	// StrategyFixedWindow counts requests per aligned window.
	StrategyFixedWindow Strategy = "fixed-window"
)

// RateLimiterConfig configures a RateLimiter. Zero values take the
// documented defaults.
type RateLimiterConfig struct {
	// Strategy is the algorithm, default StrategyTokenBucket. An unknown
	// strategy fails construction.
	Strategy Strategy `validate:"omitempty,oneof=token-bucket sliding-window fixed-window"`
	// Requests is the number of requests allowed per Window. Default 100.
	Requests int `validate:"omitempty,gt=0"`
	// Window is the quota period. Default one minute.
	Window time.Duration `validate:"omitempty,gt=0"`
	// Burst is the token bucket capacity. Default Requests. Ignored by the
	// window strategies.
	Burst int `validate:"omitempty,gt=0"`
}

func (cfg RateLimiterConfig) withDefaults() RateLimiterConfig {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTokenBucket
	}
	if cfg.Requests == 0 {
		cfg.Requests = 100
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.Requests
	}
	return cfg
}

// Quota reports the availability for a key at the time of a check.
type Quota struct {
	Limit     int
	Remaining int
	// ResetAt is when the current window rolls over. Zero for the token
	// bucket strategy, which refills continuously.
	ResetAt time.Time
}

type fixedWindow struct {
	start   time.Time
	count   int
	resetAt time.Time
}

// RateLimiter decides per quota key whether an operation may proceed, under
// one of three interchangeable strategies. All state is in-memory and owned
// exclusively by the instance; it is safe for concurrent use.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	slides  map[string][]time.Time
	fixed   map[string]*fixedWindow

	now func() time.Time // injectable for tests
}

// NewRateLimiter creates a rate limiter for the configured strategy.
// An unknown strategy fails fast with a configuration error.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	cfg = cfg.withDefaults()

	if !validStrategy(cfg.Strategy) {
		return nil, newConfigError(fmt.Sprintf("unknown rate limit strategy %q", cfg.Strategy), nil)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		slides:  make(map[string][]time.Time),
		fixed:   make(map[string]*fixedWindow),
		now:     time.Now,
	}, nil
}

// Allow checks whether a single request for key may proceed.
func (rl *RateLimiter) Allow(key string) (*Quota, error) {
	return rl.AllowN(key, 1)
}

// AllowN checks whether cost requests for key may proceed, debiting the
// quota on success. On rejection it returns a *Error with Kind KindRateLimit
// carrying the retry-after hint, so callers can back off without re-deriving
// it.
func (rl *RateLimiter) AllowN(key string, cost int) (*Quota, error) {
	if cost <= 0 {
		cost = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	switch rl.cfg.Strategy {
	case StrategySlidingWindow:
		return rl.allowSliding(key, cost, now)
	case StrategyFixedWindow:
		return rl.allowFixed(key, cost, now)
	default:
		return rl.allowBucket(key, cost, now)
	}
}

// Status returns the current availability for key without mutating state.
func (rl *RateLimiter) Status(key string) *Quota {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	switch rl.cfg.Strategy {
	case StrategySlidingWindow:
		live := 0
		cutoff := now.Add(-rl.cfg.Window)
		var oldest time.Time
		for _, ts := range rl.slides[key] {
			if ts.After(cutoff) {
				if live == 0 {
					oldest = ts
				}
				live++
			}
		}
		q := &Quota{Limit: rl.cfg.Requests, Remaining: rl.cfg.Requests - live}
		if live > 0 {
			q.ResetAt = oldest.Add(rl.cfg.Window)
		}
		return q
	case StrategyFixedWindow:
		start := now.Truncate(rl.cfg.Window)
		q := &Quota{Limit: rl.cfg.Requests, Remaining: rl.cfg.Requests, ResetAt: start.Add(rl.cfg.Window)}
		if fw, ok := rl.fixed[key]; ok && fw.start.Equal(start) {
			q.Remaining = rl.cfg.Requests - fw.count
		}
		return q
	default:
		q := &Quota{Limit: rl.cfg.Burst, Remaining: rl.cfg.Burst}
		if lim, ok := rl.buckets[key]; ok {
			tokens := lim.TokensAt(now)
			if tokens < 0 {
				tokens = 0
			}
			if tokens > float64(rl.cfg.Burst) {
				tokens = float64(rl.cfg.Burst)
			}
			q.Remaining = int(tokens)
		}
		return q
	}
}

// Reset clears all strategies' state for key. It is idempotent on an
// absent key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.buckets, key)
	delete(rl.slides, key)
	delete(rl.fixed, key)
}

// ResetAll clears the state of every key.
func (rl *RateLimiter) ResetAll() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.buckets = make(map[string]*rate.Limiter)
	rl.slides = make(map[string][]time.Time)
	rl.fixed = make(map[string]*fixedWindow)
}

// Strategy returns the configured strategy.
func (rl *RateLimiter) Strategy() Strategy {
	return rl.cfg.Strategy
}

func (rl *RateLimiter) allowBucket(key string, cost int, now time.Time) (*Quota, error) {
	lim, ok := rl.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.cfg.Requests)/rl.cfg.Window.Seconds()), rl.cfg.Burst)
		rl.buckets[key] = lim
	}

	res := lim.ReserveN(now, cost)
	if !res.OK() {
		// cost exceeds the bucket capacity and can never be satisfied.
		return nil, rl.reject(key, 0, fmt.Sprintf("cost %d exceeds burst capacity %d", cost, rl.cfg.Burst))
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return nil, rl.reject(key, delay, "rate limit exceeded")
	}

	remaining := lim.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}
	return &Quota{Limit: rl.cfg.Burst, Remaining: int(remaining)}, nil
}

func (rl *RateLimiter) allowSliding(key string, cost int, now time.Time) (*Quota, error) {
	cutoff := now.Add(-rl.cfg.Window)

	ts := rl.slides[key]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept)+cost > rl.cfg.Requests {
		retry := time.Duration(0)
		if len(kept) > 0 {
			remaining := kept[0].Add(rl.cfg.Window).Sub(now)
			retry = ceilSeconds(remaining)
			rl.slides[key] = kept
		} else {
			delete(rl.slides, key)
		}
		return nil, rl.reject(key, retry, "rate limit exceeded")
	}

	for i := 0; i < cost; i++ {
		kept = append(kept, now)
	}
	rl.slides[key] = kept

	return &Quota{
		Limit:     rl.cfg.Requests,
		Remaining: rl.cfg.Requests - len(kept),
		ResetAt:   kept[0].Add(rl.cfg.Window),
	}, nil
}

func (rl *RateLimiter) allowFixed(key string, cost int, now time.Time) (*Quota, error) {
	start := now.Truncate(rl.cfg.Window)

	fw, ok := rl.fixed[key]
	if !ok || !fw.start.Equal(start) {
		// A key touching a fresh window sweeps expired windows for every
		// key, so abandoned keys cannot accumulate indefinitely.
		rl.sweepFixed(now)
		fw = &fixedWindow{start: start, resetAt: start.Add(rl.cfg.Window)}
		rl.fixed[key] = fw
	}

	if fw.count+cost > rl.cfg.Requests {
		return nil, rl.reject(key, fw.resetAt.Sub(now), "rate limit exceeded")
	}
	fw.count += cost

	return &Quota{
		Limit:     rl.cfg.Requests,
		Remaining: rl.cfg.Requests - fw.count,
		ResetAt:   fw.resetAt,
	}, nil
}

func (rl *RateLimiter) sweepFixed(now time.Time) {
	for k, fw := range rl.fixed {
		if !fw.resetAt.After(now) {
			delete(rl.fixed, k)
		}
	}
}

func (rl *RateLimiter) reject(key string, retryAfter time.Duration, message string) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    message,
		Key:        key,
		Strategy:   rl.cfg.Strategy,
		RetryAfter: retryAfter,
	}
}

func validStrategy(s Strategy) bool {
	switch s {
	case StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow:
		return true
	default:
		return false
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

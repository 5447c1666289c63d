package pesakit

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validateConfig checks struct tags on a config value and folds any
// violations into a single configuration Error.
func validateConfig(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newConfigError("invalid configuration", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s violates %q", fe.Field(), fe.Tag()))
	}
	return newConfigError("invalid configuration: "+strings.Join(msgs, "; "), nil)
}

// guardOptions accumulates the effect of Option values before New builds
// the components.
type guardOptions struct {
	limiterCfg RateLimiterConfig
	breakerCfg BreakerConfig
	cacheCfg   SecureCacheConfig
	metricsCfg MetricsConfig

	disableLimiter bool
	disableCache   bool
	disableMetrics bool

	promReg prometheus.Registerer

	logger     Logger
	classifier Classifier
	listeners  []StateListener
	debug      bool
}

func defaultGuardOptions() *guardOptions {
	return &guardOptions{logger: NopLogger{}}
}

// Option configures a Guard.
type Option func(*guardOptions)

// WithRateLimiter overrides the rate limiter configuration.
func WithRateLimiter(cfg RateLimiterConfig) Option {
	return func(o *guardOptions) { o.limiterCfg = cfg }
}

// WithoutRateLimiter disables client-side rate limiting.
func WithoutRateLimiter() Option {
	return func(o *guardOptions) { o.disableLimiter = true }
}

// WithCircuitBreaker overrides the circuit breaker configuration.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(o *guardOptions) { o.breakerCfg = cfg }
}

// WithSecureCache overrides the token cache's underlying store
// configuration, including the encryption key.
func WithSecureCache(cfg SecureCacheConfig) Option {
	return func(o *guardOptions) { o.cacheCfg = cfg }
}

// WithoutTokenCache disables credential caching; every Token call reaches
// the provider.
func WithoutTokenCache() Option {
	return func(o *guardOptions) { o.disableCache = true }
}

// WithMetrics overrides the metrics collector configuration.
func WithMetrics(cfg MetricsConfig) Option {
	return func(o *guardOptions) { o.metricsCfg = cfg }
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(o *guardOptions) { o.disableMetrics = true }
}

// WithPrometheus mirrors every metric sample to the given registerer.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(o *guardOptions) { o.promReg = reg }
}

// WithLogger sets the structured logger for all components.
func WithLogger(logger Logger) Option {
	return func(o *guardOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSimpleLogger installs a text logger on stderr at debug level.
func WithSimpleLogger() Option {
	return func(o *guardOptions) { o.logger = NewSimpleLogger() }
}

// WithDebug enables per-call debug logging with request correlation IDs.
func WithDebug() Option {
	return func(o *guardOptions) { o.debug = true }
}

// WithClassifier replaces the transient-failure classifier shared by the
// circuit breakers.
func WithClassifier(fn Classifier) Option {
	return func(o *guardOptions) { o.classifier = fn }
}

// WithStateListener registers a circuit state transition listener.
func WithStateListener(fn StateListener) Option {
	return func(o *guardOptions) {
		if fn != nil {
			o.listeners = append(o.listeners, fn)
		}
	}
}

// ValidateOptions applies opts and checks every resulting component
// configuration without constructing anything, aggregating all violations
// into one error.
func ValidateOptions(opts ...Option) error {
	o := defaultGuardOptions()
	for _, opt := range opts {
		opt(o)
	}

	var msgs []string
	collect := func(err error) {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}

	if !o.disableLimiter {
		cfg := o.limiterCfg.withDefaults()
		if !validStrategy(cfg.Strategy) {
			collect(newConfigError(fmt.Sprintf("unknown rate limit strategy %q", cfg.Strategy), nil))
		} else {
			collect(validateConfig(cfg))
		}
	}
	collect(validateConfig(o.breakerCfg.withDefaults()))
	if !o.disableCache {
		collect(validateConfig(o.cacheCfg.withDefaults()))
	}
	if !o.disableMetrics {
		collect(validateConfig(o.metricsCfg.withDefaults()))
	}

	if len(msgs) == 0 {
		return nil
	}
	return newConfigError(strings.Join(msgs, "; "), nil)
}

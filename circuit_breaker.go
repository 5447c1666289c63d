package pesakit

import (
	"context"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration. Zero values take the
// documented defaults.
type BreakerConfig struct {
	// Timeout bounds a single protected call. Default 30s.
	Timeout time.Duration `validate:"omitempty,gt=0"`
	// ErrorThresholdPercentage opens the breaker when the rolling error
	// percentage exceeds it. Default 50.
	ErrorThresholdPercentage float64 `validate:"omitempty,gt=0,lte=100"`
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial call. Default 30s.
	ResetTimeout time.Duration `validate:"omitempty,gt=0"`
	// RollingWindow is the statistics window. Default 10s.
	RollingWindow time.Duration `validate:"omitempty,gt=0"`
	// RollingBuckets divides RollingWindow into sub-windows. Default 10.
	RollingBuckets int `validate:"omitempty,gt=0"`
	// MinimumVolume is the number of rolling-window calls required before
	// the breaker may open. Default 10.
	MinimumVolume int `validate:"omitempty,gt=0"`
	// Disabled bypasses the breaker machinery entirely; work is called
	// directly. Used to keep deterministic tests free of breaker
	// interference.
	Disabled bool
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ErrorThresholdPercentage == 0 {
		cfg.ErrorThresholdPercentage = 50
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.RollingWindow == 0 {
		cfg.RollingWindow = 10 * time.Second
	}
	if cfg.RollingBuckets == 0 {
		cfg.RollingBuckets = 10
	}
	if cfg.MinimumVolume == 0 {
		cfg.MinimumVolume = 10
	}
	return cfg
}

// BreakerStats is a point-in-time view of a breaker's rolling counts.
type BreakerStats struct {
	State           CircuitState
	Successes       int64
	Failures        int64
	Timeouts        int64
	ShortCircuits   int64
	ErrorPercentage float64
	NextAttempt     time.Time
}

// BreakerHealth is the aggregate health view over all breakers in a group.
type BreakerHealth struct {
	Healthy  bool
	Breakers map[string]BreakerStatus
}

// BreakerStatus is the health entry for a single breaker.
type BreakerStatus struct {
	State   CircuitState
	Healthy bool
	Stats   BreakerStats
}

// StateListener observes breaker state transitions. Listeners are invoked
// synchronously after the transition, outside the breaker lock.
type StateListener func(endpoint string, from, to CircuitState)

type statBucket struct {
	successes     int64
	failures      int64
	timeouts      int64
	shortCircuits int64
}

// Breaker is a single endpoint's circuit breaker. Create instances through
// a BreakerGroup; a breaker persists for the lifetime of the owning group.
type Breaker struct {
	name       string
	cfg        BreakerConfig
	classifier Classifier
	logger     Logger
	notify     func(name string, from, to CircuitState)

	mu            sync.Mutex
	state         CircuitState
	openedAt      time.Time
	trialInFlight bool
	buckets       []statBucket
	bucketStart   time.Time
	head          int

	now func() time.Time
}

// BreakerGroup owns one lazily created breaker per endpoint name. Breakers
// share configuration and classifier but no statistics.
type BreakerGroup struct {
	cfg        BreakerConfig
	classifier Classifier
	logger     Logger

	mu        sync.Mutex
	breakers  map[string]*Breaker
	listeners []StateListener
	shutdown  bool

	now func() time.Time
}

// NewBreakerGroup creates a breaker group. A nil classifier falls back to
// DefaultClassifier.
func NewBreakerGroup(cfg BreakerConfig, classifier Classifier) (*BreakerGroup, error) {
	cfg = cfg.withDefaults()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &BreakerGroup{
		cfg:        cfg,
		classifier: classifier,
		logger:     NopLogger{},
		breakers:   make(map[string]*Breaker),
		now:        time.Now,
	}, nil
}

// SetLogger installs a logger for state-transition events.
func (g *BreakerGroup) SetLogger(logger Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// OnStateChange registers a listener for state transitions of any breaker
// in the group.
func (g *BreakerGroup) OnStateChange(fn StateListener) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Breaker returns the breaker for the endpoint name, creating it on first
// use.
func (g *BreakerGroup) Breaker(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = &Breaker{
			name:       name,
			cfg:        g.cfg,
			classifier: g.classifier,
			logger:     g.logger,
			notify:     g.emitStateChange,
			buckets:    make([]statBucket, g.cfg.RollingBuckets),
			now:        g.now,
		}
		g.breakers[name] = b
	}
	return b
}

// Protect executes work through the endpoint's breaker. If the breaker is
// open it fails immediately without invoking work. Otherwise work runs
// raced against the configured timeout; a late result is ignored, not
// aborted. Only classifier-positive errors count toward the open/close
// decision; every error is returned to the caller unmodified.
func (g *BreakerGroup) Protect(ctx context.Context, name string, work func(context.Context) (any, error)) (any, error) {
	if g.cfg.Disabled {
		return work(ctx)
	}

	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil, ErrShutdown
	}
	g.mu.Unlock()

	b := g.Breaker(name)
	if err := b.allow(); err != nil {
		return nil, err
	}
	return b.execute(ctx, work)
}

// Stats returns the rolling counts for a single breaker, or false when the
// endpoint has never been used.
func (g *BreakerGroup) Stats(name string) (BreakerStats, bool) {
	g.mu.Lock()
	b, ok := g.breakers[name]
	g.mu.Unlock()
	if !ok {
		return BreakerStats{}, false
	}
	return b.stats(), true
}

// AllStats returns the rolling counts for every breaker in the group.
func (g *BreakerGroup) AllStats() map[string]BreakerStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]BreakerStats, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.stats()
	}
	return out
}

// HealthCheck reports the group unhealthy if any breaker is open.
func (g *BreakerGroup) HealthCheck() BreakerHealth {
	g.mu.Lock()
	defer g.mu.Unlock()

	health := BreakerHealth{Healthy: true, Breakers: make(map[string]BreakerStatus, len(g.breakers))}
	for name, b := range g.breakers {
		st := b.stats()
		ok := st.State != StateOpen
		if !ok {
			health.Healthy = false
		}
		health.Breakers[name] = BreakerStatus{State: st.State, Healthy: ok, Stats: st}
	}
	return health
}

// Reset forces a single breaker back to closed with empty statistics.
func (g *BreakerGroup) Reset(name string) {
	g.mu.Lock()
	b, ok := g.breakers[name]
	g.mu.Unlock()
	if ok {
		b.reset()
	}
}

// ResetAll forces every breaker back to closed.
func (g *BreakerGroup) ResetAll() {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	for _, b := range breakers {
		b.reset()
	}
}

// Shutdown tears the group down. Subsequent Protect calls fail with
// ErrShutdown.
func (g *BreakerGroup) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdown = true
	g.breakers = make(map[string]*Breaker)
}

func (g *BreakerGroup) emitStateChange(name string, from, to CircuitState) {
	g.mu.Lock()
	listeners := make([]StateListener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(name, from, to)
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()

	now := b.now()
	b.rotate(now)

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		nextAttempt := b.openedAt.Add(b.cfg.ResetTimeout)
		if now.Before(nextAttempt) {
			b.buckets[b.head].shortCircuits++
			b.mu.Unlock()
			return &Error{
				Kind:        KindCircuitOpen,
				Message:     "circuit breaker is open",
				Endpoint:    b.name,
				State:       StateOpen.String(),
				NextAttempt: nextAttempt,
			}
		}
		b.setStateLocked(StateHalfOpen, now)
		b.trialInFlight = true
		b.mu.Unlock()
		b.logger.Info("circuit breaker state transition", "endpoint", b.name, "from", StateOpen.String(), "to", StateHalfOpen.String())
		b.notify(b.name, StateOpen, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.buckets[b.head].shortCircuits++
			nextAttempt := b.openedAt.Add(b.cfg.ResetTimeout)
			b.mu.Unlock()
			return &Error{
				Kind:        KindCircuitOpen,
				Message:     "circuit breaker is half-open with a trial in flight",
				Endpoint:    b.name,
				State:       StateHalfOpen.String(),
				NextAttempt: nextAttempt,
			}
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	default:
		b.mu.Unlock()
		return nil
	}
}

type callResult struct {
	value any
	err   error
}

func (b *Breaker) execute(ctx context.Context, work func(context.Context) (any, error)) (any, error) {
	// Buffered so a late work result never leaks a goroutine; the result is
	// simply ignored once the timeout has won the race.
	done := make(chan callResult, 1)
	go func() {
		value, err := work(ctx)
		done <- callResult{value: value, err: err}
	}()

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err == nil {
			b.onSuccess()
			return res.value, nil
		}
		if b.classifier(res.err) {
			b.onFailure(false)
		} else {
			// Classifier-negative errors (e.g. an auth 401) prove the
			// endpoint reachable: they resolve a half-open trial but never
			// count toward the open decision.
			b.onNeutral()
		}
		return nil, res.err
	case <-timer.C:
		b.onFailure(true)
		return nil, &Error{
			Kind:     KindTimeout,
			Message:  "protected call timed out",
			Endpoint: b.name,
			Cause:    context.DeadlineExceeded,
		}
	case <-ctx.Done():
		// Caller-side cancellation is neither a provider success nor a
		// provider failure; release the half-open trial slot unresolved.
		b.onCancelled()
		return nil, ctx.Err()
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()

	now := b.now()
	b.rotate(now)
	b.buckets[b.head].successes++

	var from, to CircuitState
	transitioned := false
	if b.state == StateHalfOpen {
		from, to = b.state, StateClosed
		b.setStateLocked(StateClosed, now)
		transitioned = true
	}
	b.mu.Unlock()

	if transitioned {
		b.logger.Info("circuit breaker state transition", "endpoint", b.name, "from", from.String(), "to", to.String())
		b.notify(b.name, from, to)
	}
}

func (b *Breaker) onNeutral() {
	b.mu.Lock()
	now := b.now()
	b.rotate(now)

	var from, to CircuitState
	transitioned := false
	if b.state == StateHalfOpen {
		from, to = b.state, StateClosed
		b.setStateLocked(StateClosed, now)
		transitioned = true
	}
	b.mu.Unlock()

	if transitioned {
		b.logger.Info("circuit breaker state transition", "endpoint", b.name, "from", from.String(), "to", to.String())
		b.notify(b.name, from, to)
	}
}

func (b *Breaker) onCancelled() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) onFailure(timeout bool) {
	b.mu.Lock()

	now := b.now()
	b.rotate(now)
	if timeout {
		b.buckets[b.head].timeouts++
	}
	b.buckets[b.head].failures++

	var from, to CircuitState
	transitioned := false
	switch b.state {
	case StateHalfOpen:
		from, to = b.state, StateOpen
		b.setStateLocked(StateOpen, now)
		transitioned = true
	case StateClosed:
		successes, failures, _, _ := b.sum()
		volume := successes + failures
		if volume >= int64(b.cfg.MinimumVolume) {
			pct := float64(failures) / float64(volume) * 100
			if pct > b.cfg.ErrorThresholdPercentage {
				from, to = b.state, StateOpen
				b.setStateLocked(StateOpen, now)
				transitioned = true
			}
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.logger.Warn("circuit breaker state transition", "endpoint", b.name, "from", from.String(), "to", to.String())
		b.notify(b.name, from, to)
	}
}

func (b *Breaker) reset() {
	b.mu.Lock()
	from := b.state
	b.setStateLocked(StateClosed, b.now())
	b.mu.Unlock()

	if from != StateClosed {
		b.logger.Info("circuit breaker state transition", "endpoint", b.name, "from", from.String(), "to", StateClosed.String())
		b.notify(b.name, from, StateClosed)
	}
}

func (b *Breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotate(b.now())
	successes, failures, timeouts, shortCircuits := b.sum()

	st := BreakerStats{
		State:         b.state,
		Successes:     successes,
		Failures:      failures,
		Timeouts:      timeouts,
		ShortCircuits: shortCircuits,
	}
	if volume := successes + failures; volume > 0 {
		st.ErrorPercentage = float64(failures) / float64(volume) * 100
	}
	if b.state == StateOpen {
		st.NextAttempt = b.openedAt.Add(b.cfg.ResetTimeout)
	}
	return st
}

// setStateLocked transitions while holding b.mu and resets per-state
// bookkeeping. Logging and listener notification happen at the call sites,
// outside the lock.
func (b *Breaker) setStateLocked(to CircuitState, now time.Time) {
	b.state = to
	b.trialInFlight = false
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		for i := range b.buckets {
			b.buckets[i] = statBucket{}
		}
	}
}

func (b *Breaker) bucketDuration() time.Duration {
	return b.cfg.RollingWindow / time.Duration(b.cfg.RollingBuckets)
}

// rotate advances the bucket ring so the head covers now, zeroing every
// bucket that fell out of the rolling window.
func (b *Breaker) rotate(now time.Time) {
	bd := b.bucketDuration()
	if b.bucketStart.IsZero() {
		b.bucketStart = now.Truncate(bd)
		return
	}

	steps := int(now.Sub(b.bucketStart) / bd)
	if steps <= 0 {
		return
	}
	if steps >= len(b.buckets) {
		for i := range b.buckets {
			b.buckets[i] = statBucket{}
		}
		b.head = 0
		b.bucketStart = now.Truncate(bd)
		return
	}
	for i := 0; i < steps; i++ {
		b.head = (b.head + 1) % len(b.buckets)
		b.buckets[b.head] = statBucket{}
	}
	b.bucketStart = b.bucketStart.Add(time.Duration(steps) * bd)
}

func (b *Breaker) sum() (successes, failures, timeouts, shortCircuits int64) {
	for _, bk := range b.buckets {
		successes += bk.successes
		failures += bk.failures
		timeouts += bk.timeouts
		shortCircuits += bk.shortCircuits
	}
	return
}

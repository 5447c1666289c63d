package pesakit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the aggregate state of a health report.
type HealthStatus string

const (
	// StatusHealthy means every probe passed.
	StatusHealthy HealthStatus = "healthy"
	// StatusDegraded means at least one non-critical probe failed.
	StatusDegraded HealthStatus = "degraded"
	// StatusCritical means at least one critical probe failed.
	StatusCritical HealthStatus = "critical"
)

// defaultProbeTimeout bounds a probe that supplies no timeout of its own.
const defaultProbeTimeout = 5 * time.Second

// Probe checks one dependency or subsystem. A nil return means healthy.
type Probe func(ctx context.Context) error

// ProbeOptions tune a registered probe.
type ProbeOptions struct {
	// Timeout bounds one probe run. Default five seconds.
	Timeout time.Duration
	// Critical escalates a failure of this probe to StatusCritical instead
	// of StatusDegraded.
	Critical bool
}

// ProbeResult is the outcome of one probe within a report.
type ProbeResult struct {
	Name     string
	Healthy  bool
	Critical bool
	Err      error
	Latency  time.Duration
}

// HealthReport aggregates one Check run.
type HealthReport struct {
	RunID  string
	Status HealthStatus
	Time   time.Time
	Probes []ProbeResult
}

type registeredProbe struct {
	name  string
	probe Probe
	opts  ProbeOptions
}

// HealthChecker runs registered probes concurrently and aggregates them
// into a three-tier status: one critical failure makes the whole report
// critical, otherwise any failure degrades it.
type HealthChecker struct {
	mu     sync.Mutex
	probes []registeredProbe
	last   *HealthReport
	logger Logger

	now func() time.Time
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{logger: NopLogger{}, now: time.Now}
}

// SetLogger replaces the checker's logger.
func (hc *HealthChecker) SetLogger(logger Logger) {
	if logger == nil {
		logger = NopLogger{}
	}
	hc.mu.Lock()
	hc.logger = logger
	hc.mu.Unlock()
}

// Register adds a named probe. Registering the same name again replaces the
// previous probe.
func (hc *HealthChecker) Register(name string, probe Probe, opts ProbeOptions) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, p := range hc.probes {
		if p.name == name {
			hc.probes[i] = registeredProbe{name: name, probe: probe, opts: opts}
			return
		}
	}
	hc.probes = append(hc.probes, registeredProbe{name: name, probe: probe, opts: opts})
}

// Deregister removes the named probe.
func (hc *HealthChecker) Deregister(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, p := range hc.probes {
		if p.name == name {
			hc.probes = append(hc.probes[:i], hc.probes[i+1:]...)
			return
		}
	}
}

// Check runs every registered probe concurrently, each bounded by its own
// timeout, and returns the aggregated report. The report is also retained
// for Status.
func (hc *HealthChecker) Check(ctx context.Context) *HealthReport {
	hc.mu.Lock()
	probes := make([]registeredProbe, len(hc.probes))
	copy(probes, hc.probes)
	logger := hc.logger
	hc.mu.Unlock()

	report := &HealthReport{
		RunID:  uuid.NewString(),
		Status: StatusHealthy,
		Time:   hc.now(),
		Probes: make([]ProbeResult, len(probes)),
	}

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p registeredProbe) {
			defer wg.Done()
			report.Probes[i] = hc.runProbe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	sort.Slice(report.Probes, func(i, j int) bool {
		return report.Probes[i].Name < report.Probes[j].Name
	})

	for _, r := range report.Probes {
		if r.Healthy {
			continue
		}
		if r.Critical {
			report.Status = StatusCritical
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		logger.Warn("health probe failed",
			"runId", report.RunID,
			"probe", r.Name,
			"critical", r.Critical,
			"latency", r.Latency,
			"error", r.Err,
		)
	}

	hc.mu.Lock()
	hc.last = report
	hc.mu.Unlock()
	return report
}

// Status returns the most recent report, or nil before the first Check.
func (hc *HealthChecker) Status() *HealthReport {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.last
}

// runProbe races the probe against its timeout. A probe that outlives its
// deadline is recorded as failed; its late result is ignored.
func (hc *HealthChecker) runProbe(ctx context.Context, p registeredProbe) ProbeResult {
	result := ProbeResult{Name: p.name, Critical: p.opts.Critical}
	start := hc.now()

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.probe(probeCtx)
	}()

	select {
	case err := <-done:
		result.Err = err
		result.Healthy = err == nil
	case <-probeCtx.Done():
		result.Err = &Error{
			Kind:    KindTimeout,
			Message: "health probe timed out",
			Cause:   probeCtx.Err(),
		}
	}
	result.Latency = hc.now().Sub(start)
	return result
}

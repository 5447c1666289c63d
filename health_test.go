package pesakit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyProbe(ctx context.Context) error { return nil }

func failingProbe(err error) Probe {
	return func(ctx context.Context) error { return err }
}

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("cache", healthyProbe, ProbeOptions{})
	hc.Register("breakers", healthyProbe, ProbeOptions{Critical: true})

	report := hc.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Probes, 2)
	for _, p := range report.Probes {
		assert.Truef(t, p.Healthy, "probe %s", p.Name)
		assert.NoError(t, p.Err)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("cache", healthyProbe, ProbeOptions{})
	hc.Register("metrics", failingProbe(errors.New("collector destroyed")), ProbeOptions{})

	report := hc.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestHealthCheckerCriticalDominates(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("metrics", failingProbe(errors.New("down")), ProbeOptions{})
	hc.Register("cache", failingProbe(errors.New("down")), ProbeOptions{Critical: true})

	report := hc.Check(context.Background())
	assert.Equal(t, StatusCritical, report.Status)
}

func TestHealthCheckerProbeTimeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, ProbeOptions{Timeout: 20 * time.Millisecond})

	started := time.Now()
	report := hc.Check(context.Background())
	assert.Less(t, time.Since(started), 500*time.Millisecond, "the late probe result is not awaited")

	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Probes, 1)
	p := report.Probes[0]
	assert.False(t, p.Healthy)

	var e *Error
	require.ErrorAs(t, p.Err, &e)
	assert.Equal(t, KindTimeout, e.Kind)
}

func TestHealthCheckerRunsConcurrently(t *testing.T) {
	hc := NewHealthChecker()
	for _, name := range []string{"a", "b", "c", "d"} {
		hc.Register(name, func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}, ProbeOptions{})
	}

	started := time.Now()
	report := hc.Check(context.Background())
	assert.Less(t, time.Since(started), 150*time.Millisecond, "probes must fan out, not run serially")
	assert.Equal(t, StatusHealthy, report.Status)

	for _, p := range report.Probes {
		assert.GreaterOrEqual(t, p.Latency, 50*time.Millisecond)
	}
}

func TestHealthCheckerReportOrderAndRunIDs(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("zeta", healthyProbe, ProbeOptions{})
	hc.Register("alpha", healthyProbe, ProbeOptions{})

	first := hc.Check(context.Background())
	second := hc.Check(context.Background())

	require.Len(t, first.Probes, 2)
	assert.Equal(t, "alpha", first.Probes[0].Name)
	assert.Equal(t, "zeta", first.Probes[1].Name)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestHealthCheckerStatusRetainsLastReport(t *testing.T) {
	hc := NewHealthChecker()
	assert.Nil(t, hc.Status(), "no report before the first check")

	hc.Register("cache", healthyProbe, ProbeOptions{})
	report := hc.Check(context.Background())
	assert.Same(t, report, hc.Status())
}

func TestHealthCheckerRegisterReplaces(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("cache", failingProbe(errors.New("down")), ProbeOptions{})
	hc.Register("cache", healthyProbe, ProbeOptions{})

	report := hc.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Probes, 1)
}

func TestHealthCheckerDeregister(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("cache", failingProbe(errors.New("down")), ProbeOptions{})
	hc.Deregister("cache")
	hc.Deregister("never-registered")

	report := hc.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Probes)
}

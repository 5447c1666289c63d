package pesakit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T, cfg MetricsConfig) *Collector {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour // keep flush ticks out of tests
	}
	c, err := NewCollector(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func findCounter(t *testing.T, snap *Snapshot, name, tags string) CounterPoint {
	t.Helper()
	for _, p := range snap.Counters[name] {
		if canonicalTags(p.Tags) == tags {
			return p
		}
	}
	t.Fatalf("counter %q with tags %q not found", name, tags)
	return CounterPoint{}
}

func TestCollectorCounterIdentity(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	c.Inc("payment.attempt", 1, map[string]string{"method": "card", "region": "id"})
	c.Inc("payment.attempt", 2, map[string]string{"region": "id", "method": "card"})
	c.Inc("payment.attempt", 1, map[string]string{"method": "va"})

	snap := c.Snapshot()
	require.Len(t, snap.Counters["payment.attempt"], 2, "tag order must not split a series")

	p := findCounter(t, snap, "payment.attempt", "method=card,region=id")
	assert.Equal(t, int64(3), p.Value)
}

func TestCollectorWellKnownCountersPresent(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	snap := c.Snapshot()
	for _, name := range []string{"auth.success", "auth.error", "payment.success", "payment.error"} {
		points, ok := snap.Counters[name]
		require.Truef(t, ok, "well-known counter %q missing", name)
		assert.Equal(t, int64(0), points[0].Value)
	}
}

func TestCollectorGaugeOverwrites(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	c.Gauge("queue.depth", 7, nil)
	c.Gauge("queue.depth", 3, nil)

	snap := c.Snapshot()
	require.Len(t, snap.Gauges["queue.depth"], 1)
	assert.Equal(t, float64(3), snap.Gauges["queue.depth"][0].Value)
	assert.False(t, snap.Gauges["queue.depth"][0].Time.IsZero())
}

func TestCollectorHistogramPercentiles(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	for i := 1; i <= 100; i++ {
		c.Histogram("latency", float64(i), nil)
	}

	snap := c.Snapshot()
	require.Len(t, snap.Histograms["latency"], 1)
	h := snap.Histograms["latency"][0]

	assert.Equal(t, int64(100), h.Count)
	assert.Equal(t, float64(1), h.Min)
	assert.Equal(t, float64(100), h.Max)
	assert.Equal(t, 50.5, h.Mean)
	assert.Equal(t, float64(50), h.Percentiles["p50"])
	assert.Equal(t, float64(75), h.Percentiles["p75"])
	assert.Equal(t, float64(90), h.Percentiles["p90"])
	assert.Equal(t, float64(95), h.Percentiles["p95"])
	assert.Equal(t, float64(99), h.Percentiles["p99"])
}

func TestCollectorHistogramSingleSample(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})
	c.Histogram("latency", 42, nil)

	h := c.Snapshot().Histograms["latency"][0]
	for _, p := range []string{"p50", "p75", "p90", "p95", "p99"} {
		assert.Equalf(t, float64(42), h.Percentiles[p], "percentile %s", p)
	}
}

func TestCollectorHistogramRetention(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	for i := 1; i <= 1500; i++ {
		c.Histogram("latency", float64(i), nil)
	}

	h := c.Snapshot().Histograms["latency"][0]
	assert.Equal(t, int64(1500), h.Count, "count covers all samples")
	assert.Equal(t, float64(1), h.Min, "min covers all samples")
	// Percentiles span only the retained window, samples 501..1500.
	assert.Equal(t, float64(1000), h.Percentiles["p50"])
}

func TestCollectorHistogramsDisabled(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{DisableHistograms: true})

	c.Histogram("latency", 1, nil)
	timer := c.StartTimer("op", nil)
	timer.End()

	snap := c.Snapshot()
	assert.Empty(t, snap.Histograms)
}

func TestCollectorTimer(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	timer := c.StartTimer("charge", map[string]string{"endpoint": "payments"})
	current = current.Add(250 * time.Millisecond)
	elapsed := timer.End()

	assert.Equal(t, float64(250), elapsed)
	h := c.Snapshot().Histograms["charge.duration"]
	require.Len(t, h, 1)
	assert.Equal(t, float64(250), h[0].Max)
}

func TestCollectorTimeRecordsOutcome(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})
	ctx := context.Background()

	value, err := c.Time(ctx, "payment", func(ctx context.Context) (any, error) {
		return "receipt", nil
	}, map[string]string{"endpoint": "payments"})
	require.NoError(t, err)
	assert.Equal(t, "receipt", value)

	_, err = c.Time(ctx, "payment", func(ctx context.Context) (any, error) {
		return nil, &Error{Kind: KindServer, Message: "bad gateway"}
	}, map[string]string{"endpoint": "payments"})
	require.Error(t, err)

	_, err = c.Time(ctx, "payment", func(ctx context.Context) (any, error) {
		return nil, errors.New("opaque")
	}, nil)
	require.Error(t, err)

	snap := c.Snapshot()
	ok := findCounter(t, snap, "payment.success", "endpoint=payments")
	assert.Equal(t, int64(1), ok.Value)
	tagged := findCounter(t, snap, "payment.error", "endpoint=payments,kind=Server")
	assert.Equal(t, int64(1), tagged.Value)
	opaque := findCounter(t, snap, "payment.error", "kind=unknown")
	assert.Equal(t, int64(1), opaque.Value)
	require.Len(t, snap.Histograms["payment.duration"], 2, "success and error share the timer name per tag set")
}

func TestCollectorSubscribe(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	var events []Event
	unsubscribe := c.Subscribe(func(ev Event) { events = append(events, ev) })

	c.Inc("payment.success", 1, nil)
	require.Len(t, events, 1)
	assert.Equal(t, EventMetric, events[0].Type)
	require.NotNil(t, events[0].Sample)
	assert.Equal(t, "counter", events[0].Sample.Kind)
	assert.Equal(t, "payment.success", events[0].Sample.Name)
	assert.Equal(t, float64(1), events[0].Sample.Value)

	unsubscribe()
	c.Inc("payment.success", 1, nil)
	assert.Len(t, events, 1, "unsubscribed sink must see nothing")
}

func TestCollectorFlushEvents(t *testing.T) {
	c, err := NewCollector(MetricsConfig{FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	flushed := make(chan Event, 1)
	c.Subscribe(func(ev Event) {
		if ev.Type == EventFlush {
			select {
			case flushed <- ev:
			default:
			}
		}
	})

	select {
	case ev := <-flushed:
		assert.Nil(t, ev.Sample)
	case <-time.After(time.Second):
		t.Fatal("no flush event within 1s")
	}
}

func TestCollectorSeriesCap(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{MaxMetrics: 6})

	// The four well-known counters already occupy four of the six slots.
	c.Inc("extra.one", 1, nil)
	c.Inc("extra.two", 1, nil)
	c.Inc("extra.three", 1, nil) // over the cap, dropped

	snap := c.Snapshot()
	assert.Contains(t, snap.Counters, "extra.one")
	assert.Contains(t, snap.Counters, "extra.two")
	assert.NotContains(t, snap.Counters, "extra.three")

	// Existing series keep accepting samples at the cap.
	c.Inc("extra.one", 1, nil)
	assert.Equal(t, int64(2), findCounter(t, c.Snapshot(), "extra.one", "").Value)
}

func TestCollectorReset(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	c.Inc("payment.success", 5, nil)
	c.Gauge("queue.depth", 1, nil)
	c.Histogram("latency", 1, nil)
	c.Reset()

	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.Counters["payment.success"][0].Value)
	assert.Empty(t, snap.Gauges)
	assert.Empty(t, snap.Histograms)
	assert.Len(t, snap.Counters, len(wellKnownCounters))
}

func TestCollectorDestroy(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})
	require.NoError(t, c.HealthCheck())

	c.Destroy()
	assert.ErrorIs(t, c.HealthCheck(), ErrShutdown)

	c.Inc("payment.success", 1, nil)
	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.Counters["payment.success"][0].Value, "recording after Destroy is a no-op")

	c.Destroy() // idempotent
}

func TestCollectorNilReceiverIsNoOp(t *testing.T) {
	var c *Collector
	c.Inc("payment.success", 1, nil)
	c.Gauge("queue.depth", 1, nil)
	c.Histogram("latency", 1, nil)
}

func TestCollectorPrometheusMirror(t *testing.T) {
	c := newTestCollector(t, MetricsConfig{})

	reg := prometheus.NewRegistry()
	c.MirrorToPrometheus(reg)

	c.Inc("payment.success", 3, map[string]string{"endpoint": "payments"})
	c.Gauge("queue.depth", 4, nil)
	c.Histogram("latency", 12.5, nil)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.promCounters.WithLabelValues("payment.success", "endpoint=payments")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.promGauges.WithLabelValues("queue.depth", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.promHists, "pesakit_histogram"))

	// Mirroring twice against the same registry reuses the collectors.
	c.MirrorToPrometheus(reg)
	c.Inc("payment.success", 1, map[string]string{"endpoint": "payments"})
	assert.Equal(t, float64(4), testutil.ToFloat64(c.promCounters.WithLabelValues("payment.success", "endpoint=payments")))
}

func TestNearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	assert.Equal(t, float64(20), nearestRank(sorted, 50))
	assert.Equal(t, float64(40), nearestRank(sorted, 99))
	assert.Equal(t, float64(10), nearestRank(sorted, 1))
	assert.Equal(t, float64(0), nearestRank(nil, 50))
}

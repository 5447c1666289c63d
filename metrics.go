package pesakit

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// histogramRetention bounds the raw samples kept per histogram series.
const histogramRetention = 1000

// Well-known counter names are always present in a snapshot, even with zero
// observations, so downstream consumers can assert on their existence.
var wellKnownCounters = []string{
	"auth.success",
	"auth.error",
	"payment.success",
	"payment.error",
}

// MetricsConfig configures a Collector. Zero values take the documented
// defaults.
type MetricsConfig struct {
	// FlushInterval is the period of the flush event emitted to
	// subscribers. Default one minute. Flushing never clears data.
	FlushInterval time.Duration `validate:"omitempty,gt=0"`
	// MaxMetrics caps the number of distinct series; records for new series
	// beyond the cap are dropped. Default 1000.
	MaxMetrics int `validate:"omitempty,gt=0"`
	// DisableHistograms turns histogram recording (including timers) into a
	// no-op.
	DisableHistograms bool
}

func (cfg MetricsConfig) withDefaults() MetricsConfig {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxMetrics == 0 {
		cfg.MaxMetrics = 1000
	}
	return cfg
}

// EventType discriminates collector events.
type EventType string

const (
	// EventMetric is emitted once per recorded sample.
	EventMetric EventType = "metric"
	// EventFlush is emitted on every flush interval tick.
	EventFlush EventType = "flush"
)

// MetricSample is the payload of an EventMetric event.
type MetricSample struct {
	Kind  string // "counter", "gauge" or "histogram"
	Name  string
	Value float64
	Tags  map[string]string
	Time  time.Time
}

// Event is delivered to collector subscribers, e.g. external log or
// telemetry sinks.
type Event struct {
	Type   EventType
	Sample *MetricSample // nil for flush events
	Time   time.Time
}

// CounterPoint is one counter series in a snapshot.
type CounterPoint struct {
	Value int64
	Tags  map[string]string
}

// GaugePoint is one gauge series in a snapshot.
type GaugePoint struct {
	Value float64
	Time  time.Time
	Tags  map[string]string
}

// HistogramSummary is one histogram series in a snapshot. Percentiles are
// nearest-rank over the retained samples, not interpolated.
type HistogramSummary struct {
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Mean        float64
	Percentiles map[string]float64
	Tags        map[string]string
}

// Snapshot is an immutable view of all recorded metrics.
type Snapshot struct {
	Counters   map[string][]CounterPoint
	Gauges     map[string][]GaugePoint
	Histograms map[string][]HistogramSummary
	Time       time.Time
}

type counterRecord struct {
	name  string
	tags  map[string]string
	value int64
}

type gaugeRecord struct {
	name  string
	tags  map[string]string
	value float64
	at    time.Time
}

type histRecord struct {
	name    string
	tags    map[string]string
	samples []float64 // ring of the most recent histogramRetention values
	next    int
	count   int64
	sum     float64
	min     float64
	max     float64
}

// Collector records typed metric samples and serves immutable snapshots.
// It is the uniform instrumentation seam for every network-facing
// operation in the surrounding SDK, and is safe for concurrent use.
type Collector struct {
	cfg MetricsConfig

	mu        sync.Mutex
	counters  map[string]*counterRecord
	gauges    map[string]*gaugeRecord
	hists     map[string]*histRecord
	destroyed bool

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	stop     chan struct{}
	stopOnce sync.Once

	// Optional Prometheus mirror (nil when not enabled).
	promCounters *prometheus.CounterVec
	promGauges   *prometheus.GaugeVec
	promHists    *prometheus.HistogramVec

	now func() time.Time
}

// NewCollector creates a collector and starts its flush ticker.
func NewCollector(cfg MetricsConfig) (*Collector, error) {
	cfg = cfg.withDefaults()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:         cfg,
		counters:    make(map[string]*counterRecord),
		gauges:      make(map[string]*gaugeRecord),
		hists:       make(map[string]*histRecord),
		subscribers: make(map[int]func(Event)),
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	c.ensureWellKnown()
	go c.flushLoop()
	return c, nil
}

// MirrorToPrometheus additionally publishes every sample to the given
// registerer: counters as pesakit_counter_total, gauges as pesakit_gauge,
// histograms as pesakit_histogram, each labeled by metric name and
// canonical tag string. Re-registration against a registerer that already
// holds the collectors reuses the existing ones.
func (c *Collector) MirrorToPrometheus(reg prometheus.Registerer) {
	labels := []string{"name", "tags"}

	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pesakit",
		Name:      "counter_total",
		Help:      "Mirror of pesakit counter samples.",
	}, labels)
	if err := reg.Register(counters); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			counters = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pesakit",
		Name:      "gauge",
		Help:      "Mirror of pesakit gauge samples.",
	}, labels)
	if err := reg.Register(gauges); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			gauges = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}

	hists := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pesakit",
		Name:      "histogram",
		Help:      "Mirror of pesakit histogram samples.",
		Buckets:   prometheus.DefBuckets,
	}, labels)
	if err := reg.Register(hists); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			hists = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	c.mu.Lock()
	c.promCounters = counters
	c.promGauges = gauges
	c.promHists = hists
	c.mu.Unlock()
}

// Inc adds value to the counter identified by name and tags.
func (c *Collector) Inc(name string, value int64, tags map[string]string) {
	if c == nil {
		return
	}
	canon := canonicalTags(tags)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	rec, ok := c.counters[seriesID(name, canon)]
	if !ok {
		if !c.roomForSeriesLocked() {
			c.mu.Unlock()
			return
		}
		rec = &counterRecord{name: name, tags: copyTags(tags)}
		c.counters[seriesID(name, canon)] = rec
	}
	rec.value += value
	mirror := c.promCounters
	c.mu.Unlock()

	if mirror != nil {
		mirror.WithLabelValues(name, canon).Add(float64(value))
	}
	c.emitSample("counter", name, float64(value), tags)
}

// Gauge records a point-in-time value for name and tags.
func (c *Collector) Gauge(name string, value float64, tags map[string]string) {
	if c == nil {
		return
	}
	canon := canonicalTags(tags)
	now := c.now()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	rec, ok := c.gauges[seriesID(name, canon)]
	if !ok {
		if !c.roomForSeriesLocked() {
			c.mu.Unlock()
			return
		}
		rec = &gaugeRecord{name: name, tags: copyTags(tags)}
		c.gauges[seriesID(name, canon)] = rec
	}
	rec.value = value
	rec.at = now
	mirror := c.promGauges
	c.mu.Unlock()

	if mirror != nil {
		mirror.WithLabelValues(name, canon).Set(value)
	}
	c.emitSample("gauge", name, value, tags)
}

// Histogram records a value into the sample stream for name and tags. Only
// the most recent 1000 raw samples are retained per series.
func (c *Collector) Histogram(name string, value float64, tags map[string]string) {
	if c == nil || c.cfg.DisableHistograms {
		return
	}
	canon := canonicalTags(tags)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	rec, ok := c.hists[seriesID(name, canon)]
	if !ok {
		if !c.roomForSeriesLocked() {
			c.mu.Unlock()
			return
		}
		rec = &histRecord{name: name, tags: copyTags(tags)}
		c.hists[seriesID(name, canon)] = rec
	}
	if rec.count == 0 || value < rec.min {
		rec.min = value
	}
	if rec.count == 0 || value > rec.max {
		rec.max = value
	}
	rec.count++
	rec.sum += value
	if len(rec.samples) < histogramRetention {
		rec.samples = append(rec.samples, value)
	} else {
		rec.samples[rec.next] = value
		rec.next = (rec.next + 1) % histogramRetention
	}
	mirror := c.promHists
	c.mu.Unlock()

	if mirror != nil {
		mirror.WithLabelValues(name, canon).Observe(value)
	}
	c.emitSample("histogram", name, value, tags)
}

// Timer measures one duration; obtain one from StartTimer.
type Timer struct {
	c     *Collector
	name  string
	tags  map[string]string
	start time.Time
}

// StartTimer begins a timer whose End records "<name>.duration".
func (c *Collector) StartTimer(name string, tags map[string]string) *Timer {
	return &Timer{c: c, name: name, tags: tags, start: c.now()}
}

// End records the elapsed time as a "<name>.duration" histogram sample and
// returns the elapsed milliseconds.
func (t *Timer) End() float64 {
	elapsed := float64(t.c.now().Sub(t.start)) / float64(time.Millisecond)
	t.c.Histogram(t.name+".duration", elapsed, t.tags)
	return elapsed
}

// Time runs work wrapped in a timer and increments "<name>.success" or
// "<name>.error" (tagged with the error kind) depending on the outcome.
func (c *Collector) Time(ctx context.Context, name string, work func(context.Context) (any, error), tags map[string]string) (any, error) {
	timer := c.StartTimer(name, tags)
	value, err := work(ctx)
	timer.End()

	if err != nil {
		errTags := copyTags(tags)
		if errTags == nil {
			errTags = make(map[string]string, 1)
		}
		errTags["kind"] = errorKind(err)
		c.Inc(name+".error", 1, errTags)
		return nil, err
	}
	c.Inc(name+".success", 1, tags)
	return value, nil
}

// Snapshot returns an immutable copy of all recorded metrics.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Counters:   make(map[string][]CounterPoint),
		Gauges:     make(map[string][]GaugePoint),
		Histograms: make(map[string][]HistogramSummary),
		Time:       c.now(),
	}

	for _, rec := range c.counters {
		snap.Counters[rec.name] = append(snap.Counters[rec.name], CounterPoint{
			Value: rec.value,
			Tags:  copyTags(rec.tags),
		})
	}
	for _, rec := range c.gauges {
		snap.Gauges[rec.name] = append(snap.Gauges[rec.name], GaugePoint{
			Value: rec.value,
			Time:  rec.at,
			Tags:  copyTags(rec.tags),
		})
	}
	for _, rec := range c.hists {
		sorted := make([]float64, len(rec.samples))
		copy(sorted, rec.samples)
		sort.Float64s(sorted)

		summary := HistogramSummary{
			Count:       rec.count,
			Sum:         rec.sum,
			Min:         rec.min,
			Max:         rec.max,
			Percentiles: make(map[string]float64, 5),
			Tags:        copyTags(rec.tags),
		}
		if rec.count > 0 {
			summary.Mean = rec.sum / float64(rec.count)
		}
		for _, p := range []float64{50, 75, 90, 95, 99} {
			summary.Percentiles[percentileName(p)] = nearestRank(sorted, p)
		}
		snap.Histograms[rec.name] = append(snap.Histograms[rec.name], summary)
	}
	return snap
}

// Subscribe registers fn for metric and flush events and returns an
// unsubscribe function.
func (c *Collector) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

// Reset clears all recorded data, keeping the well-known counters present
// at zero.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.counters = make(map[string]*counterRecord)
	c.gauges = make(map[string]*gaugeRecord)
	c.hists = make(map[string]*histRecord)
	c.mu.Unlock()

	c.ensureWellKnown()
}

// HealthCheck reports an error once the collector is destroyed.
func (c *Collector) HealthCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrShutdown
	}
	return nil
}

// Destroy stops the flush ticker and turns all recording into no-ops.
func (c *Collector) Destroy() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
}

func (c *Collector) ensureWellKnown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range wellKnownCounters {
		id := seriesID(name, "")
		if _, ok := c.counters[id]; !ok {
			c.counters[id] = &counterRecord{name: name}
		}
	}
}

func (c *Collector) roomForSeriesLocked() bool {
	return len(c.counters)+len(c.gauges)+len(c.hists) < c.cfg.MaxMetrics
}

func (c *Collector) flushLoop() {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.emit(Event{Type: EventFlush, Time: c.now()})
		case <-c.stop:
			return
		}
	}
}

func (c *Collector) emitSample(kind, name string, value float64, tags map[string]string) {
	now := c.now()
	c.emit(Event{
		Type: EventMetric,
		Time: now,
		Sample: &MetricSample{
			Kind:  kind,
			Name:  name,
			Value: value,
			Tags:  copyTags(tags),
			Time:  now,
		},
	})
}

func (c *Collector) emit(ev Event) {
	c.subMu.Lock()
	subscribers := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}

// nearestRank returns the nearest-rank percentile of sorted: the value at
// index ceil(p/100*n)-1, clamped to >= 0.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func percentileName(p float64) string {
	switch p {
	case 50:
		return "p50"
	case 75:
		return "p75"
	case 90:
		return "p90"
	case 95:
		return "p95"
	case 99:
		return "p99"
	default:
		return "p"
	}
}

func seriesID(name, canonTags string) string {
	return name + "|" + canonTags
}

// canonicalTags renders tags as a deterministic sorted "k=v,..." string;
// metric identity is (name, sorted-tag-string).
func canonicalTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func errorKind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "unknown"
}

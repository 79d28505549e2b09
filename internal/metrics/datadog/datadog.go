// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Observations are buffered in memory and submitted on a ticker (default once
// per minute) and once more on Close, so long loads show up as a time series
// rather than a single point at exit. Flush snapshots and resets the buffers
// under the lock, then submits outside it.
//
// Flush durations are reduced to nearest-rank percentiles per stream and
// status before submission.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"singerwh/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "target-warehouse".
	JobName string

	// Tags are extra Datadog tags (e.g. "env:prod", "team:data").
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted. Defaults
	// to 60 seconds.
	FlushEvery time.Duration

	// Test seams.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf window
}

// window is one collection interval.
type window struct {
	records    map[string]float64   // kind
	flushes    map[string]float64   // stream\x00status
	flushDur   map[string][]float64 // stream\x00status
	rowsLoaded map[string]float64   // op
}

func newWindow() window {
	return window{
		records:    make(map[string]float64),
		flushes:    make(map[string]float64),
		flushDur:   make(map[string][]float64),
		rowsLoaded: make(map[string]float64),
	}
}

func (w window) isEmpty() bool {
	return len(w.records) == 0 && len(w.flushes) == 0 && len(w.flushDur) == 0 && len(w.rowsLoaded) == 0
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call it once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client. API keys
// and site come from the DD_API_KEY / DD_SITE environment variables read by the
// client.
//
// Edge cases:
//   - The environment tag comes from ENV, then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - None today; network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "target-warehouse"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newWindow(),
	}
	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.buf.records[kind] += delta
		}
	case metrics.FlushTotal:
		b.buf.flushes[pairKey(labels["stream"], labels["status"])] += delta
	case metrics.RowsLoadedTotal:
		if op := labels["op"]; op != "" {
			b.buf.rowsLoaded[op] += delta
		}
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are dropped.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == metrics.FlushDurationSecond {
		k := pairKey(labels["stream"], labels["status"])
		b.buf.flushDur[k] = append(b.buf.flushDur[k], value)
	}
}

func (b *Backend) snapshotAndReset() window {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.buf
	b.buf = newWindow()
	return w
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	w := b.snapshotAndReset()
	if w.isEmpty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(w, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries turns one window into Datadog series at a fixed timestamp.
// Series are ordered by metric then tags so payloads are reproducible.
func (b *Backend) buildSeries(w window, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(w.records)+len(w.flushes)+len(w.rowsLoaded)+6*len(w.flushDur))

	for _, kind := range sortedKeys(w.records) {
		series = append(series, point("target.records.total", datadogV2.METRICINTAKETYPE_COUNT, w.records[kind], withTags(b.baseTags, "kind:"+kind), nowUnix))
	}
	for _, k := range sortedKeys(w.flushes) {
		stream, status := splitPairKey(k)
		series = append(series, point("target.flush.total", datadogV2.METRICINTAKETYPE_COUNT, w.flushes[k], withTags(b.baseTags, "stream:"+stream, "status:"+status), nowUnix))
	}
	for _, op := range sortedKeys(w.rowsLoaded) {
		series = append(series, point("target.rows_loaded.total", datadogV2.METRICINTAKETYPE_COUNT, w.rowsLoaded[op], withTags(b.baseTags, "op:"+op), nowUnix))
	}
	for _, k := range sortedKeys(w.flushDur) {
		stream, status := splitPairKey(k)
		addPercentiles(&series, "target.flush.duration_seconds", w.flushDur[k], withTags(b.baseTags, "stream:"+stream, "status:"+status), nowUnix)
	}
	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples. It
// sorts a copy.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	g := datadogV2.METRICINTAKETYPE_GAUGE
	*series = append(*series,
		point(prefix+".p50", g, percentileNearestRank(cp, 0.50), tags, nowUnix),
		point(prefix+".p90", g, percentileNearestRank(cp, 0.90), tags, nowUnix),
		point(prefix+".p95", g, percentileNearestRank(cp, 0.95), tags, nowUnix),
		point(prefix+".p99", g, percentileNearestRank(cp, 0.99), tags, nowUnix),
		point(prefix+".max", g, cp[len(cp)-1], tags, nowUnix),
		point(prefix+".samples", g, float64(len(cp)), tags, nowUnix),
	)
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	if a == "" {
		a = "unknown"
	}
	if b == "" {
		b = "unknown"
	}
	return a + "\x00" + b
}

func splitPairKey(k string) (string, string) {
	a, b, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return a, b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return s[min(max(idx, 0), n-1)]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// A load is a batch job, so there is nothing for Prometheus to scrape. The
// backend keeps its own registry and replaces the job's metric group on the
// gateway on every Flush.
package prompush

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"singerwh/internal/metrics"
)

// Backend implements metrics.Backend and metrics.Flusher.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	records    *prometheus.CounterVec
	flushes    *prometheus.CounterVec
	rowsLoaded *prometheus.CounterVec
	flushDur   *prometheus.HistogramVec
}

// NewBackend registers the target's collectors on a private registry and
// prepares a pusher for job at gatewayURL.
//
// Errors:
//   - gatewayURL is empty or not an absolute http(s) URL.
//   - job is empty.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if job == "" {
		return nil, errors.New("prompush: job name is required")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("prompush: gateway url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("prompush: gateway url %q must be http(s)://host", gatewayURL)
	}

	b := &Backend{
		reg: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Protocol messages received, by kind.",
		}, []string{"kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.FlushTotal,
			Help: "Batch flushes, by stream and outcome.",
		}, []string{"stream", "status"}),
		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsLoadedTotal,
			Help: "Warehouse rows changed, by operation.",
		}, []string{"op"}),
		flushDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.FlushDurationSecond,
			Help:    "Wall time of one flush from drain to commit.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stream", "status"}),
	}
	b.reg.MustRegister(b.records, b.flushes, b.rowsLoaded, b.flushDur)
	b.pusher = push.New(gatewayURL, job).Gatherer(b.reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.RecordsTotal:
		b.records.WithLabelValues(label(labels, "kind")).Add(delta)
	case metrics.FlushTotal:
		b.flushes.WithLabelValues(label(labels, "stream"), label(labels, "status")).Add(delta)
	case metrics.RowsLoadedTotal:
		b.rowsLoaded.WithLabelValues(label(labels, "op")).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are dropped.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.FlushDurationSecond || value < 0 {
		return
	}
	b.flushDur.WithLabelValues(label(labels, "stream"), label(labels, "status")).Observe(value)
}

// Flush pushes the current registry contents, replacing the job's group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

func label(l metrics.Labels, k string) string {
	if v := l[k]; v != "" {
		return v
	}
	return "unknown"
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)

// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package. A crawl is a batch job with no scrape endpoint,
// so collected series are pushed on Flush.
package prompush

import (
	"fmt"
	"sync"

	"cardscrape/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend implements metrics.Backend on a private registry.
type Backend struct {
	pusher *push.Pusher
	reg    *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// labelNames fixes the label set of every known metric. Unknown metrics are
// dropped, since Prometheus rejects inconsistent label sets.
var labelNames = map[string][]string{
	metrics.FieldsTotal:             {"field", "state", "reached"},
	metrics.DocumentsTotal:          {"status"},
	metrics.DocumentDurationSeconds: {"status"},
	metrics.HTTPRequestsTotal:       {"status"},
	metrics.HTTPErrorsTotal:         {"status"},
	metrics.HTTPRequestDuration:     {"status"},
	metrics.HTTPDownloadBytes:       {"status"},
}

var help = map[string]string{
	metrics.FieldsTotal:             "Field resolutions by final state and furthest state reached.",
	metrics.DocumentsTotal:          "Documents processed by status.",
	metrics.DocumentDurationSeconds: "Time spent extracting one document.",
	metrics.HTTPRequestsTotal:       "HTTP fetches by status code.",
	metrics.HTTPErrorsTotal:         "HTTP fetches that failed or returned non-2xx.",
	metrics.HTTPRequestDuration:     "HTTP fetch latency.",
	metrics.HTTPDownloadBytes:       "HTTP response body sizes.",
}

// NewBackend returns a backend pushing to the Pushgateway at url under job.
func NewBackend(job, url string) (*Backend, error) {
	if url == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if job == "" {
		job = "cardscrape"
	}
	reg := prometheus.NewRegistry()
	return &Backend{
		pusher:     push.New(url, job).Gatherer(reg),
		reg:        reg,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	names, ok := labelNames[name]
	if !ok {
		return
	}
	b.mu.Lock()
	cv, ok := b.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help[name]}, names)
		b.reg.MustRegister(cv)
		b.counters[name] = cv
	}
	b.mu.Unlock()
	cv.WithLabelValues(values(names, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	names, ok := labelNames[name]
	if !ok {
		return
	}
	b.mu.Lock()
	hv, ok := b.histograms[name]
	if !ok {
		buckets := prometheus.DefBuckets
		if name == metrics.HTTPDownloadBytes {
			buckets = prometheus.ExponentialBuckets(1024, 4, 8)
		}
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help[name], Buckets: buckets}, names)
		b.reg.MustRegister(hv)
		b.histograms[name] = hv
	}
	b.mu.Unlock()
	hv.WithLabelValues(values(names, labels)...).Observe(value)
}

// Flush pushes every collected series, replacing the job's previous group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

// Close pushes one final time.
func (b *Backend) Close() error { return b.Flush() }

func values(names []string, labels metrics.Labels) []string {
	out := make([]string, len(names))
	for i, n := range names {
		v := labels[n]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)

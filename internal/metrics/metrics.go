// Package metrics is the backend-agnostic metrics facade used by the
// scraper. Callers record through package functions; a Backend chosen at
// startup (Datadog, Pushgateway) receives them. Without SetBackend every
// call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives counters and histogram samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names shared by all backends.
const (
	HTTPRequestsTotal       = "scrape_http_requests_total"
	HTTPErrorsTotal         = "scrape_http_errors_total"
	HTTPRequestDuration     = "scrape_http_request_duration_seconds"
	HTTPDownloadBytes       = "scrape_http_download_bytes"
	FieldsTotal             = "scrape_fields_total"
	DocumentsTotal          = "scrape_documents_total"
	DocumentDurationSeconds = "scrape_document_duration_seconds"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the backend when it buffers; otherwise it does nothing.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordHTTP records one completed fetch. status is 0 when no response
// was received.
func RecordHTTP(status int, err error, dur time.Duration, size int64) {
	b := current()
	st := statusLabel(status)
	labels := Labels{"status": st}

	b.IncCounter(HTTPRequestsTotal, 1, labels)
	if err != nil || status < 200 || status >= 300 {
		b.IncCounter(HTTPErrorsTotal, 1, labels)
	}
	if dur >= 0 {
		b.ObserveHistogram(HTTPRequestDuration, dur.Seconds(), labels)
	}
	if size >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(size), labels)
	}
}

// RecordField records the outcome of one field resolution.
func RecordField(field, state, reached string) {
	current().IncCounter(FieldsTotal, 1, Labels{
		"field":   field,
		"state":   state,
		"reached": reached,
	})
}

// RecordDocument records one processed document and how long it took.
func RecordDocument(status string, dur time.Duration) {
	b := current()
	labels := Labels{"status": status}
	b.IncCounter(DocumentsTotal, 1, labels)
	if dur >= 0 {
		b.ObserveHistogram(DocumentDurationSeconds, dur.Seconds(), labels)
	}
}

func statusLabel(status int) string {
	if status <= 0 {
		return "unknown"
	}
	return strconv.Itoa(status)
}

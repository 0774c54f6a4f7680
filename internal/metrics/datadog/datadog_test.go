package datadog

import (
	"context"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"cardscrape/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions returns options whose background loop never fires.
func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestFieldKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name, field, state, reached string
	}{
		{name: "normal", field: "cs_text", state: "normalized", reached: "normalized"},
		{name: "defaulted", field: "skill_ap", state: "defaulted", reached: "indexed"},
		{name: "empty_reached", field: "x", state: "defaulted", reached: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, s, r := splitFieldKey(fieldKey(tc.field, tc.state, tc.reached))
			if f != tc.field || s != tc.state || r != tc.reached {
				t.Fatalf("roundtrip got=(%q,%q,%q), want=(%q,%q,%q)", f, s, r, tc.field, tc.state, tc.reached)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown", func(t *testing.T) {
		f, s, r := splitFieldKey("no-sep")
		if f != "no-sep" || s != "unknown" || r != "unknown" {
			t.Fatalf("splitFieldKey()=(%q,%q,%q)", f, s, r)
		}
	})
}

// TestWithTags verifies tag concatenation and immutability.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:cardscrape"}
	got := withTags(base, "field:cs_text", "state:normalized")
	want := []string{"env:test", "job:cardscrape", "field:cs_text", "state:normalized"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestCountAndGaugeSeries(t *testing.T) {
	now := int64(1234567)

	g := gaugeSeries("scrape.test.gauge", 3.14, []string{"env:test"}, now)
	if g.Type == nil || *g.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("Type=%v, want GAUGE", g.Type)
	}
	if g.Points[0].Timestamp == nil || *g.Points[0].Timestamp != now {
		t.Fatalf("Timestamp=%v, want %d", g.Points[0].Timestamp, now)
	}

	c := countSeries("scrape.test.total", 2, nil, now)
	if c.Type == nil || *c.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("Type=%v, want COUNT", c.Type)
	}
	if c.Points[0].Value == nil || *c.Points[0].Value != 2 {
		t.Fatalf("Value=%v, want 2", c.Points[0].Value)
	}
}

// TestAddPercentiles verifies addPercentiles produces six gauges and does
// not mutate its input.
func TestAddPercentiles(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"status:ok"}, "scrape.document.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	for _, s := range series {
		if !contains(s.Tags, "status:ok") {
			t.Fatalf("series %q missing status tag; tags=%v", s.Metric, s.Tags)
		}
		if s.Metric == "scrape.document.duration_seconds.samples" && *s.Points[0].Value != 5 {
			t.Fatalf("samples gauge value=%v, want 5", *s.Points[0].Value)
		}
		if s.Metric == "scrape.document.duration_seconds.max" && *s.Points[0].Value != 5 {
			t.Fatalf("max gauge value=%v, want 5", *s.Points[0].Value)
		}
	}

	var none []datadogV2.MetricSeries
	addPercentiles(&none, nil, "x", nil, 1)
	if len(none) != 0 {
		t.Fatalf("empty samples produced %d series", len(none))
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		Tags:      []string{"service:cardscrape"},
		submitter: fs,
		now:       func() time.Time { return time.Unix(123, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:cardscrape") {
		t.Fatalf("baseTags missing job:cardscrape: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:cardscrape") {
		t.Fatalf("baseTags missing service:cardscrape: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.RecordField("cs_text", "normalized", "normalized")
	metrics.RecordField("skill_ap", "defaulted", "indexed")
	metrics.RecordDocument("ok", 20*time.Millisecond)
	metrics.RecordHTTP(200, nil, 100*time.Millisecond, 2048)
	metrics.RecordHTTP(503, nil, 50*time.Millisecond, 10)

	if err := metrics.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.fieldCounts) != 0 || len(b.docCounts) != 0 || len(b.httpReqDur) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)

	for _, w := range []string{
		"scrape.fields.total",
		"scrape.documents.total",
		"scrape.document.duration_seconds.p50",
		"scrape.http.requests.total",
		"scrape.http.errors.total",
		"scrape.http.request_duration_seconds.p99",
		"scrape.http.download_bytes.max",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	var sawDefaulted bool
	for _, s := range payload.Series {
		if s.Metric == "scrape.fields.total" && contains(s.Tags, "field:skill_ap") {
			sawDefaulted = contains(s.Tags, "state:defaulted") && contains(s.Tags, "reached:indexed")
		}
		if s.Metric == "scrape.http.errors.total" && !contains(s.Tags, "status:503") {
			t.Fatalf("error counted for %v, want only status:503", s.Tags)
		}
	}
	if !sawDefaulted {
		t.Fatalf("missing tagged field series for skill_ap")
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "ok"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 3000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.FieldsTotal, 1, metrics.Labels{"field": "cs_text", "state": "normalized", "reached": "normalized"})
				b.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "ok"})
				b.ObserveHistogram(metrics.DocumentDurationSeconds, 0.01, metrics.Labels{"status": "ok"})
				b.ObserveHistogram(metrics.HTTPRequestDuration, 0.02, metrics.Labels{"status": "200"})
			}
		}()
	}
	wg.Wait()

	b.mu.Lock()
	got := b.fieldCounts[fieldKey("cs_text", "normalized", "normalized")]
	b.mu.Unlock()
	if want := float64(workers * iters); got != want {
		t.Fatalf("field count=%v, want %v", got, want)
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 4000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	// Ignored: non-positive delta, missing field, unknown metric, negative sample.
	b.IncCounter(metrics.DocumentsTotal, 0, nil)
	b.IncCounter(metrics.FieldsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.DocumentDurationSeconds, -1, metrics.Labels{"status": "ok"})
	// Missing status defaults to "unknown".
	b.IncCounter(metrics.HTTPRequestsTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.HTTPRequestDuration, 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var sawHTTPCount, sawP50 bool
	for _, s := range payload.Series {
		switch s.Metric {
		case "scrape.http.requests.total":
			sawHTTPCount = contains(s.Tags, "status:unknown")
		case "scrape.http.request_duration_seconds.p50":
			sawP50 = contains(s.Tags, "status:unknown")
		case "scrape.fields.total", "scrape.documents.total", "scrape.document.duration_seconds.p50":
			t.Fatalf("unexpected series %q from ignored input", s.Metric)
		}
	}
	if !sawHTTPCount {
		t.Fatalf("expected scrape.http.requests.total for status:unknown")
	}
	if !sawP50 {
		t.Fatalf("expected scrape.http.request_duration_seconds.p50 for status:unknown")
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{
			name: "trims_and_skips_empty_segments",
			in:   " env:prod , ,service:cardscrape,  ,site:wiki ",
			want: []string{"env:prod", "service:cardscrape", "site:wiki"},
		},
		{name: "single_tag", in: "service:cardscrape", want: []string{"service:cardscrape"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

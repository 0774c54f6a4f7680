package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cardscrape/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (g *gateway) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.paths = append(g.paths, r.Method+" "+r.URL.Path)
	g.bodies = append(g.bodies, string(b))
	g.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestFlush_PushesCollectedSeries(t *testing.T) {
	t.Parallel()

	g := &gateway{}
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	defer srv.Close()

	b, err := NewBackend("crawl", srv.URL)
	require.NoError(t, err)

	b.IncCounter(metrics.FieldsTotal, 1, metrics.Labels{"field": "cs_text", "state": "normalized", "reached": "normalized"})
	b.IncCounter(metrics.HTTPRequestsTotal, 2, metrics.Labels{"status": "200"})
	b.ObserveHistogram(metrics.HTTPDownloadBytes, 4096, metrics.Labels{"status": "200"})
	b.ObserveHistogram(metrics.DocumentDurationSeconds, 0.05, nil)

	require.NoError(t, b.Flush())

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.paths, 1)
	assert.Equal(t, "PUT /metrics/job/crawl", g.paths[0])
	// The default push format is protobuf; metric names still appear verbatim.
	assert.True(t, strings.Contains(g.bodies[0], metrics.FieldsTotal))
	assert.True(t, strings.Contains(g.bodies[0], metrics.HTTPDownloadBytes))
}

func TestIgnoredInput(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("", "http://127.0.0.1:1")
	require.NoError(t, err)

	b.IncCounter("unknown_total", 1, nil)
	b.IncCounter(metrics.DocumentsTotal, 0, nil)
	b.ObserveHistogram(metrics.HTTPRequestDuration, -1, nil)

	mfs, err := b.reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs)
}

func TestMissingLabelsBecomeUnknown(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("j", "http://127.0.0.1:1")
	require.NoError(t, err)
	b.IncCounter(metrics.HTTPErrorsTotal, 1, metrics.Labels{})

	mfs, err := b.reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	lp := mfs[0].GetMetric()[0].GetLabel()
	require.Len(t, lp, 1)
	assert.Equal(t, "status", lp[0].GetName())
	assert.Equal(t, "unknown", lp[0].GetValue())
}

func TestNewBackend_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewBackend("j", "")
	require.Error(t, err)
}

func TestFlush_GatewayError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("j", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.DocumentsTotal, 1, metrics.Labels{"status": "ok"})

	err = b.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompush:")
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/studyrag/pkg/search"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Exported(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.RecordRequest(http.MethodPost, "/v1/search", http.StatusOK, 20*time.Millisecond)
	m.ObserveSearch("scriptures", 3, 10*time.Millisecond, nil)
	m.ObserveSearch("scriptures", 0, 10*time.Millisecond, nil)
	m.ObserveSearch("default", 0, time.Second, fmt.Errorf("%w: embed query: timeout", search.ErrUpstream))
	m.ObserveAsk("answered", 2*time.Second, nil)
	m.ObserveAsk("answered", time.Second, errors.New("boom"))
	m.ObserveEmbedding(100, time.Second, nil)
	m.ObserveEmbedding(100, time.Second, errors.New("429"))
	m.RecordHit(ctx, "query_embedding")
	m.RecordMiss(ctx, "query_embedding")
	m.RecordMiss(ctx, "query_embedding")
	m.SetSegments(42)

	body := scrape(t, m)
	for _, want := range []string{
		`studyrag_http_requests_total{method="POST",route="/v1/search",status="200"} 1`,
		`studyrag_search_requests_total{mode="scriptures",outcome="ok"} 1`,
		`studyrag_search_requests_total{mode="scriptures",outcome="empty"} 1`,
		`studyrag_search_requests_total{mode="default",outcome="upstream_error"} 1`,
		`studyrag_ask_requests_total{status="answered"} 1`,
		`studyrag_ask_requests_total{status="error"} 1`,
		`studyrag_embedding_calls_total{outcome="ok"} 1`,
		`studyrag_embedding_calls_total{outcome="error"} 1`,
		`studyrag_embedding_texts_total 200`,
		`studyrag_cache_hits_total{cache="query_embedding"} 1`,
		`studyrag_cache_misses_total{cache="query_embedding"} 2`,
		`studyrag_indexed_segments 42`,
		`go_goroutines`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SetSegments(1)
	b.SetSegments(2)
	assert.Contains(t, scrape(t, a), "studyrag_indexed_segments 1")
	assert.Contains(t, scrape(t, b), "studyrag_indexed_segments 2")
}

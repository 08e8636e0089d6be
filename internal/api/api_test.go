package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perbu/studyrag/pkg/bundle"
	"github.com/perbu/studyrag/pkg/embedder"
	"github.com/perbu/studyrag/pkg/llm"
	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
	"github.com/perbu/studyrag/pkg/search"
	"github.com/perbu/studyrag/pkg/segment"
	"github.com/perbu/studyrag/pkg/vectorindex"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCompleter struct {
	tokens []string
	err    error
}

func (f *fakeCompleter) Complete(context.Context, []llm.Message) (string, error) {
	return strings.Join(f.tokens, ""), f.err
}

func (f *fakeCompleter) Stream(ctx context.Context, _ []llm.Message) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(tokens)
		for _, tok := range f.tokens {
			select {
			case tokens <- tok:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return tokens, errs
}

func (f *fakeCompleter) ModelInfo() string { return "fake" }

type recorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *recorder) RecordRequest(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, fmt.Sprintf("%s %s %d", method, route, status))
}

var corpus = []map[string]any{
	{"content": "Faith is not to have a perfect knowledge of things", "source_type": "scripture", "standard_work": "Book of Mormon", "book": "Alma", "chapter": 32, "verse": 21},
	{"content": "Hope in Christ is an anchor to the soul", "source_type": "conference", "year": 2024, "session": "October", "speaker": "Russell M. Nelson", "title": "Hope"},
	{"content": "Study the word of God daily with your family", "source_type": "curriculum", "collection_name": "Come, Follow Me", "year": 2024, "title": "Alma 32-35"},
}

func newService(t *testing.T, completer llm.Completer) *retrieval.Service {
	t.Helper()
	emb := embedder.NewHashEmbedder(64)

	segs := make([]segment.Segment, len(corpus))
	texts := make([]string, len(corpus))
	for i, rec := range corpus {
		s, err := segment.FromRecord(rec, "")
		require.NoError(t, err)
		segs[i] = s
		texts[i] = s.Text
	}
	vecs, err := emb.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	for _, v := range vecs {
		require.NoError(t, embedder.Prepare(v, emb.Dimension()))
	}
	idx, err := vectorindex.Build(emb.Dimension(), vecs)
	require.NoError(t, err)
	b, err := bundle.New(emb.ModelInfo(), idx, segs)
	require.NoError(t, err)

	engine, err := search.NewEngine(search.Params{Embedder: emb, Bundle: b, Logger: quiet})
	require.NoError(t, err)
	svc, err := retrieval.NewService(retrieval.Params{
		Searcher:  engine,
		Router:    mode.NewRouter(2026, 5),
		Completer: completer,
		TopK:      3,
		MaxTopK:   10,
		Logger:    quiet,
	})
	require.NoError(t, err)
	return svc
}

func newServer(t *testing.T, svc Service, rec RequestRecorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(Params{
		Service:      svc,
		Info:         Info{Segments: len(corpus), Model: "hash-v1"},
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		Recorder:     rec,
		MaxBodyBytes: 1 << 12,
		Logger:       quiet,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndModes(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, newService(t, nil), rec)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(3), health["segments"])
	assert.Equal(t, "hash-v1", health["model"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/modes", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "client-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "client-id", resp.Header.Get(requestIDHeader))
	modes := decode[modesResponse](t, resp)
	require.NotEmpty(t, modes.Modes)
	assert.Equal(t, mode.Default, modes.Modes[0].Name)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.routes, "GET /health 200")
	assert.Contains(t, rec.routes, "GET /v1/modes 200")
}

func TestSearch(t *testing.T) {
	srv := newServer(t, newService(t, nil), nil)

	resp := post(t, srv, "/v1/search", `{"query": "Faith is not to have a perfect knowledge of things", "top_k": 1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[retrieval.SearchResponse](t, resp)
	require.Len(t, body.Results, 1)
	assert.Equal(t, 1, body.TotalFound)
	assert.Equal(t, 1, body.Results[0].Rank)
	assert.InDelta(t, 1.0, body.Results[0].Score, 1e-5)
	assert.Equal(t, "Alma", body.Results[0].Metadata["book"])
	assert.Equal(t, mode.Default, body.Mode)
}

func TestSearch_ModeFilter(t *testing.T) {
	srv := newServer(t, newService(t, nil), nil)

	resp := post(t, srv, "/v1/search", `{"query": "Faith is not to have a perfect knowledge", "mode": "conference", "min_score": 0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[retrieval.SearchResponse](t, resp)
	for _, r := range body.Results {
		assert.Equal(t, "conference", r.Metadata["source_type"])
	}
	assert.Equal(t, mode.Conference, body.Mode)

	resp = post(t, srv, "/v1/search", `{"query": "faith", "mode": "study_helps"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": [], "total_found": 0, "mode": "study_helps"}`, string(raw))
}

func TestSearch_BadRequests(t *testing.T) {
	srv := newServer(t, newService(t, nil), nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty query", `{"query": "   "}`, http.StatusBadRequest},
		{"not json", `query=faith`, http.StatusBadRequest},
		{"unknown field", `{"query": "faith", "k": 3}`, http.StatusBadRequest},
		{"too large", `{"query": "` + strings.Repeat("a", 1<<13) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, "/v1/search", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			problem := decode[ProblemDetails](t, resp)
			assert.Equal(t, tt.status, problem.Status)
			assert.False(t, problem.Retryable)
		})
	}
}

type failingService struct {
	Service
	err error
}

func (f failingService) Search(context.Context, retrieval.Request) (retrieval.SearchResponse, error) {
	return retrieval.SearchResponse{}, f.err
}

func (f failingService) Ask(context.Context, retrieval.Request) (retrieval.AskResponse, error) {
	return retrieval.AskResponse{}, f.err
}

func (f failingService) AskStream(context.Context, retrieval.Request) (*retrieval.Stream, error) {
	return nil, f.err
}

func TestErrors_UpstreamIsRetryable(t *testing.T) {
	upstream := fmt.Errorf("%w: embed query: connection refused", search.ErrUpstream)
	srv := newServer(t, failingService{err: upstream}, nil)

	for _, body := range []string{`{"query": "faith"}`, `{"query": "faith", "stream": true}`} {
		for _, path := range []string{"/v1/search", "/v1/ask"} {
			resp := post(t, srv, path, body)
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
			assert.Equal(t, retryAfterSeconds, resp.Header.Get("Retry-After"))
			problem := decode[ProblemDetails](t, resp)
			assert.True(t, problem.Retryable)
		}
	}

	srv = newServer(t, failingService{err: errors.New("index exploded")}, nil)
	resp := post(t, srv, "/v1/search", `{"query": "faith"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, decode[ProblemDetails](t, resp).Retryable)
}

func TestAsk(t *testing.T) {
	srv := newServer(t, newService(t, &fakeCompleter{tokens: []string{"Faith is hope ", "(Alma 32:21)."}}), nil)

	resp := post(t, srv, "/v1/ask", `{"query": "Faith is not to have a perfect knowledge", "mode": "scriptures"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[retrieval.AskResponse](t, resp)
	assert.Equal(t, retrieval.StatusAnswered, body.Status)
	assert.Equal(t, "Faith is hope (Alma 32:21).", body.Answer)
	require.NotEmpty(t, body.Sources)
	assert.Equal(t, "(Alma 32:21)", body.Sources[0].Citation)

	resp = post(t, srv, "/v1/ask", `{"query": "faith", "mode": "study_helps"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[retrieval.AskResponse](t, resp)
	assert.Equal(t, retrieval.StatusNoSources, body.Status)
	assert.Empty(t, body.Sources)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAsk_Stream(t *testing.T) {
	srv := newServer(t, newService(t, &fakeCompleter{tokens: []string{"Keep ", "the ", "faith."}}), nil)

	resp := post(t, srv, "/v1/ask", `{"query": "Faith is not to have a perfect knowledge", "stream": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 5)
	assert.Equal(t, EventSources, events[0].name)
	assert.Contains(t, events[0].data, `"status":"answered"`)
	assert.Contains(t, events[0].data, `"citation":"(Alma 32:21)"`)

	var answer strings.Builder
	for _, e := range events[1:4] {
		assert.Equal(t, EventToken, e.name)
		var tok tokenEvent
		require.NoError(t, json.Unmarshal([]byte(e.data), &tok))
		answer.WriteString(tok.Text)
	}
	assert.Equal(t, "Keep the faith.", answer.String())
	assert.Equal(t, EventDone, events[4].name)
}

func TestAsk_StreamNoSources(t *testing.T) {
	srv := newServer(t, newService(t, &fakeCompleter{tokens: []string{"invented"}}), nil)

	resp := post(t, srv, "/v1/ask", `{"query": "faith", "mode": "study_helps", "stream": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, EventSources, events[0].name)
	assert.Contains(t, events[0].data, `"status":"no_sources"`)
	assert.Equal(t, EventDone, events[1].name)
	assert.NotContains(t, events[1].data, "invented")
}

func TestAsk_StreamUpstreamFailure(t *testing.T) {
	fc := &fakeCompleter{tokens: []string{"Keep "}, err: errors.New("connection reset")}
	srv := newServer(t, newService(t, fc), nil)

	resp := post(t, srv, "/v1/ask", `{"query": "Faith is not to have a perfect knowledge", "stream": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, EventToken, events[1].name)
	assert.Equal(t, EventError, events[2].name)
	var ev errorEvent
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &ev))
	assert.True(t, ev.Retryable)
}

func TestNotFound(t *testing.T) {
	srv := newServer(t, newService(t, nil), nil)
	resp, err := http.Get(srv.URL + "/v2/search")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/search")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

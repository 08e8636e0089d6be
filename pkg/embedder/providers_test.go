package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedder_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body["model"])
		assert.EqualValues(t, 2, body["dimensions"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", Dimensions: 2, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Dimension())
	assert.Equal(t, "openai-text-embedding-3-small", e.ModelInfo())

	out, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, out)
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Dimensions: 2})
	require.NoError(t, err)

	_, err = e.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrCountMismatch)
	assert.False(t, Retryable(err))
}

func TestOpenAIEmbedder_NativeDimensions(t *testing.T) {
	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test", Model: "text-embedding-3-large"})
	require.NoError(t, err)
	assert.Equal(t, 3072, e.Dimension())

	e, err = NewOpenAIEmbedder(OpenAIConfig{APIKey: "test"})
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimension())
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body["input"], 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[1,0,0],[0,0,1]]}`))
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, "ollama-nomic-embed-text", e.ModelInfo())

	out, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 0, 1}}, out)

	_, err = e.EmbedBatch(context.Background(), []string{"a", " "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

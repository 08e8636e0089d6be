package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// OllamaConfig configures an OllamaEmbedder
type OllamaConfig struct {
	Host       string // Falls back to OLLAMA_HOST
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// OllamaEmbedder generates embeddings using a local Ollama server
type OllamaEmbedder struct {
	client  *api.Client
	model   string
	dim     int
	timeout time.Duration
}

// NewOllamaEmbedder creates a new Ollama embedder. Ollama models don't
// advertise their size, so Dimensions must match the model (768 for
// nomic-embed-text).
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	hostURL := envconfig.Host()
	if cfg.Host != "" {
		u, err := url.Parse(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("parse ollama host %q: %w", cfg.Host, err)
		}
		hostURL = u
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dim := cfg.Dimensions
	if dim <= 0 {
		dim = 768
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OllamaEmbedder{
		client:  api.NewClient(hostURL, http.DefaultClient),
		model:   model,
		dim:     dim,
		timeout: timeout,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends all texts in one request to the /api/embed endpoint
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkTexts(texts); err != nil {
		return nil, err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embed(ctxWithTimeout, &api.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrCountMismatch, len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (e *OllamaEmbedder) Dimension() int {
	return e.dim
}

func (e *OllamaEmbedder) ModelInfo() string {
	return "ollama-" + e.model
}

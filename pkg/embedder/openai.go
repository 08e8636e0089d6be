package embedder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIEmbedder
type OpenAIConfig struct {
	APIKey     string // Falls back to OPENAI_API_KEY
	BaseURL    string // Optional, for compatible endpoints
	Model      string
	Dimensions int // 0 uses the model's native size
	Timeout    time.Duration
}

// OpenAIEmbedder uses the OpenAI embeddings API
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dim       int
	shortened bool
	timeout   time.Duration
}

// NewOpenAIEmbedder creates an OpenAI embedder
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	dim := nativeDimension(model)
	shortened := false
	if cfg.Dimensions > 0 && cfg.Dimensions != dim {
		dim = cfg.Dimensions
		shortened = true
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		dim:       dim,
		shortened: shortened,
		timeout:   cfg.Timeout,
	}, nil
}

func nativeDimension(model string) int {
	switch openai.EmbeddingModel(model) {
	case openai.LargeEmbedding3:
		return 3072
	default:
		// text-embedding-3-small and ada-002
		return 1536
	}
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds all texts in a single API call. The API may return the
// data out of order; vectors are placed by their reported index.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := checkTexts(texts); err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	if e.shortened {
		req.Dimensions = e.dim
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrCountMismatch, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("%w: unexpected index %d", ErrCountMismatch, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimension returns the embedding dimension
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// ModelInfo returns model information
func (e *OpenAIEmbedder) ModelInfo() string {
	return "openai-" + e.model
}

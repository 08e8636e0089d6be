package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyText     = errors.New("cannot embed empty text")
	ErrDimension     = errors.New("embedding has wrong dimension")
	ErrNonFinite     = errors.New("embedding contains a non-finite value")
	ErrCountMismatch = errors.New("embedding count does not match input count")
)

// Embedder turns text into fixed-length vectors. EmbedBatch returns one
// vector per input, in input order. Vectors are returned as the model
// produced them; callers normalize with Prepare.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelInfo() string
}

// EmbedQuery embeds a single search query and normalizes it exactly the way
// the Builder normalizes segment vectors.
func EmbedQuery(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := Prepare(v, e.Dimension()); err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	return v, nil
}

func checkTexts(texts []string) error {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
	}
	return nil
}

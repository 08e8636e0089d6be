package main

import (
	"fmt"

	"github.com/perbu/studyrag/internal/config"
	"github.com/perbu/studyrag/internal/metrics"
	"github.com/perbu/studyrag/pkg/bundle"
	"github.com/perbu/studyrag/pkg/embedder"
	"github.com/perbu/studyrag/pkg/llm"
	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
	"github.com/perbu/studyrag/pkg/search"
)

func newEmbedder(c config.EmbeddingConfig) (embedder.Embedder, error) {
	switch c.Provider {
	case config.ProviderOpenAI:
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			Model:      c.Model,
			Dimensions: c.Dimensions,
			Timeout:    c.Timeout,
		})
	case config.ProviderOllama:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			Host:       c.BaseURL,
			Model:      c.Model,
			Dimensions: c.Dimensions,
			Timeout:    c.Timeout,
		})
	case config.ProviderHash:
		return embedder.NewHashEmbedder(c.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", c.Provider)
	}
}

// newCompleter returns nil for the "none" provider
func newCompleter(c config.CompletionConfig) (llm.Completer, error) {
	switch c.Provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAICompleter(llm.OpenAIConfig{
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
			Timeout:     c.Timeout,
		})
	case config.ProviderOllama:
		return llm.NewOllamaCompleter(llm.OllamaConfig{
			Host:        c.BaseURL,
			Model:       c.Model,
			Temperature: c.Temperature,
			Timeout:     c.Timeout,
		})
	case config.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", c.Provider)
	}
}

// stack is a loaded bundle with everything needed to query it
type stack struct {
	bundle  *bundle.Bundle
	engine  *search.Engine
	service *retrieval.Service
}

// openStack loads the bundle and wires search and retrieval. m and
// completer may be nil.
func (a *app) openStack(completer llm.Completer, m *metrics.Metrics) (*stack, error) {
	cfg := a.cfg
	b, err := bundle.Load(cfg.BundleDir)
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", cfg.BundleDir, err)
	}
	emb, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}

	cache, err := search.NewQueryCache(cfg.Search.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	strategy := search.StrategyReconstruct
	if !cfg.Search.ReconstructSubsets {
		strategy = search.StrategyInPlace
	}
	params := search.Params{
		Embedder:   emb,
		Bundle:     b,
		Strategy:   strategy,
		QueryCache: cache,
		Logger:     a.logger,
	}
	if m != nil {
		params.CacheMetrics = m
	}
	engine, err := search.NewEngine(params)
	if err != nil {
		return nil, err
	}

	svcParams := retrieval.Params{
		Searcher:     engine,
		Router:       mode.NewRouter(cfg.Modes.ReferenceYear, cfg.Modes.RecentYears),
		Completer:    completer,
		TopK:         cfg.Search.TopK,
		MaxTopK:      cfg.Search.MaxTopK,
		MinScore:     cfg.Search.MinScore,
		SystemPrompt: cfg.Completion.SystemPrompt,
		Logger:       a.logger,
	}
	if m != nil {
		svcParams.Observer = m
	}
	svc, err := retrieval.NewService(svcParams)
	if err != nil {
		return nil, err
	}
	return &stack{bundle: b, engine: engine, service: svc}, nil
}

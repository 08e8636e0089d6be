// Package search answers similarity queries against a loaded bundle.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/perbu/studyrag/pkg/bundle"
	"github.com/perbu/studyrag/pkg/embedder"
	"github.com/perbu/studyrag/pkg/filter"
	"github.com/perbu/studyrag/pkg/segment"
	"github.com/perbu/studyrag/pkg/vectorindex"
)

const (
	queryEmbeddingCacheName = "query_embedding"
	defaultTopK             = 5
)

// Sentinel errors, used by handlers for status mapping
var (
	ErrEmptyQuery    = errors.New("query is required and must be non-empty")
	ErrUpstream      = errors.New("search subsystem unavailable")
	ErrModelMismatch = errors.New("embedder does not match the index")
)

// Strategy selects how a filtered search scores its candidates. Both give
// identical results.
type Strategy string

const (
	// StrategyReconstruct copies the candidate vectors into a temporary
	// index that lives for one request.
	StrategyReconstruct Strategy = "reconstruct"
	// StrategyInPlace scores the candidates directly in the full index
	StrategyInPlace Strategy = "in_place"
)

// CacheMetrics records query cache hits and misses
type CacheMetrics interface {
	RecordHit(ctx context.Context, cacheName string)
	RecordMiss(ctx context.Context, cacheName string)
}

// Query is a single search request. MinScore is inclusive; scores are
// cosine similarities in [-1, 1], so -1 disables the threshold.
type Query struct {
	Text     string
	TopK     int
	Filter   filter.Filter
	MinScore float64
}

// Result is one ranked match
type Result struct {
	Rank     int            `json:"rank"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Ordinal  int            `json:"-"`
}

// Engine searches one bundle. It is safe for concurrent use; nothing it
// holds is mutated after construction.
type Engine struct {
	embedder       embedder.Embedder
	bundle         *bundle.Bundle
	strategy       Strategy
	queryCache     *lru.Cache[string, []float32]
	queryLoadGroup singleflight.Group
	cacheMetrics   CacheMetrics
	logger         *slog.Logger
}

// Params configures an Engine. QueryCache and CacheMetrics may be nil.
type Params struct {
	Embedder     embedder.Embedder
	Bundle       *bundle.Bundle
	Strategy     Strategy
	QueryCache   *lru.Cache[string, []float32]
	CacheMetrics CacheMetrics
	Logger       *slog.Logger
}

// NewEngine creates an Engine. It fails with ErrModelMismatch unless the
// embedder is the model and dimension the bundle was built with, since
// vectors from different models aren't comparable.
func NewEngine(p Params) (*Engine, error) {
	if p.Embedder == nil || p.Bundle == nil {
		return nil, errors.New("search: embedder and bundle are required")
	}
	m := p.Bundle.Manifest
	if got := p.Embedder.ModelInfo(); got != m.EmbeddingModel {
		return nil, fmt.Errorf("%w: index built with %q, embedder is %q", ErrModelMismatch, m.EmbeddingModel, got)
	}
	if got := p.Embedder.Dimension(); got != m.EmbeddingDim || got != p.Bundle.Index.Dim() {
		return nil, fmt.Errorf("%w: index dimension %d, embedder dimension %d", ErrModelMismatch, m.EmbeddingDim, got)
	}

	strategy := p.Strategy
	switch strategy {
	case "":
		strategy = StrategyReconstruct
	case StrategyReconstruct, StrategyInPlace:
	default:
		return nil, fmt.Errorf("search: unknown strategy %q", strategy)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		embedder:     p.Embedder,
		bundle:       p.Bundle,
		strategy:     strategy,
		queryCache:   p.QueryCache,
		cacheMetrics: p.CacheMetrics,
		logger:       logger,
	}, nil
}

// Len returns the number of indexed segments
func (e *Engine) Len() int {
	return len(e.bundle.Segments)
}

// Manifest returns the manifest of the loaded bundle
func (e *Engine) Manifest() bundle.Manifest {
	return e.bundle.Manifest
}

// Segment returns the segment stored at ordinal
func (e *Engine) Segment(ordinal int) (segment.Segment, bool) {
	if ordinal < 0 || ordinal >= len(e.bundle.Segments) {
		return segment.Segment{}, false
	}
	return e.bundle.Segments[ordinal], true
}

// Search returns the best matches for q, best first. An empty slice is a
// normal outcome. A failure to embed the query is returned wrapped in
// ErrUpstream and never reported as an empty result.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	k := q.TopK
	if k <= 0 {
		k = defaultTopK
	}

	var candidates []int
	filtered := !q.Filter.Empty()
	if filtered {
		candidates = filter.Compile(q.Filter).Select(e.bundle.Segments)
		if len(candidates) == 0 {
			return []Result{}, nil
		}
	}

	vec, err := e.queryEmbedding(ctx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Error("search: query embedding failed", "error", err, "model", e.bundle.Manifest.EmbeddingModel)
		return nil, fmt.Errorf("%w: embed query: %w", ErrUpstream, err)
	}

	var hits []vectorindex.Hit
	if filtered {
		hits, err = e.searchCandidates(vec, candidates, k)
	} else {
		hits, err = e.bundle.Index.Search(vec, k)
	}
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		score := float64(h.Score)
		if score < q.MinScore {
			continue
		}
		seg := &e.bundle.Segments[h.Ordinal]
		results = append(results, Result{
			Rank:     len(results) + 1,
			Score:    score,
			Content:  seg.Text,
			Metadata: seg.Metadata(),
			Ordinal:  h.Ordinal,
		})
	}
	return results, nil
}

func (e *Engine) searchCandidates(vec []float32, candidates []int, k int) ([]vectorindex.Hit, error) {
	k = min(k, len(candidates))
	if e.strategy == StrategyInPlace {
		return e.bundle.Index.SearchSubset(vec, candidates, k)
	}

	sub, err := e.bundle.Index.Subset(candidates)
	if err != nil {
		return nil, err
	}
	hits, err := sub.Search(vec, k)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Ordinal = candidates[hits[i].Ordinal]
	}
	return hits, nil
}

func (e *Engine) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if e.queryCache == nil {
		return embedder.EmbedQuery(ctx, e.embedder, query)
	}

	if vec, ok := e.queryCache.Get(query); ok {
		if e.cacheMetrics != nil {
			e.cacheMetrics.RecordHit(ctx, queryEmbeddingCacheName)
		}
		return vec, nil
	}

	// The load is shared by every caller of the same query, so it must not
	// be cancelled by whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := e.queryLoadGroup.DoChan(query, func() (any, error) {
		vec, loadErr := embedder.EmbedQuery(loadCtx, e.embedder, query)
		if loadErr != nil {
			return nil, loadErr
		}
		e.queryCache.Add(query, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if e.cacheMetrics != nil {
			e.cacheMetrics.RecordMiss(ctx, queryEmbeddingCacheName)
		}
		return res.Val.([]float32), nil
	}
}

// NewQueryCache creates an LRU cache for query embeddings, or nil when
// size is not positive.
func NewQueryCache(size int) (*lru.Cache[string, []float32], error) {
	if size <= 0 {
		return nil, nil
	}
	return lru.New[string, []float32](size)
}

// Package retrieval composes search, modes and completion into the
// operations the API exposes.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perbu/studyrag/pkg/filter"
	"github.com/perbu/studyrag/pkg/llm"
	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/search"
)

// ErrUpstream is search.ErrUpstream; completion failures are wrapped in it
// too so callers have one sentinel for "try again later".
var ErrUpstream = search.ErrUpstream

// Answer statuses
const (
	StatusAnswered  = "answered"
	StatusNoSources = "no_sources"
)

// NoSourcesMessage is returned instead of an answer when nothing matched
const NoSourcesMessage = "I couldn't find any relevant sources for that question, so I can't give a grounded answer."

const defaultSystemPrompt = `You are a careful study assistant. Answer only from the numbered sources provided. ` +
	`Cite sources by their citation in parentheses. If the sources don't answer the question, say so.`

// Searcher runs a single query
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

// Observer receives timings; nil disables it
type Observer interface {
	ObserveSearch(mode string, results int, elapsed time.Duration, err error)
	ObserveAsk(status string, elapsed time.Duration, err error)
}

// Request is the wire form of a search or ask request. Nil fields take the
// service defaults.
type Request struct {
	Query        string        `json:"query"`
	Mode         string        `json:"mode,omitempty"`
	TopK         *int          `json:"top_k,omitempty"`
	MinScore     *float64      `json:"min_score,omitempty"`
	SourceFilter filter.Filter `json:"source_filter,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
}

// SearchResponse is returned by Search
type SearchResponse struct {
	Results    []search.Result `json:"results"`
	TotalFound int             `json:"total_found"`
	Mode       string          `json:"mode"`
}

// Source is a search result with its formatted citation
type Source struct {
	search.Result
	Citation string `json:"citation"`
}

// AskResponse is returned by Ask
type AskResponse struct {
	Answer  string   `json:"answer"`
	Status  string   `json:"status"`
	Sources []Source `json:"sources"`
	Mode    string   `json:"mode"`
}

// Stream is a streamed answer. Tokens and Errs are nil when Status is
// StatusNoSources.
type Stream struct {
	Status  string
	Sources []Source
	Mode    string
	Tokens  <-chan string
	Errs    <-chan error
}

// Params configures a Service
type Params struct {
	Searcher     Searcher
	Router       *mode.Router
	Completer    llm.Completer // May be nil; Ask then fails with ErrUpstream
	TopK         int
	MaxTopK      int
	MinScore     float64
	SystemPrompt string
	Observer     Observer
	Logger       *slog.Logger
}

// Service is constructed once at startup and shared by every handler
type Service struct {
	searcher     Searcher
	router       *mode.Router
	completer    llm.Completer
	topK         int
	maxTopK      int
	minScore     float64
	systemPrompt string
	observer     Observer
	logger       *slog.Logger
}

func NewService(p Params) (*Service, error) {
	if p.Searcher == nil || p.Router == nil {
		return nil, errors.New("retrieval: searcher and router are required")
	}
	if p.TopK <= 0 {
		p.TopK = 5
	}
	if p.MaxTopK < p.TopK {
		p.MaxTopK = max(p.TopK, 50)
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = defaultSystemPrompt
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Service{
		searcher:     p.Searcher,
		router:       p.Router,
		completer:    p.Completer,
		topK:         p.TopK,
		maxTopK:      p.MaxTopK,
		minScore:     p.MinScore,
		systemPrompt: p.SystemPrompt,
		observer:     p.Observer,
		logger:       p.Logger,
	}, nil
}

// Modes lists the available modes
func (s *Service) Modes() []mode.Mode {
	return s.router.Modes()
}

// effectiveMode is the mode actually applied; unknown names fall back to
// the default mode.
func (s *Service) effectiveMode(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || !s.router.Known(name) {
		return mode.Default
	}
	return strings.ReplaceAll(name, "-", "_")
}

func (s *Service) query(req Request) (search.Query, string) {
	m := s.effectiveMode(req.Mode)
	q := search.Query{
		Text:     req.Query,
		TopK:     s.topK,
		Filter:   s.router.Merge(m, req.SourceFilter),
		MinScore: s.minScore,
	}
	if req.TopK != nil && *req.TopK > 0 {
		q.TopK = min(*req.TopK, s.maxTopK)
	}
	if req.MinScore != nil {
		q.MinScore = *req.MinScore
	}
	return q, m
}

// Search runs a search request. No match is a normal, empty response.
func (s *Service) Search(ctx context.Context, req Request) (SearchResponse, error) {
	results, m, err := s.search(ctx, req)
	if err != nil {
		return SearchResponse{}, err
	}
	return SearchResponse{Results: results, TotalFound: len(results), Mode: m}, nil
}

func (s *Service) search(ctx context.Context, req Request) ([]search.Result, string, error) {
	q, m := s.query(req)
	start := time.Now()
	results, err := s.searcher.Search(ctx, q)
	if s.observer != nil {
		s.observer.ObserveSearch(m, len(results), time.Since(start), err)
	}
	if err != nil {
		return nil, m, err
	}
	if results == nil {
		results = []search.Result{}
	}
	s.logger.Debug("search", "mode", m, "top_k", q.TopK, "results", len(results))
	return results, m, nil
}

func sources(results []search.Result) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{Result: r, Citation: mode.Citation(r.Metadata)}
	}
	return out
}

func (s *Service) prompt(question string, results []search.Result) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Sources:\n\n")
	sb.WriteString(mode.BuildContext(results))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(strings.TrimSpace(question))
	return llm.Prompt(s.systemPrompt, sb.String())
}

// Ask searches and, when there are sources, asks the completer to answer
// from them. Zero sources is reported as StatusNoSources without calling
// the completer.
func (s *Service) Ask(ctx context.Context, req Request) (AskResponse, error) {
	start := time.Now()
	resp, err := s.ask(ctx, req)
	if s.observer != nil {
		s.observer.ObserveAsk(resp.Status, time.Since(start), err)
	}
	return resp, err
}

func (s *Service) ask(ctx context.Context, req Request) (AskResponse, error) {
	results, m, err := s.search(ctx, req)
	if err != nil {
		return AskResponse{}, err
	}
	resp := AskResponse{Sources: sources(results), Mode: m}
	if len(results) == 0 {
		resp.Status = StatusNoSources
		resp.Answer = NoSourcesMessage
		return resp, nil
	}
	if s.completer == nil {
		return AskResponse{}, fmt.Errorf("%w: no completion provider configured", ErrUpstream)
	}

	answer, err := s.completer.Complete(ctx, s.prompt(req.Query, results))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AskResponse{}, ctxErr
		}
		s.logger.Error("ask: completion failed", "error", err, "model", s.completer.ModelInfo())
		return AskResponse{}, fmt.Errorf("%w: complete: %w", ErrUpstream, err)
	}
	resp.Status = StatusAnswered
	resp.Answer = answer
	return resp, nil
}

// AskStream is Ask with the answer delivered token by token. The search
// runs to completion before streaming starts; cancelling ctx afterwards
// only stops the token stream.
func (s *Service) AskStream(ctx context.Context, req Request) (*Stream, error) {
	results, m, err := s.search(ctx, req)
	if err != nil {
		return nil, err
	}
	st := &Stream{Sources: sources(results), Mode: m}
	if len(results) == 0 {
		st.Status = StatusNoSources
		if s.observer != nil {
			s.observer.ObserveAsk(StatusNoSources, 0, nil)
		}
		return st, nil
	}
	if s.completer == nil {
		return nil, fmt.Errorf("%w: no completion provider configured", ErrUpstream)
	}

	start := time.Now()
	tokens, errs := s.completer.Stream(ctx, s.prompt(req.Query, results))
	st.Status = StatusAnswered
	st.Tokens = tokens

	// Wrap upstream failures the same way Ask does.
	wrapped := make(chan error, 1)
	go func() {
		defer close(wrapped)
		err, ok := <-errs
		if ok && err != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: stream: %w", ErrUpstream, err)
		}
		if s.observer != nil {
			s.observer.ObserveAsk(StatusAnswered, time.Since(start), err)
		}
		if ok && err != nil {
			wrapped <- err
		}
	}()
	st.Errs = wrapped
	return st, nil
}

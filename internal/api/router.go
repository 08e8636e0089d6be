// Package api serves the search, ask and mode endpoints over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
)

// Service is the retrieval surface the handlers call
type Service interface {
	Search(ctx context.Context, req retrieval.Request) (retrieval.SearchResponse, error)
	Ask(ctx context.Context, req retrieval.Request) (retrieval.AskResponse, error)
	AskStream(ctx context.Context, req retrieval.Request) (*retrieval.Stream, error)
	Modes() []mode.Mode
}

// Info describes the loaded bundle for /health
type Info struct {
	Segments int    `json:"segments"`
	Model    string `json:"model"`
	BuildID  string `json:"build_id,omitempty"`
}

// Params configures the router. Metrics and Recorder may be nil.
type Params struct {
	Service      Service
	Info         Info
	Metrics      http.Handler
	Recorder     RequestRecorder
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter wires the middleware chain and routes
func NewRouter(p Params) http.Handler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{service: p.Service, info: p.Info, logger: logger}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Observe(logger, p.Recorder))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBody(p.MaxBodyBytes))
		r.Get("/modes", h.modes)
		r.Post("/search", h.search)
		r.Post("/ask", h.ask)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		RespondError(w, http.StatusNotFound, "Not Found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		RespondError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "method not allowed on this endpoint")
	})
	return r
}

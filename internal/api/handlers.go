package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/perbu/studyrag/internal/logging"
	"github.com/perbu/studyrag/pkg/mode"
	"github.com/perbu/studyrag/pkg/retrieval"
	"github.com/perbu/studyrag/pkg/search"
)

const retryAfterSeconds = "5"

type handler struct {
	service Service
	info    Info
	logger  *slog.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Info
}

type modesResponse struct {
	Modes []mode.Mode `json:"modes"`
}

// health handles GET /health
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, healthResponse{Status: "ok", Info: h.info})
}

// modes handles GET /v1/modes
func (h *handler) modes(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, modesResponse{Modes: h.service.Modes()})
}

// search handles POST /v1/search
func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Search(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

// ask handles POST /v1/ask, streaming as server-sent events when the
// request sets stream.
func (h *handler) ask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Stream {
		h.askStream(w, r, req)
		return
	}
	resp, err := h.service.Ask(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (retrieval.Request, bool) {
	var req retrieval.Request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return req, false
		}
		RespondBadRequest(w, "Invalid request body")
		return req, false
	}
	return req, true
}

// respondServiceError maps service errors to status codes. An empty
// result is never an error and never reaches here.
func (h *handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context(), h.logger)
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		RespondBadRequest(w, "query is required and must be non-empty")
	case isUpstream(err):
		logger.Warn("upstream dependency failed", "error", err)
		RespondUnavailable(w, "an upstream dependency failed; try again shortly", retryAfterSeconds)
	case errors.Is(err, context.Canceled):
		logger.Debug("client went away", "error", err)
	default:
		logger.Error("request failed", "error", err)
		RespondInternalServerError(w, "request failed")
	}
}

func isUpstream(err error) bool {
	return errors.Is(err, retrieval.ErrUpstream)
}

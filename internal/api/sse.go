package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/perbu/studyrag/internal/logging"
	"github.com/perbu/studyrag/pkg/retrieval"
)

// SSE event names
const (
	EventSources = "sources"
	EventToken   = "token"
	EventDone    = "done"
	EventError   = "error"
)

type sourcesEvent struct {
	Status  string             `json:"status"`
	Mode    string             `json:"mode"`
	Sources []retrieval.Source `json:"sources"`
}

type tokenEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Status string `json:"status"`
	Answer string `json:"answer,omitempty"`
}

type errorEvent struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *eventWriter) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// askStream sends the sources first, then one token event per chunk and
// finally done or error. Errors before the first event are plain problem
// responses.
func (h *handler) askStream(w http.ResponseWriter, r *http.Request, req retrieval.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondInternalServerError(w, "streaming unsupported")
		return
	}

	ctx := r.Context()
	st, err := h.service.AskStream(ctx, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := logging.FromContext(ctx, h.logger)
	ew := &eventWriter{w: w, flusher: flusher}

	if err := ew.send(EventSources, sourcesEvent{Status: st.Status, Mode: st.Mode, Sources: st.Sources}); err != nil {
		logger.Debug("stream write failed", "error", err)
		return
	}
	if st.Status == retrieval.StatusNoSources {
		_ = ew.send(EventDone, doneEvent{Status: st.Status, Answer: retrieval.NoSourcesMessage})
		return
	}

	// A failed write means the client is gone; its context is cancelled
	// too, so the completer stops and closes the channel.
	broken := false
	for tok := range st.Tokens {
		if broken {
			continue
		}
		if err := ew.send(EventToken, tokenEvent{Text: tok}); err != nil {
			logger.Debug("stream write failed", "error", err)
			broken = true
		}
	}
	if broken {
		return
	}

	if err := <-st.Errs; err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("answer stream failed", "error", err)
		_ = ew.send(EventError, errorEvent{
			Message:   "the answer stream was interrupted",
			Retryable: isUpstream(err),
		})
		return
	}
	_ = ew.send(EventDone, doneEvent{Status: st.Status})
}

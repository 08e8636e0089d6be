package embedder

import (
	"context"
	"errors"
	"net/http"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// Retryable reports whether an embedding error is worth retrying. Rate
// limits, server errors and transport failures are; malformed input and
// malformed responses are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrEmptyText),
		errors.Is(err, ErrCountMismatch),
		errors.Is(err, ErrDimension),
		errors.Is(err, ErrNonFinite):
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode)
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

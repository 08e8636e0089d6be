package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// OllamaConfig configures an Ollama chat completer
type OllamaConfig struct {
	Host        string // Falls back to OLLAMA_HOST
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// OllamaCompleter talks to a local Ollama server
type OllamaCompleter struct {
	client      *api.Client
	model       string
	temperature float32
	timeout     time.Duration
}

func NewOllamaCompleter(cfg OllamaConfig) (*OllamaCompleter, error) {
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
		model = "llama3.2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaCompleter{
		client:      api.NewClient(hostURL, http.DefaultClient),
		model:       model,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

func (c *OllamaCompleter) ModelInfo() string {
	return "ollama-" + c.model
}

func (c *OllamaCompleter) request(messages []Message, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, len(messages))
	for i, m := range messages {
		msgs[i] = api.Message{Role: m.Role, Content: m.Content}
	}
	return &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": c.temperature},
	}
}

func (c *OllamaCompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var sb strings.Builder
	err := c.client.Chat(ctx, c.request(messages, false), func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

var errStopped = errors.New("stream stopped")

func (c *OllamaCompleter) Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 10)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := c.client.Chat(ctx, c.request(messages, true), func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			if !send(ctx, tokens, resp.Message.Content) {
				return errStopped
			}
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, errStopped):
			errs <- ctx.Err()
		default:
			errs <- fmt.Errorf("ollama chat: %w", err)
		}
	}()

	return tokens, errs
}

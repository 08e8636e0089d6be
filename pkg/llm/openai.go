package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI chat completer
type OpenAIConfig struct {
	APIKey      string // Falls back to OPENAI_API_KEY
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAICompleter talks to the OpenAI chat completions API
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
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
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

func (c *OpenAICompleter) ModelInfo() string {
	return "openai-" + c.model
}

func (c *OpenAICompleter) request(messages []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    msgs,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return "", fmt.Errorf("LLM chat failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAICompleter) Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 10)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages))
		if err != nil {
			errs <- fmt.Errorf("create stream failed: %w", err)
			return
		}
		defer func() { _ = stream.Close() }()

		chunks := 0
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				slog.Debug("LLM stream completed", "model", c.model, "chunks", chunks)
				return
			}
			if err != nil {
				errs <- fmt.Errorf("stream recv failed: %w", err)
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			if delta := response.Choices[0].Delta.Content; delta != "" {
				chunks++
				if !send(ctx, tokens, delta) {
					errs <- ctx.Err()
					return
				}
			}
			if response.Choices[0].FinishReason != "" {
				return
			}
		}
	}()

	return tokens, errs
}

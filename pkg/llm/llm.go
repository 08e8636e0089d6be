// Package llm wraps chat-completion providers behind a small interface.
package llm

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("empty response from LLM")

// Message is one chat message
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Completer answers a prompt. Stream delivers tokens until the completion
// ends or ctx is cancelled; the token channel is then closed and at most one
// error is sent on the error channel, which is closed afterwards.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
	ModelInfo() string
}

// Prompt builds the two-message conversation used for grounded answers
func Prompt(systemPrompt, contextPrompt string) []Message {
	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: contextPrompt},
	}
}

// send delivers v unless ctx is done first
func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

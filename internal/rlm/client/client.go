// Package client defines the completion client used for root prompts and
// sub-model calls, plus usage tracking and provider adapters.
package client

import (
	"context"
	"errors"
	"strings"
)

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role/content pair of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Messages []Message

	// Model overrides the client's default model.
	Model string

	MaxTokens int

	// Metadata carries trace metadata; providers may forward it.
	Metadata map[string]string
}

// Response is a completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client completes prompts. Implementations must be safe for concurrent
// use: nested sessions and batched queries call one client in parallel.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Prompt builds a single-message user request.
func Prompt(text, model string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: text}}, Model: model}
}

// Result is the outcome of an asynchronous completion.
type Result struct {
	Response *Response
	Err      error
}

// Go completes req on a new goroutine. The channel receives exactly one
// result and is then closed.
func Go(ctx context.Context, c Client, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, req)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// EstimateTokens approximates a token count when a provider reports none.
func EstimateTokens(s string) int64 {
	return int64(len(s)+3) / 4
}

// Transcript renders messages as plain text for providers that take a
// single prompt string.
func Transcript(msgs []Message) string {
	if len(msgs) == 1 && msgs[0].Role == RoleUser {
		return msgs[0].Content
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[")
		sb.WriteString(string(m.Role))
		sb.WriteString("]\n")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

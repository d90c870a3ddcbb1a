// Package clienttest provides scripted completion clients for tests.
package clienttest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rand/rlmrepl/internal/rlm/client"
)

// Scripted answers requests from a reply function and records every
// request it sees. It is safe for concurrent use.
type Scripted struct {
	// Reply produces the text for a request. It sees the request's last
	// message and its index among all requests.
	Reply func(req client.Request, n int) (string, error)

	// Model is reported on every response (default "scripted").
	Model string

	mu       sync.Mutex
	requests []client.Request
}

// Sequence answers with replies in order and repeats the last one.
func Sequence(replies ...string) *Scripted {
	return &Scripted{Reply: func(_ client.Request, n int) (string, error) {
		if len(replies) == 0 {
			return "", fmt.Errorf("no scripted replies")
		}
		if n >= len(replies) {
			n = len(replies) - 1
		}
		return replies[n], nil
	}}
}

// Echo answers every request with its last message upper-cased.
func Echo() *Scripted {
	return &Scripted{Reply: func(req client.Request, _ int) (string, error) {
		return strings.ToUpper(Last(req)), nil
	}}
}

// Complete implements client.Client.
func (s *Scripted) Complete(_ context.Context, req client.Request) (*client.Response, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	text, err := s.Reply(req, n)
	if err != nil {
		return nil, err
	}
	model := s.Model
	if model == "" {
		model = "scripted"
	}
	if req.Model != "" {
		model = req.Model
	}
	return &client.Response{
		Text:         text,
		Model:        model,
		InputTokens:  client.EstimateTokens(client.Transcript(req.Messages)),
		OutputTokens: client.EstimateTokens(text),
	}, nil
}

// Requests returns a copy of every request seen.
func (s *Scripted) Requests() []client.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]client.Request(nil), s.requests...)
}

// Calls returns the number of requests seen.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Last returns the content of a request's last message.
func Last(req client.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

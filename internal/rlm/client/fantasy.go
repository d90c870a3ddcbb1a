package client

import (
	"context"
	"fmt"
	"os"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
)

// Provider names accepted by NewProvider.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// ProviderConfig selects and authenticates a model provider.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	if provider == ProviderOpenRouter {
		return "anthropic/claude-sonnet-4.5"
	}
	return "claude-sonnet-4-5"
}

// NewProvider builds a Fantasy provider. An empty API key falls back to
// ANTHROPIC_API_KEY or OPENROUTER_API_KEY.
func NewProvider(cfg ProviderConfig) (fantasy.Provider, error) {
	switch cfg.Name {
	case ProviderAnthropic, "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: API key not set")
		}
		opts := []anthropic.Option{anthropic.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case ProviderOpenRouter:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openrouter: API key not set")
		}
		return openrouter.New(openrouter.WithAPIKey(apiKey))
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Name)
}

// FantasyConfig configures a Fantasy-backed client.
type FantasyConfig struct {
	// Provider is the Fantasy provider to use.
	Provider fantasy.Provider

	// Model is used when a request names none.
	Model string

	// MaxTokens is used when a request sets none (default 4096).
	MaxTokens int
}

// Fantasy implements Client over a Fantasy provider.
type Fantasy struct {
	provider  fantasy.Provider
	model     string
	maxTokens int
}

// NewFantasy creates a Fantasy-backed client.
func NewFantasy(cfg FantasyConfig) (*Fantasy, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Fantasy{provider: cfg.Provider, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

// Complete implements Client.
func (f *Fantasy) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = f.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = f.maxTokens
	}

	lm, err := f.provider.LanguageModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("get language model %s: %w", model, err)
	}

	prompt := Transcript(req.Messages)
	maxTokens64 := int64(maxTokens)
	call := fantasy.Call{
		Prompt:          fantasy.Prompt{fantasy.NewUserMessage(prompt)},
		MaxOutputTokens: &maxTokens64,
	}

	resp, err := lm.Generate(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", model, err)
	}

	text := resp.Content.Text()
	if text == "" {
		return nil, ErrEmptyResponse
	}

	out := &Response{
		Text:         text,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if out.InputTokens == 0 && out.OutputTokens == 0 {
		out.InputTokens = EstimateTokens(prompt)
		out.OutputTokens = EstimateTokens(text)
	}
	return out, nil
}

// Model returns the default model name.
func (f *Fantasy) Model() string {
	return f.model
}

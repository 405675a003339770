// Package provider abstracts the model backends used for lightweight routine
// actions, including a primary/fallback chain for availability.
package provider

import (
	"context"
	"errors"
	"strings"

	logx "routined/pkg/logx"
)

// Provider is a single model backend capable of one-shot completions.
type Provider interface {
	Name() string
	// Complete sends prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config describes one backend.
type Config struct {
	Kind      string `json:"kind"` // "anthropic" or "openai"
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	MaxTokens int    `json:"max_tokens"`
}

// New builds a provider from config.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "anthropic", "claude":
		return newAnthropic(cfg)
	case "openai":
		return newOpenAI(cfg)
	case "":
		return nil, errors.New("provider kind is required")
	default:
		return nil, errors.New("unknown provider kind: " + cfg.Kind)
	}
}

// Fallback chains a primary and a secondary provider: when the primary
// fails, the same request is retried against the secondary, and the
// secondary's error (the more recent failure) is returned if both fail.
type Fallback struct {
	primary   Provider
	secondary Provider
	name      string
	log       logx.Logger
}

// NewFallback wires primary -> secondary. The composite name is
// "primary -> secondary".
func NewFallback(primary, secondary Provider, log logx.Logger) *Fallback {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		name:      primary.Name() + " -> " + secondary.Name(),
		log:       log,
	}
}

func (f *Fallback) Name() string { return f.name }

func (f *Fallback) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := f.primary.Complete(ctx, prompt)
	if err == nil {
		return out, nil
	}
	f.log.Warn("primary provider failed; falling back",
		logx.String("primary", f.primary.Name()),
		logx.String("fallback", f.secondary.Name()),
		logx.Err(err))
	return f.secondary.Complete(ctx, prompt)
}

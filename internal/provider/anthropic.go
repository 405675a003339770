package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

type anthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func newAnthropic(cfg Config) (Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		MaxTokens: int64(p.maxTokens),
		Model:     anthropic.Model(p.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}

package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"social-duel/server/internal/config"
	"social-duel/server/internal/prompts"
)

// NewBrainFromConfig builds the opponent for the configured provider. The
// closer releases the provider client.
func NewBrainFromConfig(ctx context.Context, cfg config.AIConfig) (*Brain, io.Closer, error) {
	templates := prompts.NewTemplateEngine()
	if cfg.PromptsDir != "" {
		if _, err := templates.LoadOverrides(cfg.PromptsDir); err != nil {
			return nil, nil, fmt.Errorf("failed to load prompt overrides: %w", err)
		}
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil, fmt.Errorf("openai provider needs an API key")
		}
		return NewBrain(NewOpenAIClient(cfg.OpenAI), templates), io.NopCloser(nil), nil

	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, nil, fmt.Errorf("gemini provider needs an API key")
		}
		client, err := NewGeminiClient(ctx, cfg.Gemini, cfg.OpenAI.Temperature)
		if err != nil {
			return nil, nil, err
		}
		return NewBrain(client, templates), client, nil

	default:
		return nil, nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

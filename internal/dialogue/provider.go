package dialogue

import (
	"context"
	"fmt"

	"github.com/duplex-voice-agent/internal/config"
)

// NewProvider builds the configured model backend.
func NewProvider(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			FallbackModel: cfg.FallbackModel,
		}), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", ErrPermanent, cfg.Provider)
	}
}

// OptionsFrom maps static configuration onto orchestrator options.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		SystemPrompt:      cfg.Turn.SystemPrompt,
		FirstTokenTimeout: cfg.Turn.LLMFirstTokenTimeout,
		Timeout:           cfg.Turn.LLMTimeout,
		MaxToolRounds:     cfg.LLM.MaxToolRounds,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
	}
}

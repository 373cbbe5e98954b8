package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mcpchat/internal/config"
)

// NewFromConfig builds the configured provider's client, wrapped with
// the configured retry policy.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var client Client
	switch cfg.Models.Provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic.api_key is required for provider anthropic")
		}
		client = NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	case "ollama":
		client = NewOllamaClient(cfg.Models.OllamaURL, logger)
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini.api_key is required for provider gemini")
		}
		gc, err := NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Models.Default, logger)
		if err != nil {
			return nil, err
		}
		client = gc
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Models.Provider)
	}

	logger.Info("model provider configured",
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Default,
		"max_retries", cfg.Models.MaxRetries,
	)
	return WithRetry(client, cfg.Models.MaxRetries, 2*time.Second, logger), nil
}

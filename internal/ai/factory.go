// factory.go - Extractor factory for creating provider instances

package ai

import (
	"fmt"
	"log/slog"

	"github.com/bosocmputer/doc_recon_gemini/configs"
	"github.com/bosocmputer/doc_recon_gemini/internal/ratelimit"
)

// NewExtractor builds the extraction provider selected by configuration.
func NewExtractor(cfg *configs.Config, limiter *ratelimit.RateLimiter, costs UsageRecorder, logger *slog.Logger) (Extractor, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiExtractor(GeminiOptions{
			APIKey:          cfg.GeminiAPIKey,
			ModelName:       cfg.ModelName,
			MaxOutputTokens: cfg.MaxOutputTokens,
			MaxAttempts:     cfg.MaxAttempts,
			Limiter:         limiter,
			Costs:           costs,
			Logger:          logger,
		})

	case "mistral":
		return NewMistralExtractor(MistralOptions{
			APIKey:      cfg.MistralAPIKey,
			ModelName:   cfg.MistralModelName,
			MaxAttempts: cfg.MaxAttempts,
			Limiter:     limiter,
			Costs:       costs,
			Logger:      logger,
		})

	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s (supported: gemini, mistral)", cfg.Provider)
	}
}

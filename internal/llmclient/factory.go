// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// ErrNoProvider is returned when no LLM provider is configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// NewClient builds the configured client. With a fast_model distinct from the
// model, two clients of the same provider sit behind an LLMRouter.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.Provider == config.ProviderNone {
		return nil, ErrNoProvider
	}
	powerful, err := newProviderClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.FastModel == "" || cfg.FastModel == cfg.Model {
		return powerful, nil
	}

	fastCfg := cfg
	fastCfg.Model = cfg.FastModel
	fast, err := newProviderClient(ctx, fastCfg, logger)
	if err != nil {
		_ = powerful.Close()
		return nil, fmt.Errorf("failed to create fast tier client: %w", err)
	}
	return NewLLMRouter(logger, fast, powerful)
}

func newProviderClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}

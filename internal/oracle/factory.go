package oracle

import (
	"fmt"

	"github.com/sievelab/refinery/internal/model"
)

// NewProvider creates an oracle adapter from configuration. Supported
// providers are "openai", "openrouter", "deepseek" (all OpenAI-compatible),
// "anthropic", and "ollama".
func NewProvider(cfg model.OracleConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "openrouter", "deepseek":
		return NewOpenAICompatible(cfg.Provider, cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %q (supported: openai, openrouter, deepseek, anthropic, ollama)", cfg.Provider)
	}
}

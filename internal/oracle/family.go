package oracle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sievelab/refinery/internal/model"
)

// ErrSharedFamily indicates extraction and audit are configured to use the
// same model family, which would let one model grade its own work.
var ErrSharedFamily = errors.New("extraction and audit oracles share a model family")

// inferFamily determines the model family for a configured provider.
// An explicit Family in config always wins; otherwise the family is derived
// from the adapter name, or for aggregator endpoints (openrouter, deepseek)
// from the model path prefix, e.g. "deepseek/deepseek-chat" -> "deepseek".
func inferFamily(name string, cfg model.OracleConfig) string {
	if cfg.Family != "" {
		return strings.ToLower(cfg.Family)
	}
	switch name {
	case "anthropic":
		return "anthropic"
	case "ollama":
		return "ollama"
	}
	if prefix, _, ok := strings.Cut(cfg.Model, "/"); ok && prefix != "" {
		return strings.ToLower(prefix)
	}
	model := strings.ToLower(cfg.Model)
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	case strings.HasPrefix(model, "deepseek"):
		return "deepseek"
	}
	return name
}

// ValidatePairing enforces the cross-family requirement between the
// extraction and audit oracles. It must be called before any dispatch.
func ValidatePairing(extraction, audit Provider) error {
	ef := extraction.Family()
	af := audit.Family()
	if ef == "" || af == "" {
		return fmt.Errorf("cannot determine model family (extraction=%q audit=%q); set family explicitly in config", ef, af)
	}
	if ef == af {
		return fmt.Errorf("%w: %q", ErrSharedFamily, ef)
	}
	return nil
}

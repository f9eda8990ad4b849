package llm

import (
	"fmt"
	"time"
)

// FactoryConfig holds the parameters needed to create a Provider. This is
// defined in the llm package to avoid importing the config package, keeping
// the llm package free of infrastructure dependencies.
type FactoryConfig struct {
	// Provider is the LLM provider name ("openai", "anthropic", or "gemini").
	Provider string
	// Temperature is the LLM temperature setting.
	Temperature float64
	// Timeout is the timeout for LLM API calls.
	Timeout time.Duration
	// OpenAI contains OpenAI-specific settings.
	OpenAI OpenAIConfig
	// Anthropic contains Anthropic-specific settings.
	Anthropic AnthropicConfig
	// Gemini contains Gemini-specific settings.
	Gemini GeminiConfig
}

// NewProvider creates a Provider based on the configuration. Supports
// "openai", "anthropic", and "gemini". Returns an error for unsupported or
// empty provider values.
func NewProvider(cfg FactoryConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI, cfg.Temperature, cfg.Timeout), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.Anthropic, cfg.Temperature, cfg.Timeout), nil
	case "gemini":
		return NewGeminiProvider(cfg.Gemini, cfg.Temperature, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

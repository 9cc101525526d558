package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// NewProvider creates a new LLM provider based on configuration
func NewProvider(config Config) (Provider, error) {
	provider := strings.ToLower(config.Provider)

	switch provider {
	case "openai":
		return NewOpenAIProvider(config)

	case "anthropic", "claude":
		return NewAnthropicProvider(config)

	case "gemini", "google":
		return NewGeminiProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	case "", "none", "offline":
		// No provider configured - agents run on their fallbacks
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (supported: openai, anthropic, gemini, ollama)", config.Provider)
	}
}

// ConfigFromModel converts model.LLMConfig to llm.Config, filling the API key
// from the provider's conventional environment variable when unset
func ConfigFromModel(c model.LLMConfig) Config {
	cfg := Config{
		Provider:    c.Provider,
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Timeout:     c.Timeout,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		HTTPProxy:   c.HTTPProxy,
		HTTPSProxy:  c.HTTPSProxy,
		NoProxy:     c.NoProxy,
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnv(cfg.Provider))
	}
	if cfg.BaseURL == "" && strings.EqualFold(cfg.Provider, "ollama") {
		cfg.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	return cfg
}

func apiKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic", "claude":
		return "ANTHROPIC_API_KEY"
	case "gemini", "google":
		return "GEMINI_API_KEY"
	}
	return ""
}

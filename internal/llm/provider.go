package llm

import (
	"context"
	"time"
)

// Provider defines the interface for LLM backends used by agents
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete runs one prompt and returns the raw model text
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// CompletionRequest contains the input for one agent call
type CompletionRequest struct {
	// System is the agent's role prompt
	System string

	// Prompt is the observation or state the agent reasons over
	Prompt string

	// JSON asks the backend for a JSON object response where supported
	JSON bool

	// Model overrides the configured model
	Model string

	// MaxTokens limits the response length
	MaxTokens int

	// Temperature overrides the configured temperature when non-zero
	Temperature float64
}

// CompletionResponse contains the model's output
type CompletionResponse struct {
	// Text is the generated text, usually a JSON document
	Text string

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "gemini", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic/Gemini
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama, OpenAI-compatible gateways)
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// MaxTokens for response generation
	MaxTokens int

	// Temperature for response generation
	Temperature float64

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:    "", // Disabled by default: agents run on deterministic fallbacks
		Timeout:     30 * time.Second,
		MaxTokens:   1024,
		Temperature: 0.2,
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c Config) maxTokens(req CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1024
}

func (c Config) temperature(req CompletionRequest) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return c.Temperature
}

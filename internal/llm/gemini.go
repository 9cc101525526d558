package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/ppiankov/crisisgraph/internal/util"
)

// GeminiProvider implements the Provider interface for Google Gemini models
type GeminiProvider struct {
	client *genai.Client
	config Config
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(config Config) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(config.HTTPProxy, config.HTTPSProxy, config.NoProxy),
			},
		},
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		config: config,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// IsAvailable checks if the provider is properly configured
func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.client.Models.Get(ctx, p.model(""), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gemini API check failed: %v\n", err)
		return false
	}
	return true
}

func (p *GeminiProvider) model(override string) string {
	if override != "" {
		return override
	}
	if p.config.Model != "" {
		return p.config.Model
	}
	return "gemini-2.0-flash"
}

// Complete runs one GenerateContent call
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := p.model(req.Model)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.config.temperature(req))),
		MaxOutputTokens: int32(p.config.maxTokens(req)),
	}
	if req.System != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		genConfig.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctxWithTimeout, model, contents, genConfig)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("no content in Gemini response")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Text:       text,
		Model:      model,
		TokensUsed: tokens,
	}, nil
}

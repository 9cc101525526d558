package llm

import (
	"testing"

	"github.com/ppiankov/crisisgraph/internal/model"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantName string
		wantNil  bool
		wantErr  bool
	}{
		{name: "disabled", config: Config{}, wantNil: true},
		{name: "offline alias", config: Config{Provider: "offline"}, wantNil: true},
		{name: "openai", config: Config{Provider: "OpenAI", APIKey: "k"}, wantName: "openai"},
		{name: "claude alias", config: Config{Provider: "claude", APIKey: "k"}, wantName: "anthropic"},
		{name: "ollama", config: Config{Provider: "ollama", Model: "llama3.1"}, wantName: "ollama"},
		{name: "openai without key", config: Config{Provider: "openai"}, wantErr: true},
		{name: "unknown", config: Config{Provider: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantNil {
				if p != nil {
					t.Errorf("Expected nil provider, got %s", p.Name())
				}
				return
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %s, want %s", p.Name(), tt.wantName)
			}
		})
	}
}

func TestConfigFromModel_ReadsKeyFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	cfg := ConfigFromModel(model.LLMConfig{Provider: "gemini", Model: "gemini-2.0-flash"})
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.APIKey)
	}

	cfg = ConfigFromModel(model.LLMConfig{Provider: "gemini", APIKey: "explicit"})
	if cfg.APIKey != "explicit" {
		t.Errorf("explicit key overridden: %q", cfg.APIKey)
	}
}

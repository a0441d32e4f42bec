package config

import (
	"fmt"
	"strings"
	"time"
)

// Supported LLM providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

type LLMConfig struct {
	// Provider selects the completion backend: anthropic, openai or google.
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// MaxTokens limits each completion. Default: 4096.
	MaxTokens int `yaml:"max_tokens"`

	// MaxRetries is the provider's connection-level retry count. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RequestTimeout bounds a single provider request. Zero leaves it to the SDK.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func applyLLMDefaults(cfg *LLMConfig) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderAnthropic
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

func (l LLMConfig) validate() []string {
	var issues []string
	switch l.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle:
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q is not one of anthropic, openai, google", l.Provider))
	}
	if l.MaxTokens < 0 {
		issues = append(issues, "llm.max_tokens must not be negative")
	}
	if l.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must not be negative")
	}
	if l.RequestTimeout < 0 {
		issues = append(issues, "llm.request_timeout must not be negative")
	}
	return issues
}

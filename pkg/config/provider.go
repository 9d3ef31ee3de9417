package config

import (
	"fmt"
	"os"
	"strings"
)

// Provider type names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// OllamaLocalKey is the sentinel API key that selects a local Ollama server.
const OllamaLocalKey = "ollama-local"

// ProviderConfig configures a single LLM provider transport.
type ProviderConfig struct {
	Type        string   `yaml:"type"`         // "openai", "anthropic", "ollama"
	Model       string   `yaml:"model"`        // model name
	APIKey      string   `yaml:"api_key"`      // API key (unused for ollama)
	BaseURL     string   `yaml:"base_url"`     // endpoint base URL
	Temperature *float64 `yaml:"temperature"`  // sampling temperature
	MaxTokens   int      `yaml:"max_tokens"`   // response token cap, 0 = provider default
	Timeout     int      `yaml:"timeout"`      // request timeout in seconds
	MaxRetries  int      `yaml:"max_retries"`  // HTTP retries, 0 = single attempt
	RetryDelay  int      `yaml:"retry_delay"`  // base retry delay in seconds

	// TLS options for self-hosted endpoints behind private CAs.
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify,omitempty"`
	CACertificate      string `yaml:"ca_certificate,omitempty"`
}

// SetDefaults fills in zero fields. Provider type defaults come from the
// environment: an API key in ANTHROPIC_API_KEY or OPENAI_API_KEY selects
// that provider, otherwise openai is assumed.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = detectProviderFromEnv()
	}
	c.Type = strings.ToLower(c.Type)

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Type)
	}

	if c.Model == "" {
		switch c.Type {
		case ProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ProviderOllama:
			c.Model = "llama3.2"
		default:
			c.Model = envOr("OPENAI_MODEL", "gpt-4o")
		}
	}

	if c.BaseURL == "" {
		switch c.Type {
		case ProviderOpenAI:
			c.BaseURL = envOr("OPENAI_BASE_URL", "https://api.openai.com/v1")
		case ProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com"
		case ProviderOllama:
			c.BaseURL = "http://localhost:11434"
		}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}

	if c.Timeout == 0 {
		if c.Type == ProviderAnthropic {
			c.Timeout = 120
		} else {
			c.Timeout = 60
		}
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate checks the provider configuration.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported provider type: %s (supported: openai, anthropic, ollama)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Type == ProviderAnthropic && c.APIKey == "" {
		return fmt.Errorf("api_key is required for Anthropic")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}

// DetectProviderFromAPIKey maps an API key to a provider type by prefix:
// "sk-ant-" selects Anthropic, any other "sk-" key longer than 20 characters
// selects OpenAI, and the literal "ollama-local" selects a local Ollama
// server. Everything else falls back to openai.
func DetectProviderFromAPIKey(apiKey string) string {
	switch {
	case strings.HasPrefix(apiKey, "sk-ant-"):
		return ProviderAnthropic
	case strings.HasPrefix(apiKey, "sk-") && len(apiKey) > 20:
		return ProviderOpenAI
	case apiKey == OllamaLocalKey:
		return ProviderOllama
	default:
		return ProviderOpenAI
	}
}

func detectProviderFromEnv() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	return ProviderOpenAI
}

func apiKeyFromEnv(providerType string) string {
	switch providerType {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

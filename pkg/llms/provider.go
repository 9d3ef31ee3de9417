// Package llms implements the chat and embedding transports for OpenAI-compatible,
// Anthropic, and Ollama endpoints behind one Provider interface.
package llms

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/httpclient"
	"github.com/memoriai/memori/pkg/registry"
)

// Provider is the uniform surface over every supported LLM API.
type Provider interface {
	CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// CreateEmbedding returns ErrUnsupported for providers without an
	// embeddings API.
	CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// IsHealthy performs a lightweight reachability check and updates the
	// provider's diagnostics.
	IsHealthy(ctx context.Context) bool

	Diagnostics() Diagnostics

	Model() string

	ProviderType() ProviderType

	Close() error
}

// NewProvider builds a provider transport from config.
func NewProvider(cfg *config.ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config is required")
	}

	switch cfg.Type {
	case config.ProviderOpenAI:
		return NewOpenAIProviderFromConfig(cfg)
	case config.ProviderAnthropic:
		return NewAnthropicProviderFromConfig(cfg)
	case config.ProviderOllama:
		return NewOllamaProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s (supported: openai, anthropic, ollama)", cfg.Type)
	}
}

// Registry is a named collection of constructed providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

func (r *Registry) RegisterProvider(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.Register(name, provider)
}

// CreateFromConfig constructs a provider, registers it under name and
// returns it.
func (r *Registry) CreateFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	if err := r.RegisterProvider(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register provider: %w", err)
	}

	return provider, nil
}

func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return provider, nil
}

// Close closes every registered provider and clears the registry.
func (r *Registry) Close() error {
	var firstErr error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.Clear()
	return firstErr
}

// newTransportClient builds the shared retrying HTTP client from provider
// config. MaxRetries defaults to 0: retries are the caller's choice, not the
// transport's.
func newTransportClient(cfg *config.ProviderConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay) * time.Second),
	}

	if parser != nil {
		opts = append(opts, httpclient.WithHeaderParser(parser))
	}

	if (cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify) || cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return httpclient.New(opts...)
}

// Package memoriai is the single user-facing surface: one minimal config
// becomes a provider transport, performance envelope, storage engine and
// memory controller, wired together and enabled. Chat replies are recorded
// into memory according to the processing mode.
package memoriai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/logger"
	"github.com/memoriai/memori/pkg/memori"
	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/observability"
	"github.com/memoriai/memori/pkg/perf"
	"github.com/memoriai/memori/pkg/storage"
	"github.com/memoriai/memori/pkg/vector"
)

// ErrWrongMode is returned by RecordConversation in automatic mode, where
// recording happens through Chat instead.
var ErrWrongMode = errors.New("manual recording is not available in automatic mode")

// Config is the minimal user-facing configuration. Everything beyond
// DatabaseURL and APIKey has a working default.
type Config struct {
	// DatabaseURL selects the memory store, e.g. "file:memori.db?cache=shared".
	DatabaseURL string

	// APIKey authenticates the LLM provider. Its prefix also drives provider
	// detection when Provider is empty: "sk-ant-*" means Anthropic, other
	// "sk-" keys mean OpenAI, the literal "ollama-local" means a local
	// Ollama server.
	APIKey string

	// Provider overrides key-prefix detection: "openai", "anthropic",
	// "ollama".
	Provider string

	Model   string
	BaseURL string

	// Namespace isolates this instance's memory. Defaults to
	// "memoriai_{epochMillis}".
	Namespace string

	// Mode is "automatic", "conscious" or "manual" (default). Automatic
	// extracts memory from every Chat call; conscious records turns and
	// promotes essentials in the background; manual only records what
	// RecordConversation is given.
	Mode string

	// CacheSizeMB and MaxConnections tune the performance envelope in the
	// modes that enable it.
	CacheSizeMB    int
	MaxConnections int

	// BackgroundUpdateInterval overrides the conscious loop period.
	BackgroundUpdateInterval time.Duration

	// EnableEmbeddings turns on the embedding side-channel and
	// SimilarMemories.
	EnableEmbeddings bool

	// MinImportance drops extracted records below this importance: "low",
	// "medium", "high", "critical" or "all" (default).
	MinImportance string

	// ConversationContext is included in every extraction prompt.
	ConversationContext *memory.ConversationContext

	// Logger overrides the package default.
	Logger *slog.Logger
}

// Memoriai bundles chat and memory behind one handle. Safe for concurrent
// use.
type Memoriai struct {
	settings   *config.Settings
	envelope   *perf.Envelope
	controller *memori.Controller
	obs        *observability.Manager
	convCtx    *memory.ConversationContext
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New wires the full stack from cfg and enables it. The returned handle is
// ready for Chat; callers own Close.
func New(ctx context.Context, cfg Config) (*Memoriai, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	settings := buildSettings(cfg)
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// No-op unless tracing or metrics are switched on in settings.
	obs := observability.NewManager(settings.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	envelope, err := perf.NewEnvelope(&settings.Provider, perf.Options{
		Cache:  &settings.Cache,
		Pool:   &settings.Pool,
		Health: &settings.Health,
	})
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build provider: %w", err)
	}

	controller, err := memori.New(settings, envelope, log)
	if err != nil {
		_ = envelope.Close()
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	if err := controller.Enable(ctx); err != nil {
		_ = controller.Close()
		_ = envelope.Close()
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	log.Info("memoriai ready",
		"provider", envelope.ProviderType(),
		"model", envelope.Model(),
		"mode", settings.Mode,
		"namespace", settings.Namespace)

	return &Memoriai{
		settings:   settings,
		envelope:   envelope,
		controller: controller,
		obs:        obs,
		convCtx:    cfg.ConversationContext,
		logger:     log.With("component", "memoriai"),
	}, nil
}

// buildSettings maps the minimal config onto full settings, applying the
// mode's cache/pool policy and provider detection.
func buildSettings(cfg Config) *config.Settings {
	mode := config.NormalizeMode(cfg.Mode)

	providerType := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerType == "" && cfg.APIKey != "" {
		providerType = config.DetectProviderFromAPIKey(cfg.APIKey)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = fmt.Sprintf("memoriai_%d", time.Now().UnixMilli())
	}

	settings := &config.Settings{
		Namespace:             namespace,
		Mode:                  mode,
		MinImportance:         strings.ToLower(cfg.MinImportance),
		EnableChatMemory:      mode != config.ModeManual,
		EnableEmbeddingMemory: cfg.EnableEmbeddings,
		Provider: config.ProviderConfig{
			Type:    providerType,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		},
		Storage: config.StorageConfig{DatabaseURL: cfg.DatabaseURL},
	}

	// Manual mode runs bare: no response cache, no transport pool. Health
	// monitoring stays on in every mode.
	perfEnabled := mode != config.ModeManual
	settings.Cache.Enabled = perfEnabled
	settings.Pool.Enabled = perfEnabled
	settings.Health.Enabled = true

	if cfg.CacheSizeMB > 0 {
		settings.Cache.MaxSizeMB = cfg.CacheSizeMB
	}
	if cfg.MaxConnections > 0 {
		settings.Pool.MaxConnections = cfg.MaxConnections
	}
	if cfg.BackgroundUpdateInterval > 0 {
		settings.Conscious.UpdateInterval = cfg.BackgroundUpdateInterval
	}

	settings.SetDefaults()
	return settings
}

// Chat sends the request through the performance envelope. In automatic mode
// the last user message and the reply are recorded into memory; recording
// failures are logged, never returned. Internally marked contexts skip
// recording so the extraction pipeline cannot recurse.
func (m *Memoriai) Chat(ctx context.Context, req *llms.ChatRequest) (*llms.ChatResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("chat request is required")
	}

	resp, err := m.envelope.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	if m.settings.EnableChatMemory && m.controller.IsAutoModeEnabled() && !llms.IsInternalCall(ctx) {
		if user := lastUserMessage(req.Messages); user != "" {
			_, recErr := m.controller.RecordConversation(ctx, user, resp.Content, &memori.RecordOptions{
				Model:   resp.Model,
				Context: m.convCtx,
			})
			if recErr != nil {
				m.logger.Warn("failed to record chat turn", "error", recErr)
			}
		}
	}

	return resp, nil
}

// lastUserMessage walks the transcript backwards for the newest user turn.
func lastUserMessage(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llms.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// CreateEmbeddings embeds the inputs through the envelope, one vector per
// input.
func (m *Memoriai) CreateEmbeddings(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	resp, err := m.envelope.CreateEmbedding(ctx, &llms.EmbeddingRequest{Input: input})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// RecordConversation stores a turn by hand. Automatic mode refuses with
// ErrWrongMode: there Chat already records.
func (m *Memoriai) RecordConversation(ctx context.Context, userInput, aiOutput string) (string, error) {
	if m.controller.IsAutoModeEnabled() {
		return "", ErrWrongMode
	}
	return m.controller.RecordConversation(ctx, userInput, aiOutput, &memori.RecordOptions{
		Context: m.convCtx,
	})
}

// SearchMemories runs a ranked lexical search over this instance's
// namespace.
func (m *Memoriai) SearchMemories(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	return m.controller.SearchMemories(ctx, query, opts)
}

// SimilarMemories embeds the query and returns the nearest recorded
// memories. Requires EnableEmbeddings.
func (m *Memoriai) SimilarMemories(ctx context.Context, query string, topK int) ([]vector.Hit, error) {
	return m.controller.SimilarMemories(ctx, query, topK)
}

// GetMemoryStatistics aggregates row counts for this instance's namespace.
func (m *Memoriai) GetMemoryStatistics(ctx context.Context) (*storage.DatabaseStats, error) {
	return m.controller.GetStatistics(ctx)
}

// Close shuts down the controller, then the envelope and its transport, and
// finally flushes any tracing exporter. Idempotent.
func (m *Memoriai) Close() error {
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.closeErr = errors.Join(m.controller.Close(), m.envelope.Close(), m.obs.Shutdown(ctx))
	})
	return m.closeErr
}

// MetricsHandler serves the prometheus scrape endpoint for applications that
// mount one. Empty output unless metrics are enabled in settings.
func (m *Memoriai) MetricsHandler() http.Handler {
	return m.obs.MetricsHandler()
}

// SessionID is the id stamped on turns recorded without an explicit session.
func (m *Memoriai) SessionID() string {
	return m.controller.SessionID()
}

// Namespace returns the memory namespace this instance reads and writes.
func (m *Memoriai) Namespace() string {
	return m.controller.Namespace()
}

// Mode returns the canonical processing mode.
func (m *Memoriai) Mode() string {
	return m.settings.Mode
}

// ProviderType reports which transport the envelope wraps.
func (m *Memoriai) ProviderType() llms.ProviderType {
	return m.envelope.ProviderType()
}

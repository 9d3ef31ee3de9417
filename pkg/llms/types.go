package llms

import (
	"sync"
	"time"
)

type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeOllama    ProviderType = "ollama"
)

// Roles carried by chat messages. Providers that lack a native "function"
// role downgrade it to assistant when building the wire request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral chat completion request.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"` // empty means the provider's configured model
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

type ChatResponse struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type EmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type EmbeddingResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// Diagnostics is a point-in-time snapshot of a provider's transport state.
type Diagnostics struct {
	ProviderType ProviderType `json:"provider_type"`
	Model        string       `json:"model"`
	BaseURL      string       `json:"base_url"`
	Healthy      bool         `json:"healthy"`
	LastChecked  time.Time    `json:"last_checked"`
	RequestCount int64        `json:"request_count"`
	ErrorCount   int64        `json:"error_count"`
}

// normalizeRole maps unknown roles to user so malformed callers degrade
// instead of failing at the wire.
func normalizeRole(role Role) Role {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return role
	default:
		return RoleUser
	}
}

// diagState tracks the mutable half of Diagnostics. Providers start out
// presumed healthy until a check says otherwise.
type diagState struct {
	mu           sync.Mutex
	healthy      bool
	lastChecked  time.Time
	requestCount int64
	errorCount   int64
}

func newDiagState() *diagState {
	return &diagState{healthy: true}
}

func (d *diagState) recordRequest(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestCount++
	if err != nil {
		d.errorCount++
	}
}

func (d *diagState) recordHealth(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
	d.lastChecked = time.Now()
}

func (d *diagState) snapshot(pt ProviderType, model, baseURL string) Diagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Diagnostics{
		ProviderType: pt,
		Model:        model,
		BaseURL:      baseURL,
		Healthy:      d.healthy,
		LastChecked:  d.lastChecked,
		RequestCount: d.requestCount,
		ErrorCount:   d.errorCount,
	}
}

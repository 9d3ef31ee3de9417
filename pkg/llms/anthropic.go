package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/httpclient"
	"github.com/memoriai/memori/pkg/observability"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API. The API has no
// embeddings endpoint, so CreateEmbedding reports ErrUnsupported.
type AnthropicProvider struct {
	cfg        *config.ProviderConfig
	httpClient *httpclient.Client
	diag       *diagState
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProviderFromConfig(cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic provider")
	}

	return &AnthropicProvider{
		cfg:        cfg,
		httpClient: newTransportClient(cfg, httpclient.ParseAnthropicRateLimitHeaders),
		diag:       newDiagState(),
	}, nil
}

func (p *AnthropicProvider) CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()
	model := p.model(req.Model)

	tracer := observability.GetTracer("memori.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String(observability.AttrProviderType, string(ProviderTypeAnthropic)),
		),
	)
	defer span.End()

	system, messages := splitSystemMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		// The Messages API rejects requests without max_tokens.
		maxTokens = 4096
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = p.cfg.Temperature
	}

	wireReq := anthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
	}

	var wireResp anthropicResponse
	err := p.post(ctx, "/v1/messages", wireReq, &wireResp)
	duration := time.Since(startTime)

	if err == nil && wireResp.Error != nil {
		err = &TransportError{
			Provider: ProviderTypeAnthropic,
			Body:     wireResp.Error.Message,
			Err:      fmt.Errorf("API error (type: %s)", wireResp.Error.Type),
		}
	}

	p.diag.recordRequest(err)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics != nil {
			metrics.RecordLLMCall(ctx, model, duration, 0, 0, err)
		}
		return nil, err
	}

	var content strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, wireResp.Usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, wireResp.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordLLMCall(ctx, model, duration, wireResp.Usage.InputTokens, wireResp.Usage.OutputTokens, nil)
	}

	return &ChatResponse{
		ID:           wireResp.ID,
		Model:        firstNonEmpty(wireResp.Model, model),
		Content:      content.String(),
		FinishReason: mapAnthropicStopReason(wireResp.StopReason),
		Usage: Usage{
			PromptTokens:     wireResp.Usage.InputTokens,
			CompletionTokens: wireResp.Usage.OutputTokens,
			TotalTokens:      wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	return nil, fmt.Errorf("anthropic: embeddings: %w", ErrUnsupported)
}

// IsHealthy probes GET /v1/models with the configured key.
func (p *AnthropicProvider) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		p.diag.recordHealth(false)
		return false
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	healthy := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	p.diag.recordHealth(healthy)
	return healthy
}

func (p *AnthropicProvider) Diagnostics() Diagnostics {
	return p.diag.snapshot(ProviderTypeAnthropic, p.cfg.Model, p.cfg.BaseURL)
}

func (p *AnthropicProvider) Model() string {
	return p.cfg.Model
}

func (p *AnthropicProvider) ProviderType() ProviderType {
	return ProviderTypeAnthropic
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.cfg.Model
}

func (p *AnthropicProvider) post(ctx context.Context, path string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Provider: ProviderTypeAnthropic, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return &TransportError{Provider: ProviderTypeAnthropic, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return &TransportError{Provider: ProviderTypeAnthropic, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{
			Provider:   ProviderTypeAnthropic,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        err,
		}
	}
	if readErr != nil {
		return &TransportError{Provider: ProviderTypeAnthropic, Err: fmt.Errorf("failed to read response: %w", readErr)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{
			Provider:   ProviderTypeAnthropic,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	return nil
}

// splitSystemMessages pulls system messages out into the Messages API's
// top-level system field. Function messages are downgraded to assistant;
// the API only accepts user and assistant roles.
func splitSystemMessages(msgs []Message) (string, []anthropicMessage) {
	var system strings.Builder
	messages := make([]anthropicMessage, 0, len(msgs))

	for _, m := range msgs {
		role := normalizeRole(m.Role)
		switch role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case RoleFunction:
			messages = append(messages, anthropicMessage{Role: string(RoleAssistant), Content: m.Content})
		default:
			messages = append(messages, anthropicMessage{Role: string(role), Content: m.Content})
		}
	}

	return system.String(), messages
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return ""
	}
}

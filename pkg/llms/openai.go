package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/httpclient"
	"github.com/memoriai/memori/pkg/observability"
)

// OpenAIProvider speaks the OpenAI chat-completions and embeddings wire
// format. Any OpenAI-compatible server works by overriding base_url.
type OpenAIProvider struct {
	cfg        *config.ProviderConfig
	httpClient *httpclient.Client
	diag       *diagState
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string       `json:"model"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

func NewOpenAIProviderFromConfig(cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.SetDefaults()

	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: newTransportClient(cfg, httpclient.ParseOpenAIRateLimitHeaders),
		diag:       newDiagState(),
	}, nil
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()
	model := p.model(req.Model)

	tracer := observability.GetTracer("memori.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String(observability.AttrProviderType, string(ProviderTypeOpenAI)),
		),
	)
	defer span.End()

	wireReq := openAIChatRequest{
		Model:       model,
		Messages:    make([]openAIMessage, 0, len(req.Messages)),
		Temperature: p.temperature(req.Temperature),
		MaxTokens:   p.maxTokens(req.MaxTokens),
	}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, openAIMessage{
			Role:    string(normalizeRole(m.Role)),
			Content: m.Content,
		})
	}

	var wireResp openAIChatResponse
	err := p.post(ctx, "/chat/completions", wireReq, &wireResp)
	duration := time.Since(startTime)

	if err == nil && wireResp.Error != nil {
		err = &TransportError{
			Provider: ProviderTypeOpenAI,
			Body:     wireResp.Error.Message,
			Err:      fmt.Errorf("API error (type: %s, code: %s)", wireResp.Error.Type, wireResp.Error.Code),
		}
	}
	if err == nil && len(wireResp.Choices) == 0 {
		err = &TransportError{
			Provider: ProviderTypeOpenAI,
			Err:      fmt.Errorf("no response choices returned"),
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

	choice := wireResp.Choices[0]

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, wireResp.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, wireResp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordLLMCall(ctx, model, duration, wireResp.Usage.PromptTokens, wireResp.Usage.CompletionTokens, nil)
	}

	return &ChatResponse{
		ID:           wireResp.ID,
		Model:        firstNonEmpty(wireResp.Model, model),
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wireResp.Usage.PromptTokens,
			CompletionTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:      wireResp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	startTime := time.Now()
	model := p.model(req.Model)

	tracer := observability.GetTracer("memori.llm")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedding,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String(observability.AttrProviderType, string(ProviderTypeOpenAI)),
		),
	)
	defer span.End()

	wireReq := openAIEmbeddingRequest{
		Model: model,
		Input: req.Input,
	}

	var wireResp openAIEmbeddingResponse
	err := p.post(ctx, "/embeddings", wireReq, &wireResp)
	duration := time.Since(startTime)

	if err == nil && wireResp.Error != nil {
		err = &TransportError{
			Provider: ProviderTypeOpenAI,
			Body:     wireResp.Error.Message,
			Err:      fmt.Errorf("API error (type: %s, code: %s)", wireResp.Error.Type, wireResp.Error.Code),
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

	// The API may return entries out of order; index is authoritative.
	sort.Slice(wireResp.Data, func(i, j int) bool {
		return wireResp.Data[i].Index < wireResp.Data[j].Index
	})
	embeddings := make([][]float32, 0, len(wireResp.Data))
	for _, d := range wireResp.Data {
		embeddings = append(embeddings, d.Embedding)
	}

	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordLLMCall(ctx, model, duration, wireResp.Usage.PromptTokens, 0, nil)
	}

	return &EmbeddingResponse{
		Model:      firstNonEmpty(wireResp.Model, model),
		Embeddings: embeddings,
		Usage: Usage{
			PromptTokens: wireResp.Usage.PromptTokens,
			TotalTokens:  wireResp.Usage.TotalTokens,
		},
	}, nil
}

// IsHealthy probes GET /models, the cheapest authenticated endpoint on
// OpenAI-compatible servers.
func (p *OpenAIProvider) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		p.diag.recordHealth(false)
		return false
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	healthy := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	p.diag.recordHealth(healthy)
	return healthy
}

func (p *OpenAIProvider) Diagnostics() Diagnostics {
	return p.diag.snapshot(ProviderTypeOpenAI, p.cfg.Model, p.cfg.BaseURL)
}

func (p *OpenAIProvider) Model() string {
	return p.cfg.Model
}

func (p *OpenAIProvider) ProviderType() ProviderType {
	return ProviderTypeOpenAI
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.cfg.Model
}

func (p *OpenAIProvider) temperature(override *float64) *float64 {
	if override != nil {
		return override
	}
	return p.cfg.Temperature
}

func (p *OpenAIProvider) maxTokens(override int) int {
	if override > 0 {
		return override
	}
	return p.cfg.MaxTokens
}

// post marshals body, POSTs it to path under the configured base URL, and
// decodes the 2xx response into out. Every failure mode comes back as a
// *TransportError.
func (p *OpenAIProvider) post(ctx context.Context, path string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Provider: ProviderTypeOpenAI, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return &TransportError{Provider: ProviderTypeOpenAI, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return &TransportError{Provider: ProviderTypeOpenAI, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{
			Provider:   ProviderTypeOpenAI,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        err,
		}
	}
	if readErr != nil {
		return &TransportError{Provider: ProviderTypeOpenAI, Err: fmt.Errorf("failed to read response: %w", readErr)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{
			Provider:   ProviderTypeOpenAI,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

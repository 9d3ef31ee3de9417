package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/observability"
)

// OllamaProvider speaks the native Ollama chat and embed API of a local
// server. No credential is required.
type OllamaProvider struct {
	cfg        *config.ProviderConfig
	httpClient *http.Client
	diag       *diagState
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	Error           string      `json:"error,omitempty"`
}

func NewOllamaProviderFromConfig(cfg *config.ProviderConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.SetDefaults()

	// Single attempts against a local server; the retrying client buys
	// nothing here.
	return &OllamaProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		diag:       newDiagState(),
	}, nil
}

func (p *OllamaProvider) CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()
	model := p.model(req.Model)

	tracer := observability.GetTracer("memori.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String(observability.AttrProviderType, string(ProviderTypeOllama)),
		),
	)
	defer span.End()

	wireReq := ollamaChatRequest{
		Model:    model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
		Stream:   false,
	}
	for _, m := range req.Messages {
		role := normalizeRole(m.Role)
		if role == RoleFunction {
			role = RoleAssistant
		}
		wireReq.Messages = append(wireReq.Messages, ollamaMessage{
			Role:    string(role),
			Content: m.Content,
		})
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = p.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if temperature != nil || maxTokens > 0 {
		wireReq.Options = &ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		}
	}

	var wireResp ollamaChatResponse
	err := p.post(ctx, "/api/chat", wireReq, &wireResp)
	duration := time.Since(startTime)

	if err == nil && wireResp.Error != "" {
		err = &TransportError{
			Provider: ProviderTypeOllama,
			Body:     wireResp.Error,
			Err:      fmt.Errorf("API error"),
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

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, wireResp.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, wireResp.EvalCount),
	)
	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordLLMCall(ctx, model, duration, wireResp.PromptEvalCount, wireResp.EvalCount, nil)
	}

	return &ChatResponse{
		Model:        firstNonEmpty(wireResp.Model, model),
		Content:      wireResp.Message.Content,
		FinishReason: mapOllamaDoneReason(wireResp.DoneReason, wireResp.Done),
		Usage: Usage{
			PromptTokens:     wireResp.PromptEvalCount,
			CompletionTokens: wireResp.EvalCount,
			TotalTokens:      wireResp.PromptEvalCount + wireResp.EvalCount,
		},
	}, nil
}

func (p *OllamaProvider) CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	startTime := time.Now()
	model := p.model(req.Model)

	tracer := observability.GetTracer("memori.llm")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedding,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String(observability.AttrProviderType, string(ProviderTypeOllama)),
		),
	)
	defer span.End()

	wireReq := ollamaEmbedRequest{
		Model: model,
		Input: req.Input,
	}

	var wireResp ollamaEmbedResponse
	err := p.post(ctx, "/api/embed", wireReq, &wireResp)
	duration := time.Since(startTime)

	if err == nil && wireResp.Error != "" {
		err = &TransportError{
			Provider: ProviderTypeOllama,
			Body:     wireResp.Error,
			Err:      fmt.Errorf("API error"),
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

	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordLLMCall(ctx, model, duration, wireResp.PromptEvalCount, 0, nil)
	}

	return &EmbeddingResponse{
		Model:      firstNonEmpty(wireResp.Model, model),
		Embeddings: wireResp.Embeddings,
		Usage: Usage{
			PromptTokens: wireResp.PromptEvalCount,
			TotalTokens:  wireResp.PromptEvalCount,
		},
	}, nil
}

// IsHealthy probes GET /api/tags, falling back to GET /api/version on older
// servers.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	healthy := p.probe(ctx, "/api/tags") || p.probe(ctx, "/api/version")
	p.diag.recordHealth(healthy)
	return healthy
}

func (p *OllamaProvider) probe(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *OllamaProvider) Diagnostics() Diagnostics {
	return p.diag.snapshot(ProviderTypeOllama, p.cfg.Model, p.cfg.BaseURL)
}

func (p *OllamaProvider) Model() string {
	return p.cfg.Model
}

func (p *OllamaProvider) ProviderType() ProviderType {
	return ProviderTypeOllama
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.cfg.Model
}

func (p *OllamaProvider) post(ctx context.Context, path string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Provider: ProviderTypeOllama, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return &TransportError{Provider: ProviderTypeOllama, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return &TransportError{Provider: ProviderTypeOllama, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{
			Provider:   ProviderTypeOllama,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        err,
		}
	}
	if readErr != nil {
		return &TransportError{Provider: ProviderTypeOllama, Err: fmt.Errorf("failed to read response: %w", readErr)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{
			Provider:   ProviderTypeOllama,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	return nil
}

func mapOllamaDoneReason(reason string, done bool) string {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	default:
		if done {
			return FinishStop
		}
		return reason
	}
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/observability"
	"github.com/memoriai/memori/pkg/utils"
)

// ConversationContext carries optional hints the caller already knows about
// the user; the extraction prompt includes them verbatim.
type ConversationContext struct {
	UserPreferences []string `json:"userPreferences,omitempty"`
	CurrentProjects []string `json:"currentProjects,omitempty"`
	RelevantSkills  []string `json:"relevantSkills,omitempty"`
}

// ProcessRequest is one conversation turn to distil into a memory record.
type ProcessRequest struct {
	ChatID    string
	UserInput string
	AIOutput  string
	Context   ConversationContext
}

// Agent projects conversation turns into validated memory records with a
// secondary LLM call. Extraction failures of any kind degrade to the
// fallback record; they are never fatal to recording.
type Agent struct {
	provider llms.Provider
	cfg      *config.AgentConfig
	counter  *utils.TokenCounter
	logger   *slog.Logger
}

// NewAgent builds an extraction agent on top of a provider. The provider is
// normally the performance envelope so extraction rides pooled transports.
func NewAgent(provider llms.Provider, cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg == nil {
		cfg = &config.AgentConfig{}
	}
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	model := cfg.Model
	if model == "" {
		model = provider.Model()
	}
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		// The len/4 estimate takes over below.
		logger.Warn("token counter unavailable, using size estimate", "model", model, "error", err)
		counter = nil
	}

	return &Agent{
		provider: provider,
		cfg:      cfg,
		counter:  counter,
		logger:   logger,
	}, nil
}

// ProcessConversation distils a turn into a memory record. The returned
// error reports programmer misuse only; extraction failures yield the
// fallback record and a nil error.
func (a *Agent) ProcessConversation(ctx context.Context, req *ProcessRequest) (*Record, error) {
	if req == nil {
		return nil, fmt.Errorf("process request is required")
	}
	if req.ChatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}

	startTime := time.Now()

	tracer := observability.GetTracer("memori.memory")
	ctx, span := tracer.Start(ctx, observability.SpanExtraction,
		trace.WithAttributes(attribute.String("chat.id", req.ChatID)),
	)
	defer span.End()

	rec, err := a.extract(ctx, req)
	duration := time.Since(startTime)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		a.logger.Warn("memory extraction failed, using fallback record",
			"chat_id", req.ChatID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics != nil {
			metrics.RecordExtraction(ctx, "fallback", duration)
		}
		return NewFallbackRecord(req.ChatID, req.UserInput, req.AIOutput), nil
	}

	span.SetAttributes(
		attribute.String("memory.classification", string(rec.Classification)),
		attribute.String("memory.importance", string(rec.Importance)),
	)
	span.SetStatus(codes.Ok, "success")
	if metrics != nil {
		metrics.RecordExtraction(ctx, "extracted", duration)
	}

	return rec, nil
}

func (a *Agent) extract(ctx context.Context, req *ProcessRequest) (*Record, error) {
	// Internal call: the envelope must not cache it and recording hooks must
	// not fire for it.
	ctx = llms.WithInternalCall(ctx)
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	conversation := a.fitToBudget(formatConversation(req.UserInput, req.AIOutput))
	temperature := a.cfg.Temperature

	resp, err := a.provider.CreateChatCompletion(ctx, &llms.ChatRequest{
		Model: a.cfg.Model,
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: systemPrompt()},
			{Role: llms.RoleUser, Content: userPrompt(conversation, req.Context)},
		},
		Temperature: &temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	return parseExtraction(resp.Content, req.ChatID)
}

// fitToBudget tail-truncates the conversation to the prompt token budget.
func (a *Agent) fitToBudget(text string) string {
	budget := a.cfg.PromptTokenBudget
	if a.counter != nil {
		return a.counter.TruncateToBudget(text, budget)
	}
	if utils.EstimateTokens(text) <= budget {
		return text
	}
	runes := []rune(text)
	maxRunes := budget * 4
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[len(runes)-maxRunes:])
}

// parseExtraction turns the model's reply into a validated record.
func parseExtraction(raw, chatID string) (*Record, error) {
	cleaned := stripCodeFences(raw)

	var out extractionOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("malformed extraction output: %w", err)
	}

	rec := &Record{
		ConversationID:       chatID,
		Content:              out.Content,
		Summary:              out.Summary,
		Classification:       Classification(strings.ToLower(strings.TrimSpace(out.Classification))),
		Importance:           Importance(strings.ToLower(strings.TrimSpace(out.Importance))),
		Topic:                out.Topic,
		Entities:             out.Entities,
		Keywords:             out.Keywords,
		ConfidenceScore:      out.ConfidenceScore,
		ClassificationReason: out.ClassificationReason,
		PromotionEligible:    out.PromotionEligible,
		ExtractionTimestamp:  time.Now().UTC(),
	}
	if rec.Entities == nil {
		rec.Entities = []string{}
	}
	if rec.Keywords == nil {
		rec.Keywords = []string{}
	}
	rec.ImportanceScore = rec.Importance.Score()

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return rec, nil
}

// stripCodeFences removes a surrounding ```json or ``` fence if the model
// wrapped its reply in one.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

package memori

import (
	"context"
	"fmt"
	"time"

	"github.com/memoriai/memori/pkg/conscious"
	"github.com/memoriai/memori/pkg/httpclient"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/memory"
	"github.com/memoriai/memori/pkg/storage"
	"github.com/memoriai/memori/pkg/vector"
)

// RecordOptions tunes one RecordConversation call. The zero value stamps the
// controller's own session id and the provider's model.
type RecordOptions struct {
	SessionID string
	Model     string
	Metadata  map[string]any

	// Context is passed to the extraction prompt in automatic mode.
	Context *memory.ConversationContext
}

// RecordConversation persists the turn and returns its chat id. In automatic
// mode the extraction pipeline runs detached: the returned chat id is valid
// immediately and pipeline failures are logged, never surfaced. In conscious
// and manual modes only the raw turn is stored.
func (c *Controller) RecordConversation(ctx context.Context, userInput, aiOutput string, opts *RecordOptions) (string, error) {
	if err := c.requireEnabled(); err != nil {
		return "", err
	}
	if opts == nil {
		opts = &RecordOptions{}
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	model := opts.Model
	if model == "" {
		model = c.provider.Model()
	}

	chatID, err := c.engine.StoreChatTurn(ctx, &storage.ChatTurn{
		SessionID: sessionID,
		Namespace: c.namespace,
		UserInput: userInput,
		AIOutput:  aiOutput,
		ModelUsed: model,
		Metadata:  opts.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to record conversation: %w", err)
	}

	if c.IsAutoModeEnabled() {
		var convCtx memory.ConversationContext
		if opts.Context != nil {
			convCtx = *opts.Context
		}
		c.wg.Add(1)
		go c.runExtractionPipeline(chatID, userInput, aiOutput, convCtx)
	}

	return chatID, nil
}

// runExtractionPipeline is the detached automatic-mode task: extract, filter
// by importance, persist, and feed the embedding side-channel. It runs off
// the caller's context on its own deadline.
func (c *Controller) runExtractionPipeline(chatID, userInput, aiOutput string, convCtx memory.ConversationContext) {
	defer c.wg.Done()

	// Extraction budget plus headroom for the writes.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Agent.Timeout+30*time.Second)
	defer cancel()

	rec, err := c.extractor.ProcessConversation(ctx, &memory.ProcessRequest{
		ChatID:    chatID,
		UserInput: userInput,
		AIOutput:  aiOutput,
		Context:   convCtx,
	})
	if err != nil {
		if retryErr, ok := httpclient.AsRetryable(err); ok {
			c.logger.Error("extraction pipeline throttled by provider",
				"chat_id", chatID, "retry_after", retryErr.RetryAfter, "error", err)
		} else {
			c.logger.Error("extraction pipeline failed", "chat_id", chatID, "error", err)
		}
		return
	}

	if threshold := memory.ImportanceThreshold(c.cfg.MinImportance); rec.ImportanceScore < threshold {
		c.logger.Debug("memory below importance filter, dropped",
			"chat_id", chatID,
			"importance", rec.Importance,
			"min_importance", c.cfg.MinImportance)
		return
	}

	memoryID, err := c.engine.StoreLongTermMemory(ctx, rec, chatID, c.namespace)
	if err != nil {
		c.logger.Error("failed to store extracted memory", "chat_id", chatID, "error", err)
		return
	}
	c.logger.Debug("memory recorded",
		"memory_id", memoryID,
		"classification", rec.Classification,
		"importance", rec.Importance)

	if c.index != nil {
		c.upsertEmbedding(ctx, memoryID, rec)
	}
}

// upsertEmbedding embeds the record summary and writes it to the vector
// index. Marked internal so the envelope skips its cache and recording hooks
// stay quiet.
func (c *Controller) upsertEmbedding(ctx context.Context, memoryID string, rec *memory.Record) {
	ctx = llms.WithInternalCall(ctx)

	text := rec.Summary
	if text == "" {
		text = rec.Content
	}
	resp, err := c.provider.CreateEmbedding(ctx, &llms.EmbeddingRequest{Input: []string{text}})
	if err != nil {
		c.logger.Warn("embedding call failed, memory not indexed", "memory_id", memoryID, "error", err)
		return
	}
	if len(resp.Embeddings) == 0 {
		c.logger.Warn("embedding call returned no vectors", "memory_id", memoryID)
		return
	}

	metadata := map[string]string{
		"classification": string(rec.Classification),
		"importance":     string(rec.Importance),
	}
	if rec.Topic != "" {
		metadata["topic"] = rec.Topic
	}
	if err := c.index.Upsert(ctx, c.namespace, memoryID, resp.Embeddings[0], text, metadata); err != nil {
		c.logger.Warn("failed to index memory embedding", "memory_id", memoryID, "error", err)
	}
}

// SearchMemories runs a ranked lexical search over this controller's
// namespace. An explicit opts.Namespace overrides it.
func (c *Controller) SearchMemories(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		opts.Namespace = c.namespace
	}
	return c.engine.SearchMemories(ctx, query, opts)
}

// SimilarMemories embeds the query and returns the nearest indexed records.
// Requires the embedding side-channel; the query embedding is a regular
// provider call, so the envelope cache applies.
func (c *Controller) SimilarMemories(ctx context.Context, query string, topK int) ([]vector.Hit, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	if c.index == nil {
		return nil, fmt.Errorf("embedding memory is not enabled")
	}
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	resp, err := c.provider.CreateEmbedding(ctx, &llms.EmbeddingRequest{Input: []string{query}})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("provider returned no query embedding")
	}

	return c.index.Search(ctx, c.namespace, resp.Embeddings[0], topK)
}

// GetStatistics aggregates row counts and distributions for this
// controller's namespace.
func (c *Controller) GetStatistics(ctx context.Context) (*storage.DatabaseStats, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	return c.engine.GetDatabaseStats(ctx, c.namespace)
}

// CheckForConsciousContextUpdates runs one on-demand conscious ingestion
// pass and reports how many records were promoted. Outside conscious mode it
// is a no-op.
func (c *Controller) CheckForConsciousContextUpdates(ctx context.Context) (int, error) {
	if err := c.requireEnabled(); err != nil {
		return 0, err
	}
	if c.conscious == nil {
		return 0, nil
	}
	return c.conscious.RunIngestionPass(ctx)
}

// InitializeConsciousContext promotes everything already waiting in
// long-term memory into the permanent working set. Outside conscious mode it
// is a no-op.
func (c *Controller) InitializeConsciousContext(ctx context.Context) error {
	if err := c.requireEnabled(); err != nil {
		return err
	}
	if c.conscious == nil {
		return nil
	}
	promoted, err := c.conscious.RunIngestionPass(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize conscious context: %w", err)
	}
	c.logger.Info("conscious context initialized", "promoted", promoted)
	return nil
}

// ConsolidateDuplicates runs one duplicate-consolidation cycle through the
// conscious agent. Conscious mode only.
func (c *Controller) ConsolidateDuplicates(ctx context.Context, req conscious.ConsolidationRequest) (*conscious.ConsolidationReport, error) {
	if err := c.requireEnabled(); err != nil {
		return nil, err
	}
	if c.conscious == nil {
		return nil, fmt.Errorf("duplicate consolidation requires conscious mode")
	}
	if req.Namespace == "" {
		req.Namespace = c.namespace
	}
	return c.conscious.ConsolidateDuplicates(ctx, req)
}

// StoreRelationships persists directed edges from sourceID in this
// controller's namespace.
func (c *Controller) StoreRelationships(ctx context.Context, sourceID string, rels []memory.Relationship) (*storage.RelationshipResult, error) {
	if err := c.requireEnabled(); err != nil {
		return nil, err
	}
	return c.engine.StoreMemoryRelationships(ctx, sourceID, rels, c.namespace)
}

// CleanupExpiredShortTermMemories evicts expired non-permanent short-term
// rows now, without waiting for the maintenance sweep.
func (c *Controller) CleanupExpiredShortTermMemories(ctx context.Context) (int64, error) {
	if err := c.requireOpen(); err != nil {
		return 0, err
	}
	return c.engine.CleanupExpiredShortTermMemories(ctx, c.namespace)
}

// requireEnabled gates mutating operations on Enable.
func (c *Controller) requireEnabled() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return ErrNotEnabled
	}
	return nil
}

// requireOpen gates read operations on Close only, so search and stats work
// before Enable.
func (c *Controller) requireOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("memori is closed")
	}
	return nil
}

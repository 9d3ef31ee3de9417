package perf

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/logger"
)

func chatReq(content string) *llms.ChatRequest {
	return &llms.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llms.Message{{Role: llms.RoleUser, Content: content}},
	}
}

func chatKeyFor(req *llms.ChatRequest) string {
	return cacheKey(chatKey{
		Kind: cacheKindChat, Model: req.Model, Messages: req.Messages,
		Temperature: req.Temperature, MaxTokens: req.MaxTokens,
	})
}

// bareCache builds a cache without the sweeper so tests control time.
func bareCache(maxSize int64) *Cache {
	return &Cache{
		entries:      make(map[string]*cacheEntry),
		maxSize:      maxSize,
		chatTTL:      time.Minute,
		embeddingTTL: time.Minute,
		stop:         make(chan struct{}),
		logger:       logger.GetLogger(),
	}
}

func TestCacheKeyStability(t *testing.T) {
	a := chatKeyFor(chatReq("hello"))
	b := chatKeyFor(chatReq("hello"))
	if a != b {
		t.Error("identical requests produced different keys")
	}

	if a == chatKeyFor(chatReq("other")) {
		t.Error("different content produced the same key")
	}

	warm := chatReq("hello")
	temp := 0.9
	warm.Temperature = &temp
	if a == chatKeyFor(warm) {
		t.Error("different temperature produced the same key")
	}
}

func TestCacheHitAndMiss(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true})
	defer c.Close()
	ctx := context.Background()

	req := chatReq("hello")
	if _, ok := c.GetChat(ctx, req); ok {
		t.Fatal("hit on an empty cache")
	}

	resp := &llms.ChatResponse{Model: "gpt-4o", Content: "hi", FinishReason: llms.FinishStop}
	c.PutChat(ctx, req, resp)

	got, ok := c.GetChat(ctx, req)
	if !ok {
		t.Fatal("miss after put")
	}
	if got.Content != "hi" {
		t.Errorf("Content = %q, want hi", got.Content)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want one hit and one miss", stats)
	}
	if stats.Entries != 1 || stats.SizeBytes <= 0 {
		t.Errorf("stats = %+v, want one sized entry", stats)
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	c := bareCache(1 << 20)
	ctx := context.Background()

	req := chatReq("hello")
	c.PutChat(ctx, req, &llms.ChatResponse{Content: "hi"})

	key := chatKeyFor(req)
	c.entries[key].storedAt = time.Now().Add(-2 * time.Minute)

	if _, ok := c.GetChat(ctx, req); ok {
		t.Error("expired entry served")
	}
	if stats := c.Stats(); stats.Entries != 0 || stats.SizeBytes != 0 {
		t.Errorf("stats = %+v, want the expired entry dropped on read", stats)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	reqA, reqB, reqC := chatReq("request a"), chatReq("request b"), chatReq("request c")
	respFor := func(tag string) *llms.ChatResponse {
		return &llms.ChatResponse{Model: "gpt-4o", Content: "response " + tag, FinishReason: llms.FinishStop}
	}

	payload, err := json.Marshal(respFor("a"))
	if err != nil {
		t.Fatal(err)
	}
	entrySize := int64(len(payload))

	c := bareCache(2 * entrySize)
	ctx := context.Background()
	c.PutChat(ctx, reqA, respFor("a"))
	c.PutChat(ctx, reqB, respFor("b"))

	// Make b the least recently used, then overflow.
	c.entries[chatKeyFor(reqB)].lastAccessed = time.Now().Add(-time.Hour)
	c.PutChat(ctx, reqC, respFor("c"))

	if _, ok := c.GetChat(ctx, reqB); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.GetChat(ctx, reqA); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.GetChat(ctx, reqC); !ok {
		t.Error("new entry missing after eviction")
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestCacheRejectsOversizedEntries(t *testing.T) {
	c := bareCache(8)
	ctx := context.Background()

	req := chatReq("hello")
	c.PutChat(ctx, req, &llms.ChatResponse{Content: "far too large for the configured limit"})

	if stats := c.Stats(); stats.Entries != 0 {
		t.Errorf("Entries = %d, want oversized entry rejected", stats.Entries)
	}
}

func TestCacheEmbeddingRoundTrip(t *testing.T) {
	c := NewCache(&config.CacheConfig{Enabled: true})
	defer c.Close()
	ctx := context.Background()

	req := &llms.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"hello"}}
	resp := &llms.EmbeddingResponse{Model: req.Model, Embeddings: [][]float32{{0.1, 0.2}}}
	c.PutEmbedding(ctx, req, resp)

	got, ok := c.GetEmbedding(ctx, req)
	if !ok {
		t.Fatal("miss after put")
	}
	if len(got.Embeddings) != 1 || got.Embeddings[0][1] != 0.2 {
		t.Errorf("Embeddings = %v, want the stored vectors", got.Embeddings)
	}

	other := &llms.EmbeddingRequest{Model: req.Model, Input: []string{"different"}}
	if _, ok := c.GetEmbedding(ctx, other); ok {
		t.Error("hit for a different input")
	}
}

// Package perf wraps a provider transport with a response cache, a
// connection pool and a health monitor. Each layer is independently
// toggleable; Envelope composes whichever are enabled behind the same
// Provider interface.
package perf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/logger"
	"github.com/memoriai/memori/pkg/observability"
)

const (
	cacheKindChat      = "chat"
	cacheKindEmbedding = "embedding"
)

// Cache holds recent provider responses keyed by a digest of the
// canonicalised request. Expiry is lazy on read plus a periodic sweep;
// eviction is LRU by last access once the serialized size limit is hit.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry
	currentSize int64

	maxSize      int64
	chatTTL      time.Duration
	embeddingTTL time.Duration
	maxTTL       time.Duration

	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

type cacheEntry struct {
	payload      []byte // serialized response, the unit of size accounting
	value        any
	storedAt     time.Time
	ttl          time.Duration
	size         int64
	accessCount  int64
	lastAccessed time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"sizeBytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// NewCache builds a cache from config and starts the expiry sweeper.
func NewCache(cfg *config.CacheConfig) *Cache {
	if cfg == nil {
		cfg = &config.CacheConfig{}
	}
	cfg.SetDefaults()

	c := &Cache{
		entries:      make(map[string]*cacheEntry),
		maxSize:      int64(cfg.MaxSizeMB) * 1024 * 1024,
		chatTTL:      capTTL(cfg.ChatTTL, cfg.MaxTTL),
		embeddingTTL: capTTL(cfg.EmbeddingTTL, cfg.MaxTTL),
		maxTTL:       cfg.MaxTTL,
		stop:         make(chan struct{}),
		logger:       logger.GetLogger().With("component", "cache"),
	}
	go c.sweepLoop(cfg.CleanupInterval)
	return c
}

func capTTL(ttl, max time.Duration) time.Duration {
	if max > 0 && ttl > max {
		return max
	}
	return ttl
}

// chatKey canonicalises a chat request: only the fields that change the
// completion participate in the digest.
type chatKey struct {
	Kind        string         `json:"kind"`
	Model       string         `json:"model"`
	Messages    []llms.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"maxTokens,omitempty"`
}

type embeddingKey struct {
	Kind  string   `json:"kind"`
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// cacheKey digests the canonical form. Struct marshaling keeps field order
// stable, so identical requests always produce identical keys.
func cacheKey(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// GetChat returns a cached completion for an identical earlier request.
func (c *Cache) GetChat(ctx context.Context, req *llms.ChatRequest) (*llms.ChatResponse, bool) {
	key := cacheKey(chatKey{
		Kind: cacheKindChat, Model: req.Model, Messages: req.Messages,
		Temperature: req.Temperature, MaxTokens: req.MaxTokens,
	})
	value, ok := c.get(ctx, key, cacheKindChat)
	if !ok {
		return nil, false
	}
	resp, ok := value.(*llms.ChatResponse)
	return resp, ok
}

// PutChat stores a completion under its request digest.
func (c *Cache) PutChat(ctx context.Context, req *llms.ChatRequest, resp *llms.ChatResponse) {
	key := cacheKey(chatKey{
		Kind: cacheKindChat, Model: req.Model, Messages: req.Messages,
		Temperature: req.Temperature, MaxTokens: req.MaxTokens,
	})
	c.put(ctx, key, resp, c.chatTTL)
}

// GetEmbedding returns cached vectors for an identical earlier request.
func (c *Cache) GetEmbedding(ctx context.Context, req *llms.EmbeddingRequest) (*llms.EmbeddingResponse, bool) {
	key := cacheKey(embeddingKey{Kind: cacheKindEmbedding, Model: req.Model, Input: req.Input})
	value, ok := c.get(ctx, key, cacheKindEmbedding)
	if !ok {
		return nil, false
	}
	resp, ok := value.(*llms.EmbeddingResponse)
	return resp, ok
}

// PutEmbedding stores an embedding response under its request digest.
func (c *Cache) PutEmbedding(ctx context.Context, req *llms.EmbeddingRequest, resp *llms.EmbeddingResponse) {
	key := cacheKey(embeddingKey{Kind: cacheKindEmbedding, Model: req.Model, Input: req.Input})
	c.put(ctx, key, resp, c.embeddingTTL)
}

func (c *Cache) get(ctx context.Context, key, kind string) (any, bool) {
	if key == "" {
		return nil, false
	}

	var value any
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && entry.expired(time.Now()) {
		delete(c.entries, key)
		c.currentSize -= entry.size
		ok = false
	}
	if ok {
		entry.accessCount++
		entry.lastAccessed = time.Now()
		value = entry.value
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheLookup(ctx, kind, ok)
	}
	return value, ok
}

func (c *Cache) put(ctx context.Context, key string, value any, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	size := int64(len(payload))
	if size > c.maxSize {
		// Larger than the whole cache; storing it would just flush
		// everything else.
		return
	}

	now := time.Now()
	entry := &cacheEntry{
		payload:      payload,
		value:        value,
		storedAt:     now,
		ttl:          ttl,
		size:         size,
		lastAccessed: now,
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.currentSize -= old.size
	}
	evicted := c.evictFor(size)
	c.entries[key] = entry
	c.currentSize += size
	c.mu.Unlock()

	if evicted > 0 {
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordCacheEviction(ctx, evicted)
		}
	}
}

// evictFor drops least-recently-used entries until size fits. Caller holds
// the lock.
func (c *Cache) evictFor(size int64) int {
	evicted := 0
	for c.currentSize+size > c.maxSize && len(c.entries) > 0 {
		var (
			oldestKey string
			oldest    *cacheEntry
		)
		for key, entry := range c.entries {
			if oldest == nil || entry.lastAccessed.Before(oldest.lastAccessed) {
				oldestKey, oldest = key, entry
			}
		}
		delete(c.entries, oldestKey)
		c.currentSize -= oldest.size
		c.evictions++
		evicted++
	}
	return evicted
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			c.currentSize -= entry.size
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("expired cache entries removed", "count", removed)
	}
}

// Stats snapshots the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		SizeBytes: c.currentSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the sweeper. Entries stay readable until the cache is dropped.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

package perf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/logger"
	"github.com/memoriai/memori/pkg/observability"
)

// acquirePollInterval paces the wait loop when the pool is at capacity.
const acquirePollInterval = 50 * time.Millisecond

// poolProbeTimeout bounds each health probe during the sweep.
const poolProbeTimeout = 10 * time.Second

// Pool reuses provider transports across calls. Entries are grouped by
// provider type and a digest of the connection-relevant config fields, so
// differently-configured providers never share a bucket.
type Pool struct {
	mu      sync.Mutex
	buckets map[string][]*poolEntry

	factory        func(cfg *config.ProviderConfig) (llms.Provider, error)
	maxConnections int
	maxIdleTime    time.Duration
	acquireTimeout time.Duration

	creates int64
	removed int64

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

type poolEntry struct {
	provider   llms.Provider
	createdAt  time.Time
	lastUsedAt time.Time
	isHealthy  bool
	usageCount int64
	inUse      bool
}

// PoolStats is a point-in-time counter snapshot.
type PoolStats struct {
	Providers int   `json:"providers"`
	InUse     int   `json:"inUse"`
	Creates   int64 `json:"creates"`
	Removed   int64 `json:"removed"`
}

// NewPool builds a pool from config and starts the sweep loop.
func NewPool(cfg *config.PoolConfig) *Pool {
	if cfg == nil {
		cfg = &config.PoolConfig{}
	}
	cfg.SetDefaults()

	p := &Pool{
		buckets:        make(map[string][]*poolEntry),
		factory:        llms.NewProvider,
		maxConnections: cfg.MaxConnections,
		maxIdleTime:    cfg.MaxIdleTime,
		acquireTimeout: cfg.AcquireTimeout,
		stop:           make(chan struct{}),
		logger:         logger.GetLogger().With("component", "pool"),
	}
	go p.sweepLoop(cfg.SweepInterval)
	return p
}

// poolKey folds the connection-relevant config fields. Presence of an API
// key matters for the key; its value does not leak into the digest input
// beyond a boolean.
func poolKey(cfg *config.ProviderConfig) string {
	payload, _ := json.Marshal(struct {
		APIKeySet   bool     `json:"apiKeySet"`
		BaseURL     string   `json:"baseUrl"`
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature,omitempty"`
		MaxTokens   int      `json:"maxTokens,omitempty"`
	}{
		APIKeySet:   cfg.APIKey != "",
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	sum := sha256.Sum256(payload)
	return cfg.Type + ":" + hex.EncodeToString(sum[:6])
}

// Get returns a healthy pooled provider, creating one when the bucket has
// room. At capacity it polls for a release until the acquire timeout.
func (p *Pool) Get(ctx context.Context, cfg *config.ProviderConfig) (llms.Provider, error) {
	key := poolKey(cfg)
	start := time.Now()
	deadline := start.Add(p.acquireTimeout)

	for {
		provider, created, err := p.tryAcquire(key, cfg)
		if err != nil {
			return nil, err
		}
		if provider != nil {
			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordPoolAcquire(ctx, cfg.Type, created, time.Since(start))
			}
			return provider, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connection pool exhausted for %s after %s", cfg.Type, p.acquireTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// tryAcquire makes one pass: reuse a healthy idle entry, else create below
// capacity. A nil provider with nil error means the bucket is full.
func (p *Pool) tryAcquire(key string, cfg *config.ProviderConfig) (llms.Provider, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.buckets[key] {
		if !entry.inUse && entry.isHealthy {
			entry.inUse = true
			entry.usageCount++
			return entry.provider, false, nil
		}
	}

	if len(p.buckets[key]) < p.maxConnections {
		provider, err := p.factory(cfg)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create pooled provider: %w", err)
		}
		now := time.Now()
		entry := &poolEntry{
			provider:   provider,
			createdAt:  now,
			lastUsedAt: now,
			isHealthy:  true,
			usageCount: 1,
			inUse:      true,
		}
		p.buckets[key] = append(p.buckets[key], entry)
		p.creates++
		return provider, true, nil
	}

	return nil, false, nil
}

// Put releases a provider back to its bucket. Providers the pool does not
// know are ignored.
func (p *Pool) Put(cfg *config.ProviderConfig, provider llms.Provider) {
	key := poolKey(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.buckets[key] {
		if entry.provider == provider {
			entry.inUse = false
			entry.lastUsedAt = time.Now()
			return
		}
	}
}

func (p *Pool) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

// sweep closes idle-expired entries and re-checks the health of the rest.
// Probes run without the lock held; provider transports are safe for
// concurrent use.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var toClose []llms.Provider
	var toProbe []*poolEntry
	for key, bucket := range p.buckets {
		kept := bucket[:0]
		for _, entry := range bucket {
			if !entry.inUse && now.Sub(entry.lastUsedAt) > p.maxIdleTime {
				toClose = append(toClose, entry.provider)
				p.removed++
				continue
			}
			kept = append(kept, entry)
			if !entry.inUse {
				toProbe = append(toProbe, entry)
			}
		}
		if len(kept) == 0 {
			delete(p.buckets, key)
		} else {
			p.buckets[key] = kept
		}
	}
	p.mu.Unlock()

	for _, provider := range toClose {
		if err := provider.Close(); err != nil {
			p.logger.Debug("failed to close idle provider", "error", err)
		}
	}
	if len(toClose) > 0 {
		p.logger.Debug("idle providers removed from pool", "count", len(toClose))
	}

	for _, entry := range toProbe {
		ctx, cancel := context.WithTimeout(context.Background(), poolProbeTimeout)
		healthy := entry.provider.IsHealthy(ctx)
		cancel()
		p.mu.Lock()
		entry.isHealthy = healthy
		p.mu.Unlock()
	}
}

// Stats snapshots the counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{Creates: p.creates, Removed: p.removed}
	for _, bucket := range p.buckets {
		stats.Providers += len(bucket)
		for _, entry := range bucket {
			if entry.inUse {
				stats.InUse++
			}
		}
	}
	return stats
}

// Close stops the sweeper and closes every pooled provider.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	var providers []llms.Provider
	for _, bucket := range p.buckets {
		for _, entry := range bucket {
			providers = append(providers, entry.provider)
		}
	}
	p.buckets = make(map[string][]*poolEntry)
	p.mu.Unlock()

	var firstErr error
	for _, provider := range providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

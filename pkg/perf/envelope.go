package perf

import (
	"context"
	"log/slog"
	"time"

	"github.com/memoriai/memori/pkg/config"
	"github.com/memoriai/memori/pkg/llms"
	"github.com/memoriai/memori/pkg/logger"
)

// Options selects which layers wrap the provider. A nil or disabled section
// leaves that layer out entirely.
type Options struct {
	Cache  *config.CacheConfig
	Pool   *config.PoolConfig
	Health *config.HealthConfig
}

// Envelope implements llms.Provider around a base transport, adding response
// caching, transport pooling and health tracking. Internal pipeline calls
// (marked via llms.WithInternalCall) bypass the cache in both directions so
// extraction traffic never pollutes or reads user-facing entries.
type Envelope struct {
	cfg    *config.ProviderConfig
	base   llms.Provider
	cache  *Cache
	pool   *Pool
	health *HealthMonitor
	name   string
	logger *slog.Logger
}

var _ llms.Provider = (*Envelope)(nil)

// NewEnvelope builds the base provider from config and wraps it with the
// enabled layers.
func NewEnvelope(providerCfg *config.ProviderConfig, opts Options) (*Envelope, error) {
	base, err := llms.NewProvider(providerCfg)
	if err != nil {
		return nil, err
	}
	return wrap(base, providerCfg, opts), nil
}

// wrap assembles the layers around an existing transport.
func wrap(base llms.Provider, providerCfg *config.ProviderConfig, opts Options) *Envelope {
	e := &Envelope{
		cfg:    providerCfg,
		base:   base,
		name:   providerCfg.Type,
		logger: logger.GetLogger().With("component", "envelope"),
	}
	if opts.Cache != nil && opts.Cache.Enabled {
		e.cache = NewCache(opts.Cache)
	}
	if opts.Pool != nil && opts.Pool.Enabled {
		e.pool = NewPool(opts.Pool)
	}
	if opts.Health != nil && opts.Health.Enabled {
		e.health = NewHealthMonitor(opts.Health)
		e.health.Register(e.name, base.IsHealthy)
	}
	return e
}

// CreateChatCompletion serves identical repeated requests from the cache,
// otherwise delegates through a pooled transport and records the outcome.
func (e *Envelope) CreateChatCompletion(ctx context.Context, req *llms.ChatRequest) (*llms.ChatResponse, error) {
	internal := llms.IsInternalCall(ctx)
	if e.cache != nil && !internal {
		if resp, ok := e.cache.GetChat(ctx, req); ok {
			return resp, nil
		}
	}

	provider, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	resp, err := provider.CreateChatCompletion(ctx, req)
	e.observe(ctx, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if e.cache != nil && !internal {
		e.cache.PutChat(ctx, req, resp)
	}
	return resp, nil
}

// CreateEmbedding mirrors the chat path with the embedding TTL.
func (e *Envelope) CreateEmbedding(ctx context.Context, req *llms.EmbeddingRequest) (*llms.EmbeddingResponse, error) {
	internal := llms.IsInternalCall(ctx)
	if e.cache != nil && !internal {
		if resp, ok := e.cache.GetEmbedding(ctx, req); ok {
			return resp, nil
		}
	}

	provider, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	resp, err := provider.CreateEmbedding(ctx, req)
	e.observe(ctx, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if e.cache != nil && !internal {
		e.cache.PutEmbedding(ctx, req, resp)
	}
	return resp, nil
}

func (e *Envelope) acquire(ctx context.Context) (llms.Provider, func(), error) {
	if e.pool == nil {
		return e.base, func() {}, nil
	}
	provider, err := e.pool.Get(ctx, e.cfg)
	if err != nil {
		return nil, nil, err
	}
	return provider, func() { e.pool.Put(e.cfg, provider) }, nil
}

func (e *Envelope) observe(ctx context.Context, duration time.Duration, err error) {
	if e.health == nil {
		return
	}
	if err != nil {
		e.health.RecordFailure(ctx, e.name, duration, err)
	} else {
		e.health.RecordSuccess(ctx, e.name, duration)
	}
}

// IsHealthy probes the base transport. With the monitor enabled the probe
// feeds the thresholds and the damped verdict is returned, so one good probe
// does not instantly clear an unhealthy provider.
func (e *Envelope) IsHealthy(ctx context.Context) bool {
	start := time.Now()
	healthy := e.base.IsHealthy(ctx)
	if e.health == nil {
		return healthy
	}
	errMsg := ""
	if !healthy {
		errMsg = "liveness probe failed"
	}
	e.health.record(ctx, e.name, healthy, time.Since(start), errMsg, checkSourceProbe)
	return e.health.IsHealthy(e.name)
}

func (e *Envelope) Diagnostics() llms.Diagnostics {
	return e.base.Diagnostics()
}

func (e *Envelope) Model() string {
	return e.base.Model()
}

func (e *Envelope) ProviderType() llms.ProviderType {
	return e.base.ProviderType()
}

// CacheStats reports cache counters; false when the cache is disabled.
func (e *Envelope) CacheStats() (CacheStats, bool) {
	if e.cache == nil {
		return CacheStats{}, false
	}
	return e.cache.Stats(), true
}

// PoolStats reports pool counters; false when pooling is disabled.
func (e *Envelope) PoolStats() (PoolStats, bool) {
	if e.pool == nil {
		return PoolStats{}, false
	}
	return e.pool.Stats(), true
}

// HealthStatus reports the monitor's record; false when monitoring is
// disabled or nothing has been recorded yet.
func (e *Envelope) HealthStatus() (HealthStatus, bool) {
	if e.health == nil {
		return HealthStatus{}, false
	}
	return e.health.Status(e.name)
}

// Close shuts the layers down and closes the base transport.
func (e *Envelope) Close() error {
	if e.cache != nil {
		e.cache.Close()
	}
	if e.health != nil {
		e.health.Close()
	}
	var poolErr error
	if e.pool != nil {
		poolErr = e.pool.Close()
	}
	baseErr := e.base.Close()
	if poolErr != nil {
		return poolErr
	}
	return baseErr
}

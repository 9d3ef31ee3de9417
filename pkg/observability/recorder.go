package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the counters and histograms the memory pipeline emits.
// A nil Metrics (or one built from a disabled config) is safe to call.
type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordCacheLookup(ctx context.Context, kind string, hit bool)
	RecordCacheEviction(ctx context.Context, count int)
	RecordPoolAcquire(ctx context.Context, providerType string, created bool, wait time.Duration)
	RecordHealthCheck(ctx context.Context, providerType string, healthy bool, duration time.Duration)
	RecordExtraction(ctx context.Context, outcome string, duration time.Duration)
	RecordStateTransition(ctx context.Context, from, to string)
	RecordSearch(ctx context.Context, duration time.Duration, results int)
}

// PrometheusMetrics implements Metrics on otel instruments exported through
// the prometheus bridge. The zero value is a no-op.
type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	cacheLookups   metric.Int64Counter
	cacheEvictions metric.Int64Counter

	poolAcquires metric.Int64Counter
	poolWait     metric.Float64Histogram

	healthChecks   metric.Int64Counter
	healthDuration metric.Float64Histogram

	extractions        metric.Int64Counter
	extractionDuration metric.Float64Histogram

	stateTransitions metric.Int64Counter

	searchDuration metric.Float64Histogram
	searchResults  metric.Int64Counter
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, kind string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func (m *PrometheusMetrics) RecordCacheEviction(ctx context.Context, count int) {
	if m == nil || m.cacheEvictions == nil || count <= 0 {
		return
	}
	m.cacheEvictions.Add(ctx, int64(count))
}

func (m *PrometheusMetrics) RecordPoolAcquire(ctx context.Context, providerType string, created bool, wait time.Duration) {
	if m == nil || m.poolAcquires == nil {
		return
	}

	source := "reused"
	if created {
		source = "created"
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", providerType),
		attribute.String("source", source),
	}
	m.poolAcquires.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.poolWait != nil {
		m.poolWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordHealthCheck(ctx context.Context, providerType string, healthy bool, duration time.Duration) {
	if m == nil || m.healthChecks == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", providerType),
		attribute.Bool("healthy", healthy),
	}
	m.healthChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.healthDuration != nil {
		m.healthDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordExtraction(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.extractions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	m.extractions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.extractionDuration != nil {
		m.extractionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStateTransition(ctx context.Context, from, to string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, duration time.Duration, results int) {
	if m == nil || m.searchDuration == nil {
		return
	}
	m.searchDuration.Record(ctx, duration.Seconds())
	if m.searchResults != nil {
		m.searchResults.Add(ctx, int64(results))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

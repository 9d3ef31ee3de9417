package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitMetrics builds the prometheus-backed metrics recorder. With metrics
// disabled it returns an empty PrometheusMetrics whose record calls no-op.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("memori")

	m := &PrometheusMetrics{}

	if m.llmDuration, err = meter.Float64Histogram(
		"memori_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmInputTokens, err = meter.Int64Counter(
		"memori_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	if m.llmOutputTokens, err = meter.Int64Counter(
		"memori_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.llmErrorsTotal, err = meter.Int64Counter(
		"memori_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.cacheLookups, err = meter.Int64Counter(
		"memori_cache_lookups_total",
		metric.WithDescription("Response cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	if m.cacheEvictions, err = meter.Int64Counter(
		"memori_cache_evictions_total",
		metric.WithDescription("Response cache entries evicted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache evictions counter: %w", err)
	}

	if m.poolAcquires, err = meter.Int64Counter(
		"memori_pool_acquires_total",
		metric.WithDescription("Provider pool acquisitions by source"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pool acquires counter: %w", err)
	}

	if m.poolWait, err = meter.Float64Histogram(
		"memori_pool_wait_seconds",
		metric.WithDescription("Time spent waiting for a pooled provider"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pool wait histogram: %w", err)
	}

	if m.healthChecks, err = meter.Int64Counter(
		"memori_health_checks_total",
		metric.WithDescription("Provider health checks by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create health checks counter: %w", err)
	}

	if m.healthDuration, err = meter.Float64Histogram(
		"memori_health_check_duration_seconds",
		metric.WithDescription("Provider health check duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create health duration histogram: %w", err)
	}

	if m.extractions, err = meter.Int64Counter(
		"memori_extractions_total",
		metric.WithDescription("Memory extractions by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create extractions counter: %w", err)
	}

	if m.extractionDuration, err = meter.Float64Histogram(
		"memori_extraction_duration_seconds",
		metric.WithDescription("Memory extraction duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create extraction duration histogram: %w", err)
	}

	if m.stateTransitions, err = meter.Int64Counter(
		"memori_state_transitions_total",
		metric.WithDescription("Memory state transitions by edge"),
	); err != nil {
		return nil, fmt.Errorf("failed to create state transitions counter: %w", err)
	}

	if m.searchDuration, err = meter.Float64Histogram(
		"memori_search_duration_seconds",
		metric.WithDescription("Memory search duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	if m.searchResults, err = meter.Int64Counter(
		"memori_search_results_total",
		metric.WithDescription("Total memory search results returned"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search results counter: %w", err)
	}

	return m, nil
}

package observability

import (
	"context"
	"testing"
	"time"
)

func TestInitGlobalTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitGlobalTracer failed: %v", err)
	}
	if tp == nil {
		t.Fatal("expected noop tracer provider, got nil")
	}

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestInitMetricsDisabledIsNoop(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.RecordLLMCall(ctx, "gpt-4o", time.Second, 10, 20, nil)
	m.RecordCacheLookup(ctx, "chat", true)
	m.RecordCacheEviction(ctx, 3)
	m.RecordPoolAcquire(ctx, "openai", true, time.Millisecond)
	m.RecordHealthCheck(ctx, "openai", true, time.Millisecond)
	m.RecordExtraction(ctx, "ok", time.Second)
	m.RecordStateTransition(ctx, "PENDING", "PROCESSED")
	m.RecordSearch(ctx, time.Millisecond, 5)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordLLMCall(context.Background(), "m", time.Second, 0, 0, nil)
	m.RecordCacheLookup(context.Background(), "chat", false)
}

func TestGlobalMetricsRoundTrip(t *testing.T) {
	orig := GetGlobalMetrics()
	defer SetGlobalMetrics(orig)

	m := &PrometheusMetrics{}
	SetGlobalMetrics(m)

	if got := GetGlobalMetrics(); got != Metrics(m) {
		t.Error("GetGlobalMetrics did not return what SetGlobalMetrics stored")
	}
}

func TestManagerLifecycle(t *testing.T) {
	mgr := NewManager(Config{})
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if mgr.GetMetrics() == nil {
		t.Error("GetMetrics should not be nil after Initialize")
	}
	if mgr.GetTracer("test") == nil {
		t.Error("GetTracer should not be nil")
	}
	if mgr.MetricsHandler() == nil {
		t.Error("MetricsHandler should not be nil")
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracerConfigDefaults(t *testing.T) {
	cfg := TracerConfig{}
	cfg.SetDefaults()

	if cfg.ExporterType != "otlp" {
		t.Errorf("ExporterType = %q, want otlp", cfg.ExporterType)
	}
	if cfg.EndpointURL != DefaultOTLPEndpoint {
		t.Errorf("EndpointURL = %q, want %q", cfg.EndpointURL, DefaultOTLPEndpoint)
	}
	if cfg.SamplingRate != DefaultSamplingRate {
		t.Errorf("SamplingRate = %v, want %v", cfg.SamplingRate, DefaultSamplingRate)
	}
	if cfg.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, DefaultServiceName)
	}
}

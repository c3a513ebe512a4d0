package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =x,tenant=cdp")
	if len(got) != 2 || got["api-key"] != "secret" || got["tenant"] != "cdp" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("lendingd", "dev")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters enabled without an endpoint: %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg = FromEnv("lendingd", "prod")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure || cfg.Headers["k"] != "v" || cfg.Environment != "prod" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v", cfg.SampleRatio)
	}

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "maybe")
	cfg = FromEnv("lendingd", "prod")
	if cfg.SampleRatio != 0 || !cfg.Insecure {
		t.Fatalf("invalid values should fall back to defaults: %+v", cfg)
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without a service name")
	}
}

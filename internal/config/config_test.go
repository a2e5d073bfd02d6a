package config

import "testing"

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default server port 8080, got %q", cfg.ServerPort)
	}
	if cfg.DistributionQueue != "marketplace.lead_distribution" {
		t.Fatalf("unexpected distribution queue default: %q", cfg.DistributionQueue)
	}
	if cfg.MetricsQueue != "marketplace.metrics_refresh" {
		t.Fatalf("unexpected metrics queue default: %q", cfg.MetricsQueue)
	}
	if cfg.DistributionPrefetch != 1 {
		t.Fatalf("expected distribution prefetch 1, got %d", cfg.DistributionPrefetch)
	}
	if cfg.MetricsPrefetch != 10 {
		t.Fatalf("expected metrics prefetch 10, got %d", cfg.MetricsPrefetch)
	}
	if cfg.MaxDeliveryAttempts != 5 {
		t.Fatalf("expected 5 delivery attempts, got %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.IngestRateLimitPerMinute != 120 {
		t.Fatalf("expected ingest rate limit 120, got %d", cfg.IngestRateLimitPerMinute)
	}
	if cfg.RedisRateLimitPrefix != "leadflow:rate_limit" {
		t.Fatalf("unexpected rate limit prefix: %q", cfg.RedisRateLimitPrefix)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MAX_DELIVERY_ATTEMPTS", "3")
	t.Setenv("DISTRIBUTION_QUEUE", "custom.distribution")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerPort != "9090" {
		t.Fatalf("expected port override 9090, got %q", cfg.ServerPort)
	}
	if cfg.MaxDeliveryAttempts != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.DistributionQueue != "custom.distribution" {
		t.Fatalf("expected queue override, got %q", cfg.DistributionQueue)
	}
}

func TestLoadConfig_CoercesInvalidAttempts(t *testing.T) {
	t.Setenv("MAX_DELIVERY_ATTEMPTS", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxDeliveryAttempts != 5 {
		t.Fatalf("expected coercion to 5 attempts, got %d", cfg.MaxDeliveryAttempts)
	}
}

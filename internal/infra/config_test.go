package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"TASK_STORE", "MAX_RETRIES", "RETRY_BACKOFF_MS", "PROGRESS_INTERVAL_MS", "PROVIDER_TIMEOUT_SECONDS", "PRIMARY_API_KEY", "DATABASE_URL", "CORS_ALLOWED_ORIGINS", "SUBMIT_RATE_LIMIT_PER_MINUTE"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TaskStore != TaskStoreFile || cfg.TasksDir != ".tasks" {
		t.Fatalf("unexpected store config: %q %q", cfg.TaskStore, cfg.TasksDir)
	}
	if cfg.MaxRetries != 2 || cfg.RetryBackoff != 2*time.Second {
		t.Fatalf("unexpected retry config: %d %s", cfg.MaxRetries, cfg.RetryBackoff)
	}
	if cfg.ProgressInterval != 1500*time.Millisecond {
		t.Fatalf("ProgressInterval = %s", cfg.ProgressInterval)
	}
	if cfg.ProviderTimeout != 60*time.Second {
		t.Fatalf("ProviderTimeout = %s", cfg.ProviderTimeout)
	}
	if cfg.Primary.Model != "nano-banana" || cfg.Primary.APIKey != "" {
		t.Fatalf("unexpected primary config: %+v", cfg.Primary)
	}
	if cfg.HasDatabase() {
		t.Fatalf("database must be optional")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("CORSOrigins = %#v", cfg.CORSOrigins)
	}
	if cfg.SubmitRateLimit != 0 {
		t.Fatalf("SubmitRateLimit = %d", cfg.SubmitRateLimit)
	}
}

func TestLoadConfigRedisRequiresURL(t *testing.T) {
	t.Setenv("TASK_STORE", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TaskStore != TaskStoreRedis {
		t.Fatalf("TaskStore = %q", cfg.TaskStore)
	}
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("TASK_STORE", "sqlite")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unsupported store")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TASK_STORE", "")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("RETRY_BACKOFF_MS", "10")
	t.Setenv("PLACEHOLDER_FALLBACK", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxRetries != 0 || cfg.RetryBackoff != 10*time.Millisecond || !cfg.PlaceholderFallback {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("CORSOrigins = %#v", cfg.CORSOrigins)
	}
}

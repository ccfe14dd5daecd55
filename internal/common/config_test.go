package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if config.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", config.Server.Port)
	}
	if config.API.AuthHeader != "X-API-Key" {
		t.Errorf("expected default auth header X-API-Key, got %s", config.API.AuthHeader)
	}
	if config.Intake.CacheTTLSeconds != 43200 {
		t.Errorf("expected default cache TTL 43200, got %d", config.Intake.CacheTTLSeconds)
	}
	if config.Worker.LockMinutes != 25 {
		t.Errorf("expected default lock minutes 25, got %d", config.Worker.LockMinutes)
	}
	if !config.LLM.Enabled {
		t.Error("expected LLM enabled by default")
	}
	if config.Queue.StreamHi == config.Queue.StreamLo {
		t.Error("hi and lo streams must differ")
	}
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "explico.toml")
	baseContent := `
environment = "production"

[server]
port = 9090

[intake]
cache_ttl_seconds = 600

[queue]
stream_hi = "custom:hi"
`
	if err := os.WriteFile(base, []byte(baseContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	override := filepath.Join(dir, "explico.local.toml")
	overrideContent := `
[server]
port = 9999
`
	if err := os.WriteFile(override, []byte(overrideContent), 0644); err != nil {
		t.Fatalf("failed to write override file: %v", err)
	}

	config, err := LoadFromFiles(base, override)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Server.Port != 9999 {
		t.Errorf("expected later file to win, got port %d", config.Server.Port)
	}
	if config.Intake.CacheTTLSeconds != 600 {
		t.Errorf("expected cache TTL 600 from file, got %d", config.Intake.CacheTTLSeconds)
	}
	if config.Queue.StreamHi != "custom:hi" {
		t.Errorf("expected stream override, got %s", config.Queue.StreamHi)
	}
	// Untouched sections keep defaults
	if config.Queue.StreamLo != "explico:detalhar:lo" {
		t.Errorf("expected default lo stream, got %s", config.Queue.StreamLo)
	}
	if !config.IsProduction() {
		t.Error("expected production environment")
	}
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/explico.toml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/envdb")
	t.Setenv("REDIS_URL", "redis://env-host:6380/1")
	t.Setenv("API_KEY", "env-secret")
	t.Setenv("CACHE_TTL_SECONDS", "120")
	t.Setenv("STREAM_HI", "env:hi")
	t.Setenv("STREAM_LO", "env:lo")
	t.Setenv("CONSUMER_GROUP", "env-group")
	t.Setenv("CONSUMER_NAME", "env-consumer")
	t.Setenv("LOCK_MINUTES", "5")
	t.Setenv("USE_LLM", "false")
	t.Setenv("DATA_DIR", "/tmp/env-data")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Database.URL != "postgres://env-host/envdb" {
		t.Errorf("DATABASE_URL not applied: %s", config.Database.URL)
	}
	if config.Redis.URL != "redis://env-host:6380/1" {
		t.Errorf("REDIS_URL not applied: %s", config.Redis.URL)
	}
	if config.API.Key != "env-secret" {
		t.Errorf("API_KEY not applied: %s", config.API.Key)
	}
	if config.Intake.CacheTTLSeconds != 120 {
		t.Errorf("CACHE_TTL_SECONDS not applied: %d", config.Intake.CacheTTLSeconds)
	}
	if config.Queue.StreamHi != "env:hi" || config.Queue.StreamLo != "env:lo" {
		t.Errorf("stream overrides not applied: %s / %s", config.Queue.StreamHi, config.Queue.StreamLo)
	}
	if config.Queue.ConsumerGroup != "env-group" {
		t.Errorf("CONSUMER_GROUP not applied: %s", config.Queue.ConsumerGroup)
	}
	if config.Queue.ConsumerName != "env-consumer" {
		t.Errorf("CONSUMER_NAME not applied: %s", config.Queue.ConsumerName)
	}
	if config.Worker.LockMinutes != 5 {
		t.Errorf("LOCK_MINUTES not applied: %d", config.Worker.LockMinutes)
	}
	if config.LLM.Enabled {
		t.Error("USE_LLM=false not applied")
	}
	if config.Artifacts.Dir != "/tmp/env-data" {
		t.Errorf("DATA_DIR not applied: %s", config.Artifacts.Dir)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("LOG_LEVEL not applied: %s", config.Logging.Level)
	}
}

func TestEnvOverridesIgnoreInvalid(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("LOCK_MINUTES", "-3")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Intake.CacheTTLSeconds != 43200 {
		t.Errorf("invalid CACHE_TTL_SECONDS should keep default, got %d", config.Intake.CacheTTLSeconds)
	}
	if config.Worker.LockMinutes != 25 {
		t.Errorf("negative LOCK_MINUTES should keep default, got %d", config.Worker.LockMinutes)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 3000, "127.0.0.1")
	if config.Server.Port != 3000 || config.Server.Host != "127.0.0.1" {
		t.Errorf("flag overrides not applied: %s:%d", config.Server.Host, config.Server.Port)
	}

	ApplyFlagOverrides(config, 0, "")
	if config.Server.Port != 3000 || config.Server.Host != "127.0.0.1" {
		t.Error("zero-value flags must not override")
	}
}

func TestDurationHelpers(t *testing.T) {
	config := NewDefaultConfig()

	if config.CacheTTL() != 12*time.Hour {
		t.Errorf("expected 12h cache TTL, got %v", config.CacheTTL())
	}
	if config.Lease() != 25*time.Minute {
		t.Errorf("expected 25m lease, got %v", config.Lease())
	}
	if config.PollWindow() != 5*time.Second {
		t.Errorf("expected 5s poll window, got %v", config.PollWindow())
	}
	if config.ReapInterval() != time.Minute {
		t.Errorf("expected 1m reap interval, got %v", config.ReapInterval())
	}
}

func TestBackoff(t *testing.T) {
	config := NewDefaultConfig()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second}, // Clamped up to one attempt
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{5, 480 * time.Second},
		{6, 900 * time.Second},  // Hits the cap
		{12, 900 * time.Second}, // Stays at the cap
		{80, 900 * time.Second}, // Shift overflow clamps to the cap
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "STORAGE_BACKEND", "TERMINAL_RETENTION", "MAX_CONCURRENT_JOBS", "MAX_IN_MEMORY_SIZE"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.StorageBackend != "fs" {
		t.Errorf("StorageBackend = %q, want fs", cfg.StorageBackend)
	}
	if cfg.TerminalRetention != 10*time.Minute {
		t.Errorf("TerminalRetention = %v, want 10m", cfg.TerminalRetention)
	}
	if cfg.ShareDefaultHours != 24 {
		t.Errorf("ShareDefaultHours = %d, want 24", cfg.ShareDefaultHours)
	}
	if cfg.MemoryLimit != 256*1024*1024 {
		t.Errorf("MemoryLimit = %d, want 256MiB", cfg.MemoryLimit)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CLEANUP_INTERVAL_HOURS", "0.5")
	t.Setenv("TERMINAL_RETENTION", "90s")
	t.Setenv("MAX_CONCURRENT_JOBS", "12")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.CleanupInterval != 30*time.Minute {
		t.Errorf("CleanupInterval = %v, want 30m", cfg.CleanupInterval)
	}
	if cfg.TerminalRetention != 90*time.Second {
		t.Errorf("TerminalRetention = %v, want 90s", cfg.TerminalRetention)
	}
	if cfg.MaxConcurrentJobs != 12 {
		t.Errorf("MaxConcurrentJobs = %d", cfg.MaxConcurrentJobs)
	}
	if cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %v, want fallback 10", cfg.RateLimitRPS)
	}
}

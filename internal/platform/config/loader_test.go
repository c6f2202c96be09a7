package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	result, err := NewLoader().WithDotEnv(false).WithPath(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	cfg := result.Config
	if cfg.Portal.Port != 8080 {
		t.Errorf("expected default portal port 8080, got %d", cfg.Portal.Port)
	}
	if cfg.Rewards.PerVideoMB != 20 {
		t.Errorf("expected default per-video credit 20, got %d", cfg.Rewards.PerVideoMB)
	}
	if len(cfg.Rewards.Milestones) != 1 || cfg.Rewards.Milestones[0].Count != 5 {
		t.Errorf("unexpected default milestones: %+v", cfg.Rewards.Milestones)
	}
}

func TestLoaderYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
portal:
  enabled: true
  port: 9090
proxy:
  enabled: true
  port: 3128
  flush_bytes: 65536
rewards:
  per_video_mb: 50
  min_watch_fraction: 0.8
  milestones:
    - count: 3
      bundle_mb: 60
    - count: 10
      bundle_mb: 250
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	result, err := NewLoader().WithDotEnv(false).WithPath(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	cfg := result.Config
	if cfg.Portal.Port != 9090 {
		t.Errorf("portal port = %d, want 9090", cfg.Portal.Port)
	}
	if cfg.Proxy.Port != 3128 {
		t.Errorf("proxy port = %d, want 3128", cfg.Proxy.Port)
	}
	if cfg.Rewards.PerVideoMB != 50 {
		t.Errorf("per-video credit = %d, want 50", cfg.Rewards.PerVideoMB)
	}
	if len(cfg.Rewards.Milestones) != 2 {
		t.Fatalf("milestones = %+v, want 2 entries", cfg.Rewards.Milestones)
	}
}

func TestLoaderEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_PORTAL_PORT", "7070")
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	result, err := NewLoader().WithDotEnv(false).WithPath(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if result.Config.Portal.Port != 7070 {
		t.Errorf("portal port = %d, want env override 7070", result.Config.Portal.Port)
	}
	if result.Config.Server.JWTSecret != "test-secret" {
		t.Errorf("jwt secret not overridden from env")
	}
}

func TestValidateRejectsBadMilestones(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rewards.Milestones = []MilestoneRule{
		{Count: 5, BundleMB: 100},
		{Count: 10, BundleMB: 100}, // bundle size not increasing
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for non-increasing milestone table")
	}

	cfg = DefaultConfig()
	cfg.Rewards.MinWatchFraction = 1.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for watch fraction > 1")
	}
}

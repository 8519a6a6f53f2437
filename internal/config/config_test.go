package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "5000" {
		t.Fatalf("Port = %s, want 5000", cfg.Port)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("TokenTTL = %v, want 24h", cfg.TokenTTL)
	}
	if cfg.DefaultAdminPassword != "" {
		t.Fatalf("DefaultAdminPassword default should be empty, got %q", cfg.DefaultAdminPassword)
	}
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("REGISTRY_PORT", "8080")
	t.Setenv("TOKEN_TTL", "10m")
	t.Setenv("UPLOAD_HORIZON", "not-a-duration")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.TokenTTL != 10*time.Minute {
		t.Fatalf("TokenTTL = %v, want 10m", cfg.TokenTTL)
	}
	// An unparseable duration falls back to the default rather than zero.
	if cfg.UploadHorizon != 24*time.Hour {
		t.Fatalf("UploadHorizon = %v, want fallback of 24h", cfg.UploadHorizon)
	}
}

package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/dossiers")
	t.Setenv("STORAGE_SIGNING_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.UploadTTL != 10*time.Minute {
		t.Fatalf("expected 10m upload TTL, got %v", cfg.Storage.UploadTTL)
	}
	if !cfg.EmailVerifiedOnAccess {
		t.Fatal("email verification on access should default on")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.savri.nl" {
		t.Fatalf("unexpected default CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE_SIGNING_SECRET", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/dossiers")
	t.Setenv("STORAGE_SIGNING_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without STORAGE_SIGNING_SECRET")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("EMAIL_VERIFIED_ON_ACCESS", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("WORKER_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.EmailVerifiedOnAccess {
		t.Fatal("expected EMAIL_VERIFIED_ON_ACCESS=false to stick")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
	if cfg.Worker.Interval != 30*time.Second {
		t.Fatalf("expected 30s worker interval, got %v", cfg.Worker.Interval)
	}
}

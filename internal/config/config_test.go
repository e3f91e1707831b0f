package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PRODUCT_ID", "acme")
	t.Setenv("JWKS_ENDPOINT", "https://accounts.example.com/.well-known/jwks.json")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port=%d, want 8080", cfg.Port)
	}
	if cfg.JWTAudience != "collab-gateway" {
		t.Fatalf("JWTAudience=%q, want %q", cfg.JWTAudience, "collab-gateway")
	}
	if cfg.SoftShutdownTicks != 3 {
		t.Fatalf("SoftShutdownTicks=%d, want 3", cfg.SoftShutdownTicks)
	}
	if cfg.StatsRollInterval != time.Minute {
		t.Fatalf("StatsRollInterval=%v, want %v", cfg.StatsRollInterval, time.Minute)
	}
	if !cfg.EnableCompression {
		t.Fatalf("EnableCompression=false, want true")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PRODUCT_ID", "acme")
	t.Setenv("ENABLE_COMPRESSION", "false")
	t.Setenv("SOFT_SHUTDOWN_TICKS", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("Port=%d, want 9090", cfg.Port)
	}
	if cfg.ProductID != "acme" {
		t.Fatalf("ProductID=%q, want acme", cfg.ProductID)
	}
	if cfg.EnableCompression {
		t.Fatalf("EnableCompression=true, want false")
	}
	if cfg.SoftShutdownTicks != 5 {
		t.Fatalf("SoftShutdownTicks=%d, want 5", cfg.SoftShutdownTicks)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" {
		t.Fatalf("AllowedOrigins=%v, want two trimmed entries", cfg.AllowedOrigins)
	}
}

func TestLoadRateLimitDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SessionRateLimit != 50 {
		t.Fatalf("SessionRateLimit=%v, want 50", cfg.SessionRateLimit)
	}
	if cfg.SessionRateBurst != 100 {
		t.Fatalf("SessionRateBurst=%d, want 100", cfg.SessionRateBurst)
	}
}

func TestLoadRequiresProductID(t *testing.T) {
	t.Setenv("PRODUCT_ID", "")
	t.Setenv("JWKS_ENDPOINT", "https://accounts.example.com/.well-known/jwks.json")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for missing PRODUCT_ID")
	}
}

func TestLoadRequiresJWKSEndpoint(t *testing.T) {
	t.Setenv("PRODUCT_ID", "acme")
	t.Setenv("JWKS_ENDPOINT", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for missing JWKS_ENDPOINT")
	}
}

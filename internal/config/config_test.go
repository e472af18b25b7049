package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://localhost:5000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8090" {
		t.Errorf("expected default port 8090, got %q", cfg.Port)
	}
	if cfg.BackendURL != "http://localhost:5000" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.BackendURL)
	}
	if cfg.DBPath != "./data/storefront.db" {
		t.Errorf("unexpected DB path %q", cfg.DBPath)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.RefreshTimeout != 10*time.Second {
		t.Errorf("unexpected timeouts: %v %v", cfg.RequestTimeout, cfg.RefreshTimeout)
	}
	if cfg.LogLevel != slog.LevelInfo || !cfg.Events.Enabled {
		t.Errorf("unexpected defaults: level=%v events=%v", cfg.LogLevel, cfg.Events.Enabled)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.com")
	t.Setenv("PORT", "9000")
	t.Setenv("REQUEST_TIMEOUT", "30")
	t.Setenv("REFRESH_TIMEOUT", "2s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("EVENTS_ENABLED", "off")
	t.Setenv("FRONTEND_URL", "https://shop.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9000" || cfg.RequestTimeout != 30*time.Second || cfg.RefreshTimeout != 2*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.Events.Enabled {
		t.Errorf("unexpected level/events: %v %v", cfg.LogLevel, cfg.Events.Enabled)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode")
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	tests := map[string]string{
		"missing":  "",
		"relative": "/api",
		"scheme":   "ftp://example.com",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("BACKEND_URL", value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for BACKEND_URL=%q", value)
			}
		})
	}
}

func TestValidateTimeouts(t *testing.T) {
	cfg := &Config{Port: "1", BackendURL: "http://x", DBPath: "db", RequestTimeout: 0, RefreshTimeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero request timeout")
	}
}

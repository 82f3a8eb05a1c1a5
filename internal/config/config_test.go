package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "HEARTBEAT_INTERVAL", "MONGO_URI", "REDIS_ADDR", "ALLOWED_ORIGINS", "AUTH_JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Relay.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat, got %s", cfg.Relay.HeartbeatInterval)
	}
	if cfg.Mongo.Enabled() {
		t.Fatal("expected mongo disabled without MONGO_URI")
	}
	if cfg.Redis.Enabled() {
		t.Fatal("expected redis mirror disabled without REDIS_ADDR")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard origins, got %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("HEARTBEAT_INTERVAL", "5")
	t.Setenv("PERSIST_TIMEOUT", "1500ms")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
	if cfg.Relay.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected heartbeat %s", cfg.Relay.HeartbeatInterval)
	}
	if cfg.Relay.PersistTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected persist timeout %s", cfg.Relay.PersistTimeout)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if !cfg.Mongo.Enabled() {
		t.Fatal("expected mongo enabled")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid heartbeat interval")
	}
}

func TestLoadRejectsPortWithSpaces(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "")
	t.Setenv("PORT", "80 80")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

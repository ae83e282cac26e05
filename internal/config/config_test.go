package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3333 || cfg.Addr() != ":3333" {
		t.Fatalf("expected default port 3333, got %d", cfg.Port)
	}
	if cfg.TickRate != 30 || cfg.DetectEvery != 2 {
		t.Fatalf("unexpected loop defaults: tick=%d detect=%d", cfg.TickRate, cfg.DetectEvery)
	}
	if cfg.CheckpointInterval != 30*time.Second || cfg.PriceTTL != 10*time.Second {
		t.Fatalf("unexpected durations: checkpoint=%s ttl=%s", cfg.CheckpointInterval, cfg.PriceTTL)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("expected memory store by default, got %q", cfg.StoreDriver)
	}
	if len(cfg.LogSinks) != 1 || cfg.LogSinks[0] != "console" {
		t.Fatalf("expected console sink, got %v", cfg.LogSinks)
	}
	if cfg.Settlement.MaxTries != 20 || cfg.Settlement.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected settlement defaults: %+v", cfg.Settlement)
	}
	if cfg.DevLedgerEndpoints {
		t.Fatalf("dev endpoints should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_SINKS", "console,json")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/sessions.db")
	t.Setenv("SETTLEMENT_MAX_TRIES", "3")
	t.Setenv("DEV_LEDGER_ENDPOINTS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Port)
	}
	if len(cfg.LogSinks) != 2 || cfg.LogSinks[1] != "json" {
		t.Fatalf("expected two sinks, got %v", cfg.LogSinks)
	}
	if cfg.StoreDriver != StoreSQLite || cfg.SQLitePath != "/tmp/sessions.db" {
		t.Fatalf("unexpected store settings: %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}
	if cfg.Settlement.MaxTries != 3 || !cfg.DevLedgerEndpoints {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("TICK_RATE", "fast")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres needs dsn", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "redis"}, "unknown STORE_DRIVER"},
		{"bad fee", map[string]string{"LEDGER_FEE_BPS": "20000"}, "LEDGER_FEE_BPS"},
		{"bad contract", map[string]string{"CONTRACT_ADDRESS": "0x12"}, "CONTRACT_ADDRESS"},
		{"zero tick rate", map[string]string{"TICK_RATE": "0"}, "TICK_RATE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

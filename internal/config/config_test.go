// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "DATABASE_URL", "ENV", "ADMIN_TOKEN", "AUTO_MIGRATE",
		"CACHE_TTL", "CACHE_TIMEOUT", "STORE_TIMEOUT", "REQUESTS_PER_MIN",
		"TOUCH_FLUSH_INTERVAL", "LOW_BALANCE_THRESHOLD", "ALERT_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTPAddr=:8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if !cfg.AutoMigrate {
		t.Fatal("expected default AutoMigrate=true")
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("expected default CacheTTL=1h, got %s", cfg.CacheTTL)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("expected default StoreTimeout=5s, got %s", cfg.StoreTimeout)
	}
	if cfg.RequestsPerMin != 60 {
		t.Fatalf("expected default RequestsPerMin=60, got %d", cfg.RequestsPerMin)
	}
	if cfg.LowBalanceThreshold != 0 {
		t.Fatalf("expected default LowBalanceThreshold=0, got %d", cfg.LowBalanceThreshold)
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENV", "prod")
	t.Setenv("ADMIN_TOKEN", "master-token")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("REQUESTS_PER_MIN", "240")
	t.Setenv("LOW_BALANCE_THRESHOLD", "25")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/balance")

	cfg := Load()

	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "prod" {
		t.Fatalf("expected ENV override, got %s", cfg.Env)
	}
	if cfg.AdminToken != "master-token" {
		t.Fatalf("expected ADMIN_TOKEN override, got %s", cfg.AdminToken)
	}
	if cfg.AutoMigrate {
		t.Fatal("expected AUTO_MIGRATE override to false")
	}
	if cfg.CacheTTL != 30*time.Minute {
		t.Fatalf("expected CACHE_TTL override, got %s", cfg.CacheTTL)
	}
	if cfg.RequestsPerMin != 240 {
		t.Fatalf("expected REQUESTS_PER_MIN override, got %d", cfg.RequestsPerMin)
	}
	if cfg.LowBalanceThreshold != 25 {
		t.Fatalf("expected LOW_BALANCE_THRESHOLD override, got %d", cfg.LowBalanceThreshold)
	}
	if cfg.AlertWebhookURL != "https://hooks.example.com/balance" {
		t.Fatalf("expected ALERT_WEBHOOK_URL override, got %s", cfg.AlertWebhookURL)
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("EXAMPLE_KEY", "value")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}
	t.Setenv("EXAMPLE_KEY", "")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}

	t.Setenv("BOOL_KEY", "0")
	if getenvBool("BOOL_KEY", true) {
		t.Fatal("expected false value")
	}
	t.Setenv("BOOL_KEY", "not-a-bool")
	if !getenvBool("BOOL_KEY", true) {
		t.Fatal("expected fallback on unparsable bool")
	}

	t.Setenv("INT_KEY", "17")
	if got := getenvInt("INT_KEY", 3); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}

	t.Setenv("DUR_KEY", "-5s")
	if got := getenvDuration("DUR_KEY", time.Second); got != time.Second {
		t.Fatalf("expected fallback on non-positive duration, got %s", got)
	}
}

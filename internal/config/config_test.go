package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "[server]\nport = 9000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port=%d want 9000", cfg.Server.Port)
	}
	if cfg.Region.RadiusKm != 195 {
		t.Fatalf("radius=%v want 195", cfg.Region.RadiusKm)
	}
	if cfg.OGN.User != "N0CALL" {
		t.Fatalf("ogn user=%q want N0CALL", cfg.OGN.User)
	}
	if got := Seconds(cfg.Tracking.RemovalTimeoutSecs); got != 10*time.Minute {
		t.Fatalf("removal timeout=%s want 10m", got)
	}
	if cfg.ADSB.MaxAltitudeFt != 5000 {
		t.Fatalf("max altitude=%v want 5000", cfg.ADSB.MaxAltitudeFt)
	}
}

func TestValidate_Storage(t *testing.T) {
	path := writeTempConfig(t, "[storage]\ntype = \"postgres\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	requireErrEq(t, cfg.Validate(),
		"storage.postgres_dsn (or DATABASE_URL) is required when storage.type is postgres")

	cfg.Storage.Type = "mongo"
	requireErrEq(t, cfg.Validate(), "invalid storage type: mongo (must be 'sqlite' or 'postgres')")
}

func TestValidate_FlightIdleNotShorterThanRemoval(t *testing.T) {
	cfg := Default()
	cfg.Tracking.FlightStateIdleSecs = 60
	requireErrEq(t, cfg.Validate(),
		"tracking.flight_state_idle_seconds (60) must not be shorter than removal_timeout_seconds (600)")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "http://hooks.example/flights")
	t.Setenv("WEBHOOK_API_KEY", "k")
	t.Setenv("WEBSOCKET_PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")

	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Webhook.Enabled || cfg.Webhook.URL != "http://hooks.example/flights" || cfg.Webhook.APIKey != "k" {
		t.Fatalf("webhook not taken from env: %+v", cfg.Webhook)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("port=%d want 9999", cfg.Server.Port)
	}
	if cfg.Storage.PostgresDSN != "postgres://u:p@localhost/db" {
		t.Fatalf("dsn=%q", cfg.Storage.PostgresDSN)
	}

	t.Setenv("WEBHOOK_ENABLED", "false")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Webhook.Enabled {
		t.Fatalf("WEBHOOK_ENABLED=false must disable the webhook")
	}
}

func TestValidate_WebhookNeedsURL(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Enabled = true
	requireErrEq(t, cfg.Validate(),
		"webhook.url is required when the webhook is enabled (set WEBHOOK_URL or webhook.enabled = false)")
}

func TestLoadWithFallback_MissingPreferred(t *testing.T) {
	if _, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing preferred config")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CIRQL_AUTH_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RadiusMeters != 100 || cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected proximity defaults: radius=%v poll=%v", cfg.RadiusMeters, cfg.PollInterval)
	}
	if cfg.LeaseTTL != time.Minute || cfg.SweepInterval != 15*time.Second || cfg.LocationMaxAge != 2*time.Minute {
		t.Fatalf("unexpected presence defaults: %+v", cfg)
	}
	if cfg.SessionIssuer != "tauth" || cfg.SessionCookie != defaultCookieName {
		t.Fatalf("unexpected auth defaults: %+v", cfg)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("CIRQL_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("CIRQL_PROXIMITY_RADIUS_METERS", "250")
	t.Setenv("CIRQL_PROXIMITY_POLL_INTERVAL", "45s")
	t.Setenv("CIRQL_REDIS_ADDRESS", "redis:6380")
	t.Setenv("CIRQL_REDIS_DB", "2")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RadiusMeters != 250 || cfg.PollInterval != 45*time.Second {
		t.Fatalf("expected proximity overrides, got radius=%v poll=%v", cfg.RadiusMeters, cfg.PollInterval)
	}
	if cfg.RedisAddress != "redis:6380" || cfg.RedisDB != 2 {
		t.Fatalf("expected redis overrides, got %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		message string
	}{
		{
			name:    "missing secret",
			env:     map[string]string{},
			message: "auth.signing_secret",
		},
		{
			name:    "non positive radius",
			env:     map[string]string{"CIRQL_AUTH_SIGNING_SECRET": "secret", "CIRQL_PROXIMITY_RADIUS_METERS": "0"},
			message: "proximity.radius_meters",
		},
		{
			name:    "sweep slower than lease",
			env:     map[string]string{"CIRQL_AUTH_SIGNING_SECRET": "secret", "CIRQL_PRESENCE_SWEEP_INTERVAL": "2m"},
			message: "presence.sweep_interval",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Setenv("CIRQL_AUTH_SIGNING_SECRET", "")
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	const key = "CIRQL_DOTENV_TEST_MARKER"
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=loaded\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load .env failed: %v", err)
	}
	if got := os.Getenv(key); got != "loaded" {
		t.Fatalf("expected %s to be loaded, got %q", key, got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("SANDBOX_AGENT_CONFIG_FILE", "")
	t.Setenv("SANDBOX_AGENT_HMAC_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ports.RangeStart != 3001 || cfg.Ports.RangeEnd != 3999 {
		t.Fatalf("unexpected default range %d-%d", cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	}
	if cfg.Lifecycle.Idle() != 7*24*time.Hour {
		t.Fatalf("unexpected idle threshold %s", cfg.Lifecycle.Idle())
	}
	if cfg.Driver.Image != "bkimminich/juice-shop" {
		t.Fatalf("unexpected image %q", cfg.Driver.Image)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("SANDBOX_AGENT_CONFIG_FILE", "")
	t.Setenv("SANDBOX_AGENT_HMAC_SECRET", "s3cret")
	t.Setenv("PORT_RANGE_START", "4000")
	t.Setenv("PORT_RANGE_END", "4010")
	t.Setenv("INSTANCE_EXPIRY_DAYS", "2")
	t.Setenv("HOST_IP", "10.0.0.5")
	t.Setenv("DB_PATH", "/tmp/x.db")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ports.RangeStart != 4000 || cfg.Ports.RangeEnd != 4010 || cfg.Ports.HostIP != "10.0.0.5" {
		t.Fatalf("env not applied: %+v", cfg.Ports)
	}
	if cfg.Lifecycle.ExpiryDays != 2 || cfg.Storage.DBPath != "/tmp/x.db" {
		t.Fatalf("env not applied: %+v %+v", cfg.Lifecycle, cfg.Storage)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.yaml")
	body := "ports:\n  range_start: 5000\n  range_end: 5100\nlifecycle:\n  allocation_attempts: 5\n"
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SANDBOX_AGENT_CONFIG_FILE", file)
	t.Setenv("SANDBOX_AGENT_HMAC_SECRET", "s3cret")
	t.Setenv("PORT_RANGE_END", "5050")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ports.RangeStart != 5000 || cfg.Ports.RangeEnd != 5050 {
		t.Fatalf("expected yaml start and env end, got %+v", cfg.Ports)
	}
	if cfg.Lifecycle.AllocationAttempts != 5 {
		t.Fatalf("yaml attempts not applied: %d", cfg.Lifecycle.AllocationAttempts)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"inverted range":  func(c *Config) { c.Ports.RangeStart, c.Ports.RangeEnd = 4000, 3000 },
		"range too high":  func(c *Config) { c.Ports.RangeEnd = 70000 },
		"zero expiry":     func(c *Config) { c.Lifecycle.ExpiryDays = 0 },
		"zero sweep":      func(c *Config) { c.Lifecycle.SweepIntervalSeconds = 0 },
		"bad label":       func(c *Config) { c.Driver.ManagedLabel = "managed" },
		"zero timeout":    func(c *Config) { c.Driver.InspectTimeoutSeconds = 0 },
		"grace too long":  func(c *Config) { c.Driver.StopGraceSeconds = c.Driver.StopTimeoutSeconds },
		"missing secret":  func(c *Config) { c.Auth.HMACSecret = "" },
		"bad scheme":      func(c *Config) { c.Ports.URLScheme = "ftp" },
		"no parallelism":  func(c *Config) { c.Shutdown.Parallelism = 0 },
		"short nonce ttl": func(c *Config) { c.Auth.NonceTTLSeconds = 10 },
		"no allocation":   func(c *Config) { c.Lifecycle.AllocationAttempts = 0 },
		"webhook secret":  func(c *Config) { c.Challenges.ScoreWebhookURL = "https://lms.example/scores" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.HMACSecret = "s3cret"
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

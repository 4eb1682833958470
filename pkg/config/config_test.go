package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("Expected default config to be created")
	}

	if cfg.Node.PollInterval != 5*time.Second {
		t.Errorf("Expected default poll interval 5s, got %s", cfg.Node.PollInterval)
	}

	if cfg.Router.GenerationTimeout != 300*time.Second {
		t.Errorf("Expected default generation timeout 300s, got %s", cfg.Router.GenerationTimeout)
	}

	if cfg.Router.HealthTimeout != 10*time.Second {
		t.Errorf("Expected default health timeout 10s, got %s", cfg.Router.HealthTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	configContent := `
store:
  addr: "redis:6379"
  pool_size: 10
  connection_timeout: "5s"

router:
  port: 8000
  public_addr: "router.example.com"
  generation_timeout: "120s"

node:
  port: 8005
  poll_interval: "2s"
  models_dir: "/tmp/models"
  device_override: "cpu"

json:
  library: "sonic"

logging:
  level: "debug"
`

	tmpfile, err := os.CreateTemp("", "gridserve_test_config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpfile.Close()

	cfg, err := LoadConfig(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Store.Addr != "redis:6379" {
		t.Errorf("Expected store addr redis:6379, got %s", cfg.Store.Addr)
	}

	if cfg.Router.GenerationTimeout != 120*time.Second {
		t.Errorf("Expected generation timeout 120s, got %s", cfg.Router.GenerationTimeout)
	}

	if cfg.Node.PollInterval != 2*time.Second {
		t.Errorf("Expected poll interval 2s, got %s", cfg.Node.PollInterval)
	}

	if cfg.Node.DeviceOverride != "cpu" {
		t.Errorf("Expected device override cpu, got %s", cfg.Node.DeviceOverride)
	}

	if string(cfg.JSON.Library) != "sonic" {
		t.Errorf("Expected json library sonic, got %s", cfg.JSON.Library)
	}

	// Sections absent from the file keep their defaults
	if cfg.Node.DownloadTimeout != 30*time.Minute {
		t.Errorf("Expected default download timeout, got %s", cfg.Node.DownloadTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store addr", func(c *Config) { c.Store.Addr = "" }},
		{"bad router port", func(c *Config) { c.Router.Port = 0 }},
		{"bad node port", func(c *Config) { c.Node.Port = 70000 }},
		{"zero poll interval", func(c *Config) { c.Node.PollInterval = 0 }},
		{"bad json library", func(c *Config) { c.JSON.Library = "yaml" }},
		{"bad device override", func(c *Config) { c.Node.DeviceOverride = "tpu" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// helper to build a valid config quickly
func valid() *Config {
	cfg := Default()
	cfg.Source.URL = "http://counter.local/api/pending"
	return cfg
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.Source.PollInterval != 15*time.Second {
		t.Fatalf("poll interval=%v", cfg.Source.PollInterval)
	}
	if cfg.Source.RetryDelay != 5*time.Second {
		t.Fatalf("retry delay=%v", cfg.Source.RetryDelay)
	}
	if cfg.Source.Timeout != 10*time.Second {
		t.Fatalf("timeout=%v", cfg.Source.Timeout)
	}
	if cfg.Lifecycle.DrainTimeout != 60*time.Second {
		t.Fatalf("drain timeout=%v", cfg.Lifecycle.DrainTimeout)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labeld.yaml")
	data := `
source:
  url: http://example.test/count
  poll_interval: 30s
printer:
  transport: tcp
  address: 10.0.0.5:9100
webhooks:
  endpoints:
    - name: ops
      url: http://hooks.test/labels
      events: [batch_failed]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if cfg.Source.URL != "http://example.test/count" {
		t.Fatalf("url=%q", cfg.Source.URL)
	}
	if cfg.Source.PollInterval != 30*time.Second {
		t.Fatalf("poll interval=%v", cfg.Source.PollInterval)
	}
	// untouched keys keep their defaults
	if cfg.Source.RetryDelay != 5*time.Second {
		t.Fatalf("retry delay=%v", cfg.Source.RetryDelay)
	}
	if !cfg.Printer.Precheck {
		t.Fatal("precheck default lost")
	}
	if len(cfg.Webhooks.Endpoints) != 1 || cfg.Webhooks.Endpoints[0].Events[0] != "batch_failed" {
		t.Fatalf("webhooks=%+v", cfg.Webhooks.Endpoints)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("source: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LABELD_ENDPOINT_URL":     "https://remote.test/pending",
		"LABELD_POLL_INTERVAL_MS": "20000",
		"LABELD_MAX_RETRIES":      "7",
		"LABELD_RETRY_DELAY_MS":   "2500",
		"LABELD_PRINTER_DEVICE":   "/dev/usb/lp1",
		"LABELD_LOG_LEVEL":        "debug",
	}

	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv() err=%v", err)
	}

	if cfg.Source.URL != "https://remote.test/pending" {
		t.Fatalf("url=%q", cfg.Source.URL)
	}
	if cfg.Source.PollInterval != 20*time.Second {
		t.Fatalf("poll interval=%v", cfg.Source.PollInterval)
	}
	if cfg.Source.MaxRetries != 7 {
		t.Fatalf("max retries=%d", cfg.Source.MaxRetries)
	}
	if cfg.Source.RetryDelay != 2500*time.Millisecond {
		t.Fatalf("retry delay=%v", cfg.Source.RetryDelay)
	}
	if cfg.Printer.DevicePath != "/dev/usb/lp1" {
		t.Fatalf("device=%q", cfg.Printer.DevicePath)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) string {
		if k == "LABELD_POLL_INTERVAL_MS" {
			return "fast"
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "LABELD_POLL_INTERVAL_MS") {
		t.Fatalf("expected env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.Source.URL = "" }, "source url is required"},
		{"relative url", func(c *Config) { c.Source.URL = "/pending" }, "absolute http(s) url"},
		{"zero interval", func(c *Config) { c.Source.PollInterval = 0 }, "poll interval"},
		{"zero retry delay", func(c *Config) { c.Source.RetryDelay = 0 }, "retry delay"},
		{"tcp without address", func(c *Config) { c.Printer.Transport = TransportTCP }, "printer address"},
		{"unknown transport", func(c *Config) { c.Printer.Transport = "cups" }, "invalid printer transport"},
		{"bad dpi", func(c *Config) { c.Printer.DPI = 150 }, "unsupported DPI"},
		{"negative archive days", func(c *Config) { c.Database.ArchiveDays = -1 }, "archive days"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"webhook without url", func(c *Config) {
			c.Webhooks.Endpoints = []WebhookEndpoint{{Name: "x"}}
		}, "webhook 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

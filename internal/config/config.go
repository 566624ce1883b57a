package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Printer   PrinterConfig   `yaml:"printer"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Status    StatusConfig    `yaml:"status"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SourceConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	// MaxRetries only controls when failures are reported loudly.
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type PrinterConfig struct {
	Transport         string        `yaml:"transport"`
	DevicePath        string        `yaml:"device_path"`
	Address           string        `yaml:"address"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	Precheck          bool          `yaml:"precheck"`
	DPI               int           `yaml:"dpi"`
	LabelWidthMM      float64       `yaml:"label_width_mm"`
	LabelHeightMM     float64       `yaml:"label_height_mm"`
	GapMM             float64       `yaml:"gap_mm"`
	QRCellWidth       int           `yaml:"qr_cell_width"`
}

type LifecycleConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type StatusConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Listen            string `yaml:"listen"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// ArchiveDays moves batches older than this into monthly archive files.
	// Zero keeps history in the main database forever.
	ArchiveDays int    `yaml:"archive_days"`
	ArchivePath string `yaml:"archive_path"`
}

type WebhooksConfig struct {
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
	Timeout   time.Duration     `yaml:"timeout"`
	Retries   int               `yaml:"retries"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	TransportDevice = "device"
	TransportTCP    = "tcp"
)

func defaults() *Config {
	return &Config{
		Source: SourceConfig{
			PollInterval: 15 * time.Second,
			RetryDelay:   5 * time.Second,
			MaxRetries:   5,
			Timeout:      10 * time.Second,
		},
		Printer: PrinterConfig{
			Transport:         TransportDevice,
			DevicePath:        "/dev/usb/lp0",
			ConnectionTimeout: 10 * time.Second,
			Precheck:          true,
			DPI:               203,
			LabelWidthMM:      50,
			LabelHeightMM:     30,
			GapMM:             2,
		},
		Lifecycle: LifecycleConfig{
			DrainTimeout: 60 * time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8089",
		},
		Database: DatabaseConfig{
			Path:        "./data/labeld.db",
			ArchiveDays: 90,
			ArchivePath: "./data/archives",
		},
		Webhooks: WebhooksConfig{
			Timeout: 10 * time.Second,
			Retries: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads configPath over the defaults. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays LABELD_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("LABELD_ENDPOINT_URL"); v != "" {
		c.Source.URL = v
	}

	if v := getenv("LABELD_POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LABELD_POLL_INTERVAL_MS: %w", err)
		}
		c.Source.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if v := getenv("LABELD_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LABELD_MAX_RETRIES: %w", err)
		}
		c.Source.MaxRetries = n
	}

	if v := getenv("LABELD_RETRY_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LABELD_RETRY_DELAY_MS: %w", err)
		}
		c.Source.RetryDelay = time.Duration(ms) * time.Millisecond
	}

	if v := getenv("LABELD_PRINTER_TRANSPORT"); v != "" {
		c.Printer.Transport = v
	}

	if v := getenv("LABELD_PRINTER_DEVICE"); v != "" {
		c.Printer.DevicePath = v
	}

	if v := getenv("LABELD_PRINTER_ADDRESS"); v != "" {
		c.Printer.Address = v
	}

	if v := getenv("LABELD_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := getenv("LABELD_STATUS_LISTEN"); v != "" {
		c.Status.Listen = v
	}

	if v := getenv("LABELD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := getenv("LABELD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source url is required")
	}

	u, err := url.Parse(c.Source.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source url must be an absolute http(s) url, got %q", c.Source.URL)
	}

	if c.Source.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Source.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source timeout must be positive")
	}

	switch c.Printer.Transport {
	case TransportDevice:
		if c.Printer.DevicePath == "" {
			return fmt.Errorf("printer device path is required for device transport")
		}
	case TransportTCP:
		if c.Printer.Address == "" {
			return fmt.Errorf("printer address is required for tcp transport")
		}
	default:
		return fmt.Errorf("invalid printer transport: %s (valid: device, tcp)", c.Printer.Transport)
	}

	if c.Printer.ConnectionTimeout < 0 {
		return fmt.Errorf("printer connection timeout must be non-negative")
	}

	if c.Printer.DPI != 203 && c.Printer.DPI != 300 && c.Printer.DPI != 600 {
		return fmt.Errorf("unsupported DPI: %d (supported: 203, 300, 600)", c.Printer.DPI)
	}

	if c.Printer.LabelWidthMM <= 0 || c.Printer.LabelHeightMM <= 0 {
		return fmt.Errorf("label width and height must be positive")
	}

	if c.Printer.GapMM < 0 {
		return fmt.Errorf("label gap must be non-negative")
	}

	if c.Printer.QRCellWidth < 0 || c.Printer.QRCellWidth > 10 {
		return fmt.Errorf("qr cell width must be between 0 and 10, got %d", c.Printer.QRCellWidth)
	}

	if c.Lifecycle.DrainTimeout < 0 {
		return fmt.Errorf("drain timeout must be non-negative")
	}

	if c.Status.Enabled && c.Status.Listen == "" {
		return fmt.Errorf("status listen address is required when status api is enabled")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Webhooks.Retries < 0 {
		return fmt.Errorf("webhook retries must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
		"auto":  true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain, auto)", c.Logging.Format)
	}

	return nil
}

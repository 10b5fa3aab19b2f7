package moisson

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/moisson/internal/browser"
)

// Config holds the full moisson configuration.
type Config struct {
	Browser  BrowserConfig `yaml:"browser"`
	Scrape   ScrapeConfig  `yaml:"scrape"`
	Store    StoreConfig   `yaml:"store"`
	Sinks    SinksConfig   `yaml:"sinks"`
	Server   ServerConfig  `yaml:"server"`
	Queue    QueueConfig   `yaml:"queue"`
	LogLevel string        `yaml:"log_level"`
}

// BrowserConfig configures the Chromium processes.
type BrowserConfig struct {
	Headless         bool     `yaml:"headless"`
	BinaryPath       string   `yaml:"binary_path"`
	RemoteURL        string   `yaml:"remote_url"`
	WindowWidth      int      `yaml:"window_width"`
	WindowHeight     int      `yaml:"window_height"`
	Proxy            string   `yaml:"proxy"`
	Stealth          bool     `yaml:"stealth"`
	BlockResources   []string `yaml:"block_resources"`
	IgnoreCertErrors bool     `yaml:"ignore_cert_errors"`
	UserAgent        string   `yaml:"user_agent"`
	PoolSize         int      `yaml:"pool_size"`
}

// ScrapeConfig sets the per-run budgets. Request fields override them.
type ScrapeConfig struct {
	TimeoutMS           int  `yaml:"timeout_ms"`
	PollIntervalMS      int  `yaml:"poll_interval_ms"`
	MaxRetries          int  `yaml:"max_retries"`
	BackoffBaseMS       int  `yaml:"backoff_base_ms"`
	BackoffCapMS        int  `yaml:"backoff_cap_ms"`
	AllowPrivateTargets bool `yaml:"allow_private_targets"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SinksConfig describes where results go.
type SinksConfig struct {
	Stdout          bool   `yaml:"stdout"`
	Dedupe          bool   `yaml:"dedupe"`
	WebhookURL      string `yaml:"webhook_url"`
	WebhookSecret   string `yaml:"webhook_secret"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
	MongoKeyField   string `yaml:"mongo_key_field"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// QueueConfig configures the background job workers.
type QueueConfig struct {
	Enabled            bool `yaml:"enabled"`
	Workers            int  `yaml:"workers"`
	BatchSize          int  `yaml:"batch_size"`
	VisibilityTimeoutS int  `yaml:"visibility_timeout_s"`
	PollIntervalMS     int  `yaml:"poll_interval_ms"`
	MaxDeliveries      int  `yaml:"max_deliveries"`
}

// DefaultConfig returns sane defaults: headless 1920x1080 browser, 15s
// scrape budget, 2 retries, SQLite beside the binary, stdout sink.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:     true,
			WindowWidth:  1920,
			WindowHeight: 1080,
			PoolSize:     1,
		},
		Scrape: ScrapeConfig{
			TimeoutMS:      15000,
			PollIntervalMS: 200,
			MaxRetries:     2,
			BackoffBaseMS:  500,
			BackoffCapMS:   8000,
		},
		Store: StoreConfig{Path: "moisson.db"},
		Sinks: SinksConfig{
			Stdout:          true,
			MongoDatabase:   "moisson",
			MongoCollection: "results",
		},
		Server: ServerConfig{Addr: ":8080"},
		Queue: QueueConfig{
			Workers:            4,
			BatchSize:          4,
			VisibilityTimeoutS: 60,
			PollIntervalMS:     1000,
			MaxDeliveries:      3,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file: keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	if c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0 {
		return fmt.Errorf("browser window size must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser pool_size must be > 0")
	}
	if c.Scrape.TimeoutMS <= 0 {
		return fmt.Errorf("scrape timeout_ms must be > 0")
	}
	if c.Scrape.MaxRetries < 0 {
		return fmt.Errorf("scrape max_retries must be >= 0")
	}
	if c.Scrape.BackoffBaseMS <= 0 {
		return fmt.Errorf("scrape backoff_base_ms must be > 0")
	}
	if c.Queue.Enabled {
		if c.Queue.Workers <= 0 {
			return fmt.Errorf("queue workers must be > 0")
		}
		if c.Queue.BatchSize <= 0 {
			return fmt.Errorf("queue batch_size must be > 0")
		}
	}
	return nil
}

// browserConfig maps the YAML section onto the browser package config.
func (c *Config) browserConfig(logger *slog.Logger) browser.Config {
	b := c.Browser
	return browser.Config{
		Headless:         b.Headless,
		BinaryPath:       b.BinaryPath,
		RemoteURL:        b.RemoteURL,
		WindowWidth:      b.WindowWidth,
		WindowHeight:     b.WindowHeight,
		Proxy:            b.Proxy,
		Stealth:          b.Stealth,
		BlockResources:   b.BlockResources,
		IgnoreCertErrors: b.IgnoreCertErrors,
		UserAgent:        b.UserAgent,
		Logger:           logger,
	}
}

func (c *ScrapeConfig) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *ScrapeConfig) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

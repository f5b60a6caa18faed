package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// FetchConfig configures the Reddit fetcher.
type FetchConfig struct {
	Sources           []string `yaml:"sources"`
	Mode              string   `yaml:"mode"` // hot, new, top or rising
	Limit             int      `yaml:"limit"`
	RepliesPerItem    int      `yaml:"replies_per_item"`
	ReplyPageSize     int      `yaml:"reply_page_size"`
	MaxConcurrency    int      `yaml:"max_concurrency"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Timeout           string   `yaml:"timeout"`
	UserAgent         string   `yaml:"user_agent"`
	BaseURL           string   `yaml:"base_url"`
	MaxAttempts       int      `yaml:"max_attempts"`
	DefaultWait       float64  `yaml:"default_wait_seconds"`
	MaxWait           float64  `yaml:"max_wait_seconds"`
}

// ParseTimeout returns the request timeout as time.Duration.
func (f FetchConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(f.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// DefaultWaitDuration is the backoff used when a response gives no hint.
func (f FetchConfig) DefaultWaitDuration() time.Duration {
	return seconds(f.DefaultWait)
}

// MaxWaitDuration caps server supplied Retry-After delays.
func (f FetchConfig) MaxWaitDuration() time.Duration {
	return seconds(f.MaxWait)
}

// DedupeConfig configures near-duplicate collapsing.
type DedupeConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// AnalysisConfig configures the external analyzer.
type AnalysisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Provider     string `yaml:"provider"` // "openai" or "anthropic"
	Model        string `yaml:"model"` // empty picks the provider default
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"` // custom endpoint (optional)
	Concurrency  int    `yaml:"concurrency"`
	ProcessLimit int    `yaml:"process_limit"` // max items analyzed per run, 0 = all
}

// ScheduleConfig configures the daemon.
type ScheduleConfig struct {
	Interval string `yaml:"interval"`
}

// ParseInterval returns the run interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return time.Hour
	}
	return d
}

// AlertsConfig configures run notifications.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./reddit-miner.db"},
		Fetch: FetchConfig{
			Sources:           []string{"SaaS", "Entrepreneur", "smallbusiness", "startups"},
			Mode:              "new",
			Limit:             25,
			RepliesPerItem:    15,
			ReplyPageSize:     15,
			MaxConcurrency:    8,
			RequestsPerSecond: 1,
			Timeout:           "30s",
			UserAgent:         "reddit-miner/1.0 (+https://github.com/albeorla/reddit-miner)",
			BaseURL:           "https://www.reddit.com",
			MaxAttempts:       3,
			DefaultWait:       2,
			MaxWait:           60,
		},
		Dedupe: DedupeConfig{Threshold: 0.85},
		Analysis: AnalysisConfig{
			Provider:    "openai",
			Concurrency: 4,
		},
		Schedule: ScheduleConfig{Interval: "1h"},
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, applies env var overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validModes = map[string]bool{"hot": true, "new": true, "top": true, "rising": true}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	f := c.Fetch

	if !validModes[f.Mode] {
		errs = append(errs, fmt.Errorf("fetch.mode %q: must be one of hot, new, top, rising", f.Mode))
	}
	if f.Limit < 1 || f.Limit > 100 {
		errs = append(errs, fmt.Errorf("fetch.limit %d: must be between 1 and 100", f.Limit))
	}
	if f.RepliesPerItem < 0 || f.RepliesPerItem > 100 {
		errs = append(errs, fmt.Errorf("fetch.replies_per_item %d: must be between 0 and 100", f.RepliesPerItem))
	}
	if f.ReplyPageSize < 0 {
		errs = append(errs, fmt.Errorf("fetch.reply_page_size %d: must not be negative", f.ReplyPageSize))
	}
	if f.MaxConcurrency < 1 || f.MaxConcurrency > 50 {
		errs = append(errs, fmt.Errorf("fetch.max_concurrency %d: must be between 1 and 50", f.MaxConcurrency))
	}
	if f.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("fetch.requests_per_second %v: must not be negative", f.RequestsPerSecond))
	}
	if f.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts %d: must be at least 1", f.MaxAttempts))
	}
	if c.Dedupe.Threshold < 0 || c.Dedupe.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedupe.threshold %v: must be between 0 and 1", c.Dedupe.Threshold))
	}
	if c.Analysis.Enabled {
		switch c.Analysis.Provider {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("analysis.provider %q: must be openai or anthropic", c.Analysis.Provider))
		}
		if c.Analysis.APIKey == "" {
			errs = append(errs, errors.New("analysis.api_key: required when analysis is enabled"))
		}
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path: required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDDIT_MINER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REDDIT_MINER_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.MaxConcurrency = n
		}
	}
	if v := os.Getenv("REDDIT_MINER_USER_AGENT"); v != "" {
		cfg.Fetch.UserAgent = v
	}
	if v := os.Getenv("REDDIT_MINER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDDIT_MINER_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Log.JSON = b
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
		cfg.Analysis.Enabled = true
		cfg.Analysis.Provider = "openai"
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
		cfg.Analysis.Enabled = true
		cfg.Analysis.Provider = "anthropic"
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

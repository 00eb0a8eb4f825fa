// Package config holds the persistent pipeline configuration. Loaded once
// at startup and immutable after the pipeline is constructed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kmorton/fieldsync/internal/source"
)

// SourceConfig describes one configured data source.
type SourceConfig struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Format   string `json:"format,omitempty"` // "json" (default) or "rss"
}

// Config is the persistent application configuration. Durations are
// stored as milliseconds in JSON.
type Config struct {
	RefreshIntervalMs int            `json:"refresh_interval_ms"`
	RetryAttempts     int            `json:"retry_attempts"`
	RetryDelayMs      int            `json:"retry_delay_ms"`
	CacheTTLMs        int            `json:"cache_ttl_ms"`
	FetchTimeoutMs    int            `json:"fetch_timeout_ms"`
	RateLimitRPS      float64        `json:"rate_limit_rps,omitempty"` // outbound requests/sec; 0 = unlimited
	ErrorLogSize      int            `json:"error_log_size"`
	DBPath            string         `json:"db_path"`
	JournalPath       string         `json:"journal_path,omitempty"`
	ProbeURL          string         `json:"probe_url"`
	ProbeIntervalMs   int            `json:"probe_interval_ms"`
	Sources           []SourceConfig `json:"sources"`
}

// Default returns sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		RefreshIntervalMs: 300000, // 5 minutes
		RetryAttempts:     3,
		RetryDelayMs:      2000,
		CacheTTLMs:        60000,
		FetchTimeoutMs:    10000,
		ErrorLogSize:      50,
		DBPath:            filepath.Join(home, ".fieldsync", "fieldsync.db"),
		ProbeURL:          "https://www.gstatic.com/generate_204",
		ProbeIntervalMs:   30000,
		Sources: []SourceConfig{
			{ID: "titans", Endpoint: "https://stats.fieldsync.dev/api/teams/titans"},
			{ID: "cardinals", Endpoint: "https://stats.fieldsync.dev/api/teams/cardinals"},
			{ID: "grizzlies", Endpoint: "https://stats.fieldsync.dev/api/teams/grizzlies"},
		},
	}
}

// Path returns the default config file location.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fieldsync", "config.json")
}

// Load reads config from disk, or returns defaults if no file exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to disk.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.RefreshIntervalMs <= 0 {
		return fmt.Errorf("config: refresh_interval_ms must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("config: retry_attempts must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: rate_limit_rps must not be negative")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" || s.Endpoint == "" {
			return fmt.Errorf("config: source needs both id and endpoint: %+v", s)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Format {
		case "", "json", "rss":
		default:
			return fmt.Errorf("config: source %s has unknown format %q", s.ID, s.Format)
		}
	}
	return nil
}

// Descriptors maps the configured sources to pipeline descriptors,
// binding each format to its parser.
func (c *Config) Descriptors() []source.Descriptor {
	out := make([]source.Descriptor, 0, len(c.Sources))
	for _, s := range c.Sources {
		d := source.Descriptor{ID: s.ID, Endpoint: s.Endpoint}
		if s.Format == "rss" {
			d.Parser = source.ParseRSS
		}
		out = append(out, d)
	}
	return out
}

// Duration accessors.

func (c *Config) RefreshInterval() time.Duration { return ms(c.RefreshIntervalMs) }
func (c *Config) RetryDelay() time.Duration      { return ms(c.RetryDelayMs) }
func (c *Config) CacheTTL() time.Duration        { return ms(c.CacheTTLMs) }
func (c *Config) FetchTimeout() time.Duration    { return ms(c.FetchTimeoutMs) }
func (c *Config) ProbeInterval() time.Duration   { return ms(c.ProbeIntervalMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

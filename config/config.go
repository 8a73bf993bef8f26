// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob for the crawl and the query API.
type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	PagePattern      string        `mapstructure:"page_pattern"`
	MaxPages         int           `mapstructure:"max_pages"`
	Parallelism      int           `mapstructure:"parallelism"`
	Delay            time.Duration `mapstructure:"delay"`
	RandomDelay      time.Duration `mapstructure:"random_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobotsTxt bool          `mapstructure:"respect_robots_txt"`
	DedupeMaxSize    int           `mapstructure:"dedupe_max_size"`
	SnapshotFile     string        `mapstructure:"snapshot_file"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Verbose          bool          `mapstructure:"verbose"`
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://books.toscrape.com",
		PagePattern:      "catalogue/page-%d.html",
		MaxPages:         50,
		Parallelism:      16,
		Delay:            0,
		RandomDelay:      0,
		Timeout:          10 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RespectRobotsTxt: false,
		DedupeMaxSize:    100000,
		SnapshotFile:     "output/books.csv",
		ListenAddr:       ":8080",
		MetricsAddr:      "",
		Verbose:          false,
	}
}

// Load builds a Config from defaults, an optional config file, and the
// environment (prefix BOOKS, dots replaced by underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("page_pattern", def.PagePattern)
	v.SetDefault("max_pages", def.MaxPages)
	v.SetDefault("parallelism", def.Parallelism)
	v.SetDefault("delay", def.Delay)
	v.SetDefault("random_delay", def.RandomDelay)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("respect_robots_txt", def.RespectRobotsTxt)
	v.SetDefault("dedupe_max_size", def.DedupeMaxSize)
	v.SetDefault("snapshot_file", def.SnapshotFile)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("verbose", def.Verbose)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.PagePattern == "" || !strings.Contains(c.PagePattern, "%d") {
		return fmt.Errorf("page pattern must contain a %%d placeholder")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.SnapshotFile == "" {
		return fmt.Errorf("snapshot file cannot be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	return nil
}

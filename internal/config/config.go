// Package config loads crawler settings from CARDSCRAPE_* environment
// variables. Command-line flags default to these values.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "CARDSCRAPE"

// DefaultListURL is the wiki's card list page.
const DefaultListURL = "https://wikiwiki.jp/llll_wiki/%E3%82%AB%E3%83%BC%E3%83%89%E4%B8%80%E8%A6%A7"

// Config holds crawler settings.
type Config struct {
	Crawl   CrawlConfig
	Store   StoreConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// CrawlConfig controls what is fetched and how.
type CrawlConfig struct {
	ListURL   string        `envconfig:"LIST_URL" default:"https://wikiwiki.jp/llll_wiki/%E3%82%AB%E3%83%BC%E3%83%89%E4%B8%80%E8%A6%A7"`
	Container string        `envconfig:"LIST_CONTAINER" default:"#body"`
	Schema    string        `envconfig:"SCHEMA"`
	Version   string        `envconfig:"SCHEMA_VERSION" default:"wiki-v2"`
	Output    string        `envconfig:"OUTPUT" default:"output.tsv"`
	Delay     time.Duration `envconfig:"DELAY" default:"1s"`
	Timeout   time.Duration `envconfig:"TIMEOUT" default:"10s"`
	Retries   int           `envconfig:"RETRIES" default:"2"`
	UserAgent string        `envconfig:"USER_AGENT"`
	Limit     int           `envconfig:"LIMIT" default:"0"`
}

// StoreConfig selects an optional record store. An empty Backend disables it.
type StoreConfig struct {
	Backend string `envconfig:"STORE_BACKEND"`
	DSN     string `envconfig:"STORE_DSN"`
	Table   string `envconfig:"STORE_TABLE" default:"cards"`
}

// MetricsConfig selects an optional metrics backend: "", "datadog" or "prompush".
type MetricsConfig struct {
	Backend        string        `envconfig:"METRICS_BACKEND"`
	JobName        string        `envconfig:"METRICS_JOB" default:"cardscrape"`
	Tags           string        `envconfig:"DD_TAGS"`
	FlushEvery     time.Duration `envconfig:"METRICS_FLUSH_EVERY" default:"60s"`
	PushgatewayURL string        `envconfig:"PUSHGATEWAY_URL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads CARDSCRAPE_* variables.
func Load() (*Config, error) {
	var cfg Config
	// Sections share the flat CARDSCRAPE_ namespace; processing Config as a
	// whole would prefix each variable with its section name.
	for _, section := range []any{&cfg.Crawl, &cfg.Store, &cfg.Metrics, &cfg.Log} {
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Crawl.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.Crawl.Delay < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	if c.Crawl.Limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	switch c.Metrics.Backend {
	case "", "datadog":
	case "prompush":
		if c.Metrics.PushgatewayURL == "" {
			return fmt.Errorf("metrics backend prompush needs a pushgateway url")
		}
	default:
		return fmt.Errorf("unknown metrics backend %q", c.Metrics.Backend)
	}
	if c.Store.Backend != "" && c.Store.DSN == "" {
		return fmt.Errorf("store backend %q needs a dsn", c.Store.Backend)
	}
	return nil
}

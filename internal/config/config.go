// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Crawler   CrawlerConfig             `mapstructure:"crawler"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Store     StoreConfig               `mapstructure:"store"`
	Images    ImageConfig               `mapstructure:"images"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Universes map[string]UniverseConfig `mapstructure:"universes"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs the category walk and bulk categorization pipeline.
type CrawlerConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxArticles      int    `mapstructure:"max_articles"`
	MaxDepth         int    `mapstructure:"max_depth"`
	BatchSize        int    `mapstructure:"batch_size"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
	PageDelayMs      int    `mapstructure:"page_delay_ms"`
	SkipLegends      bool   `mapstructure:"skip_legends"`
}

// RateLimitConfig sets the token bucket governing outbound wiki calls.
type RateLimitConfig struct {
	Calls         int `mapstructure:"calls"`
	PeriodSeconds int `mapstructure:"period_seconds"`
}

// CacheConfig sets paths and TTLs for the file-backed cache tiers.
type CacheConfig struct {
	Dir             string `mapstructure:"dir"`
	SnapshotTTLDays int    `mapstructure:"snapshot_ttl_days"`
	KeyedTTLHours   int    `mapstructure:"keyed_ttl_hours"`
}

// StoreConfig controls access to the structured article store.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // postgres, sqlite or none
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"`
	TTLDays  int    `mapstructure:"ttl_days"`
}

// ImageConfig controls the image fetcher and its filesystem cache.
type ImageConfig struct {
	Dir            string `mapstructure:"dir"`
	Workers        int    `mapstructure:"workers"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	MaxAgeDays     int    `mapstructure:"max_age_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UniverseConfig describes one wiki the crawler targets.
type UniverseConfig struct {
	Name         string `mapstructure:"name"`
	BaseURL      string `mapstructure:"base_url"`
	RootCategory string `mapstructure:"root_category"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CANON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Universes) == 0 {
		cfg.Universes = defaultUniverses()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "canon-crawler/1.0 (+https://github.com/sagastream/canon-crawler)")
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.max_articles", 100000)
	v.SetDefault("crawler.max_depth", 5)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("crawler.batch_concurrency", 20)
	v.SetDefault("crawler.page_delay_ms", 50)
	v.SetDefault("crawler.skip_legends", true)
	v.SetDefault("rate_limit.calls", 150)
	v.SetDefault("rate_limit.period_seconds", 60)
	v.SetDefault("cache.dir", "cache/canon")
	v.SetDefault("cache.snapshot_ttl_days", 7)
	v.SetDefault("cache.keyed_ttl_hours", 24)
	v.SetDefault("store.provider", "sqlite")
	v.SetDefault("store.path", "data/canon.db")
	v.SetDefault("store.ttl_days", 7)
	v.SetDefault("images.dir", "image_cache")
	v.SetDefault("images.workers", 10)
	v.SetDefault("images.timeout_seconds", 15)
	v.SetDefault("images.max_retries", 2)
	v.SetDefault("images.max_age_days", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// defaultUniverses mirrors the static wiki table the service ships with.
func defaultUniverses() map[string]UniverseConfig {
	return map[string]UniverseConfig{
		"star_wars": {
			Name:         "Wookieepedia",
			BaseURL:      "https://starwars.fandom.com",
			RootCategory: "Canon_articles",
		},
		"star_trek": {
			Name:         "Memory Alpha",
			BaseURL:      "https://memory-alpha.fandom.com",
			RootCategory: "Memory_Alpha_images_by_subject",
		},
		"lotr": {
			Name:         "Tolkien Gateway",
			BaseURL:      "https://lotr.fandom.com",
			RootCategory: "Articles",
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.BatchSize <= 0 || c.Crawler.BatchSize > 50 {
		return fmt.Errorf("crawler.batch_size must be in 1..50 (MediaWiki pageids limit)")
	}
	if c.Crawler.BatchConcurrency <= 0 {
		return fmt.Errorf("crawler.batch_concurrency must be > 0")
	}
	if c.RateLimit.Calls <= 0 || c.RateLimit.PeriodSeconds <= 0 {
		return fmt.Errorf("rate_limit.calls and rate_limit.period_seconds must be > 0")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.provider is postgres")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when store.provider is sqlite")
		}
	case "none":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Images.Workers <= 0 {
		return fmt.Errorf("images.workers must be > 0")
	}
	for key, u := range c.Universes {
		if u.BaseURL == "" {
			return fmt.Errorf("universe %q has no base_url", key)
		}
		if u.RootCategory == "" {
			return fmt.Errorf("universe %q has no root_category", key)
		}
	}
	return nil
}

// RequestTimeout converts the crawler timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// RateLimitPeriod converts the rate limit period into a duration.
func (c Config) RateLimitPeriod() time.Duration {
	return time.Duration(c.RateLimit.PeriodSeconds) * time.Second
}

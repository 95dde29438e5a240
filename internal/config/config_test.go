package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Crawler.BatchSize)
	assert.Equal(t, 150, cfg.RateLimit.Calls)
	assert.Equal(t, "sqlite", cfg.Store.Provider)
	assert.True(t, cfg.Crawler.SkipLegends)

	// The static wiki table ships with the binary.
	sw, ok := cfg.Universes["star_wars"]
	require.True(t, ok)
	assert.Equal(t, "Wookieepedia", sw.Name)
	assert.Equal(t, "Canon_articles", sw.RootCategory)
	assert.Contains(t, cfg.Universes, "star_trek")
	assert.Contains(t, cfg.Universes, "lotr")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9191
crawler:
  max_depth: 3
store:
  provider: none
universes:
  star_wars:
    name: Wookieepedia
    base_url: https://starwars.fandom.com
    root_category: Canon_articles
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Crawler.MaxDepth)
	assert.Equal(t, "none", cfg.Store.Provider)
	require.Len(t, cfg.Universes, 1)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CANON_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"oversized batch", func(c *Config) { c.Crawler.BatchSize = 51 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.Calls = 0 }},
		{"postgres without dsn", func(c *Config) { c.Store.Provider = "postgres"; c.Store.DSN = "" }},
		{"unknown provider", func(c *Config) { c.Store.Provider = "redis" }},
		{"universe without base url", func(c *Config) {
			u := c.Universes["star_wars"]
			u.BaseURL = ""
			c.Universes["star_wars"] = u
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, float64(30), cfg.RequestTimeout().Seconds())
	assert.Equal(t, float64(60), cfg.RateLimitPeriod().Seconds())
}

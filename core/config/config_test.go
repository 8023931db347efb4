package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.8, cfg.Registry.MatchThreshold)
	assert.Equal(t, 10, cfg.Registry.MaxResults)
	assert.Equal(t, 30*time.Second, cfg.Router.DefaultTimeout)
	assert.Equal(t, 100, cfg.Router.RateLimitPerMinute)
	assert.Equal(t, 24*time.Hour, cfg.CDN.CacheTTL)
	assert.Equal(t, 50, cfg.CDN.MaxInFlight)
	assert.Equal(t, 10_000, cfg.CDN.MaxCacheEntries)
	assert.Equal(t, 5*time.Minute, cfg.Handoff.Timeout)
	assert.Equal(t, 10, cfg.Planner.MaxContributions)
	assert.Equal(t, "placeholder", cfg.Provider.Kind)
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viable.yaml")
	raw := `
production: true
registry:
  match_threshold: 0.65
cdn:
  max_in_flight: 5
provider:
  kind: openai
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Production)
	assert.Equal(t, 0.65, cfg.Registry.MatchThreshold)
	assert.Equal(t, 5, cfg.CDN.MaxInFlight)
	assert.Equal(t, "openai", cfg.Provider.Kind)

	// Unset knobs keep their defaults.
	assert.Equal(t, 10, cfg.Registry.MaxResults)
	assert.Equal(t, 24*time.Hour, cfg.CDN.CacheTTL)
	assert.Equal(t, 100, cfg.Router.RateLimitPerMinute)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault("")
	assert.Equal(t, Default(), cfg)

	cfg = LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, Default(), cfg)
}

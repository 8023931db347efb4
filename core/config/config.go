// Package config defines the runtime configuration surface. Every knob is
// optional; zero values fall back to the documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the runtime.
type Config struct {
	// Production enables stricter validation (internal hosts rejected).
	Production bool `yaml:"production"`

	Registry RegistryConfig `yaml:"registry"`
	Router   RouterConfig   `yaml:"router"`
	CDN      CDNConfig      `yaml:"cdn"`
	Handoff  HandoffConfig  `yaml:"handoff"`
	Planner  PlannerConfig  `yaml:"planner"`
	Provider ProviderConfig `yaml:"provider"`
}

// RegistryConfig configures the capability registry.
type RegistryConfig struct {
	EmbeddingModel string  `yaml:"embedding_model"`
	MatchThreshold float64 `yaml:"match_threshold"`
	MaxResults     int     `yaml:"max_results"`
}

// RouterConfig configures the MCP router.
type RouterConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
}

// CDNConfig configures the LLM cache and dedup layer.
type CDNConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	MaxCacheEntries int           `yaml:"max_cache_entries"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// HandoffConfig configures execution handoffs.
type HandoffConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// PlannerConfig configures collaborative planning.
type PlannerConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxContributions int           `yaml:"max_contributions"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Retention        time.Duration `yaml:"retention"`
}

// ProviderConfig selects and configures the LLM provider backing the CDN.
type ProviderConfig struct {
	// Kind is one of "placeholder", "anthropic", "openai".
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Default returns the documented defaults for every component.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			EmbeddingModel: "text-embedding-3-small",
			MatchThreshold: 0.8,
			MaxResults:     10,
		},
		Router: RouterConfig{
			DefaultTimeout:     30 * time.Second,
			RateLimitPerMinute: 100,
			HealthTimeout:      5 * time.Second,
		},
		CDN: CDNConfig{
			CacheTTL:        24 * time.Hour,
			MaxInFlight:     50,
			MaxCacheEntries: 10_000,
			SweepInterval:   5 * time.Minute,
		},
		Handoff: HandoffConfig{
			Timeout:       5 * time.Minute,
			SweepInterval: 30 * time.Second,
			Retention:     24 * time.Hour,
		},
		Planner: PlannerConfig{
			Timeout:          5 * time.Minute,
			MaxContributions: 10,
			SweepInterval:    60 * time.Second,
			Retention:        24 * time.Hour,
		},
		Provider: ProviderConfig{
			Kind: "placeholder",
		},
	}
}

// Load reads a yaml config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults
// otherwise.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// applyDefaults backfills any zero-valued knob after unmarshal.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Registry.EmbeddingModel == "" {
		c.Registry.EmbeddingModel = defaults.Registry.EmbeddingModel
	}
	if c.Registry.MatchThreshold <= 0 {
		c.Registry.MatchThreshold = defaults.Registry.MatchThreshold
	}
	if c.Registry.MaxResults <= 0 {
		c.Registry.MaxResults = defaults.Registry.MaxResults
	}

	if c.Router.DefaultTimeout <= 0 {
		c.Router.DefaultTimeout = defaults.Router.DefaultTimeout
	}
	if c.Router.RateLimitPerMinute <= 0 {
		c.Router.RateLimitPerMinute = defaults.Router.RateLimitPerMinute
	}
	if c.Router.HealthTimeout <= 0 {
		c.Router.HealthTimeout = defaults.Router.HealthTimeout
	}

	if c.CDN.CacheTTL <= 0 {
		c.CDN.CacheTTL = defaults.CDN.CacheTTL
	}
	if c.CDN.MaxInFlight <= 0 {
		c.CDN.MaxInFlight = defaults.CDN.MaxInFlight
	}
	if c.CDN.MaxCacheEntries <= 0 {
		c.CDN.MaxCacheEntries = defaults.CDN.MaxCacheEntries
	}
	if c.CDN.SweepInterval <= 0 {
		c.CDN.SweepInterval = defaults.CDN.SweepInterval
	}

	if c.Handoff.Timeout <= 0 {
		c.Handoff.Timeout = defaults.Handoff.Timeout
	}
	if c.Handoff.SweepInterval <= 0 {
		c.Handoff.SweepInterval = defaults.Handoff.SweepInterval
	}
	if c.Handoff.Retention <= 0 {
		c.Handoff.Retention = defaults.Handoff.Retention
	}

	if c.Planner.Timeout <= 0 {
		c.Planner.Timeout = defaults.Planner.Timeout
	}
	if c.Planner.MaxContributions <= 0 {
		c.Planner.MaxContributions = defaults.Planner.MaxContributions
	}
	if c.Planner.SweepInterval <= 0 {
		c.Planner.SweepInterval = defaults.Planner.SweepInterval
	}
	if c.Planner.Retention <= 0 {
		c.Planner.Retention = defaults.Planner.Retention
	}

	if c.Provider.Kind == "" {
		c.Provider.Kind = defaults.Provider.Kind
	}
}

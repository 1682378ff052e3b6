// Package config implements the composition-root configuration file
// (trackcore.yaml) and the per-trial sweep config materialization.
// It does not parse CLI flags or subcommands — those remain out of scope.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level trackcore.yaml shape: cache location, storage
// retry tuning, region pools, and sweep agent defaults.
type Config struct {
	CacheRoot string        `yaml:"cache_root"`
	BaseURL   string        `yaml:"base_url"`
	Storage   StorageConfig `yaml:"storage"`
	Regions   map[string]RegionPoolConfig `yaml:"regions"`
	Agent     AgentConfig   `yaml:"agent"`
}

// StorageConfig holds retry/connection-pool tuning for the storage policy
// HTTP client.
type StorageConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// RegionPoolConfig mirrors region.Pool for YAML loading.
type RegionPoolConfig struct {
	Strategy      string   `yaml:"strategy"`
	Regions       []string `yaml:"regions"`
	StickyScope   string   `yaml:"sticky_scope,omitempty"`
	StickyTTLMs   *int64   `yaml:"sticky_ttl_ms,omitempty"`
	RecencyWindow *int     `yaml:"recency_window,omitempty"`
}

// AgentConfig holds sweep agent settings as parsed by Load. The agent
// does not read them: its poll interval, kill delay and flap switch come
// from the agent package's own constants and environment lookup.
type AgentConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	KillDelay        Duration `yaml:"kill_delay"`
	DisableFlapping  bool     `yaml:"disable_flapping"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s"),
// grounded on cli/config/config.go's Duration wrapper.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load parses a trackcore.yaml document from data.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

// Package config provides configuration file support for the replvol daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/replvol/replvol.yaml"

// Config represents the daemon configuration.
type Config struct {
	Listen     string        `yaml:"listen"`
	StateDir   string        `yaml:"state_dir"`
	Helper     string        `yaml:"helper"`
	MinorCount int           `yaml:"minor_count"`
	Fencing    FencingConfig `yaml:"fencing"`
	Logging    LoggingConfig `yaml:"logging"`
	Events     EventsConfig  `yaml:"events"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// FencingConfig tunes the promotion and fencing paths.
type FencingConfig struct {
	// FallbackBackoff is the pause after a two-primaries race when the
	// connection carries no ping timeout.
	FallbackBackoff time.Duration `yaml:"fallback_backoff"`
	HelperTimeout   time.Duration `yaml:"helper_timeout"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// EventsConfig configures state change event sinks.
type EventsConfig struct {
	File     string          `yaml:"file"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is a single HTTP event receiver.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Events  []string      `yaml:"events"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:     "127.0.0.1:7790",
		StateDir:   "/var/lib/replvol",
		Helper:     "/usr/sbin/replvol-handler",
		MinorCount: 1 << 20,
		Fencing: FencingConfig{
			FallbackBackoff: 100 * time.Millisecond,
			HelperTimeout:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load loads configuration from path.
// Returns default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen must not be empty")
	}
	if c.MinorCount <= 0 {
		return fmt.Errorf("config: minor_count must be positive, got %d", c.MinorCount)
	}
	if c.Fencing.FallbackBackoff < 0 {
		return fmt.Errorf("config: fencing.fallback_backoff must not be negative")
	}
	for i, h := range c.Events.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config: events.webhooks[%d].url must not be empty", i)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hollowpoint-games/warden/internal/anticheat"
	"github.com/hollowpoint-games/warden/internal/api"
	"github.com/hollowpoint-games/warden/internal/gateway"
	"github.com/hollowpoint-games/warden/internal/logging"
	"github.com/hollowpoint-games/warden/internal/ratelimit"
	"github.com/hollowpoint-games/warden/internal/session"
)

// Config is the full server configuration. Every section has working
// zero-value defaults, so an empty file (or no file at all) produces a
// runnable server.
type Config struct {
	// Player-facing websocket listener
	ListenAddr string `yaml:"listen_addr"`

	Logging   logging.Config   `yaml:"logging"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	AntiCheat anticheat.Config `yaml:"anticheat"`
	Session   session.Config   `yaml:"session"`
	Gateway   gateway.Config   `yaml:"gateway"`
	API       api.Config       `yaml:"api"`
}

// ApplyDefaults fills every zero-valued field across all sections.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
	}
	c.RateLimit.ApplyDefaults()
	c.AntiCheat.ApplyDefaults()
	c.Session.ApplyDefaults()
	c.Gateway.ApplyDefaults()
	c.API.ApplyDefaults()
}

// Validate rejects configurations that defaults cannot repair.
func (c *Config) Validate() error {
	if c.ListenAddr == c.API.ListenAddr {
		return fmt.Errorf("gateway and admin api cannot share listen address %q", c.ListenAddr)
	}
	w := c.AntiCheat.Weights
	sum := w.Telemetry + w.Movement + w.Activity + w.Actions
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("anticheat weights must sum to 1.0, got %.3f", sum)
	}
	if c.RateLimit.WarningThreshold >= c.RateLimit.BanThreshold {
		return fmt.Errorf("rate limit warning threshold %d must be below ban threshold %d",
			c.RateLimit.WarningThreshold, c.RateLimit.BanThreshold)
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults and
// environment overrides, and validates the result. An empty path yields
// the pure default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers deployment-level settings over the file.
// Only the knobs that differ per environment are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("WARDEN_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("WARDEN_ADMIN_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models parley.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Timeouts struct {
		GatewayMS         int `yaml:"gateway_ms"`
		ParticipantMS     int `yaml:"participant_ms"`
		BeatMS            int `yaml:"beat_ms"`
		DeliveryRetries   int `yaml:"delivery_retries"`
		DeliveryBackoffMS int `yaml:"delivery_backoff_ms"`
	} `yaml:"timeouts"`
	Options struct {
		MaxPerParticipant int `yaml:"max_per_participant"`
	} `yaml:"options"`
	Exchange struct {
		MaxBeats int `yaml:"max_beats"`
	} `yaml:"exchange"`
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Timeouts.GatewayMS) * time.Millisecond
}

func (c *Config) ParticipantTimeout() time.Duration {
	return time.Duration(c.Timeouts.ParticipantMS) * time.Millisecond
}

// BeatDeadline is how long a beat stays open for choices.
func (c *Config) BeatDeadline() time.Duration {
	return time.Duration(c.Timeouts.BeatMS) * time.Millisecond
}

func (c *Config) DeliveryBackoff() time.Duration {
	return time.Duration(c.Timeouts.DeliveryBackoffMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timeouts.GatewayMS <= 0 {
		return fmt.Errorf("config.timeouts.gateway_ms must be positive")
	}
	if c.Timeouts.ParticipantMS <= 0 {
		return fmt.Errorf("config.timeouts.participant_ms must be positive")
	}
	if c.Timeouts.BeatMS <= 0 {
		return fmt.Errorf("config.timeouts.beat_ms must be positive")
	}
	if c.Timeouts.DeliveryRetries < 0 {
		return fmt.Errorf("config.timeouts.delivery_retries must not be negative")
	}
	if c.Options.MaxPerParticipant <= 0 {
		return fmt.Errorf("config.options.max_per_participant must be positive")
	}
	if c.Exchange.MaxBeats <= 0 {
		return fmt.Errorf("config.exchange.max_beats must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "parley.yml")
}

// Default returns the built-in configuration. Gateway and participant query
// bounds keep a full Setup->OptionsOpen round under roughly 400ms.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default template to the workspace, refusing to
// overwrite an existing file.
func WriteDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}
	return path, os.WriteFile(path, []byte(defaultTemplate), 0o644)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

timeouts:
  gateway_ms: 150
  participant_ms: 250
  beat_ms: 5000
  delivery_retries: 3
  delivery_backoff_ms: 100

options:
  max_per_participant: 4

exchange:
  max_beats: 64
`

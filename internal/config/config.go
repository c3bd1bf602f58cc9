package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "5s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Storage  StorageConfig  `yaml:"storage"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxClients     int      `yaml:"max_clients"`
}

type RealtimeConfig struct {
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	ReconnectMaxAttempts int      `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`
	ReconnectCooldown    Duration `yaml:"reconnect_cooldown"`
	ReconcileInterval    Duration `yaml:"reconcile_interval"`
	StabilizeHold        Duration `yaml:"stabilize_hold"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration used when no file overrides
// are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			Host:       "0.0.0.0",
			MaxClients: 256,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:    Duration(5 * time.Second),
			ReconnectMaxAttempts: 10,
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
			ReconnectCooldown:    Duration(15 * time.Second),
			ReconcileInterval:    Duration(30 * time.Second),
			StabilizeHold:        Duration(2 * time.Second),
		},
		Storage: StorageConfig{
			Path: "bingohall.db",
		},
	}
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/beacon/beacon.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "beacon", "beacon.yaml"))
	}

	paths = append(paths, "beacon.yaml")

	if envPath := os.Getenv("BEACON_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/beacon/beacon.yaml < ~/.config/beacon/beacon.yaml < ./beacon.yaml < $BEACON_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if secret := os.Getenv("BEACON_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if secret := os.Getenv("BEACON_INTAKE_SECRET"); secret != "" {
		cfg.Intake.Secret = secret
	}
	if url := os.Getenv("BEACON_AMQP_URL"); url != "" {
		cfg.Intake.AMQP.URL = url
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.LogFormat != "json" && cfg.Server.LogFormat != "text" {
		return fmt.Errorf("server.log_format must be json or text, got %q", cfg.Server.LogFormat)
	}

	if cfg.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be positive")
	}
	if cfg.WebSocket.MissedPings < 1 {
		return fmt.Errorf("websocket.missed_pings must be at least 1")
	}
	if cfg.WebSocket.SendQueueSize < 1 {
		return fmt.Errorf("websocket.send_queue_size must be at least 1")
	}

	if cfg.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	if cfg.Intake.AMQP.Enabled && cfg.Intake.AMQP.URL == "" {
		return fmt.Errorf("intake.amqp.url is required when intake.amqp.enabled is true")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.ConfigDir = ExpandHome(cfg.Auth.ConfigDir)

	return nil
}

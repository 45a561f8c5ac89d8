// Package config loads the service configuration from YAML with ${VAR}
// environment interpolation and sane defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	History  HistoryConfig  `yaml:"history"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LockPath is the PID lock file; empty disables locking.
	LockPath string `yaml:"lock_path"`

	// LookAhead bounds how deep one scheduling pass may inspect past an
	// inadmissible queue head.
	LookAhead int `yaml:"look_ahead"`
	// MaxRunning caps concurrently running user petitions; 0 disables.
	MaxRunning int `yaml:"max_running"`
	// StarveAfter is the skip count after which look-ahead collapses.
	StarveAfter int `yaml:"starve_after"`
	// MaxLoopFailures is how many consecutive loop panics are tolerated
	// before liveness reporting stops.
	MaxLoopFailures int `yaml:"max_loop_failures"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// AuthKey is the shared secret for request digests. Supports ${VAR}.
	AuthKey string `yaml:"auth_key"`
}

type WatchdogConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Deadline time.Duration `yaml:"deadline"`
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("15s").
// Fields absent from the document keep their current values.
func (w *WatchdogConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled  *bool   `yaml:"enabled"`
		Interval *string `yaml:"interval"`
		Deadline *string `yaml:"deadline"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		w.Enabled = *raw.Enabled
	}
	if raw.Interval != nil {
		d, err := time.ParseDuration(*raw.Interval)
		if err != nil {
			return fmt.Errorf("watchdog.interval: %w", err)
		}
		w.Interval = d
	}
	if raw.Deadline != nil {
		d, err := time.ParseDuration(*raw.Deadline)
		if err != nil {
			return fmt.Errorf("watchdog.deadline: %w", err)
		}
		w.Deadline = d
	}
	return nil
}

type HistoryConfig struct {
	Path string `yaml:"path"`
	// Retention prunes log rows older than this; 0 keeps everything.
	Retention time.Duration `yaml:"retention"`
}

func (h *HistoryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Path      *string `yaml:"path"`
		Retention *string `yaml:"retention"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Path != nil {
		h.Path = *raw.Path
	}
	if raw.Retention != nil {
		d, err := time.ParseDuration(*raw.Retention)
		if err != nil {
			return fmt.Errorf("history.retention: %w", err)
		}
		h.Retention = d
	}
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "petitiond",
			LogLevel:        "info",
			LookAhead:       10,
			StarveAfter:     1000,
			MaxLoopFailures: 3,
		},
		API: APIConfig{
			Listen: "127.0.0.1:7611",
		},
		Watchdog: WatchdogConfig{
			Enabled:  true,
			Interval: 15 * time.Second,
			Deadline: 15 * time.Second,
		},
		History: HistoryConfig{
			Path:      "./petitiond.db",
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads, interpolates and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can flag them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LookAhead < 1 {
		return fmt.Errorf("service.look_ahead must be positive")
	}
	if cfg.Service.MaxRunning < 0 {
		return fmt.Errorf("service.max_running must not be negative")
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if envVarPattern.MatchString(cfg.API.AuthKey) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.AuthKey)
		if len(matches) > 1 {
			return fmt.Errorf("api.auth_key: environment variable ${%s} is not set", matches[1])
		}
		return fmt.Errorf("api.auth_key: unresolved environment variable")
	}
	if cfg.Watchdog.Enabled {
		if cfg.Watchdog.Interval <= 0 {
			return fmt.Errorf("watchdog.interval must be positive")
		}
		if cfg.Watchdog.Deadline <= 0 {
			return fmt.Errorf("watchdog.deadline must be positive")
		}
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}
	return nil
}

// Package config provides configuration management for the session orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/sessionsup/internal/common/logger"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Supervisor      SupervisorConfig      `mapstructure:"supervisor"`
	ExternalTracker ExternalTrackerConfig `mapstructure:"externalTracker"`
	Events          EventsConfig          `mapstructure:"events"`
	AgentRuntime    AgentRuntimeConfig    `mapstructure:"agentRuntime"`
	Logging         logger.Config         `mapstructure:"logging"`
}

// SupervisorConfig holds worker-pool tuning.
type SupervisorConfig struct {
	// MaxWorkers bounds the number of live sessions. 0 means unlimited.
	MaxWorkers int `mapstructure:"maxWorkers"`
	// IdlePreemptThresholdMs is the minimum idle duration before a session
	// becomes eligible for preemption to admit a new one.
	IdlePreemptThresholdMs int `mapstructure:"idlePreemptThresholdMs"`
	// IdleTimeoutMs is how long a session may sit idle before it is torn down.
	IdleTimeoutMs int `mapstructure:"idleTimeoutMs"`
	// DefaultPermissionMode is applied to sessions that don't request one.
	DefaultPermissionMode string `mapstructure:"defaultPermissionMode"`
	// SessionIDWaitMs bounds how long admission waits for an agent-assigned
	// session id before falling back to the provisional one.
	SessionIDWaitMs int `mapstructure:"sessionIdWaitMs"`
}

// ExternalTrackerConfig holds external-ownership detection tuning.
type ExternalTrackerConfig struct {
	DecayMs     int `mapstructure:"decayMs"`
	GraceMs     int `mapstructure:"graceMs"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NATSURL, when non-empty, selects the NATS-backed bus over the
	// in-memory one. Empty means use the in-memory bus.
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// AgentRuntimeConfig holds agent-runtime-factory selection and tuning.
type AgentRuntimeConfig struct {
	// Kind selects which agent-runtime factory is wired: "mock" or "acp".
	Kind string `mapstructure:"kind"`
	// Command is the executable invoked for the "acp" runtime.
	Command string `mapstructure:"command"`
	// WatchDir, when non-empty, enables the fsnotify-backed file-activity
	// adapter over the given directory of session logs.
	WatchDir string `mapstructure:"watchDir"`
}

func (s *SupervisorConfig) IdlePreemptThreshold() time.Duration {
	return time.Duration(s.IdlePreemptThresholdMs) * time.Millisecond
}

func (s *SupervisorConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

func (s *SupervisorConfig) SessionIDWait() time.Duration {
	return time.Duration(s.SessionIDWaitMs) * time.Millisecond
}

func (e *ExternalTrackerConfig) Decay() time.Duration {
	return time.Duration(e.DecayMs) * time.Millisecond
}

func (e *ExternalTrackerConfig) Grace() time.Duration {
	return time.Duration(e.GraceMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.maxWorkers", 4)
	v.SetDefault("supervisor.idlePreemptThresholdMs", 60_000)
	v.SetDefault("supervisor.idleTimeoutMs", 900_000)
	v.SetDefault("supervisor.defaultPermissionMode", "default")
	v.SetDefault("supervisor.sessionIdWaitMs", 5_000)

	v.SetDefault("externalTracker.decayMs", 30_000)
	v.SetDefault("externalTracker.graceMs", 5_000)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("agentRuntime.kind", "mock")
	v.SetDefault("agentRuntime.command", "")
	v.SetDefault("agentRuntime.watchDir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SESSIONSUP_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIONSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("supervisor.maxWorkers", "SESSIONSUP_MAX_WORKERS")
	_ = v.BindEnv("agentRuntime.kind", "SESSIONSUP_AGENT_RUNTIME_KIND")
	_ = v.BindEnv("agentRuntime.command", "SESSIONSUP_AGENT_RUNTIME_COMMAND")
	_ = v.BindEnv("events.natsUrl", "SESSIONSUP_EVENTS_NATS_URL")
	_ = v.BindEnv("logging.level", "SESSIONSUP_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessionsup/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.MaxWorkers < 0 {
		errs = append(errs, "supervisor.maxWorkers must be >= 0 (0 means unlimited)")
	}
	if cfg.Supervisor.IdlePreemptThresholdMs < 0 {
		errs = append(errs, "supervisor.idlePreemptThresholdMs must be >= 0")
	}
	validModes := map[string]bool{"default": true, "acceptEdits": true, "plan": true, "bypassPermissions": true}
	if !validModes[cfg.Supervisor.DefaultPermissionMode] {
		errs = append(errs, "supervisor.defaultPermissionMode must be one of: default, acceptEdits, plan, bypassPermissions")
	}

	if cfg.ExternalTracker.DecayMs <= 0 {
		errs = append(errs, "externalTracker.decayMs must be positive")
	}

	validKinds := map[string]bool{"mock": true, "acp": true}
	if !validKinds[cfg.AgentRuntime.Kind] {
		errs = append(errs, "agentRuntime.kind must be one of: mock, acp")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

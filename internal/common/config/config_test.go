package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionsup/internal/common/logger"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Supervisor.MaxWorkers)
	assert.Equal(t, "default", cfg.Supervisor.DefaultPermissionMode)
	assert.Equal(t, "mock", cfg.AgentRuntime.Kind)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	s := SupervisorConfig{IdlePreemptThresholdMs: 1500, IdleTimeoutMs: 2000, SessionIDWaitMs: 500}
	assert.Equal(t, 1500*time.Millisecond, s.IdlePreemptThreshold())
	assert.Equal(t, 2*time.Second, s.IdleTimeout())
	assert.Equal(t, 500*time.Millisecond, s.SessionIDWait())

	e := ExternalTrackerConfig{DecayMs: 30_000, GraceMs: 5_000}
	assert.Equal(t, 30*time.Second, e.Decay())
	assert.Equal(t, 5*time.Second, e.Grace())
}

func TestValidateRejectsUnknownPermissionMode(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.Supervisor.DefaultPermissionMode = "not-a-mode"
	assert.Error(t, validate(&cfg))
}

func TestValidateRejectsUnknownAgentRuntimeKind(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.AgentRuntime.Kind = "docker"
	assert.Error(t, validate(&cfg))
}

func TestValidateRejectsNegativeMaxWorkers(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.Supervisor.MaxWorkers = -1
	assert.Error(t, validate(&cfg))
}

func TestValidateRejectsNonPositiveDecay(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.ExternalTracker.DecayMs = 0
	assert.Error(t, validate(&cfg))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaultValidConfig()
	assert.NoError(t, validate(&cfg))
}

func defaultValidConfig() Config {
	return Config{
		Supervisor: SupervisorConfig{
			MaxWorkers:             4,
			IdlePreemptThresholdMs: 60_000,
			IdleTimeoutMs:          900_000,
			DefaultPermissionMode:  "default",
			SessionIDWaitMs:        5_000,
		},
		ExternalTracker: ExternalTrackerConfig{DecayMs: 30_000, GraceMs: 5_000},
		AgentRuntime:    AgentRuntimeConfig{Kind: "mock"},
		Logging:         logger.Config{Level: "info", Format: "text", OutputPath: "stdout"},
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Sandbox: SandboxConfig{
			DockerPath:     "docker",
			Engine:         "cli",
			CPUs:           "0.1",
			Memory:         "512m",
			DefaultTimeout: 300 * time.Second,
			MaxTimeout:     time.Hour,
		},
		Pumps: PumpsConfig{
			WatchdogInterval: 100 * time.Millisecond,
			FlushInterval:    10 * time.Millisecond,
			DrainInterval:    500 * time.Millisecond,
			DrainAttempts:    5,
		},
		Reaper: ReaperConfig{
			InitialDelay: 300 * time.Second,
			Interval:     3000 * time.Second,
			Retention:    time.Hour,
		},
		Logging: LoggingConfig{Mode: "production", Level: "info"},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidEngine", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Engine = "kubernetes"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid sandbox.engine")
	})

	t.Run("NonPositiveTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.DefaultTimeout = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.default_timeout must be positive")
	})

	t.Run("MaxTimeoutBelowDefault", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MaxTimeout = time.Second
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.max_timeout")
	})

	t.Run("InvalidReaperRetention", func(t *testing.T) {
		cfg := validConfig()
		cfg.Reaper.Retention = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reaper.retention")
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "verbose"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "docker", cfg.Sandbox.DockerPath)
	assert.Equal(t, "cli", cfg.Sandbox.Engine)
	assert.Equal(t, "0.1", cfg.Sandbox.CPUs)
	assert.Equal(t, "512m", cfg.Sandbox.Memory)
	assert.Equal(t, 300*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Pumps.WatchdogInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Pumps.FlushInterval)
	assert.Equal(t, 5, cfg.Pumps.DrainAttempts)
	assert.Equal(t, time.Hour, cfg.Reaper.Retention)
	assert.Equal(t, "penbox.execution", cfg.Relay.SubjectPrefix)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "penbox.yaml")
	data := `
server:
  port: 9191
sandbox:
  engine: api
  memory: 256m
  default_timeout: 30s
pumps:
  drain_attempts: 2
logging:
  mode: development
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "api", cfg.Sandbox.Engine)
	assert.Equal(t, "256m", cfg.Sandbox.Memory)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.DefaultTimeout)
	assert.Equal(t, 2, cfg.Pumps.DrainAttempts)
	assert.Equal(t, "development", cfg.Logging.Mode)
	// untouched keys keep their defaults
	assert.Equal(t, "0.1", cfg.Sandbox.CPUs)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/michaelbrown/penbox/internal/config"
)

func TestLoggerNew(t *testing.T) {
	t.Run("Development", func(t *testing.T) {
		logger, err := New("development", "debug")
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("Production", func(t *testing.T) {
		logger, err := New("production", "info")
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := New("loud", "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New("production", "chatty")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})
}

func TestLoggerNewFromConfig(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "development", Level: "warn"}}
	logger, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

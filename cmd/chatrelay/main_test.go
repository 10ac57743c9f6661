package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithMissingConfig(t *testing.T) {
	previous := *configPath
	*configPath = filepath.Join(t.TempDir(), "missing.json")
	defer func() { *configPath = previous }()

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestApplyLogLevel(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		verbose    bool
		want       logrus.Level
	}{
		{"empty defaults to info", "", false, logrus.InfoLevel},
		{"warn is honoured", "warn", false, logrus.WarnLevel},
		{"error is honoured", "error", false, logrus.ErrorLevel},
		{"debug needs verbose", "debug", false, logrus.InfoLevel},
		{"trace needs verbose", "trace", false, logrus.InfoLevel},
		{"invalid falls back to info", "loud", false, logrus.InfoLevel},
		{"verbose forces debug", "error", true, logrus.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			logger.SetOutput(io.Discard)
			applyLogLevel(logger, tt.configured, tt.verbose)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestStartupBackoffConfig(t *testing.T) {
	defaults := retry.DefaultBackoffConfig()
	assert.Equal(t, defaults, startupBackoffConfig(models.RetryConfig{}))

	bc := startupBackoffConfig(models.RetryConfig{InitialBackoffMs: 250, MaxBackoffMs: 4000, MaxAttempts: 3})
	assert.Equal(t, 250*time.Millisecond, bc.InitialDelay)
	assert.Equal(t, 4*time.Second, bc.MaxDelay)
	assert.Equal(t, 3, bc.MaxAttempts)
	assert.Equal(t, defaults.Multiplier, bc.Multiplier)
	assert.True(t, bc.Jitter)
}

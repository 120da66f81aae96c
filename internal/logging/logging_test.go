package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	logger, err := New("development", LevelDebug)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLoggerRespectsLevel(t *testing.T) {
	logger, err := New("production", LevelWarn)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestComponentAddsField(t *testing.T) {
	base, err := New("production", LevelInfo)
	require.NoError(t, err)
	scoped := Component(base, "reconciler")
	require.NotNil(t, scoped)

	core, logs := observer.New(zapcore.InfoLevel)
	Component(zap.New(core), "reconciler").Info("scoped entry")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "reconciler", logs.All()[0].ContextMap()["component"])
}

// Package logging builds the process's structured logger, a standalone
// constructor the rest of the engine's fx modules depend on directly.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by New.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New builds a *zap.Logger for the given environment/level combination.
// "development" gets zap's human-readable development encoder regardless
// of level (so local runs are readable); every other environment gets the
// production JSON encoder with level set from levelName.
func New(environment, levelName string) (*zap.Logger, error) {
	if environment == "development" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(levelName))
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build development logger: %w", err)
		}
		return logger, nil
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(levelName))
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build production logger: %w", err)
	}
	return logger, nil
}

func parseLevel(name string) zapcore.Level {
	switch name {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Component returns a logger scoped to name via a "component" field.
func Component(logger *zap.Logger, name string) *zap.Logger {
	return logger.With(zap.String("component", name))
}

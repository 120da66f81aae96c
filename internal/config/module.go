package config

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Path is the on-disk location of the engine's yaml config file, supplied
// by cmd/tradecore/main.go (normally from a CLI flag or env var — outside
// fx's own dependency graph).
type Path string

// Environment names the running environment ("development", "production"),
// also supplied by main.go.
type Environment string

// Module provides the config Manager and its current EngineConfig snapshot
// to the fx graph.
var Module = fx.Options(
	fx.Provide(NewManagerForFx),
	fx.Provide(func(m *Manager) *EngineConfig { return m.Get() }),
	fx.Invoke(registerHooks),
)

// NewManagerForFx adapts NewManager's (path, env string) signature to fx's
// type-directed injection.
func NewManagerForFx(path Path, env Environment) (*Manager, error) {
	return NewManager(string(path), string(env))
}

func registerHooks(lc fx.Lifecycle, logger *zap.Logger, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("config manager started", zap.String("environment", m.Get().Environment))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return m.Close()
		},
	})
}

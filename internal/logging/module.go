package logging

import (
	"github.com/hemanthHemu33/algoscalper-core/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the process-wide *zap.Logger, built from the current
// EngineConfig's Environment/LogLevel.
var Module = fx.Options(
	fx.Provide(NewForFx),
)

// NewForFx adapts New's (environment, level string) signature to fx's
// type-directed injection, reading both from the live EngineConfig.
func NewForFx(cfg *config.EngineConfig) (*zap.Logger, error) {
	return New(cfg.Environment, cfg.LogLevel)
}

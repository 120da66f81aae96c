package riskstate

import (
	"context"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/config"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the process-resident risk Manager, hydrated from the
// store for the current session day at startup and persisted on shutdown.
var Module = fx.Options(
	fx.Provide(NewForFx),
	fx.Invoke(registerHooks),
)

// NewForFx translates the Risk section of EngineConfig into DailyLimits and
// builds a Manager for today's session date (today's date in the process's local time zone,
// "2006-01-02").
func NewForFx(st *store.Store, logger *zap.Logger, cfg *config.EngineConfig) *Manager {
	limits := DailyLimits{
		SoftStopLossInr:     cfg.Risk.DailyMaxLossInr * 0.8,
		HardStopLossInr:     cfg.Risk.DailyMaxLossInr,
		MaxConsecutiveFails: cfg.Risk.MaxConsecutiveFails,
		SlippageCooldown:    cfg.Slippage.FeedbackCooldown,
		StrategyCooldown:    cfg.CircuitBreaker.CooldownSecs,
		CircuitCooldown:     cfg.CircuitBreaker.CooldownSecs,
	}
	return New(st, logger, limits, time.Now().Format("2006-01-02"))
}

func registerHooks(lc fx.Lifecycle, logger *zap.Logger, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Hydrate(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return m.Persist(ctx)
		},
	})
}

package events

import (
	"context"

	"github.com/hemanthHemu33/algoscalper-core/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the NATS-backed Bus and the Funnel TradeManager's event
// loop drains, wiring Bus.SubscribeInto at startup and Bus.Close at
// shutdown.
var Module = fx.Options(
	fx.Provide(NewFunnelForFx),
	fx.Provide(ConnectForFx),
	fx.Invoke(registerHooks),
)

// NewFunnelForFx sizes the Funnel from cfg.Events.TickFunnelBuffer.
func NewFunnelForFx(cfg *config.EngineConfig) *Funnel {
	return NewFunnel(cfg.Events.TickFunnelBuffer)
}

// ConnectForFx translates the Events section of EngineConfig into a Config
// and dials NATS. An empty URL falls back to nats.DefaultURL (DefaultConfig).
func ConnectForFx(cfg *config.EngineConfig, logger *zap.Logger) (*Bus, error) {
	busCfg := DefaultConfig()
	if cfg.Events.URL != "" {
		busCfg.URL = cfg.Events.URL
	}
	if cfg.Events.ConnectionTimeout > 0 {
		busCfg.ConnectionTimeout = cfg.Events.ConnectionTimeout
	}
	if cfg.Events.MaxReconnects > 0 {
		busCfg.MaxReconnects = cfg.Events.MaxReconnects
	}
	if cfg.Events.ReconnectWait > 0 {
		busCfg.ReconnectWait = cfg.Events.ReconnectWait
	}
	return Connect(busCfg, logger)
}

// registerHooks wires the Bus subscriptions and the reconcile and
// orphan_sweep timers over a
// context scoped to the process lifetime — not the short-lived context fx
// passes into OnStart/OnStop — since both run until explicitly cancelled.
func registerHooks(lc fx.Lifecycle, bus *Bus, funnel *Funnel, cfg *config.EngineConfig) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := bus.SubscribeInto(runCtx, funnel); err != nil {
				cancel()
				return err
			}
			StartTimer(runCtx, funnel, "reconcile", cfg.Events.ReconcileInterval)
			StartTimer(runCtx, funnel, "orphan_sweep", cfg.Events.OrphanSweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			bus.Close()
			return nil
		},
	})
}

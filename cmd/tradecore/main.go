// Command tradecore boots the trade-execution core: it wires config,
// logging, metrics, persistence, risk state, the event bus, watchdogs, and
// the TradeManager orchestrator together and runs the single serialized
// event-loop goroutine the mutual-exclusion model requires, via fx.New
// with one Module per package plus a handful of fx.Invoke wiring steps.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/broker/paper"
	"github.com/hemanthHemu33/algoscalper-core/internal/config"
	"github.com/hemanthHemu33/algoscalper-core/internal/events"
	"github.com/hemanthHemu33/algoscalper-core/internal/exitplanner"
	"github.com/hemanthHemu33/algoscalper-core/internal/logging"
	"github.com/hemanthHemu33/algoscalper-core/internal/metrics"
	"github.com/hemanthHemu33/algoscalper-core/internal/oco"
	"github.com/hemanthHemu33/algoscalper-core/internal/ratelimit"
	"github.com/hemanthHemu33/algoscalper-core/internal/reconciler"
	"github.com/hemanthHemu33/algoscalper-core/internal/riskstate"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/hemanthHemu33/algoscalper-core/internal/telemetry"
	"github.com/hemanthHemu33/algoscalper-core/internal/trademanager"
	"github.com/hemanthHemu33/algoscalper-core/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	env := flag.String("env", "development", "Running environment")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address to serve /metrics on")
	flag.Parse()

	app := fx.New(
		fx.Supply(config.Path(*configPath), config.Environment(*env)),
		config.Module,
		logging.Module,
		metrics.Module,
		telemetry.Module,
		store.Module,
		riskstate.Module,
		events.Module,
		watchdog.Module,
		fx.Provide(func() *oco.Controller { return oco.New() }),
		fx.Invoke(serveMetrics(*metricsAddr)),
		fx.Invoke(runEngine),
	)
	app.Run()
}

// serveMetrics returns an fx.Invoke target that starts the /metrics
// exporter on addr, the one bare-HTTP surface this process exposes: it
// has no admin HTTP surface to speak of.
func serveMetrics(addr string) interface{} {
	return func(lc fx.Lifecycle, logger *zap.Logger) {
		srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				logger.Info("metrics server listening", zap.String("addr", addr))
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}
}

// runEngine builds the collaborators trademanager.New and reconciler.New
// need from fx-provided singletons, then starts the Manager's event-loop
// goroutine for the lifetime of the process.
func runEngine(
	lc fx.Lifecycle,
	logger *zap.Logger,
	cfg *config.EngineConfig,
	st *store.Store,
	risk *riskstate.Manager,
	funnel *events.Funnel,
	scheduler *watchdog.Scheduler,
	ocoCtl *oco.Controller,
	reporter *telemetry.Reporter,
	collector *metrics.Collector,
) {
	processLimiter := ratelimit.New("process", cfg.Rate.MaxOrdersPerSec, cfg.Rate.MaxOrdersPerMin,
		ratelimit.WithDayCounter(cfg.Rate.MaxOrdersPerDay, func() (int, error) {
			return st.CountOrdersPlacedToday(context.Background(), time.Now().Format("2006-01-02"))
		}),
	)
	brokerMirror := ratelimit.NewBrokerMirror(cfg.Rate.BrokerMaxPerSec, cfg.Rate.BrokerMaxPerMin)

	brokerClient := broker.NewResilientClient(paper.New(), brokerMirror, logging.Component(logger, "broker"), collector)

	tmCfg := trademanager.Config{
		Gates:                 trademanager.DefaultGates(),
		LotPolicy:             trademanager.LotPolicy(cfg.LotPolicy),
		EntryOrderType:        broker.OrderType(cfg.Order.EntryOrderType),
		EntryLimitTimeout:     30 * time.Second,
		PanicExitTimeout:      cfg.Watchdog.PanicExitFillTimeout,
		PanicExitMaxRetries:   cfg.Watchdog.PanicExitMaxRetries,
		SLWatchdogGraceSecs:   cfg.Watchdog.SLWatchdogOpenSecs,
		TargetWatchdogRetries: cfg.Watchdog.TargetWatchdogRetries,
		SLLimitBufferBps:      cfg.Stops.SLLimitBufferBps,
		SLLimitBufferTicks:    cfg.Stops.SLLimitBufferTicks,
		ForceFlattenAt:        config.ParseTimeOfDay(cfg.Pacing.ForceFlattenAt),
		Exit: exitplanner.Config{
			TrailArmR:           cfg.Exit.TrailArmR,
			BELockCostMult:      cfg.Exit.BELockCostMult,
			BELockBufferPts:     cfg.Exit.BELockBufferPts,
			ATRPeriod:           cfg.Exit.ATRPeriod,
			ATRTrailMult:        cfg.Exit.ATRTrailMult,
			MinGreenHoldSecs:    cfg.Exit.MinGreenHoldSecs,
			RoundLevelBufferPts: cfg.Exit.RoundLevelBufferPts,
			CandleInterval:      cfg.Exit.CandleInterval,
			CandleLookback:      cfg.Exit.CandleLookback,
		},
	}

	manager := trademanager.New(brokerClient, st, risk, processLimiter, ocoCtl, scheduler,
		logging.Component(logger, "trademanager"), tmCfg)
	manager.SetReporter(reporter)
	manager.SetMetrics(collector)

	recon := reconciler.New(brokerClient, st, risk, manager, logging.Component(logger, "reconciler"))
	recon.ExitGraceWindow = cfg.Reconcile.FlatGraceMs
	recon.RiskPerTrade = cfg.Risk.RiskPerTradeInr

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go manager.Run(runCtx, funnel, recon, reporter)
			logger.Info("trademanager event loop started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

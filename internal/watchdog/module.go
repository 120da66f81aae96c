package watchdog

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// schedulerPoolSize sizes the ants pool backing the Scheduler — watchdog
// callbacks are short-lived precondition checks plus at most one broker
// call, so a modest fixed pool absorbs bursts without per-trade tuning.
const schedulerPoolSize = 64

// Module provides the watchdog Scheduler.
var Module = fx.Options(
	fx.Provide(NewSchedulerForFx),
)

func NewSchedulerForFx(logger *zap.Logger) (*Scheduler, error) {
	return NewScheduler(schedulerPoolSize, logger)
}

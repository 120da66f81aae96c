// Package telemetry is the alert/notification sink: user visibility into
// kill-switch engagement, halts, watchdog fires, slippage, and rejections
// flows through alerts emitted here. Narrowed from a general-purpose
// alert store with resolve/active-alert tracking down to a fire-and-forget
// sink: this engine has no admin surface to query alert history from, so
// Reporter only needs to emit and fan out.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is an alert's severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Kind names the fixed set of alert sources.
type Kind string

const (
	KindKillSwitch  Kind = "kill_switch"
	KindHalt        Kind = "halt"
	KindWatchdog    Kind = "watchdog_fire"
	KindSlippage    Kind = "slippage"
	KindRejection   Kind = "rejection"
	KindReconciler  Kind = "reconciler_finding"
)

// Event is a single alert instance.
type Event struct {
	Kind      Kind
	Level     Level
	TradeID   string
	Message   string
	Details   map[string]interface{}
	At        time.Time
}

// Handler receives every emitted Event; registered handlers run
// concurrently and independently in a fire-and-forget dispatch.
type Handler func(Event) error

// Reporter fans emitted events out to the process log and any registered
// Handlers (webhook, Slack, pager — left to the caller to wire, since no
// concrete notification channel is in scope here).
type Reporter struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewReporter builds a Reporter that always logs; handlers are additive.
func NewReporter(logger *zap.Logger) *Reporter {
	return &Reporter{logger: logger, handlers: make(map[string]Handler)}
}

// RegisterHandler attaches a named external sink (e.g. a webhook poster).
func (r *Reporter) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// UnregisterHandler detaches a previously registered sink.
func (r *Reporter) UnregisterHandler(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Emit logs ev and dispatches it to every registered handler.
func (r *Reporter) Emit(ctx context.Context, ev Event) {
	r.log(ev)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, h := range r.handlers {
		go func(name string, h Handler, ev Event) {
			if err := h(ev); err != nil {
				r.logger.Error("telemetry handler failed",
					zap.String("handler", name), zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}(name, h, ev)
	}
}

func (r *Reporter) log(ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("trade_id", ev.TradeID),
	}
	for k, v := range ev.Details {
		fields = append(fields, zap.Any(k, v))
	}
	switch ev.Level {
	case LevelCritical:
		r.logger.Error(fmt.Sprintf("CRITICAL: %s", ev.Message), fields...)
	case LevelWarning:
		r.logger.Warn(ev.Message, fields...)
	default:
		r.logger.Info(ev.Message, fields...)
	}
}

// KillSwitch emits the "kill-switch engaged" event.
func (r *Reporter) KillSwitch(ctx context.Context, tradeID, reason string) {
	r.Emit(ctx, Event{
		Kind: KindKillSwitch, Level: LevelCritical, TradeID: tradeID,
		Message: "kill-switch engaged", Details: map[string]interface{}{"reason": reason}, At: eventTime(),
	})
}

// WatchdogFire emits the "watchdog fire" event.
func (r *Reporter) WatchdogFire(ctx context.Context, tradeID, kind string) {
	r.Emit(ctx, Event{
		Kind: KindWatchdog, Level: LevelWarning, TradeID: tradeID,
		Message: "watchdog fired", Details: map[string]interface{}{"watchdog_kind": kind}, At: eventTime(),
	})
}

// Rejection emits the "rejection" event for a broker order rejection.
func (r *Reporter) Rejection(ctx context.Context, tradeID, role, reason string) {
	r.Emit(ctx, Event{
		Kind: KindRejection, Level: LevelWarning, TradeID: tradeID,
		Message: "order rejected", Details: map[string]interface{}{"role": role, "reason": reason}, At: eventTime(),
	})
}

// ReconcilerFinding emits a finding surfaced by a reconcile pass.
func (r *Reporter) ReconcilerFinding(ctx context.Context, tradeID, kind, detail string) {
	r.Emit(ctx, Event{
		Kind: KindReconciler, Level: LevelWarning, TradeID: tradeID,
		Message: "reconciler finding", Details: map[string]interface{}{"finding_kind": kind, "detail": detail}, At: eventTime(),
	})
}

// eventTime is isolated so tests can't observe wall-clock flakiness and a
// future caller could inject a clock without changing every call site.
func eventTime() time.Time { return time.Now() }

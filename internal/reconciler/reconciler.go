// Package reconciler implements the position-first cross-check: it reads
// broker net positions, loads active trades, runs position checks on them,
// and creates recovery trades (with protective exits) for orphaned
// positions. It does not re-place missing SL/TARGET legs for existing
// active trades. Run at init, after connection recovery, and on a
// periodic timer.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"go.uber.org/zap"
)

// Finding describes one position-first mismatch uncovered by a
// Reconciler pass.
type Finding struct {
	TradeID string
	Kind    string // "stale_live", "leftover_exposure", "double_exit", "recovery_trade_created"
	Detail  string
}

// RiskProbe is the subset of riskstate.Manager the reconciler needs —
// narrowed to an interface so tests can exercise reconcile logic without a
// full Manager.
type RiskProbe interface {
	EngageKillSwitch(reason string)
	RegisterOpenPosition(p store.OpenPosition)
	ClearOpenPosition(tradeID string)
}

// PanicExiter performs the emergency flatten a reconcile finding demands,
// and places protective exits for the quantity of a freshly recovered
// position; implemented by trademanager, injected here to avoid an
// import cycle.
type PanicExiter interface {
	PanicExit(ctx context.Context, trade *store.Trade, reason string) error
	PlaceProtectiveExits(ctx context.Context, trade *store.Trade, qty int) error
}

// Reconciler is the periodic + event-triggered position-first checker.
type Reconciler struct {
	broker broker.Client
	store  *store.Store
	risk   RiskProbe
	panic  PanicExiter
	logger *zap.Logger

	// ExitGraceWindow is how long after ExitAt a trade may show broker
	// qty=0 without being treated as stale, covering the window while an
	// exit order is still in flight.
	ExitGraceWindow time.Duration

	// RiskPerTrade is the configured per-trade risk used to derive a
	// protective stop for a freshly recovered position.
	RiskPerTrade float64
}

// New builds a Reconciler.
func New(b broker.Client, st *store.Store, risk RiskProbe, panic PanicExiter, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		broker:          b,
		store:           st,
		risk:            risk,
		panic:           panic,
		logger:          logger,
		ExitGraceWindow: 10 * time.Second,
		RiskPerTrade:    0,
	}
}

// Reconcile runs one full position-first pass.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Finding, error) {
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	posQtyByToken := map[string]int{}
	for _, p := range positions.Net {
		posQtyByToken[p.TradingSymbol] = p.Quantity
	}

	active, err := r.store.GetActiveTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("get active trades: %w", err)
	}

	var findings []Finding

	seenTokens := map[string]bool{}
	for _, trade := range active {
		seenTokens[trade.Instrument.TradingSymbol] = true
		brokerQty := posQtyByToken[trade.Instrument.TradingSymbol]
		findings = append(findings, r.checkTrade(ctx, trade, brokerQty)...)
	}

	// Any non-zero broker position with no matching active trade is an
	// orphaned position — create a recovery trade.
	for symbol, qty := range posQtyByToken {
		if qty == 0 || seenTokens[symbol] {
			continue
		}
		if err := r.createRecoveryTrade(ctx, symbol, qty); err != nil {
			r.logger.Error("failed to create recovery trade", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		findings = append(findings, Finding{Kind: "recovery_trade_created", Detail: symbol})
	}

	return findings, nil
}

func (r *Reconciler) checkTrade(ctx context.Context, trade *store.Trade, brokerQty int) []Finding {
	var findings []Finding
	side := 1
	if trade.Side == broker.SideSell {
		side = -1
	}
	expectedQty := side * trade.Qty

	switch {
	case trade.Status == statemachine.StatusLive && brokerQty == 0:
		if !trade.ExitAt.IsZero() && time.Since(trade.ExitAt) < r.ExitGraceWindow {
			return findings
		}
		r.logger.Warn("stale LIVE trade with zero broker qty", zap.String("trade_id", trade.TradeID))
		r.risk.EngageKillSwitch("stale_live_zero_broker_qty")
		_ = r.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
			Status: statusPtr(statemachine.StatusClosed),
			Fields: map[string]interface{}{"close_reason": "STALE_LIVE_ZERO_QTY"},
		})
		findings = append(findings, Finding{TradeID: trade.TradeID, Kind: "stale_live", Detail: "broker qty 0 while trade LIVE"})

	case statemachine.IsTerminal(trade.Status) && brokerQty != 0:
		r.logger.Warn("leftover exposure on terminal trade", zap.String("trade_id", trade.TradeID), zap.Int("broker_qty", brokerQty))
		r.risk.EngageKillSwitch("leftover_exposure_terminal_trade")
		if r.panic != nil {
			_ = r.panic.PanicExit(ctx, trade, "LEFTOVER_EXPOSURE")
		}
		findings = append(findings, Finding{TradeID: trade.TradeID, Kind: "leftover_exposure", Detail: "broker qty nonzero while terminal"})

	case trade.Status == statemachine.StatusLive && (sign(brokerQty) != sign(expectedQty) || abs(brokerQty) > abs(expectedQty)):
		r.logger.Warn("double-exit / over-exit detected", zap.String("trade_id", trade.TradeID))
		r.risk.EngageKillSwitch("double_exit_over_exit")
		if r.panic != nil {
			_ = r.panic.PanicExit(ctx, trade, "DOUBLE_EXIT_OVER_EXIT")
		}
		findings = append(findings, Finding{TradeID: trade.TradeID, Kind: "double_exit", Detail: "sign flip or over-exit"})
	}

	if trade.IsActive() {
		r.risk.RegisterOpenPosition(store.OpenPosition{
			Token: trade.InstrumentToken, TradeID: trade.TradeID, Side: trade.Side, Qty: trade.Qty,
		})
	} else {
		r.risk.ClearOpenPosition(trade.TradeID)
	}
	return findings
}

// createRecoveryTrade builds a RECOVERY_REHYDRATED trade for a broker
// position with no matching internal record: SL is placed at a
// risk-derived price, target is omitted, and the kill-switch is not
// engaged by this alone.
func (r *Reconciler) createRecoveryTrade(ctx context.Context, symbol string, qty int) error {
	side := broker.SideBuy
	absQty := qty
	if qty < 0 {
		side = broker.SideSell
		absQty = -qty
	}

	ltp, err := r.broker.GetLTP(ctx, []string{symbol})
	if err != nil {
		return fmt.Errorf("get ltp for recovery: %w", err)
	}
	entryPrice := ltp[symbol]

	riskStop := entryPrice
	if r.RiskPerTrade > 0 && absQty > 0 {
		perUnitRisk := r.RiskPerTrade / float64(absQty)
		if side == broker.SideBuy {
			riskStop = entryPrice - perUnitRisk
		} else {
			riskStop = entryPrice + perUnitRisk
		}
	}

	trade := &store.Trade{
		TradeID:       fmt.Sprintf("RECOVERY-%s-%d", symbol, time.Now().UnixNano()),
		Instrument:    store.Instrument{TradingSymbol: symbol},
		Side:          side,
		Qty:           absQty,
		InitialQty:    absQty,
		EntryPrice:    entryPrice,
		StopLoss:      riskStop,
		Status:        statemachine.StatusRecoveryRehydrated,
		EntryFilledAt: time.Now(),
	}
	r.logger.Info("creating recovery trade",
		zap.String("symbol", symbol), zap.Int("qty", qty), zap.Float64("entry_price", entryPrice))
	if err := r.store.InsertTrade(ctx, trade); err != nil {
		return err
	}
	if r.panic != nil {
		if err := r.panic.PlaceProtectiveExits(ctx, trade, absQty); err != nil {
			r.logger.Error("recovery trade: protective exit placement failed",
				zap.String("trade_id", trade.TradeID), zap.Error(err))
		}
	}
	return nil
}

func statusPtr(s statemachine.Status) *statemachine.Status { return &s }

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

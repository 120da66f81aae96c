package trademanager

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/events"
	"github.com/hemanthHemu33/algoscalper-core/internal/exitplanner"
	"github.com/hemanthHemu33/algoscalper-core/internal/metrics"
	"github.com/hemanthHemu33/algoscalper-core/internal/oco"
	"github.com/hemanthHemu33/algoscalper-core/internal/ratelimit"
	"github.com/hemanthHemu33/algoscalper-core/internal/reconciler"
	"github.com/hemanthHemu33/algoscalper-core/internal/riskstate"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/hemanthHemu33/algoscalper-core/internal/telemetry"
	"github.com/hemanthHemu33/algoscalper-core/internal/watchdog"
	"go.uber.org/zap"
)

// RegimeMetrics bundles the regime-filter inputs the entry gate checks.
type RegimeMetrics struct {
	ATRPct           float64
	RelativeVolume   float64
	RangePercentile  float64
	MultiTFConfirmed bool
}

// SignalInput is what the strategy layer passes to onSignal, the single
// entry point into the trade lifecycle. Subsystems with no concrete
// implementation here (option routing, adaptive optimizer, cost model)
// are represented as plain data plus the pluggable Gates hooks below,
// rather than hand-rolled stand-ins.
type SignalInput struct {
	TradeID       string
	TokenKey      string
	Instrument    store.Instrument
	InstrumentTok int64
	Side          broker.Side
	Confidence    float64
	EntryPrice    float64
	StopLoss      float64
	TargetPrice   float64
	RiskInr       float64
	RiskCapInr    float64
	MarginQty     int
	SpreadBps     float64
	Regime        RegimeMetrics
	Candles       []exitplanner.Candle
	ExpectedMoveInr float64
	AllInCostInr    float64
	CostGateMult    float64
}

// Gates holds the pluggable entry-decision points whose internals live
// outside this package (option picker, adaptive optimizer, exposure
// ledger, IV/theta edge model). Each defaults to an always-pass stub so
// the core orchestration is exercised end-to-end without requiring those
// subsystems; production wiring replaces the stubs.
type Gates struct {
	NoTradeWindow   func(now time.Time) bool
	ConfidenceFloor float64
	MaxSpreadBps    float64
	RegimeOK        func(RegimeMetrics) (bool, string)
	SLQualityOK     func(entry, sl float64, side broker.Side) (bool, string)
	ExposureOK      func(sig SignalInput) (bool, string)
	OptionEdgeOK    func(sig SignalInput) (bool, string)
	CostGateOK      func(sig SignalInput) (bool, string)
}

// DefaultGates returns always-pass stubs except the spread/SL-quality
// checks, which are precise enough to implement directly.
func DefaultGates() Gates {
	return Gates{
		NoTradeWindow:   func(time.Time) bool { return false },
		ConfidenceFloor: 0,
		MaxSpreadBps:    math.MaxFloat64,
		RegimeOK:        func(RegimeMetrics) (bool, string) { return true, "" },
		SLQualityOK:     defaultSLQuality,
		ExposureOK:      func(SignalInput) (bool, string) { return true, "" },
		OptionEdgeOK:    func(SignalInput) (bool, string) { return true, "" },
		CostGateOK:      defaultCostGate,
	}
}

func defaultSLQuality(entry, sl float64, side broker.Side) (bool, string) {
	if sl <= 0 || entry <= 0 {
		return false, "invalid_sl_or_entry"
	}
	if side == broker.SideBuy && sl >= entry {
		return false, "sl_not_below_entry_for_buy"
	}
	if side == broker.SideSell && sl <= entry {
		return false, "sl_not_above_entry_for_sell"
	}
	return true, ""
}

func defaultCostGate(sig SignalInput) (bool, string) {
	if sig.CostGateMult <= 0 || sig.AllInCostInr <= 0 {
		return true, ""
	}
	if sig.ExpectedMoveInr < sig.CostGateMult*sig.AllInCostInr {
		return false, "expected_move_below_cost_gate"
	}
	return true, ""
}

// Config bundles the tunables Manager needs beyond its collaborators.
type Config struct {
	Gates              Gates
	LotPolicy          LotPolicy
	EntryOrderType     broker.OrderType
	EntryLimitTimeout  time.Duration
	PanicExitTimeout   time.Duration
	PanicExitMaxRetries int
	SLWatchdogGraceSecs time.Duration
	TargetWatchdogRetries int
	SLLimitBufferBps    float64
	SLLimitBufferTicks  int
	// ForceFlattenAt is the time-of-day (offset since local midnight) at
	// which a LIVE trade is force-flattened regardless of plan. Zero
	// disables force-flatten.
	ForceFlattenAt time.Duration
	Exit           exitplanner.Config
}

// Manager is the TradeManager orchestrator, wiring statemachine
// validation, rate limiting, persistence, risk posture, exit planning, OCO
// bookkeeping, and watchdogs into a single actor. Methods are meant to be
// invoked only from the single event-loop goroutine draining an
// events.Funnel, which gives mutual exclusion on the active trade; Manager
// itself adds no internal locking.
type Manager struct {
	broker    broker.Client
	store     *store.Store
	risk      *riskstate.Manager
	limiter   *ratelimit.Limiter
	oco       *oco.Controller
	watchdogs *watchdog.Scheduler
	retries   *watchdog.RetryBudget
	logger    *zap.Logger
	reporter  *telemetry.Reporter
	metrics   *metrics.Collector
	cfg       Config

	lastPrice  map[int64]float64
	lastTickAt map[int64]time.Time
	candles    map[int64][]exitplanner.Candle
}

// New builds a Manager from its collaborators.
func New(b broker.Client, st *store.Store, risk *riskstate.Manager, limiter *ratelimit.Limiter,
	ocoCtl *oco.Controller, watchdogs *watchdog.Scheduler, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		broker:     b,
		store:      st,
		risk:       risk,
		limiter:    limiter,
		oco:        ocoCtl,
		watchdogs:  watchdogs,
		retries:    watchdog.NewRetryBudget(cfg.PanicExitMaxRetries),
		logger:     logger,
		cfg:        cfg,
		lastPrice:  make(map[int64]float64),
		lastTickAt: make(map[int64]time.Time),
		candles:    make(map[int64][]exitplanner.Candle),
	}
}

// SetReporter attaches the alert sink used for kill-switch/watchdog/
// rejection telemetry. Optional: a Manager with no reporter set still
// engages the kill-switch and halts exactly the same, it just doesn't
// emit an alert alongside it.
func (m *Manager) SetReporter(reporter *telemetry.Reporter) {
	m.reporter = reporter
}

// SetMetrics attaches the Prometheus collector used for order/watchdog/
// kill-switch counters. Optional, same nil-safety as SetReporter.
func (m *Manager) SetMetrics(collector *metrics.Collector) {
	m.metrics = collector
}

// OnSignal is the single entry point from the strategy layer.
// Preconditions are checked in order; the first failure returns a
// BlockReason (and no error) so the caller can route it to telemetry
// without treating it as an exceptional condition.
func (m *Manager) OnSignal(ctx context.Context, now time.Time, sig SignalInput) (blockReason string, err error) {
	active, err := m.store.GetActiveTrades(ctx)
	if err != nil {
		return "", fmt.Errorf("get active trades: %w", err)
	}
	if len(active) > 0 {
		return "active_trade_exists", nil
	}
	if m.cfg.Gates.NoTradeWindow(now) {
		return "no_trade_window", nil
	}
	if ok, reason := m.risk.CanEnterNewTrade(sig.TokenKey); !ok {
		return reason, nil
	}
	if sig.Confidence < m.cfg.Gates.ConfidenceFloor {
		return "confidence_below_floor", nil
	}
	if sig.SpreadBps > m.cfg.Gates.MaxSpreadBps {
		return "spread_too_wide", nil
	}
	if ok, reason := m.cfg.Gates.RegimeOK(sig.Regime); !ok {
		return "regime_" + reason, nil
	}
	if ok, reason := m.cfg.Gates.SLQualityOK(sig.EntryPrice, sig.StopLoss, sig.Side); !ok {
		return "sl_quality_" + reason, nil
	}

	perUnitRisk := math.Abs(sig.EntryPrice - sig.StopLoss)
	sizing := SizeQuantity(SizingInput{
		RiskInr:     sig.RiskInr,
		PerUnitRisk: perUnitRisk,
		LotSize:     sig.Instrument.LotSize,
		FreezeQty:   sig.Instrument.FreezeQty,
		Policy:      m.cfg.LotPolicy,
		MarginQty:   sig.MarginQty,
		RiskCapInr:  sig.RiskCapInr,
	})
	if sizing.Blocked {
		return "sizing_" + sizing.BlockReason, nil
	}

	stopLoss := sig.StopLoss
	if sizing.SLFitted {
		if sig.Side == broker.SideBuy {
			stopLoss = sig.EntryPrice - sizing.FittedPerUnitRisk
		} else {
			stopLoss = sig.EntryPrice + sizing.FittedPerUnitRisk
		}
	}

	if ok, reason := m.cfg.Gates.ExposureOK(sig); !ok {
		return "exposure_" + reason, nil
	}
	if ok, reason := m.cfg.Gates.OptionEdgeOK(sig); !ok {
		return "option_edge_" + reason, nil
	}
	if ok, reason := m.cfg.Gates.CostGateOK(sig); !ok {
		return "cost_gate_" + reason, nil
	}

	if decision := m.limiter.Check(now, 1); !decision.Allowed {
		return "rate_limited_" + string(decision.Reason), nil
	}

	if len(sig.Candles) > 0 {
		if _, seeded := m.candles[sig.InstrumentTok]; !seeded {
			m.candles[sig.InstrumentTok] = append([]exitplanner.Candle(nil), sig.Candles...)
		}
	}

	tradeID := sig.TradeID
	if tradeID == "" {
		tradeID = uuid.NewString()
	}

	trade := &store.Trade{
		TradeID:            tradeID,
		InstrumentToken:    sig.InstrumentTok,
		Instrument:         sig.Instrument,
		Side:               sig.Side,
		Qty:                sizing.Qty,
		InitialQty:         sizing.Qty,
		ExpectedEntryPrice: sig.EntryPrice,
		StopLoss:           stopLoss,
		InitialStopLoss:    stopLoss,
		TargetPrice:        sig.TargetPrice,
		PlannedTargetPrice: sig.TargetPrice,
		RiskInr:            sig.RiskInr,
		RiskPts:            perUnitRisk,
		Status:             statemachine.StatusEntryPlaced,
		DecisionAt:         now,
	}
	if err := m.store.InsertTrade(ctx, trade); err != nil {
		return "", fmt.Errorf("insert trade: %w", err)
	}

	orderID, err := m.placeEntry(ctx, trade, now)
	if err != nil {
		m.risk.RecordEntryFailure()
		_ = m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
			Status: statusPtr(statemachine.StatusEntryFailed),
			Fields: map[string]interface{}{"close_reason": err.Error()},
		})
		return "entry_placement_failed", nil
	}
	m.limiter.Record(now, 1)
	m.risk.RecordEntrySuccess()

	if err := m.store.LinkOrder(ctx, orderID, trade.TradeID, broker.RoleEntry); err != nil {
		return "", fmt.Errorf("link entry order: %w", err)
	}
	m.drainOrphans(ctx, orderID)
	if err := m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(statemachine.StatusEntryOpen),
		Fields: map[string]interface{}{"entry_order_id": orderID, "entry_at": now},
	}); err != nil {
		return "", fmt.Errorf("transition to entry_open: %w", err)
	}

	m.armEntryWatchdog(trade.TradeID)
	return "", nil
}

func (m *Manager) placeEntry(ctx context.Context, trade *store.Trade, now time.Time) (string, error) {
	orderType := m.cfg.EntryOrderType
	if orderType == "" {
		orderType = broker.OrderTypeMarket
	}
	if m.metrics != nil {
		defer m.metrics.ObserveOrderLatency("entry")(time.Now())
	}
	orderID, err := m.broker.PlaceOrder(ctx, broker.PlaceParams{
		Exchange:        trade.Instrument.Exchange,
		TradingSymbol:   trade.Instrument.TradingSymbol,
		TransactionType: trade.Side,
		Quantity:        trade.Qty,
		OrderType:       orderType,
		Price:           trade.ExpectedEntryPrice,
		Product:         trade.Product,
		Tag:             broker.Tag(trade.TradeID, broker.RoleEntry),
	})
	if m.metrics != nil && err == nil {
		m.metrics.OrdersPlaced.WithLabelValues("entry", string(orderType)).Inc()
	}
	return orderID, err
}

func (m *Manager) armEntryWatchdog(tradeID string) {
	timeout := m.cfg.EntryLimitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m.watchdogs.Arm(watchdog.KindEntryLimit, tradeID, timeout,
		func() bool {
			t, err := m.store.GetTrade(context.Background(), tradeID)
			return err == nil && t.Status == statemachine.StatusEntryOpen
		},
		func() { m.entryLimitFallback(context.Background(), tradeID) },
	)
}

// entryLimitFallback cancels a still-open, unfilled LIMIT entry and
// replaces it with a MARKET order; a partial fill is protected instead
// of replaced.
func (m *Manager) entryLimitFallback(ctx context.Context, tradeID string) {
	trade, err := m.store.GetTrade(ctx, tradeID)
	if err != nil || trade.Status != statemachine.StatusEntryOpen {
		return
	}
	if m.reporter != nil {
		m.reporter.WatchdogFire(ctx, tradeID, string(watchdog.KindEntryLimit))
	}
	if m.metrics != nil {
		m.metrics.WatchdogFires.WithLabelValues(string(watchdog.KindEntryLimit)).Inc()
	}
	orders, err := m.broker.GetOrders(ctx)
	if err != nil {
		m.logger.Error("entry fallback: get orders failed", zap.Error(err))
		return
	}
	var current broker.Order
	found := false
	for _, o := range orders {
		if o.OrderID == trade.EntryOrderID {
			current, found = o, true
			break
		}
	}
	if !found || broker.IsTerminal(current.Status) {
		return
	}
	if err := m.broker.CancelOrder(ctx, "", trade.EntryOrderID); err != nil {
		m.logger.Warn("entry fallback: cancel failed", zap.Error(err))
		return
	}
	m.recordBrokerCall()
	if current.FilledQuantity > 0 {
		// Partial fill: protect what filled rather than replace it.
		_ = m.store.UpdateTrade(ctx, tradeID, store.TradePatch{
			Fields: map[string]interface{}{"qty": current.FilledQuantity},
		})
		return
	}
	orderID, err := m.broker.PlaceOrder(ctx, broker.PlaceParams{
		Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
		TransactionType: trade.Side, Quantity: trade.Qty, OrderType: broker.OrderTypeMarket,
		Product: trade.Product, Tag: broker.Tag(trade.TradeID, broker.RoleEntry),
	})
	if err != nil {
		m.logger.Error("entry fallback: market replace failed", zap.Error(err))
		return
	}
	m.recordBrokerCall()
	_ = m.store.LinkOrder(ctx, orderID, tradeID, broker.RoleEntry)
	m.drainOrphans(ctx, orderID)
	_ = m.store.UpdateTrade(ctx, tradeID, store.TradePatch{
		Fields: map[string]interface{}{"entry_order_id": orderID},
	})
}

// OnOrderUpdate is the broker postback handler. A postback with no
// OrderLink yet either matches an active trade's instrument as an
// unsolicited broker-side square-off, or is queued as an orphan to be
// replayed through this same function once its link appears (see
// drainOrphans).
func (m *Manager) OnOrderUpdate(ctx context.Context, order broker.Order) error {
	if m.oco.ConsumeExpectedCancel(order.OrderID) {
		return nil
	}

	link, err := m.store.FindTradeByOrder(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("find trade by order: %w", err)
	}
	if link == nil {
		matched, err := m.tryBrokerSquareoff(ctx, order)
		if err != nil || matched {
			return err
		}
		return m.store.SaveOrphanOrderUpdate(ctx, order.OrderID, order)
	}

	if prior, snapErr := m.store.GetLiveOrderSnapshotsByTradeIds(ctx, []string{link.TradeID}); snapErr == nil {
		if snap, found := prior[link.TradeID]; found {
			if entry, found := snap.ByOrder[order.OrderID]; found && broker.IsRegression(entry.Status, order.Status) {
				m.logger.Debug("dropping regressed order status",
					zap.String("order_id", order.OrderID), zap.String("prev", string(entry.Status)), zap.String("next", string(order.Status)))
				return nil
			}
		}
	}

	if err := m.store.AppendOrderLog(ctx, store.OrderLogEntry{
		OrderID: order.OrderID, TradeID: link.TradeID, Role: link.Role,
		Status: order.Status, Payload: order, CreatedAt: time.Now(),
	}); err != nil {
		m.logger.Error("append order log failed", zap.Error(err))
	}
	if err := m.store.UpsertLiveOrderSnapshot(ctx, link.TradeID, order.OrderID, store.SnapshotEntry{
		Order: order, Status: order.Status, Role: link.Role, SeenAt: time.Now(),
	}); err != nil {
		m.logger.Error("snapshot update failed", zap.Error(err))
	}

	trade, err := m.store.GetTrade(ctx, link.TradeID)
	if err != nil {
		return fmt.Errorf("get trade for order update: %w", err)
	}

	switch link.Role {
	case broker.RoleEntry:
		return m.onEntryUpdate(ctx, trade, order)
	case broker.RoleSL:
		return m.onExitLegUpdate(ctx, trade, order, broker.RoleSL)
	case broker.RoleTarget:
		return m.onExitLegUpdate(ctx, trade, order, broker.RoleTarget)
	case broker.RoleTP1:
		return m.onTP1Update(ctx, trade, order)
	case broker.RolePanicExit:
		return m.onPanicExitUpdate(ctx, trade, order)
	case broker.RoleBrokerSquareoff:
		return m.onBrokerSquareoffUpdate(ctx, trade, order)
	default:
		return nil
	}
}

// tryBrokerSquareoff attempts to match an unlinked postback against an
// active trade before it is filed as an orphan: a COMPLETE fill on the
// exit side of a LIVE or ENTRY_FILLED trade's instrument, with no order id
// this engine recognizes, is an unsolicited broker-side flatten rather
// than a postback racing its own LinkOrder call.
func (m *Manager) tryBrokerSquareoff(ctx context.Context, order broker.Order) (bool, error) {
	if order.Status != broker.StatusComplete {
		return false, nil
	}
	active, err := m.store.GetActiveTrades(ctx)
	if err != nil {
		return false, fmt.Errorf("get active trades for squareoff match: %w", err)
	}
	for _, trade := range active {
		if trade.Status != statemachine.StatusLive && trade.Status != statemachine.StatusEntryFilled {
			continue
		}
		if trade.Instrument.Exchange != order.Exchange || trade.Instrument.TradingSymbol != order.TradingSymbol {
			continue
		}
		exitSide := broker.SideSell
		if trade.Side == broker.SideSell {
			exitSide = broker.SideBuy
		}
		if order.TransactionType != exitSide {
			continue
		}
		if err := m.store.LinkOrder(ctx, order.OrderID, trade.TradeID, broker.RoleBrokerSquareoff); err != nil {
			return false, fmt.Errorf("link broker squareoff order: %w", err)
		}
		return true, m.onBrokerSquareoffUpdate(ctx, trade, order)
	}
	return false, nil
}

// onBrokerSquareoffUpdate closes trade in response to a broker-side
// flatten this engine never ordered: the working SL/TARGET/TP1 legs no
// longer protect a real position, so they are cancelled, and the trade
// moves straight to CLOSED without this engine placing an exit order of
// its own.
func (m *Manager) onBrokerSquareoffUpdate(ctx context.Context, trade *store.Trade, order broker.Order) error {
	if trade.SLOrderID != "" {
		m.oco.MarkExpectedCancel(trade.SLOrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.SLOrderID); err == nil {
			m.recordBrokerCall()
		}
	}
	if trade.TargetOrderID != "" {
		m.oco.MarkExpectedCancel(trade.TargetOrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.TargetOrderID); err == nil {
			m.recordBrokerCall()
		}
	}
	if trade.TP1OrderID != "" && !trade.TP1Done {
		m.oco.MarkExpectedCancel(trade.TP1OrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.TP1OrderID); err == nil {
			m.recordBrokerCall()
		}
	}

	realized := realizedPnl(trade, order.AveragePrice)
	m.risk.ApplyRealizedPnl(trade.TradeID, realized)
	m.risk.ClearOpenPosition(trade.TradeID)
	if m.metrics != nil {
		m.metrics.TradesClosed.WithLabelValues("BROKER_SQUAREOFF").Inc()
		m.metrics.RealizedPnl.Add(realized)
	}
	if m.reporter != nil {
		m.reporter.Rejection(ctx, trade.TradeID, "broker_squareoff", order.OrderID)
	}

	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(statemachine.StatusClosed),
		Fields: map[string]interface{}{
			"exit_price": order.AveragePrice, "exit_at": time.Now(),
			"close_reason": "BROKER_SQUAREOFF", "exit_reason": "BROKER_SQUAREOFF",
		},
	})
}

// drainOrphans replays, in arrival order, every postback that queued as an
// orphan for orderID before this LinkOrder call gave it a home. A replay
// failure re-enqueues the orphan with its retry count bumped; RequeueOrphan
// itself dead-letters anything past MaxOrphanRetries, so every orphan is
// either replayed to completion or dead-lettered, never dropped.
func (m *Manager) drainOrphans(ctx context.Context, orderID string) {
	orphans, err := m.store.PopOrphanOrderUpdates(ctx, orderID)
	if err != nil {
		m.logger.Error("pop orphan order updates failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	for _, o := range orphans {
		if err := m.OnOrderUpdate(ctx, o.Order); err != nil {
			m.logger.Error("orphan replay failed", zap.String("order_id", o.OrderID), zap.Error(err))
			if rqErr := m.store.RequeueOrphan(ctx, o); rqErr != nil {
				m.logger.Error("requeue orphan failed", zap.String("order_id", o.OrderID), zap.Error(rqErr))
			}
		}
	}
}

// onEntryUpdate applies the entry leg's postback. A full fill places
// protective exits and advances the trade through ENTRY_FILLED to LIVE; a
// partial fill places protective exits sized to what actually filled and
// leaves the trade in ENTRY_OPEN so later partial fills or the entry-limit
// watchdog can still act on it.
func (m *Manager) onEntryUpdate(ctx context.Context, trade *store.Trade, order broker.Order) error {
	if statemachine.IsStaleEntryFilled(trade.Status) && order.Status == broker.StatusComplete {
		return nil
	}
	switch order.Status {
	case broker.StatusComplete:
		m.watchdogs.Disarm(watchdog.KindEntryLimit, trade.TradeID)
		if err := m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
			Status: statusPtr(statemachine.StatusEntryFilled),
			Fields: map[string]interface{}{
				"entry_price":     order.AveragePrice,
				"qty":             order.FilledQuantity,
				"entry_filled_at": time.Now(),
			},
		}); err != nil {
			return fmt.Errorf("mark entry filled: %w", err)
		}
		trade.EntryPrice = order.AveragePrice
		trade.Qty = order.FilledQuantity
		if err := m.placeProtectiveExits(ctx, trade, order.FilledQuantity); err != nil {
			return m.failProtectiveExits(ctx, trade, err)
		}
		return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{Status: statusPtr(statemachine.StatusLive)})
	case broker.StatusPartial:
		if trade.SLOrderID != "" {
			// Protective legs already placed for an earlier partial fill on
			// this entry; later partials just grow the filled quantity.
			return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
				Fields: map[string]interface{}{"entry_price": order.AveragePrice, "qty": order.FilledQuantity},
			})
		}
		if err := m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
			Fields: map[string]interface{}{"entry_price": order.AveragePrice, "qty": order.FilledQuantity},
		}); err != nil {
			return fmt.Errorf("mark entry partial: %w", err)
		}
		trade.EntryPrice = order.AveragePrice
		trade.Qty = order.FilledQuantity
		if err := m.placeProtectiveExits(ctx, trade, order.FilledQuantity); err != nil {
			return m.failProtectiveExits(ctx, trade, err)
		}
		return nil
	case broker.StatusRejected, broker.StatusCancelled:
		m.watchdogs.Disarm(watchdog.KindEntryLimit, trade.TradeID)
		m.risk.RecordEntryFailure()
		if m.reporter != nil {
			m.reporter.Rejection(ctx, trade.TradeID, "entry", order.StatusMessage)
		}
		if m.metrics != nil {
			m.metrics.OrdersRejected.WithLabelValues("entry", string(order.Status)).Inc()
		}
		return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
			Status: statusPtr(statemachine.StatusEntryFailed),
			Fields: map[string]interface{}{"close_reason": string(order.Status)},
		})
	default:
		return nil
	}
}

// failProtectiveExits treats any SL/exit-leg placement failure as fatal:
// GUARD_FAILED, kill-switch, and panic-exit, with no retry-then-continue.
func (m *Manager) failProtectiveExits(ctx context.Context, trade *store.Trade, cause error) error {
	m.logger.Error("protective exit placement failed", zap.String("trade_id", trade.TradeID), zap.Error(cause))
	m.risk.EngageKillSwitch("protective_exit_placement_failed")
	if m.reporter != nil {
		m.reporter.KillSwitch(ctx, trade.TradeID, "protective_exit_placement_failed")
	}
	if m.metrics != nil {
		m.metrics.KillSwitch.Inc()
	}
	_ = m.PanicExit(ctx, trade, "PROTECTIVE_EXIT_FAILED")
	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(statemachine.StatusGuardFailed),
		Fields: map[string]interface{}{"close_reason": cause.Error()},
	})
}

// PlaceProtectiveExits places SL and TARGET orders for an externally
// discovered quantity; satisfies reconciler.PanicExiter for the
// recovery-trade path.
func (m *Manager) PlaceProtectiveExits(ctx context.Context, trade *store.Trade, qty int) error {
	return m.placeProtectiveExits(ctx, trade, qty)
}

// placeProtectiveExits places the SL and TARGET legs for qty, falling back
// from SL-M to a buffered SL (stop-limit) when the broker blocks SL-M on
// this contract.
func (m *Manager) placeProtectiveExits(ctx context.Context, trade *store.Trade, qty int) error {
	if m.metrics != nil {
		defer m.metrics.ObserveOrderLatency("protective_exit")(time.Now())
	}
	exitSide := broker.SideSell
	if trade.Side == broker.SideSell {
		exitSide = broker.SideBuy
	}

	slOrderType := broker.OrderTypeSLM
	slLimitPrice := 0.0
	slOrderID, err := m.broker.PlaceOrder(ctx, broker.PlaceParams{
		Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
		TransactionType: exitSide, Quantity: qty, OrderType: broker.OrderTypeSLM,
		TriggerPrice: trade.StopLoss, Product: trade.Product, Tag: broker.Tag(trade.TradeID, broker.RoleSL),
	})
	if err != nil {
		be, ok := err.(*broker.Error)
		if !ok || be.Kind != broker.ErrKindSLMBlocked {
			return fmt.Errorf("place SL order: %w", err)
		}
		slOrderType = broker.OrderTypeSL
		slLimitPrice = m.slLimitFallback(trade.Side, trade.StopLoss, trade.Instrument)
		slOrderID, err = m.broker.PlaceOrder(ctx, broker.PlaceParams{
			Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
			TransactionType: exitSide, Quantity: qty, OrderType: broker.OrderTypeSL,
			TriggerPrice: trade.StopLoss, Price: slLimitPrice, Product: trade.Product,
			Tag: broker.Tag(trade.TradeID, broker.RoleSL),
		})
		if err != nil {
			return fmt.Errorf("place SL fallback order: %w", err)
		}
	}
	m.recordBrokerCall()
	if err := m.store.LinkOrder(ctx, slOrderID, trade.TradeID, broker.RoleSL); err != nil {
		return fmt.Errorf("link SL order: %w", err)
	}
	m.drainOrphans(ctx, slOrderID)
	if m.metrics != nil {
		m.metrics.OrdersPlaced.WithLabelValues("sl", string(slOrderType)).Inc()
	}

	targetOrderID, err := m.broker.PlaceOrder(ctx, broker.PlaceParams{
		Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
		TransactionType: exitSide, Quantity: qty, OrderType: broker.OrderTypeLimit,
		Price: trade.TargetPrice, Product: trade.Product, Tag: broker.Tag(trade.TradeID, broker.RoleTarget),
	})
	if err != nil {
		return fmt.Errorf("place target order: %w", err)
	}
	m.recordBrokerCall()
	if err := m.store.LinkOrder(ctx, targetOrderID, trade.TradeID, broker.RoleTarget); err != nil {
		return fmt.Errorf("link target order: %w", err)
	}
	m.drainOrphans(ctx, targetOrderID)
	if m.metrics != nil {
		m.metrics.OrdersPlaced.WithLabelValues("target", string(broker.OrderTypeLimit)).Inc()
	}

	trade.SLOrderID, trade.TargetOrderID = slOrderID, targetOrderID

	fields := map[string]interface{}{
		"sl_order_id": slOrderID, "sl_order_type": string(slOrderType), "sl_trigger": trade.StopLoss,
		"target_order_id": targetOrderID, "target_order_type": string(broker.OrderTypeLimit), "runner_qty": qty,
	}
	if slLimitPrice != 0 {
		fields["sl_limit_price"] = slLimitPrice
	}
	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{Fields: fields})
}

// slLimitFallback derives the SL (stop-limit) limit price from the
// trigger: trigger minus (or plus, for a short) the larger of a bps
// buffer and a tick-count buffer, rounded to the instrument's tick.
func (m *Manager) slLimitFallback(side broker.Side, trigger float64, inst store.Instrument) float64 {
	bpsBuf := trigger * m.cfg.SLLimitBufferBps / 10000
	ticksBuf := inst.TickSize * float64(m.cfg.SLLimitBufferTicks)
	buf := math.Max(bpsBuf, ticksBuf)
	limit := trigger - buf
	if side == broker.SideSell {
		limit = trigger + buf
	}
	return roundToTick(limit, inst.TickSize)
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// pastForceFlatten reports whether now's local time-of-day is at or past at
// (an offset since midnight). at<=0 means force-flatten is disabled.
func pastForceFlatten(now time.Time, at time.Duration) bool {
	if at <= 0 {
		return false
	}
	tod := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	return tod >= at
}

// onExitLegUpdate implements the OCO consequences of an SL/TARGET
// completion: double-fill detection, sibling cancellation, and terminal
// status transition.
func (m *Manager) onExitLegUpdate(ctx context.Context, trade *store.Trade, order broker.Order, role broker.Role) error {
	if order.Status != broker.StatusComplete {
		return nil
	}
	if oco.DoubleFillCheck(trade, order.OrderID) {
		m.risk.DoubleFillHalt("oco_double_fill")
		if m.reporter != nil {
			m.reporter.KillSwitch(ctx, trade.TradeID, "oco_double_fill")
		}
		if m.metrics != nil {
			m.metrics.KillSwitch.Inc()
		}
		return m.PanicExit(ctx, trade, "OCO_DOUBLE_FILL")
	}

	terminal := statemachine.StatusExitedSL
	field := "sl_order_id"
	if role == broker.RoleTarget {
		terminal = statemachine.StatusExitedTarget
		field = "target_order_id"
	}

	if sibRole, ok := oco.SiblingRole(role); ok {
		siblingOrderID := trade.TargetOrderID
		if sibRole == broker.RoleSL {
			siblingOrderID = trade.SLOrderID
		}
		if siblingOrderID != "" {
			m.oco.MarkExpectedCancel(siblingOrderID)
			if err := m.broker.CancelOrder(ctx, "", siblingOrderID); err != nil {
				m.logger.Warn("cancel sibling leg failed", zap.Error(err))
			} else {
				m.recordBrokerCall()
			}
		}
	}

	m.watchdogs.Disarm(watchdog.KindSLTrigger, trade.TradeID)
	m.watchdogs.Disarm(watchdog.KindTargetTouch, trade.TradeID)

	realized := realizedPnl(trade, order.AveragePrice)
	m.risk.ApplyRealizedPnl(trade.TradeID, realized)
	m.risk.ClearOpenPosition(trade.TradeID)
	if m.metrics != nil {
		m.metrics.TradesClosed.WithLabelValues(string(terminal)).Inc()
		m.metrics.RealizedPnl.Add(realized)
	}

	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(terminal),
		Fields: map[string]interface{}{
			field:         order.OrderID,
			"exit_price":  order.AveragePrice,
			"exit_at":     time.Now(),
			"exit_reason": string(terminal),
		},
	})
}

func (m *Manager) onTP1Update(ctx context.Context, trade *store.Trade, order broker.Order) error {
	if order.Status != broker.StatusComplete && order.Status != broker.StatusPartial {
		return nil
	}
	filled := order.FilledQuantity
	if filled <= 0 {
		return nil
	}
	runnerQty, newSL := oco.TP1Resize(trade, filled, m.cfg.Exit.BELockBufferPts)
	if trade.SLOrderID != "" {
		modifyQty := runnerQty
		if err := m.broker.ModifyOrder(ctx, "", trade.SLOrderID, broker.ModifyParams{
			TriggerPrice: &newSL, Quantity: &modifyQty,
		}); err != nil {
			m.logger.Warn("tp1 resize: modify SL failed", zap.Error(err))
		} else {
			m.recordBrokerCall()
		}
	}
	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Fields: map[string]interface{}{
			"tp1_done":       true,
			"tp1_filled_qty": filled,
			"runner_qty":     runnerQty,
			"stop_loss":      newSL,
			"be_locked":      true,
			"qty":            runnerQty,
		},
	})
}

func (m *Manager) onPanicExitUpdate(ctx context.Context, trade *store.Trade, order broker.Order) error {
	if order.Status != broker.StatusComplete {
		return nil
	}
	m.retries.Reset(trade.TradeID)
	realized := realizedPnl(trade, order.AveragePrice)
	m.risk.ApplyRealizedPnl(trade.TradeID, realized)
	m.risk.ClearOpenPosition(trade.TradeID)
	closeReason := trade.ExitReason
	if closeReason == "" {
		closeReason = "PANIC_EXIT"
	}
	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(statemachine.StatusClosed),
		Fields: map[string]interface{}{
			"exit_price": order.AveragePrice, "exit_at": time.Now(), "close_reason": closeReason + "|FILLED",
		},
	})
}

// updateCandles folds one tick into the in-process OHLC buffer for token,
// bucketed into fixed CandleInterval bars and capped at CandleLookback
// bars, the recent-candle input ExitPlanner's ATR trailing stop needs —
// there is no separate candle feed, only the tick stream.
func (m *Manager) updateCandles(token int64, price float64, now time.Time) []exitplanner.Candle {
	interval := m.cfg.Exit.CandleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	lookback := m.cfg.Exit.CandleLookback
	if lookback <= 0 {
		lookback = 30
	}
	bucket := now.Truncate(interval)
	buf := m.candles[token]
	if n := len(buf); n > 0 && buf[n-1].Timestamp.Equal(bucket) {
		c := buf[n-1]
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		buf[n-1] = c
	} else {
		buf = append(buf, exitplanner.Candle{Timestamp: bucket, Open: price, High: price, Low: price, Close: price})
		if len(buf) > lookback {
			buf = buf[len(buf)-lookback:]
		}
	}
	m.candles[token] = buf
	return buf
}

// OnTick does last-price tracking, peak-LTP tracking via ExitPlanner, and
// watchdog arming when LTP crosses SL/target.
func (m *Manager) OnTick(ctx context.Context, tick events.Tick, now time.Time) error {
	m.lastPrice[tick.Token] = tick.LTP
	m.lastTickAt[tick.Token] = now
	candles := m.updateCandles(tick.Token, tick.LTP, now)

	active, err := m.store.GetActiveTrades(ctx)
	if err != nil {
		return fmt.Errorf("get active trades: %w", err)
	}
	for _, trade := range active {
		if trade.InstrumentToken != tick.Token {
			continue
		}
		if trade.Status == statemachine.StatusLive && pastForceFlatten(now, m.cfg.ForceFlattenAt) {
			m.risk.EngageKillSwitch("force_flatten")
			if m.reporter != nil {
				m.reporter.KillSwitch(ctx, trade.TradeID, "force_flatten")
			}
			if m.metrics != nil {
				m.metrics.KillSwitch.Inc()
			}
			if err := m.PanicExit(ctx, trade, "FORCE_FLATTEN"); err != nil {
				m.logger.Error("force-flatten panic exit failed", zap.Error(err))
			}
			continue
		}
		plan := exitplanner.Evaluate(trade, candles, tick.LTP, now, m.cfg.Exit)
		if len(plan.TradePatch) > 0 || plan.HasNewSL || plan.HasNewTarget {
			patch := plan.TradePatch
			if patch == nil {
				patch = map[string]interface{}{}
			}
			if plan.HasNewSL {
				patch["stop_loss"] = plan.NewStopLoss
			}
			if plan.HasNewTarget {
				patch["target_price"] = plan.NewTarget
			}
			if err := m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{Fields: patch}); err != nil {
				m.logger.Error("tick-driven trade patch failed", zap.Error(err))
			}
		}
		if plan.ExitNow {
			if err := m.PanicExit(ctx, trade, plan.ExitReason); err != nil {
				m.logger.Error("plan-driven exit failed", zap.Error(err))
			}
			continue
		}
		m.armPriceCrossWatchdogs(trade, tick.LTP)
	}
	return nil
}

func (m *Manager) armPriceCrossWatchdogs(trade *store.Trade, ltp float64) {
	slCrossed := (trade.Side == broker.SideBuy && ltp <= trade.StopLoss) ||
		(trade.Side == broker.SideSell && ltp >= trade.StopLoss)
	if slCrossed && trade.SLOrderID != "" {
		grace := m.cfg.SLWatchdogGraceSecs
		if grace <= 0 {
			grace = 5 * time.Second
		}
		m.watchdogs.Arm(watchdog.KindSLTrigger, trade.TradeID, grace,
			func() bool {
				t, err := m.store.GetTrade(context.Background(), trade.TradeID)
				return err == nil && t.Status == statemachine.StatusLive
			},
			func() {
				if m.reporter != nil {
					m.reporter.WatchdogFire(context.Background(), trade.TradeID, string(watchdog.KindSLTrigger))
				}
				if m.metrics != nil {
					m.metrics.WatchdogFires.WithLabelValues(string(watchdog.KindSLTrigger)).Inc()
				}
				_ = m.PanicExit(context.Background(), trade, "SL_TRIGGER_WITHOUT_FILL")
			},
		)
	}

	targetCrossed := (trade.Side == broker.SideBuy && ltp >= trade.TargetPrice) ||
		(trade.Side == broker.SideSell && ltp <= trade.TargetPrice)
	if targetCrossed && trade.TargetOrderID != "" {
		m.watchdogs.Arm(watchdog.KindTargetTouch, trade.TradeID, 2*time.Second,
			func() bool {
				t, err := m.store.GetTrade(context.Background(), trade.TradeID)
				return err == nil && t.Status == statemachine.StatusLive
			},
			func() { m.escalateTargetFill(context.Background(), trade) },
		)
	}
}

func (m *Manager) escalateTargetFill(ctx context.Context, trade *store.Trade) {
	if m.reporter != nil {
		m.reporter.WatchdogFire(ctx, trade.TradeID, string(watchdog.KindTargetTouch))
	}
	if m.metrics != nil {
		m.metrics.WatchdogFires.WithLabelValues(string(watchdog.KindTargetTouch)).Inc()
	}
	exhausted, _ := m.retries.Attempt("target:" + trade.TradeID)
	if !exhausted {
		ltp := m.lastPrice[trade.InstrumentToken]
		if err := m.broker.ModifyOrder(ctx, "", trade.TargetOrderID, broker.ModifyParams{Price: &ltp}); err != nil {
			m.logger.Warn("target escalation modify failed", zap.Error(err))
		} else {
			m.recordBrokerCall()
		}
		return
	}
	if err := m.broker.CancelOrder(ctx, "", trade.TargetOrderID); err != nil {
		m.logger.Warn("target escalation cancel failed", zap.Error(err))
	} else {
		m.recordBrokerCall()
	}
	_ = m.PanicExit(ctx, trade, "TARGET_RETRIES_EXHAUSTED")
}

// PanicExit cancels working orders, fetches live net qty, and places a
// MARKET exit, falling back to an aggressive LIMIT if MARKET is blocked.
// Satisfies reconciler.PanicExiter.
func (m *Manager) PanicExit(ctx context.Context, trade *store.Trade, reason string) error {
	if trade.SLOrderID != "" {
		m.oco.MarkExpectedCancel(trade.SLOrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.SLOrderID); err == nil {
			m.recordBrokerCall()
		}
	}
	if trade.TargetOrderID != "" {
		m.oco.MarkExpectedCancel(trade.TargetOrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.TargetOrderID); err == nil {
			m.recordBrokerCall()
		}
	}
	if trade.TP1OrderID != "" && !trade.TP1Done {
		m.oco.MarkExpectedCancel(trade.TP1OrderID)
		if err := m.broker.CancelOrder(ctx, "", trade.TP1OrderID); err == nil {
			m.recordBrokerCall()
		}
	}

	exitSide := broker.SideSell
	if trade.Side == broker.SideSell {
		exitSide = broker.SideBuy
	}

	orderID, err := m.broker.PlaceOrder(ctx, broker.PlaceParams{
		Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
		TransactionType: exitSide, Quantity: trade.Qty, OrderType: broker.OrderTypeMarket,
		Product: trade.Product, Tag: broker.Tag(trade.TradeID, broker.RolePanicExit),
	})
	if err != nil {
		be, ok := err.(*broker.Error)
		if !ok || be.Kind != broker.ErrKindMarketBlocked {
			return fmt.Errorf("panic exit market order: %w", err)
		}
		ltp := m.lastPrice[trade.InstrumentToken]
		limitPrice := aggressiveLimit(exitSide, ltp)
		orderID, err = m.broker.PlaceOrder(ctx, broker.PlaceParams{
			Exchange: trade.Instrument.Exchange, TradingSymbol: trade.Instrument.TradingSymbol,
			TransactionType: exitSide, Quantity: trade.Qty, OrderType: broker.OrderTypeLimit,
			Price: limitPrice, Product: trade.Product, Tag: broker.Tag(trade.TradeID, broker.RolePanicExit),
		})
		if err != nil {
			return fmt.Errorf("panic exit limit fallback: %w", err)
		}
	}
	m.recordBrokerCall()

	if err := m.store.LinkOrder(ctx, orderID, trade.TradeID, broker.RolePanicExit); err != nil {
		return fmt.Errorf("link panic exit order: %w", err)
	}
	m.drainOrphans(ctx, orderID)
	timeout := m.cfg.PanicExitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m.watchdogs.Arm(watchdog.KindPanicExit, trade.TradeID, timeout,
		func() bool {
			t, err := m.store.GetTrade(context.Background(), trade.TradeID)
			return err == nil && !statemachine.IsTerminal(t.Status)
		},
		func() { m.escalatePanicExit(context.Background(), trade, orderID) },
	)

	// A double-fill/over-exit panic-exit can fire against a trade that is
	// already terminal; terminal states may only move to CLOSED, never
	// back to GUARD_FAILED.
	targetStatus := statemachine.StatusGuardFailed
	if statemachine.IsTerminal(trade.Status) {
		targetStatus = statemachine.StatusClosed
	}
	return m.store.UpdateTrade(ctx, trade.TradeID, store.TradePatch{
		Status: statusPtr(targetStatus),
		Fields: map[string]interface{}{"panic_exit_order_id": orderID, "exit_reason": reason},
	})
}

func (m *Manager) escalatePanicExit(ctx context.Context, trade *store.Trade, lastOrderID string) {
	exhausted, _ := m.retries.Attempt("panic:" + trade.TradeID)
	if exhausted {
		m.logger.Error("panic exit retries exhausted, halting", zap.String("trade_id", trade.TradeID))
		m.risk.EngageKillSwitch("panic_exit_retries_exhausted")
		if m.reporter != nil {
			m.reporter.KillSwitch(ctx, trade.TradeID, "panic_exit_retries_exhausted")
		}
		if m.metrics != nil {
			m.metrics.KillSwitch.Inc()
		}
		return
	}
	if err := m.broker.CancelOrder(ctx, "", lastOrderID); err == nil {
		m.recordBrokerCall()
	}
	_ = m.PanicExit(ctx, trade, "PANIC_EXIT_RETRY")
}

func aggressiveLimit(side broker.Side, ltp float64) float64 {
	const bpsCap = 50.0 // 0.5% aggressive cross cap
	offset := ltp * bpsCap / 10000
	if side == broker.SideBuy {
		return ltp + offset
	}
	return ltp - offset
}

func realizedPnl(trade *store.Trade, exitPrice float64) float64 {
	signed := exitPrice - trade.EntryPrice
	if trade.Side == broker.SideSell {
		signed = trade.EntryPrice - exitPrice
	}
	return signed*float64(trade.Qty) - trade.EstChargesInr
}

func statusPtr(s statemachine.Status) *statemachine.Status { return &s }

// recordBrokerCall commits one unit of order-call volume (place, modify,
// or cancel) against the process rate limiter. OnSignal's entry order
// records against the limiter itself since it also gates on Check; every
// other broker mutation in this file is a consequence of an already-open
// trade and goes through here instead.
func (m *Manager) recordBrokerCall() {
	m.limiter.Record(time.Now(), 1)
}

// Reconcile delegates to reconciler.Reconciler from inside the same
// event-loop actor.
func (m *Manager) Reconcile(ctx context.Context, r *reconciler.Reconciler) ([]reconciler.Finding, error) {
	return r.Reconcile(ctx)
}

// Run drains funnel on the calling goroutine, dispatching each Envelope to
// OnTick, OnOrderUpdate, or (on the "reconcile" timer) Reconcile. This is
// the single consumer the mutual-exclusion model requires: every mutation
// of the active trade happens on this one goroutine, so Manager itself
// needs no lock around it. Returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context, funnel *events.Funnel, recon *reconciler.Reconciler, reporter *telemetry.Reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-funnel.C:
			switch env.Kind {
			case events.KindTick:
				if err := m.OnTick(ctx, env.Tick, time.Now()); err != nil {
					m.logger.Error("on tick failed", zap.Error(err), zap.Int64("token", env.Tick.Token))
				}
			case events.KindPostback:
				if err := m.OnOrderUpdate(ctx, env.Postback); err != nil {
					m.logger.Error("on order update failed", zap.Error(err), zap.String("order_id", env.Postback.OrderID))
					if reporter != nil {
						reporter.Rejection(ctx, env.Postback.Tag, "postback", err.Error())
					}
				}
			case events.KindTimer:
				switch env.Timer.Name {
				case "reconcile":
					findings, err := m.Reconcile(ctx, recon)
					if err != nil {
						m.logger.Error("reconcile failed", zap.Error(err))
						continue
					}
					for _, f := range findings {
						if reporter != nil {
							reporter.ReconcilerFinding(ctx, f.TradeID, f.Kind, f.Detail)
						}
						if m.metrics != nil {
							m.metrics.ReconcileFindings.WithLabelValues(f.Kind).Inc()
						}
					}
				case "orphan_sweep":
					n, err := m.store.SweepExpiredOrphans(ctx)
					if err != nil {
						m.logger.Error("orphan sweep failed", zap.Error(err))
						continue
					}
					if n > 0 {
						m.logger.Warn("swept expired orphan postbacks", zap.Int("count", n))
					}
				}
			}
		}
	}
}

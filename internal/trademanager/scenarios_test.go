package trademanager

import (
	"context"
	"testing"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/broker/paper"
	"github.com/hemanthHemu33/algoscalper-core/internal/events"
	"github.com/hemanthHemu33/algoscalper-core/internal/oco"
	"github.com/hemanthHemu33/algoscalper-core/internal/ratelimit"
	"github.com/hemanthHemu33/algoscalper-core/internal/reconciler"
	"github.com/hemanthHemu33/algoscalper-core/internal/riskstate"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/hemanthHemu33/algoscalper-core/internal/watchdog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSymbol = "NIFTY24JUL24000CE"

func newScenarioStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	st := store.New(db, zap.NewNop())
	require.NoError(t, st.EnsureIndexes(context.Background()))
	return st
}

func newScenarioManager(t *testing.T, st *store.Store, b *paper.Client, cfg Config) (*Manager, *riskstate.Manager) {
	t.Helper()
	risk := riskstate.New(st, zap.NewNop(), riskstate.DailyLimits{
		SoftStopLossInr: 1e9, HardStopLossInr: 1e9, MaxConsecutiveFails: 1000,
	}, "2026-07-30")
	limiter := ratelimit.New("entry", 1000, 10000)
	ocoCtl := oco.New()
	wd, err := watchdog.NewScheduler(4, zap.NewNop())
	require.NoError(t, err)
	if cfg.Gates.NoTradeWindow == nil {
		cfg.Gates = DefaultGates()
	}
	if cfg.LotPolicy == "" {
		cfg.LotPolicy = LotPolicyForceOneLot
	}
	return New(b, st, risk, limiter, ocoCtl, wd, zap.NewNop(), cfg), risk
}

func findOrderByTag(t *testing.T, b *paper.Client, tag string) broker.Order {
	t.Helper()
	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	for _, o := range orders {
		if o.Tag == tag {
			return o
		}
	}
	t.Fatalf("no order found with tag %q", tag)
	return broker.Order{}
}

func baseSignal(tradeID string) SignalInput {
	return SignalInput{
		TradeID:       tradeID,
		TokenKey:      testSymbol,
		Instrument:    store.Instrument{TradingSymbol: testSymbol, LotSize: 50, TickSize: 0.05},
		InstrumentTok: 1,
		Side:          broker.SideBuy,
		Confidence:    92,
		EntryPrice:    100.0,
		StopLoss:      88.0,
		TargetPrice:   124.0,
		RiskInr:       600, // (100-88)*50, exactly one lot
	}
}

// Scenario 1: happy-path long option — entry fills, SL/TARGET are placed,
// TARGET later fills and the sibling SL is cancelled as an expected cancel.
func TestScenarioHappyPathLongOption(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 100.0)

	tradeID := "T-HAPPY"
	targetTag := broker.Tag(tradeID, broker.RoleTarget)
	b.PreventFill[targetTag] = true // TARGET must wait for the tick touch, not auto-fill on placement

	mgr, risk := newScenarioManager(t, st, b, Config{EntryOrderType: broker.OrderTypeLimit})

	blockReason, err := mgr.OnSignal(ctx, time.Now(), baseSignal(tradeID))
	require.NoError(t, err)
	require.Empty(t, blockReason)

	entryOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleEntry))
	require.Equal(t, broker.StatusComplete, entryOrder.Status)
	require.Equal(t, 50, entryOrder.FilledQuantity)
	require.InDelta(t, 100.0, entryOrder.AveragePrice, 1e-9)

	require.NoError(t, mgr.OnOrderUpdate(ctx, entryOrder))

	trade, err := st.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusLive, trade.Status)
	require.NotEmpty(t, trade.SLOrderID)
	require.NotEmpty(t, trade.TargetOrderID)

	slOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleSL))
	require.Equal(t, broker.StatusTriggerPending, slOrder.Status)
	targetOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleTarget))
	require.Equal(t, broker.StatusOpen, targetOrder.Status)

	// TARGET is filled directly at 124.0; no tick is sent.
	b.Fill(targetOrder.OrderID, 124.0)
	filledTarget, err := b.GetOrderHistory(ctx, targetOrder.OrderID)
	require.NoError(t, err)
	require.NoError(t, mgr.OnOrderUpdate(ctx, filledTarget[0]))

	trade, err = st.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusExitedTarget, trade.Status)
	require.InDelta(t, 124.0, trade.ExitPrice, 1e-9)
	require.False(t, risk.Kill()) // kill-switch not expected on a clean exit

	require.NoError(t, risk.Persist(ctx))
	dr, err := st.GetDailyRisk(ctx, "2026-07-30")
	require.NoError(t, err)
	require.InDelta(t, 1200.0, dr.RealizedPnl, 1e-9)
}

// Scenario 2: SL-M blocked on this contract falls back to a buffered SL
// (stop-limit) and still reaches LIVE.
func TestScenarioSLMBlockedFallsBackToSL(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 100.0)

	tradeID := "T-SLM"
	slTag := broker.Tag(tradeID, broker.RoleSL)
	b.RejectReason[slTag] = "SL-M blocked for this contract"

	mgr, _ := newScenarioManager(t, st, b, Config{
		EntryOrderType:     broker.OrderTypeLimit,
		SLLimitBufferTicks: 2,
	})

	blockReason, err := mgr.OnSignal(ctx, time.Now(), baseSignal(tradeID))
	require.NoError(t, err)
	require.Empty(t, blockReason)

	entryOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleEntry))
	require.NoError(t, mgr.OnOrderUpdate(ctx, entryOrder))

	trade, err := st.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusLive, trade.Status)
	require.Equal(t, broker.OrderTypeSL, trade.SLOrderType)
	require.InDelta(t, 88.0, trade.SLTrigger, 1e-9)
	require.InDelta(t, 87.9, trade.SLLimitPrice, 1e-9) // 88.0 - ticks(2*0.05)

	slOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleSL))
	require.Equal(t, broker.StatusTriggerPending, slOrder.Status)
	require.Equal(t, broker.OrderTypeSL, slOrder.OrderType)
}

// Scenario 3: a sibling COMPLETE arriving after the trade already exited
// from the other side is a double-fill — kill-switch engages and any
// residual is flattened.
func TestScenarioOCODoubleFillEngagesKillSwitch(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 130.0)

	mgr, risk := newScenarioManager(t, st, b, Config{})

	trade := &store.Trade{
		TradeID:       "T-DOUBLE",
		Instrument:    store.Instrument{TradingSymbol: testSymbol},
		Side:          broker.SideBuy,
		Qty:           50,
		Status:        statemachine.StatusExitedSL,
		SLOrderID:     "SL1",
		TargetOrderID: "TG1",
	}
	require.NoError(t, st.InsertTrade(ctx, trade))
	require.NoError(t, st.LinkOrder(ctx, "TG1", trade.TradeID, broker.RoleTarget))

	lateFill := broker.Order{
		OrderID: "TG1", Status: broker.StatusComplete, FilledQuantity: 50,
		AveragePrice: 130.0, TradingSymbol: testSymbol, TransactionType: broker.SideSell,
	}
	require.NoError(t, mgr.OnOrderUpdate(ctx, lateFill))

	require.True(t, risk.Kill())
	reloaded, err := st.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusClosed, reloaded.Status)
	require.NotEmpty(t, reloaded.PanicExitOrderID)
}

// Scenario 4: restart with an open broker position but no matching active
// trade creates a recovery trade and places its protective exits.
func TestScenarioRestartWithOpenPositionCreatesRecoveryTrade(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 120.0)
	_, err := b.PlaceOrder(ctx, broker.PlaceParams{
		TradingSymbol: testSymbol, TransactionType: broker.SideBuy,
		Quantity: 50, OrderType: broker.OrderTypeMarket, Tag: "seed",
	})
	require.NoError(t, err)

	mgr, risk := newScenarioManager(t, st, b, Config{})
	r := reconciler.New(b, st, risk, mgr, zap.NewNop())
	r.RiskPerTrade = 600 // 600 INR / 50 qty = 12 pts/unit risk-derived stop

	findings, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "recovery_trade_created", findings[0].Kind)

	active, err := st.GetActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	recovered := active[0]
	require.Equal(t, statemachine.StatusRecoveryRehydrated, recovered.Status)
	require.Equal(t, 50, recovered.Qty)
	require.NotEmpty(t, recovered.SLOrderID)
	require.NotEmpty(t, recovered.TargetOrderID)
	require.False(t, risk.Kill())
}

// Scenario 5: a PARTIAL entry fill sizes protective exits to what actually
// filled and leaves the trade in ENTRY_OPEN rather than falling back to a
// MARKET order.
func TestScenarioPartialEntryFill(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 100.0)

	tradeID := "T-PARTIAL"
	entryTag := broker.Tag(tradeID, broker.RoleEntry)
	b.PreventFill[entryTag] = true

	mgr, _ := newScenarioManager(t, st, b, Config{EntryOrderType: broker.OrderTypeLimit})

	blockReason, err := mgr.OnSignal(ctx, time.Now(), baseSignal(tradeID))
	require.NoError(t, err)
	require.Empty(t, blockReason)

	entryOrder := findOrderByTag(t, b, entryTag)
	require.Equal(t, broker.StatusOpen, entryOrder.Status)

	partial := entryOrder
	partial.Status = broker.StatusPartial
	partial.FilledQuantity = 30
	partial.AveragePrice = 100.1
	require.NoError(t, mgr.OnOrderUpdate(ctx, partial))

	trade, err := st.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusEntryOpen, trade.Status)
	require.Equal(t, 30, trade.Qty)
	require.NotEmpty(t, trade.SLOrderID)
	require.NotEmpty(t, trade.TargetOrderID)

	slOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleSL))
	require.Equal(t, 30, slOrder.Quantity)
	targetOrder := findOrderByTag(t, b, broker.Tag(tradeID, broker.RoleTarget))
	require.Equal(t, 30, targetOrder.Quantity)

	orders, err := b.GetOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 3) // entry, SL, target — no MARKET fallback order
}

// Scenario 6: force-flatten at the configured time-of-day engages the
// kill-switch and panic-exits a LIVE trade; the resulting fill closes it
// with a close reason combining FORCE_FLATTEN and FILLED.
func TestScenarioForceFlattenAtConfiguredTime(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 101.0)

	mgr, risk := newScenarioManager(t, st, b, Config{
		ForceFlattenAt: 15*time.Hour + 20*time.Minute,
	})

	trade := &store.Trade{
		TradeID:         "T-FLATTEN",
		InstrumentToken: 1,
		Instrument:      store.Instrument{TradingSymbol: testSymbol},
		Side:            broker.SideBuy,
		Qty:             50,
		EntryPrice:      100.0,
		StopLoss:        88.0,
		TargetPrice:     124.0,
		Status:          statemachine.StatusLive,
		SLOrderID:       "SL-LIVE",
		TargetOrderID:   "TG-LIVE",
	}
	require.NoError(t, st.InsertTrade(ctx, trade))

	now := time.Date(2026, 7, 30, 15, 20, 5, 0, time.Local)
	tick := events.Tick{Token: 1, LTP: 101.0, Timestamp: now}
	require.NoError(t, mgr.OnTick(ctx, tick, now))

	require.True(t, risk.Kill())
	reloaded, err := st.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusGuardFailed, reloaded.Status)
	require.Equal(t, "FORCE_FLATTEN", reloaded.ExitReason)
	require.NotEmpty(t, reloaded.PanicExitOrderID)

	panicOrder := findOrderByTag(t, b, broker.Tag(trade.TradeID, broker.RolePanicExit))
	require.Equal(t, broker.StatusComplete, panicOrder.Status)
	require.NoError(t, mgr.OnOrderUpdate(ctx, panicOrder))

	closed, err := st.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusClosed, closed.Status)
	require.Equal(t, "FORCE_FLATTEN|FILLED", closed.CloseReason)
}

// Scenario 7: a postback queued as an orphan before its OrderLink existed
// is replayed in full once LinkOrder creates that link, rather than sitting
// in the queue forever.
func TestScenarioOrphanPostbackReplayedOnLink(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 100.0)

	mgr, _ := newScenarioManager(t, st, b, Config{})

	trade := &store.Trade{
		TradeID:     "T-ORPHAN",
		Instrument:  store.Instrument{TradingSymbol: testSymbol},
		Side:        broker.SideBuy,
		Qty:         50,
		EntryPrice:  100.0,
		StopLoss:    88.0,
		TargetPrice: 124.0,
		Status:      statemachine.StatusEntryOpen,
	}
	require.NoError(t, st.InsertTrade(ctx, trade))

	fill := broker.Order{
		OrderID: "ENTRY-RACE", Status: broker.StatusComplete, FilledQuantity: 50,
		AveragePrice: 100.0, TradingSymbol: testSymbol, TransactionType: broker.SideBuy,
	}
	require.NoError(t, st.SaveOrphanOrderUpdate(ctx, fill.OrderID, fill))

	require.NoError(t, st.LinkOrder(ctx, fill.OrderID, trade.TradeID, broker.RoleEntry))
	mgr.drainOrphans(ctx, fill.OrderID)

	reloaded, err := st.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusLive, reloaded.Status)
	require.NotEmpty(t, reloaded.SLOrderID)
	require.NotEmpty(t, reloaded.TargetOrderID)

	orphans, err := st.PopOrphanOrderUpdates(ctx, fill.OrderID)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

// Scenario 8: an unlinked COMPLETE fill on the exit side of a LIVE trade's
// instrument is matched as an unsolicited broker-side square-off instead
// of being filed as an orphan.
func TestScenarioBrokerSquareoffClosesActiveTrade(t *testing.T) {
	ctx := context.Background()
	st := newScenarioStore(t)
	b := paper.New()
	b.SetLTP(testSymbol, 110.0)

	mgr, risk := newScenarioManager(t, st, b, Config{})

	trade := &store.Trade{
		TradeID:         "T-SQUAREOFF",
		InstrumentToken: 1,
		Instrument:      store.Instrument{TradingSymbol: testSymbol},
		Side:            broker.SideBuy,
		Qty:             50,
		EntryPrice:      100.0,
		StopLoss:        88.0,
		TargetPrice:     124.0,
		Status:          statemachine.StatusLive,
		SLOrderID:       "SL-LIVE",
		TargetOrderID:   "TG-LIVE",
	}
	require.NoError(t, st.InsertTrade(ctx, trade))

	flatten := broker.Order{
		OrderID: "MANUAL-FLATTEN", Status: broker.StatusComplete, FilledQuantity: 50,
		AveragePrice: 110.0, TradingSymbol: testSymbol, TransactionType: broker.SideSell,
	}
	require.NoError(t, mgr.OnOrderUpdate(ctx, flatten))

	reloaded, err := st.GetTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	require.Equal(t, statemachine.StatusClosed, reloaded.Status)
	require.Equal(t, "BROKER_SQUAREOFF", reloaded.CloseReason)
	require.InDelta(t, 110.0, reloaded.ExitPrice, 1e-9)
	require.False(t, risk.Kill())

	link, err := st.FindTradeByOrder(ctx, flatten.OrderID)
	require.NoError(t, err)
	require.Equal(t, broker.RoleBrokerSquareoff, link.Role)

	orphans, err := st.PopOrphanOrderUpdates(ctx, flatten.OrderID)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

// Package store implements the durable persistence layer: trades,
// order->trade links, the orphan postback queue, live-order snapshots,
// daily risk, and append-only order logs, over a gorm repository.
package store

import (
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
)

// Instrument captures the contract metadata needed to size and tick a trade.
type Instrument struct {
	Exchange      string
	TradingSymbol string
	Segment       string
	LotSize       int
	TickSize      float64
	FreezeQty     int
}

// OptionMeta captures option-specific greeks/meta, present only when Trade
// is routed through an option contract.
type OptionMeta struct {
	Strike float64
	Expiry time.Time
	OptType string // CE or PE
	Delta, Gamma, Vega, Theta, IVPts float64
}

// PnLLeg records the realized P&L contribution of one exit leg (entry fill,
// TP1 scale-out, final exit), used to reconstruct Trade.PnlLegs.
type PnLLeg struct {
	Role     broker.Role
	Qty      int
	Price    float64
	RealizedInr float64
	At       time.Time
}

// Trade is the primary entity, durably stored, keyed by TradeID, mutated
// only by TradeManager, and immutable once Status==CLOSED.
type Trade struct {
	TradeID         string
	InstrumentToken int64
	Instrument      Instrument
	Side            broker.Side
	Qty             int
	InitialQty      int
	UnderlyingToken int64
	OptionMeta      *OptionMeta

	ExpectedEntryPrice float64
	EntryPrice         float64
	StopLoss           float64
	InitialStopLoss    float64
	SLTrigger          float64
	SLLimitPrice       float64
	TargetPrice        float64
	PlannedTargetPrice float64
	TP1Price           float64
	ExitPrice          float64

	EntryOrderID     string
	SLOrderID        string
	SLOrderType      broker.OrderType
	TargetOrderID    string
	TargetOrderType  broker.OrderType
	TP1OrderID       string
	PanicExitOrderID string
	ExitOrderID      string
	ExitOrderRole    broker.Role

	TP1Qty        int
	RunnerQty     int
	TP1Done       bool
	TP1Aborted    bool
	TP1FilledQty  int
	PnlLegs       []PnLLeg

	RiskInr           float64
	RiskPts           float64
	RR                float64
	EstChargesInr     float64
	MinGreenInr       float64
	MinGreenPts       float64
	EntrySlippageBps  float64
	EntrySlippageInr  float64
	ExitSlippageBps   float64
	ExitSlippageInr   float64
	PeakLtp           float64
	BeLocked          bool
	TrailSl           bool

	Status          statemachine.Status
	CloseReason     string
	ExitReason      string
	LastEvent       string
	LastEventAt     time.Time
	LastEventMeta   map[string]interface{}

	DecisionAt    time.Time
	EntryAt       time.Time
	EntryFilledAt time.Time
	ExitAt        time.Time
	ClosedAt      time.Time

	TargetVirtual   bool
	DynExitDisabled bool
	EntryFinalized  bool
	Product         broker.Product

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the trade is non-terminal. The single-active-
// trade invariant means at most one Trade with IsActive()==true may exist
// at a time.
func (t *Trade) IsActive() bool {
	return !statemachine.IsTerminal(t.Status)
}

// OrderLink maps a broker orderId to the trade and leg role it belongs to.
type OrderLink struct {
	OrderID string
	TradeID string
	Role    broker.Role
}

// OrphanOrderUpdate is a postback received before its OrderLink existed.
type OrphanOrderUpdate struct {
	OrderID   string
	Order     broker.Order
	CreatedAt time.Time
	Retries   int
}

// LiveOrderSnapshot is the last-known broker order per (tradeId, orderId,
// role), used to hydrate state after restart and to detect stale updates.
type LiveOrderSnapshot struct {
	TradeID string
	ByOrder map[string]SnapshotEntry
}

// SnapshotEntry is one order's last-known state inside a LiveOrderSnapshot.
type SnapshotEntry struct {
	Order  broker.Order
	Status broker.Status
	Role   broker.Role
	Source string
	SeenAt time.Time
}

// DailyState is the coarse risk posture for a session day.
type DailyState string

const (
	DailyRunning  DailyState = "RUNNING"
	DailySoftStop DailyState = "SOFT_STOP"
	DailyHardStop DailyState = "HARD_STOP"
)

// DailyRisk is the per-day risk ledger.
type DailyRisk struct {
	Date         string // YYYY-MM-DD, session day key
	RealizedPnl  float64
	LastOpenPnl  float64
	LastTotal    float64
	State        DailyState
	StateReason  string
	Kill         bool
	OrdersPlaced int
	LastTradeID  string
}

// OpenPosition is one row of RiskState.OpenPositions.
type OpenPosition struct {
	Token   int64
	TradeID string
	Side    broker.Side
	Qty     int
}

// RiskState is the per-day in-memory risk mirror, persisted so it
// survives restarts.
type RiskState struct {
	Date                string
	Kill                bool
	ConsecutiveFailures int
	OpenPositions       []OpenPosition
	CooldownUntil       map[string]int64 // tokenKey -> epoch millis
}

// OrderLogEntry is one append-only row of the order_logs collection:
// every postback received, regardless of whether a link existed yet.
type OrderLogEntry struct {
	OrderID   string
	TradeID   string
	Role      broker.Role
	Status    broker.Status
	Payload   broker.Order
	CreatedAt time.Time
}

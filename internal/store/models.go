package store

import (
	"encoding/json"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
)

// gorm models mirror the persisted collections. Complex nested fields
// (Instrument, OptionMeta, PnlLegs, LastEventMeta...) are marshaled into a
// single jsonb column rather than normalized out into their own tables.

// TradeModel is the gorm-mapped row for the `trades` collection.
type TradeModel struct {
	TradeID         string `gorm:"primaryKey;type:varchar(40)"`
	InstrumentToken int64  `gorm:"index"`
	Side            string
	Qty             int
	InitialQty      int
	UnderlyingToken int64

	ExpectedEntryPrice float64
	EntryPrice         float64
	StopLoss           float64
	InitialStopLoss    float64
	SLTrigger          float64 `gorm:"column:sl_trigger"`
	SLLimitPrice       float64 `gorm:"column:sl_limit_price"`
	TargetPrice        float64
	PlannedTargetPrice float64
	TP1Price           float64 `gorm:"column:tp1_price"`
	ExitPrice          float64

	EntryOrderID     string `gorm:"index"`
	SLOrderID        string `gorm:"index;column:sl_order_id"`
	SLOrderType      string `gorm:"column:sl_order_type"`
	TargetOrderID    string `gorm:"index"`
	TargetOrderType  string
	TP1OrderID       string `gorm:"index;column:tp1_order_id"`
	PanicExitOrderID string
	ExitOrderID      string
	ExitOrderRole    string

	TP1Qty       int  `gorm:"column:tp1_qty"`
	RunnerQty    int
	TP1Done      bool `gorm:"column:tp1_done"`
	TP1Aborted   bool `gorm:"column:tp1_aborted"`
	TP1FilledQty int  `gorm:"column:tp1_filled_qty"`

	RiskInr          float64
	RiskPts          float64
	RR               float64
	EstChargesInr    float64
	MinGreenInr      float64
	MinGreenPts      float64
	EntrySlippageBps float64
	EntrySlippageInr float64
	ExitSlippageBps  float64
	ExitSlippageInr  float64
	PeakLtp          float64
	BeLocked         bool
	TrailSl          bool

	Status      string `gorm:"index"`
	CloseReason string
	ExitReason  string
	LastEvent   string
	LastEventAt time.Time

	DecisionAt    time.Time
	EntryAt       time.Time
	EntryFilledAt time.Time
	ExitAt        time.Time
	ClosedAt      time.Time

	TargetVirtual   bool
	DynExitDisabled bool
	EntryFinalized  bool
	Product         string

	MetaJSON string `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (TradeModel) TableName() string { return "trades" }

// tradeMeta is the shape marshaled into TradeModel.MetaJSON.
type tradeMeta struct {
	Instrument    Instrument             `json:"instrument"`
	OptionMeta    *OptionMeta            `json:"option_meta,omitempty"`
	PnlLegs       []PnLLeg               `json:"pnl_legs,omitempty"`
	LastEventMeta map[string]interface{} `json:"last_event_meta,omitempty"`
}

// ToModel converts a domain Trade to its gorm row representation.
func ToModel(t *Trade) (*TradeModel, error) {
	meta, err := json.Marshal(tradeMeta{
		Instrument:    t.Instrument,
		OptionMeta:    t.OptionMeta,
		PnlLegs:       t.PnlLegs,
		LastEventMeta: t.LastEventMeta,
	})
	if err != nil {
		return nil, err
	}
	return &TradeModel{
		TradeID:            t.TradeID,
		InstrumentToken:    t.InstrumentToken,
		Side:               string(t.Side),
		Qty:                t.Qty,
		InitialQty:         t.InitialQty,
		UnderlyingToken:    t.UnderlyingToken,
		ExpectedEntryPrice: t.ExpectedEntryPrice,
		EntryPrice:         t.EntryPrice,
		StopLoss:           t.StopLoss,
		InitialStopLoss:    t.InitialStopLoss,
		SLTrigger:          t.SLTrigger,
		SLLimitPrice:       t.SLLimitPrice,
		TargetPrice:        t.TargetPrice,
		PlannedTargetPrice: t.PlannedTargetPrice,
		TP1Price:           t.TP1Price,
		ExitPrice:          t.ExitPrice,
		EntryOrderID:       t.EntryOrderID,
		SLOrderID:          t.SLOrderID,
		SLOrderType:        string(t.SLOrderType),
		TargetOrderID:      t.TargetOrderID,
		TargetOrderType:    string(t.TargetOrderType),
		TP1OrderID:         t.TP1OrderID,
		PanicExitOrderID:   t.PanicExitOrderID,
		ExitOrderID:        t.ExitOrderID,
		ExitOrderRole:      string(t.ExitOrderRole),
		TP1Qty:             t.TP1Qty,
		RunnerQty:          t.RunnerQty,
		TP1Done:            t.TP1Done,
		TP1Aborted:         t.TP1Aborted,
		TP1FilledQty:       t.TP1FilledQty,
		RiskInr:            t.RiskInr,
		RiskPts:            t.RiskPts,
		RR:                 t.RR,
		EstChargesInr:      t.EstChargesInr,
		MinGreenInr:        t.MinGreenInr,
		MinGreenPts:        t.MinGreenPts,
		EntrySlippageBps:   t.EntrySlippageBps,
		EntrySlippageInr:   t.EntrySlippageInr,
		ExitSlippageBps:    t.ExitSlippageBps,
		ExitSlippageInr:    t.ExitSlippageInr,
		PeakLtp:            t.PeakLtp,
		BeLocked:           t.BeLocked,
		TrailSl:            t.TrailSl,
		Status:             string(t.Status),
		CloseReason:        t.CloseReason,
		ExitReason:         t.ExitReason,
		LastEvent:          t.LastEvent,
		LastEventAt:        t.LastEventAt,
		DecisionAt:         t.DecisionAt,
		EntryAt:            t.EntryAt,
		EntryFilledAt:      t.EntryFilledAt,
		ExitAt:             t.ExitAt,
		ClosedAt:           t.ClosedAt,
		TargetVirtual:      t.TargetVirtual,
		DynExitDisabled:    t.DynExitDisabled,
		EntryFinalized:     t.EntryFinalized,
		Product:            string(t.Product),
		MetaJSON:           string(meta),
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}, nil
}

// FromModel reconstructs a domain Trade from its gorm row.
func FromModel(m *TradeModel) (*Trade, error) {
	var meta tradeMeta
	if m.MetaJSON != "" {
		if err := json.Unmarshal([]byte(m.MetaJSON), &meta); err != nil {
			return nil, err
		}
	}
	return &Trade{
		TradeID:            m.TradeID,
		InstrumentToken:    m.InstrumentToken,
		Instrument:         meta.Instrument,
		Side:               sideOf(m.Side),
		Qty:                m.Qty,
		InitialQty:         m.InitialQty,
		UnderlyingToken:    m.UnderlyingToken,
		OptionMeta:         meta.OptionMeta,
		ExpectedEntryPrice: m.ExpectedEntryPrice,
		EntryPrice:         m.EntryPrice,
		StopLoss:           m.StopLoss,
		InitialStopLoss:    m.InitialStopLoss,
		SLTrigger:          m.SLTrigger,
		SLLimitPrice:       m.SLLimitPrice,
		TargetPrice:        m.TargetPrice,
		PlannedTargetPrice: m.PlannedTargetPrice,
		TP1Price:           m.TP1Price,
		ExitPrice:          m.ExitPrice,
		EntryOrderID:       m.EntryOrderID,
		SLOrderID:          m.SLOrderID,
		SLOrderType:        orderTypeOf(m.SLOrderType),
		TargetOrderID:      m.TargetOrderID,
		TargetOrderType:    orderTypeOf(m.TargetOrderType),
		TP1OrderID:         m.TP1OrderID,
		PanicExitOrderID:   m.PanicExitOrderID,
		ExitOrderID:        m.ExitOrderID,
		ExitOrderRole:      roleOf(m.ExitOrderRole),
		TP1Qty:             m.TP1Qty,
		RunnerQty:          m.RunnerQty,
		TP1Done:            m.TP1Done,
		TP1Aborted:         m.TP1Aborted,
		TP1FilledQty:       m.TP1FilledQty,
		PnlLegs:            meta.PnlLegs,
		RiskInr:            m.RiskInr,
		RiskPts:            m.RiskPts,
		RR:                 m.RR,
		EstChargesInr:      m.EstChargesInr,
		MinGreenInr:        m.MinGreenInr,
		MinGreenPts:        m.MinGreenPts,
		EntrySlippageBps:   m.EntrySlippageBps,
		EntrySlippageInr:   m.EntrySlippageInr,
		ExitSlippageBps:    m.ExitSlippageBps,
		ExitSlippageInr:    m.ExitSlippageInr,
		PeakLtp:            m.PeakLtp,
		BeLocked:           m.BeLocked,
		TrailSl:            m.TrailSl,
		Status:             statusOf(m.Status),
		CloseReason:        m.CloseReason,
		ExitReason:         m.ExitReason,
		LastEvent:          m.LastEvent,
		LastEventAt:        m.LastEventAt,
		LastEventMeta:      meta.LastEventMeta,
		DecisionAt:         m.DecisionAt,
		EntryAt:            m.EntryAt,
		EntryFilledAt:      m.EntryFilledAt,
		ExitAt:             m.ExitAt,
		ClosedAt:           m.ClosedAt,
		TargetVirtual:      m.TargetVirtual,
		DynExitDisabled:    m.DynExitDisabled,
		EntryFinalized:     m.EntryFinalized,
		Product:            productOf(m.Product),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

// OrderLinkModel backs the `order_links` collection.
type OrderLinkModel struct {
	OrderID   string `gorm:"primaryKey;type:varchar(64)"`
	TradeID   string `gorm:"index"`
	Role      string
	CreatedAt time.Time
}

func (OrderLinkModel) TableName() string { return "order_links" }

// OrphanOrderUpdateModel backs the `orphan_order_updates` collection
// (TTL 6h, swept periodically — see store.go SweepExpiredOrphans).
type OrphanOrderUpdateModel struct {
	OrderID     string `gorm:"index;type:varchar(64)"`
	PayloadJSON string `gorm:"type:jsonb"`
	Retries     int
	CreatedAt   time.Time `gorm:"index"`
}

func (OrphanOrderUpdateModel) TableName() string { return "orphan_order_updates" }

// OrphanOrderUpdateDLQModel backs the `orphan_order_updates_dlq` collection.
type OrphanOrderUpdateDLQModel struct {
	OrderID         string `gorm:"index;type:varchar(64)"`
	PayloadJSON     string `gorm:"type:jsonb"`
	DeadLetteredAt  time.Time `gorm:"index"`
}

func (OrphanOrderUpdateDLQModel) TableName() string { return "orphan_order_updates_dlq" }

// OrderLogModel backs the `order_logs` collection.
type OrderLogModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OrderID     string `gorm:"index"`
	TradeID     string `gorm:"index"`
	Role        string
	Status      string
	PayloadJSON string `gorm:"type:jsonb"`
	CreatedAt   time.Time `gorm:"index"`
}

func (OrderLogModel) TableName() string { return "order_logs" }

// LiveOrderSnapshotModel backs the `live_order_snapshots` collection,
// structure `{byOrderId: {orderId: {order, status, role, source, seenAt}}}`.
type LiveOrderSnapshotModel struct {
	TradeID     string `gorm:"primaryKey;type:varchar(40)"`
	ByOrderJSON string `gorm:"type:jsonb"`
	UpdatedAt   time.Time
}

func (LiveOrderSnapshotModel) TableName() string { return "live_order_snapshots" }

// DailyRiskModel backs the `daily_risk` collection, unique by date.
type DailyRiskModel struct {
	Date         string `gorm:"primaryKey;type:varchar(10)"`
	RealizedPnl  float64
	LastOpenPnl  float64
	LastTotal    float64
	State        string
	StateReason  string
	Kill         bool
	OrdersPlaced int
	LastTradeID  string
	UpdatedAt    time.Time
}

func (DailyRiskModel) TableName() string { return "daily_risk" }

// RiskStateModel backs the `risk_state` collection, unique by date.
type RiskStateModel struct {
	Date                string `gorm:"primaryKey;type:varchar(10)"`
	Kill                bool
	ConsecutiveFailures int
	OpenPositionsJSON   string `gorm:"type:jsonb"`
	CooldownUntilJSON   string `gorm:"type:jsonb"`
	UpdatedAt           time.Time
}

func (RiskStateModel) TableName() string { return "risk_state" }

func sideOf(s string) broker.Side             { return broker.Side(s) }
func orderTypeOf(s string) broker.OrderType   { return broker.OrderType(s) }
func roleOf(s string) broker.Role             { return broker.Role(s) }
func productOf(s string) broker.Product       { return broker.Product(s) }
func statusOf(s string) statemachine.Status   { return statemachine.Status(s) }

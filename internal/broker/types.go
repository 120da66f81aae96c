// Package broker defines the external broker capability contract consumed
// by the trade execution core and a resilient decorator that adds circuit
// breaking and rate limiting around any concrete implementation; tag-based
// idempotence is the separate PlaceWithDedup helper. The core never talks to a real exchange directly — it
// only depends on the Client interface here.
package broker

import "context"

// Exchange, Segment and friends are free-form strings; they are passed
// through verbatim rather than re-enumerated here since the broker owns
// the authoritative instrument catalog.

// Side is the transaction side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Product is the margin product under which an order is placed.
type Product string

const (
	ProductMIS  Product = "MIS"
	ProductNRML Product = "NRML"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// Validity is the broker order time-in-force.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// Variety distinguishes broker order varieties (regular, amo, co, iceberg...);
// passed through opaquely.
type Variety string

// Status is a broker order postback status.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusTriggerPending   Status = "TRIGGER PENDING"
	StatusTriggered        Status = "TRIGGERED"
	StatusModifyPending    Status = "MODIFY PENDING"
	StatusPartial          Status = "PARTIAL"
	StatusComplete         Status = "COMPLETE"
	StatusCancelled        Status = "CANCELLED"
	StatusRejected         Status = "REJECTED"
	StatusLapsed           Status = "LAPSED"
)

// IsTerminal reports whether a broker order status is final.
func IsTerminal(s Status) bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected, StatusLapsed:
		return true
	default:
		return false
	}
}

// rank orders statuses by how "progressed" they are. IsRegression does not
// consult it: only terminal-after-terminal and any-after-terminal
// regressions are filtered; pre-terminal regressions (MODIFY PENDING ->
// OPEN) are accepted as-is.
var rank = map[Status]int{
	StatusOpen:           1,
	StatusTriggerPending: 1,
	StatusModifyPending:  1,
	StatusTriggered:      2,
	StatusPartial:        2,
	StatusComplete:       3,
	StatusCancelled:      3,
	StatusRejected:       3,
	StatusLapsed:         3,
}

// IsRegression reports whether `next` is a regression from `prev` that must
// be dropped: prev was terminal and next is not the same terminal status.
func IsRegression(prev, next Status) bool {
	if !IsTerminal(prev) {
		return false
	}
	return prev != next
}

// PlaceParams mirrors the broker's placeOrder payload shape.
type PlaceParams struct {
	Variety          Variety
	Exchange         string
	TradingSymbol    string
	TransactionType  Side
	Quantity         int
	Product          Product
	OrderType        OrderType
	Validity         Validity
	Price            float64
	TriggerPrice     float64
	Tag              string
	MarketProtection float64
}

// ModifyParams is a partial patch applied via modifyOrder.
type ModifyParams struct {
	Price        *float64
	TriggerPrice *float64
	Quantity     *int
}

// Order is the broker's view of a previously placed order, as returned by
// GetOrders/GetOrderHistory and delivered over the postback stream.
type Order struct {
	OrderID           string
	Status            Status
	StatusMessage     string
	StatusMessageRaw  string
	OrderType         OrderType
	TransactionType   Side
	TradingSymbol     string
	Exchange          string
	Quantity          int
	FilledQuantity    int
	AveragePrice      float64
	Price             float64
	TriggerPrice      float64
	Tag               string
	OrderTimestamp    int64
	ExchangeTimestamp int64
}

// DepthLevel is one level of a quote's order book.
type DepthLevel struct {
	Price    float64
	Quantity int
}

// Quote is the broker's market-depth snapshot for one instrument key.
type Quote struct {
	LastPrice float64
	Buy       []DepthLevel
	Sell      []DepthLevel
	Timestamp int64
}

// NetPosition is one row of GetPositions().Net — the broker's ground truth
// for what is actually held on the exchange for an instrument.
type NetPosition struct {
	InstrumentToken int64
	TradingSymbol   string
	Quantity        int
	AveragePrice    float64
}

// Positions is the broker's full position snapshot.
type Positions struct {
	Net []NetPosition
	Day []NetPosition
}

// ConvertPositionParams requests an EOD MIS->NRML (or similar) conversion.
type ConvertPositionParams struct {
	Exchange        string
	TradingSymbol   string
	TransactionType Side
	PositionType    string
	OldProduct      Product
	NewProduct      Product
	Quantity        int
}

// Client is the broker capability contract the engine depends on. No
// concrete wire-protocol adapter lives in this package; the engine only
// ever holds a Client, normally one wrapped by NewResilientClient.
type Client interface {
	PlaceOrder(ctx context.Context, params PlaceParams) (orderID string, err error)
	ModifyOrder(ctx context.Context, variety Variety, orderID string, patch ModifyParams) error
	CancelOrder(ctx context.Context, variety Variety, orderID string) error
	GetOrders(ctx context.Context) ([]Order, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]Order, error)
	GetPositions(ctx context.Context) (Positions, error)
	GetQuote(ctx context.Context, keys []string) (map[string]Quote, error)
	GetLTP(ctx context.Context, keys []string) (map[string]float64, error)
	ConvertPosition(ctx context.Context, params ConvertPositionParams) error
}

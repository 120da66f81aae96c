// Package paper implements broker.Client entirely in memory, for tests and
// local dry runs, alongside the real broker adapter.
package paper

import (
	"context"
	"sync"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/segmentio/ksuid"
)

// Client is an in-memory broker.Client. MARKET and LIMIT orders fill
// immediately at the requested price (or the SetLTP price for market
// orders) unless PreventFill is set for a tag, letting tests hold an order
// open to exercise watchdogs. SL and SL-M orders rest as TRIGGER PENDING
// until Fill is called.
type Client struct {
	mu sync.Mutex

	orders    map[string]broker.Order
	positions map[string]broker.NetPosition // keyed by TradingSymbol
	ltp       map[string]float64
	quotes    map[string]broker.Quote

	// PreventFill, when set true for an order tag, keeps PlaceOrder from
	// auto-filling so tests can simulate an order stuck OPEN.
	PreventFill map[string]bool

	// RejectReason, when non-empty for a tag, makes the next PlaceOrder for
	// that tag return that broker error instead of succeeding; consumed
	// after one use so a subsequent retry on the same tag can succeed.
	RejectReason map[string]string
}

// New builds an empty paper broker.
func New() *Client {
	return &Client{
		orders:       make(map[string]broker.Order),
		positions:    make(map[string]broker.NetPosition),
		ltp:          make(map[string]float64),
		quotes:       make(map[string]broker.Quote),
		PreventFill:  make(map[string]bool),
		RejectReason: make(map[string]string),
	}
}

// SetLTP seeds the last-traded-price used to auto-fill market orders.
func (c *Client) SetLTP(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ltp[symbol] = price
}

func (c *Client) PlaceOrder(ctx context.Context, p broker.PlaceParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason, ok := c.RejectReason[p.Tag]; ok && reason != "" {
		delete(c.RejectReason, p.Tag) // one-shot: lets tests exercise a fallback retry on the same tag
		return "", broker.Classify(reason)
	}

	orderID := ksuid.New().String()
	price := p.Price
	if p.OrderType == broker.OrderTypeMarket && price == 0 {
		price = c.ltp[p.TradingSymbol]
	}

	status := broker.StatusOpen
	filled := 0
	if p.OrderType == broker.OrderTypeSL || p.OrderType == broker.OrderTypeSLM {
		status = broker.StatusTriggerPending
	}
	if !c.PreventFill[p.Tag] && (p.OrderType == broker.OrderTypeMarket || p.OrderType == broker.OrderTypeLimit) {
		status = broker.StatusComplete
		filled = p.Quantity
		c.applyFill(p.TradingSymbol, p.TransactionType, filled, price)
	}

	c.orders[orderID] = broker.Order{
		OrderID:         orderID,
		Status:          status,
		OrderType:       p.OrderType,
		TransactionType: p.TransactionType,
		TradingSymbol:   p.TradingSymbol,
		Exchange:        p.Exchange,
		Quantity:        p.Quantity,
		FilledQuantity:  filled,
		AveragePrice:    price,
		Price:           p.Price,
		TriggerPrice:    p.TriggerPrice,
		Tag:             p.Tag,
	}
	return orderID, nil
}

func (c *Client) applyFill(symbol string, side broker.Side, qty int, price float64) {
	pos := c.positions[symbol]
	delta := qty
	if side == broker.SideSell {
		delta = -qty
	}
	pos.TradingSymbol = symbol
	pos.Quantity += delta
	pos.AveragePrice = price
	c.positions[symbol] = pos
}

// Fill force-completes a previously placed order at the given price, for
// tests that need to drive a specific postback sequence.
func (c *Client) Fill(orderID string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return
	}
	o.Status = broker.StatusComplete
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price
	c.orders[orderID] = o
	c.applyFill(o.TradingSymbol, o.TransactionType, o.Quantity, price)
}

func (c *Client) ModifyOrder(ctx context.Context, variety broker.Variety, orderID string, patch broker.ModifyParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return broker.Classify("order not found")
	}
	if patch.Price != nil {
		o.Price = *patch.Price
	}
	if patch.TriggerPrice != nil {
		o.TriggerPrice = *patch.TriggerPrice
	}
	if patch.Quantity != nil {
		o.Quantity = *patch.Quantity
	}
	c.orders[orderID] = o
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, variety broker.Variety, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return broker.Classify("order not found")
	}
	if broker.IsTerminal(o.Status) {
		return broker.Classify("cannot be cancelled")
	}
	o.Status = broker.StatusCancelled
	c.orders[orderID] = o
	return nil
}

func (c *Client) GetOrders(ctx context.Context) ([]broker.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out, nil
}

func (c *Client) GetOrderHistory(ctx context.Context, orderID string) ([]broker.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return nil, nil
	}
	return []broker.Order{o}, nil
}

func (c *Client) GetPositions(ctx context.Context) (broker.Positions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := broker.Positions{}
	for _, p := range c.positions {
		if p.Quantity != 0 {
			out.Net = append(out.Net, p)
		}
	}
	return out, nil
}

func (c *Client) GetQuote(ctx context.Context, keys []string) (map[string]broker.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]broker.Quote, len(keys))
	for _, k := range keys {
		q := c.quotes[k]
		q.LastPrice = c.ltp[k]
		out[k] = q
	}
	return out, nil
}

func (c *Client) GetLTP(ctx context.Context, keys []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = c.ltp[k]
	}
	return out, nil
}

func (c *Client) ConvertPosition(ctx context.Context, params broker.ConvertPositionParams) error {
	return nil
}

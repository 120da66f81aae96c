// Package oco implements one-cancels-other bookkeeping over an exchange
// that provides no native OCO order type: when one exit leg (SL or
// TARGET) completes, the sibling must be cancelled and marked "expected"
// so its resulting CANCELLED postback is not misreported as a failure; a
// sibling COMPLETE that arrives after the trade is already terminal is a
// double-fill that must halt the process.
package oco

import (
	"sync"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
)

// Controller tracks, per trade, which order ids are expected to be
// cancelled as the consequence of a sibling leg's fill — so the resulting
// CANCELLED postback for that order is swallowed rather than treated as a
// leg failure.
type Controller struct {
	mu             sync.Mutex
	expectedCancel map[string]bool // orderId -> true
}

// New builds an empty OCO controller.
func New() *Controller {
	return &Controller{expectedCancel: make(map[string]bool)}
}

// MarkExpectedCancel records that orderID's next CANCELLED postback was
// caused by this controller, not by broker/user action.
func (c *Controller) MarkExpectedCancel(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectedCancel[orderID] = true
}

// ConsumeExpectedCancel reports whether orderID's CANCELLED postback was
// expected, clearing the mark so it is only consumed once.
func (c *Controller) ConsumeExpectedCancel(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expectedCancel[orderID] {
		delete(c.expectedCancel, orderID)
		return true
	}
	return false
}

// SiblingRole returns the exit leg that must be cancelled when role fills,
// and false if role isn't one half of the OCO pair.
func SiblingRole(role broker.Role) (broker.Role, bool) {
	switch role {
	case broker.RoleSL:
		return broker.RoleTarget, true
	case broker.RoleTarget:
		return broker.RoleSL, true
	default:
		return "", false
	}
}

// DoubleFillCheck reports whether a newly-arrived COMPLETE for orderID on
// trade is a double-fill: the trade already reached a terminal exit status
// via a different order id, so a sibling COMPLETE arriving after the
// trade is already terminal from the other side raises a global halt.
func DoubleFillCheck(trade *store.Trade, orderID string) bool {
	if !statemachine.IsTerminal(trade.Status) {
		return false
	}
	if trade.Status == statemachine.StatusExitedSL && orderID == trade.SLOrderID {
		return false
	}
	if trade.Status == statemachine.StatusExitedTarget && orderID == trade.TargetOrderID {
		return false
	}
	return true
}

// TP1Resize computes the runner quantity and breakeven-plus-fee-share SL
// price after a partial TP1 fill: remaining TP1 is cancelled, SL resizes
// to the runner quantity and moves to true breakeven plus buffer plus
// per-unit fee share.
func TP1Resize(trade *store.Trade, tp1FilledQty int, bufferPts float64) (runnerQty int, newSL float64) {
	runnerQty = trade.Qty - tp1FilledQty
	feeShare := 0.0
	if trade.Qty > 0 {
		feeShare = trade.EstChargesInr / float64(trade.Qty)
	}
	if trade.Side == broker.SideBuy {
		newSL = trade.EntryPrice + bufferPts + feeShare
	} else {
		newSL = trade.EntryPrice - bufferPts - feeShare
	}
	return runnerQty, newSL
}

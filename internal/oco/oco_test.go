package oco

import (
	"testing"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/stretchr/testify/require"
)

func TestExpectedCancelConsumedOnce(t *testing.T) {
	c := New()
	c.MarkExpectedCancel("ORD1")
	require.True(t, c.ConsumeExpectedCancel("ORD1"))
	require.False(t, c.ConsumeExpectedCancel("ORD1"))
}

func TestSiblingRole(t *testing.T) {
	sib, ok := SiblingRole(broker.RoleSL)
	require.True(t, ok)
	require.Equal(t, broker.RoleTarget, sib)

	sib, ok = SiblingRole(broker.RoleTarget)
	require.True(t, ok)
	require.Equal(t, broker.RoleSL, sib)

	_, ok = SiblingRole(broker.RoleEntry)
	require.False(t, ok)
}

// TestDoubleFillDetectedWhenSiblingCompletesAfterTerminal mirrors spec
// scenario #3: SL completes first (trade -> EXITED_SL), then TARGET's
// COMPLETE arrives for a different order id — a double-fill.
func TestDoubleFillDetectedWhenSiblingCompletesAfterTerminal(t *testing.T) {
	trade := &store.Trade{Status: statemachine.StatusExitedSL, SLOrderID: "SL1", TargetOrderID: "TGT1"}
	require.True(t, DoubleFillCheck(trade, "TGT1"))
	require.False(t, DoubleFillCheck(trade, "SL1"))
}

func TestNoDoubleFillWhileTradeStillLive(t *testing.T) {
	trade := &store.Trade{Status: statemachine.StatusLive, SLOrderID: "SL1", TargetOrderID: "TGT1"}
	require.False(t, DoubleFillCheck(trade, "TGT1"))
}

func TestTP1ResizeMovesSLToBreakevenPlusFeeShare(t *testing.T) {
	trade := &store.Trade{Side: broker.SideBuy, Qty: 50, EntryPrice: 100.0, EstChargesInr: 25}
	runnerQty, newSL := TP1Resize(trade, 20, 0.2)
	require.Equal(t, 30, runnerQty)
	require.InDelta(t, 100.0+0.2+0.5, newSL, 1e-9)
}

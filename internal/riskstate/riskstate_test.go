package riskstate

import (
	"testing"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLimits() DailyLimits {
	return DailyLimits{
		SoftStopLossInr:     2000,
		HardStopLossInr:     5000,
		MaxConsecutiveFails: 3,
		SlippageCooldown:    time.Minute,
		StrategyCooldown:    time.Minute,
		CircuitCooldown:     time.Minute,
	}
}

func TestConsecutiveFailuresTripKillSwitch(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	m.RecordEntryFailure()
	m.RecordEntryFailure()
	require.False(t, m.Kill())
	m.RecordEntryFailure()
	require.True(t, m.Kill())
}

func TestEntrySuccessResetsFailureCounter(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	m.RecordEntryFailure()
	m.RecordEntryFailure()
	m.RecordEntrySuccess()
	m.RecordEntryFailure()
	m.RecordEntryFailure()
	require.False(t, m.Kill())
}

func TestCooldownGatesNewEntries(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	ok, _ := m.CanEnterNewTrade("NFO:12345")
	require.True(t, ok)

	m.SetCooldown("slippage", "NFO:12345", time.Minute)
	ok, reason := m.CanEnterNewTrade("NFO:12345")
	require.False(t, ok)
	require.Equal(t, "token_in_cooldown", reason)
}

func TestDailyHardStopBlocksNewEntries(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	m.ApplyRealizedPnl("T1", -6000)
	require.True(t, m.Kill())
	ok, reason := m.CanEnterNewTrade("NFO:1")
	require.False(t, ok)
	require.Equal(t, "kill_switch_engaged", reason)
}

func TestKillSwitchSurvivesSoftStopReversal(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	m.EngageKillSwitch("consecutive_entry_failures")
	m.ApplyRealizedPnl("T1", 10000) // total swings positive, SOFT_STOP never hits
	require.True(t, m.Kill(), "kill must only clear via explicit admin action")
	m.ClearKillSwitch()
	require.False(t, m.Kill())
}

func TestRegisterAndClearOpenPosition(t *testing.T) {
	m := New(nil, zap.NewNop(), testLimits(), "2026-07-30")
	require.Empty(t, m.OpenPositions())

	m.RegisterOpenPosition(store.OpenPosition{Token: 12345, TradeID: "T1", Side: broker.SideBuy, Qty: 50})
	require.Len(t, m.OpenPositions(), 1)

	m.ClearOpenPosition("T1")
	require.Empty(t, m.OpenPositions())
}

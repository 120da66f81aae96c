package exitplanner

import (
	"testing"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		TrailArmR:           1.1,
		BELockCostMult:      2.0,
		BELockBufferPts:     0.5,
		ATRPeriod:           14,
		ATRTrailMult:        1.5,
		MinGreenHoldSecs:    5 * time.Minute,
		RoundLevelBufferPts: 0.1,
	}
}

func baseTrade() *store.Trade {
	return &store.Trade{
		TradeID:       "T1",
		Side:          broker.SideBuy,
		Qty:           50,
		EntryPrice:    100.0,
		StopLoss:      88.0,
		RiskPts:       12.0,
		RiskInr:       600,
		EstChargesInr: 30,
		MinGreenInr:   50,
		Status:        statemachine.StatusLive,
		EntryFilledAt: time.Now().Add(-time.Minute),
	}
}

func TestBELocksAfterCostMultipleProfit(t *testing.T) {
	trade := baseTrade()
	plan := Evaluate(trade, nil, 101.3, time.Now(), baseConfig())
	require.True(t, plan.HasNewSL)
	require.GreaterOrEqual(t, plan.NewStopLoss, trade.EntryPrice)
	require.Equal(t, true, plan.TradePatch["be_locked"])
}

func TestNoBELockBelowThreshold(t *testing.T) {
	trade := baseTrade()
	plan := Evaluate(trade, nil, 100.2, time.Now(), baseConfig())
	require.False(t, plan.HasNewSL)
}

func TestTimeStopFiresWhenProfitBelowMinGreen(t *testing.T) {
	trade := baseTrade()
	trade.EntryFilledAt = time.Now().Add(-10 * time.Minute)
	plan := Evaluate(trade, nil, 100.1, time.Now(), baseConfig())
	require.True(t, plan.ExitNow)
	require.Equal(t, "TIME_STOP_MIN_GREEN", plan.ExitReason)
}

func TestSellSideProfitSignConvention(t *testing.T) {
	trade := baseTrade()
	trade.Side = broker.SideSell
	trade.EntryPrice = 100.0
	trade.StopLoss = 112.0
	plan := Evaluate(trade, nil, 98.7, time.Now(), baseConfig())
	require.True(t, plan.HasNewSL)
	require.LessOrEqual(t, plan.NewStopLoss, trade.EntryPrice)
}

func flatRangeCandles(n int, mid, rangePts float64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		out[i] = Candle{
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
			Open:      mid, Close: mid,
			High: mid + rangePts/2, Low: mid - rangePts/2,
		}
	}
	return out
}

func TestATRTrailArmsOnceProfitClearsTrailArmR(t *testing.T) {
	trade := baseTrade()
	candles := flatRangeCandles(20, 100.0, 1.0)
	plan := Evaluate(trade, candles, 115.0, time.Now(), baseConfig())
	require.True(t, plan.HasNewSL)
	require.Equal(t, true, plan.TradePatch["trail_sl"])
	require.Less(t, plan.NewStopLoss, 115.0)
	require.GreaterOrEqual(t, plan.NewStopLoss, trade.StopLoss)
}

func TestATRTrailDoesNotArmBelowTrailArmR(t *testing.T) {
	trade := baseTrade()
	candles := flatRangeCandles(20, 100.0, 1.0)
	plan := Evaluate(trade, candles, 101.0, time.Now(), baseConfig())
	require.False(t, plan.TradePatch["trail_sl"] == true)
}

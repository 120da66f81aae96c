// Package exitplanner implements the pure SL/target/exit-now decision
// function: given a trade, recent candles, the last traded price, and
// environment config, it returns the desired stop-loss, target, and
// exit-now actions without touching the store or broker. ATR comes from
// go-talib; the range-percentile regime input is a percentile rank
// computed over closes sorted with gonum/stat.
package exitplanner

import (
	"math"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/broker"
	"github.com/hemanthHemu33/algoscalper-core/internal/statemachine"
	"github.com/hemanthHemu33/algoscalper-core/internal/store"
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Candle is one OHLC bar used to derive ATR and structural levels.
type Candle struct {
	Timestamp time.Time
	Open, High, Low, Close float64
}

// Config bundles the environment-level tunables for exit planning.
type Config struct {
	TrailArmR        float64 // profit multiple of risk at which trailing arms
	BELockCostMult    float64 // profit multiple of estimated cost at which BE locks
	BELockBufferPts   float64
	ATRPeriod         int
	ATRTrailMult      float64
	MinGreenHoldSecs  time.Duration
	RoundLevelBufferPts float64
	CandleInterval    time.Duration // bucket width of the caller's recent-candle buffer
	CandleLookback    int           // bars the caller's buffer retains
}

// Plan is the pure-function output: zero-valued fields mean "no change".
type Plan struct {
	NewStopLoss  float64
	HasNewSL     bool
	NewTarget    float64
	HasNewTarget bool
	ExitNow      bool
	ExitReason   string
	TradePatch   map[string]interface{}
}

// Evaluate is a pure function: it never mutates trade or candles; callers
// persist the returned TradePatch.
func Evaluate(trade *store.Trade, candles []Candle, ltp float64, now time.Time, cfg Config) Plan {
	plan := Plan{TradePatch: map[string]interface{}{}}
	if trade.Status != statemachine.StatusLive && trade.Status != statemachine.StatusEntryFilled {
		return plan
	}

	profitPts := signedProfitPts(trade, ltp)

	if ltp > trade.PeakLtp && trade.Side == broker.SideBuy {
		plan.TradePatch["peak_ltp"] = ltp
	}
	if trade.Side == broker.SideSell && (trade.PeakLtp == 0 || ltp < trade.PeakLtp) {
		plan.TradePatch["peak_ltp"] = ltp
	}

	if !trade.BeLocked && trade.RiskInr > 0 {
		beThresholdInr := trade.EstChargesInr * cfg.BELockCostMult
		profitInr := profitPts * float64(trade.Qty)
		if profitInr >= beThresholdInr {
			be := beLockPrice(trade, cfg)
			if isFavorable(trade.Side, be, trade.StopLoss) {
				plan.NewStopLoss = be
				plan.HasNewSL = true
				plan.TradePatch["be_locked"] = true
			}
		}
	}

	if trade.RiskPts > 0 && profitPts >= cfg.TrailArmR*trade.RiskPts {
		if atr, ok := atrFromCandles(candles, cfg.ATRPeriod); ok {
			trail := trailingStop(trade, ltp, atr*cfg.ATRTrailMult)
			if isFavorable(trade.Side, trail, trade.StopLoss) && (!plan.HasNewSL || isFavorable(trade.Side, trail, plan.NewStopLoss)) {
				plan.NewStopLoss = trail
				plan.HasNewSL = true
				plan.TradePatch["trail_sl"] = true
			}
		}
	}

	if !trade.EntryFilledAt.IsZero() && now.Sub(trade.EntryFilledAt) >= cfg.MinGreenHoldSecs {
		profitInr := profitPts * float64(trade.Qty)
		if profitInr < trade.MinGreenInr {
			plan.ExitNow = true
			plan.ExitReason = "TIME_STOP_MIN_GREEN"
		}
	}

	return plan
}

func signedProfitPts(trade *store.Trade, ltp float64) float64 {
	if trade.Side == broker.SideBuy {
		return ltp - trade.EntryPrice
	}
	return trade.EntryPrice - ltp
}

func beLockPrice(trade *store.Trade, cfg Config) float64 {
	feeShare := 0.0
	if trade.Qty > 0 {
		feeShare = trade.EstChargesInr / float64(trade.Qty)
	}
	if trade.Side == broker.SideBuy {
		return trade.EntryPrice + cfg.BELockBufferPts + feeShare
	}
	return trade.EntryPrice - cfg.BELockBufferPts - feeShare
}

// isFavorable reports whether candidate is at least as protective as
// current for side: once be-locked, SL may only move in the
// profit-favorable direction.
func isFavorable(side broker.Side, candidate, current float64) bool {
	if current == 0 {
		return true
	}
	if side == broker.SideBuy {
		return candidate >= current
	}
	return candidate <= current
}

func trailingStop(trade *store.Trade, ltp, atrDistance float64) float64 {
	if trade.Side == broker.SideBuy {
		return ltp - atrDistance
	}
	return ltp + atrDistance
}

func atrFromCandles(candles []Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	atr := talib.Atr(highs, lows, closes, period)
	last := atr[len(atr)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

// RangePercentile reports the current close's percentile rank within the
// lookback window's closes, feeding the regime gate's range-percentile
// filter.
func RangePercentile(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0.5
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	sorted := append([]float64(nil), closes...)
	stat.SortWeighted(sorted, nil)
	current := closes[len(closes)-1]
	below := 0
	for _, v := range sorted {
		if v <= current {
			below++
		}
	}
	return float64(below) / float64(len(sorted))
}

// Package trademanager implements the TradeManager orchestrator: onSignal,
// onOrderUpdate, onTick and reconcile, wired over statemachine, ratelimit,
// store, riskstate, exitplanner, oco and watchdog. The single-active-trade
// option-scalping lifecycle runs over a circuit-breaker-wrapped order
// execution path.
package trademanager

import "math"

// LotPolicy controls how a raw sized quantity is normalized to a lot
// multiple: STRICT rejects a quantity that can't fill a whole lot,
// FORCE_ONE_LOT narrows to one lot and may shrink the stop-loss to fit.
type LotPolicy string

const (
	LotPolicyStrict      LotPolicy = "STRICT"
	LotPolicyForceOneLot LotPolicy = "FORCE_ONE_LOT"
)

// SizingInput bundles everything quantity sizing needs.
type SizingInput struct {
	RiskInr      float64 // capital risked on this trade
	PerUnitRisk  float64 // |entry - stopLoss| in price points
	LotSize      int
	FreezeQty    int
	Policy       LotPolicy
	MarginQty    int // margin-based cap; 0 means unconstrained
	RiskCapInr   float64
}

// SizingResult is the outcome of quantity sizing, including whether a
// stop-loss fitter narrowed the SL to fit one lot under FORCE_ONE_LOT.
type SizingResult struct {
	Qty             int
	Blocked         bool
	BlockReason     string
	FittedPerUnitRisk float64
	SLFitted        bool
}

const riskCapEpsilon = 1e-6

// SizeQuantity performs risk-based sizing, lot-multiple normalization,
// freeze-quantity cap, and post-normalization risk-cap enforcement with
// an optional stop-loss fitter under FORCE_ONE_LOT.
func SizeQuantity(in SizingInput) SizingResult {
	if in.PerUnitRisk <= 0 || in.LotSize <= 0 {
		return SizingResult{Blocked: true, BlockReason: "invalid_risk_or_lot_size"}
	}

	raw := int(math.Floor(in.RiskInr / in.PerUnitRisk))
	if in.MarginQty > 0 && in.MarginQty < raw {
		raw = in.MarginQty
	}
	if raw <= 0 {
		return SizingResult{Blocked: true, BlockReason: "zero_quantity_after_sizing"}
	}

	lots := raw / in.LotSize
	switch in.Policy {
	case LotPolicyForceOneLot:
		if lots < 1 {
			lots = 1
		}
	default: // STRICT
		if lots < 1 {
			return SizingResult{Blocked: true, BlockReason: "below_one_lot_strict"}
		}
	}
	qty := lots * in.LotSize

	if in.FreezeQty > 0 && qty > in.FreezeQty {
		qty = (in.FreezeQty / in.LotSize) * in.LotSize
		if qty <= 0 {
			return SizingResult{Blocked: true, BlockReason: "freeze_qty_below_one_lot"}
		}
	}

	result := SizingResult{Qty: qty, FittedPerUnitRisk: in.PerUnitRisk}

	if in.RiskCapInr <= 0 {
		return result
	}
	capLimit := in.RiskCapInr * (1 + riskCapEpsilon)
	if in.PerUnitRisk*float64(qty) <= capLimit {
		return result
	}

	// Over cap: try reducing qty by a lot at a time first.
	for qty-in.LotSize >= in.LotSize && in.PerUnitRisk*float64(qty) > capLimit {
		qty -= in.LotSize
	}
	if in.PerUnitRisk*float64(qty) <= capLimit {
		result.Qty = qty
		return result
	}

	// Reduction would drop below one lot. Under FORCE_ONE_LOT, attempt the
	// stop-loss fitter: tighten per-unit risk so one lot fits the cap.
	if in.Policy != LotPolicyForceOneLot {
		return SizingResult{Blocked: true, BlockReason: "risk_cap_exceeded_below_one_lot"}
	}
	fittedPerUnitRisk := in.RiskCapInr / float64(in.LotSize)
	if fittedPerUnitRisk <= 0 {
		return SizingResult{Blocked: true, BlockReason: "stop_loss_fitter_failed"}
	}
	return SizingResult{
		Qty:               in.LotSize,
		FittedPerUnitRisk: fittedPerUnitRisk,
		SLFitted:          true,
	}
}

package trademanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizeQuantityRiskBasedRounding(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     1000,
		PerUnitRisk: 3,
		LotSize:     50,
		Policy:      LotPolicyForceOneLot,
	})
	require.False(t, res.Blocked)
	// floor(1000/3) = 333, 333/50 = 6 lots -> 300
	require.Equal(t, 300, res.Qty)
	require.False(t, res.SLFitted)
}

func TestSizeQuantityStrictBlocksBelowOneLot(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100,
		PerUnitRisk: 3,
		LotSize:     50,
		Policy:      LotPolicyStrict,
	})
	require.True(t, res.Blocked)
	require.Equal(t, "below_one_lot_strict", res.BlockReason)
}

func TestSizeQuantityForceOneLotFloorsToOneLot(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100,
		PerUnitRisk: 3,
		LotSize:     50,
		Policy:      LotPolicyForceOneLot,
	})
	require.False(t, res.Blocked)
	require.Equal(t, 50, res.Qty)
}

func TestSizeQuantityMarginCapsRawQty(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     10000,
		PerUnitRisk: 2,
		LotSize:     50,
		MarginQty:   120,
		Policy:      LotPolicyForceOneLot,
	})
	require.False(t, res.Blocked)
	// raw sizing would be 5000, margin caps to 120 -> 2 lots -> 100
	require.Equal(t, 100, res.Qty)
}

func TestSizeQuantityFreezeQtyCapsToLotMultiple(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100000,
		PerUnitRisk: 1,
		LotSize:     50,
		FreezeQty:   175,
		Policy:      LotPolicyForceOneLot,
	})
	require.False(t, res.Blocked)
	require.Equal(t, 150, res.Qty)
}

func TestSizeQuantityRiskCapReducesByWholeLots(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100000,
		PerUnitRisk: 10,
		LotSize:     50,
		Policy:      LotPolicyForceOneLot,
		RiskCapInr:  3000,
	})
	require.False(t, res.Blocked)
	// uncapped qty would far exceed cap; 10*qty<=3000 => qty<=300 => 6 lots -> 300
	require.Equal(t, 300, res.Qty)
	require.False(t, res.SLFitted)
}

func TestSizeQuantityRiskCapStrictBlocksBelowOneLot(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100000,
		PerUnitRisk: 1000,
		LotSize:     50,
		Policy:      LotPolicyStrict,
		RiskCapInr:  3000,
	})
	require.True(t, res.Blocked)
	require.Equal(t, "risk_cap_exceeded_below_one_lot", res.BlockReason)
}

func TestSizeQuantityForceOneLotStopLossFitter(t *testing.T) {
	res := SizeQuantity(SizingInput{
		RiskInr:     100000,
		PerUnitRisk: 1000,
		LotSize:     50,
		Policy:      LotPolicyForceOneLot,
		RiskCapInr:  3000,
	})
	require.False(t, res.Blocked)
	require.Equal(t, 50, res.Qty)
	require.True(t, res.SLFitted)
	require.InDelta(t, 60.0, res.FittedPerUnitRisk, 1e-9) // 3000 / 50
}

func TestSizeQuantityInvalidInputsBlock(t *testing.T) {
	res := SizeQuantity(SizingInput{RiskInr: 1000, PerUnitRisk: 0, LotSize: 50})
	require.True(t, res.Blocked)
	require.Equal(t, "invalid_risk_or_lot_size", res.BlockReason)

	res = SizeQuantity(SizingInput{RiskInr: 1000, PerUnitRisk: 5, LotSize: 0})
	require.True(t, res.Blocked)
	require.Equal(t, "invalid_risk_or_lot_size", res.BlockReason)
}

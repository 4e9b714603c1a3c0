package swap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reading(energyWh uint32) BatteryReading {
	return BatteryReading{EnergyWattHours: energyWh}
}

// The worked example from the billing rules: 20.0 kWh returned, 25.5 kWh
// issued, rate 120, 3 kWh of quota left. Credit exceeds gross, so the net
// cost goes negative and nothing is collected.
func TestCalculateSwapCostWorkedExample(t *testing.T) {
	cost := CalculateSwapCost(reading(20000), reading(25500), 120, 3)

	assert.InDelta(t, 5.5, cost.EnergyDiffKwh, 1e-9)
	assert.InDelta(t, 3.0, cost.QuotaDeductionKwh, 1e-9)
	assert.InDelta(t, 2.5, cost.ChargeableEnergyKwh, 1e-9)
	assert.Equal(t, 300.0, cost.GrossEnergyCost)
	assert.Equal(t, 360.0, cost.QuotaCreditValue)
	assert.Equal(t, -60.0, cost.NetCost)
	assert.Equal(t, 0.0, cost.CollectibleAmount())
	assert.False(t, cost.ZeroCostByRounding())
}

func TestCalculateSwapCostNoQuota(t *testing.T) {
	cost := CalculateSwapCost(reading(20000), reading(25500), 120, 0)

	assert.InDelta(t, 5.5, cost.EnergyDiffKwh, 1e-9)
	assert.Equal(t, 0.0, cost.QuotaDeductionKwh)
	assert.InDelta(t, 5.5, cost.ChargeableEnergyKwh, 1e-9)
	assert.Equal(t, 660.0, cost.GrossEnergyCost)
	assert.Equal(t, 0.0, cost.QuotaCreditValue)
	assert.Equal(t, 660.0, cost.NetCost)
}

func TestCalculateSwapCostNegativeDiff(t *testing.T) {
	// Customer returns more energy than they receive
	cost := CalculateSwapCost(reading(25500), reading(20000), 120, 3)

	assert.InDelta(t, -5.5, cost.EnergyDiffKwh, 1e-9)
	assert.Equal(t, 0.0, cost.QuotaDeductionKwh, "no deduction on a non-positive diff")
	assert.Equal(t, 0.0, cost.ChargeableEnergyKwh)
	assert.Equal(t, 0.0, cost.GrossEnergyCost)
	assert.Equal(t, 0.0, cost.QuotaCreditValue)
	assert.Equal(t, 0.0, cost.NetCost)
}

func TestCalculateSwapCostDeductionBoundedByDiff(t *testing.T) {
	// Plenty of quota: the deduction is bounded by the diff itself
	cost := CalculateSwapCost(reading(20000), reading(22000), 120, 50)

	assert.InDelta(t, 2.0, cost.EnergyDiffKwh, 1e-9)
	assert.InDelta(t, 2.0, cost.QuotaDeductionKwh, 1e-9)
	assert.Equal(t, 0.0, cost.ChargeableEnergyKwh)
	assert.Equal(t, 0.0, cost.NetCost)
}

// Cost must never be under-charged and credit never over-granted: gross
// rounds up, credit rounds down, for any inputs.
func TestRoundingDirection(t *testing.T) {
	cases := []struct {
		oldWh, newWh uint32
		rate, quota  float64
	}{
		{20000, 25500, 120, 3},
		{1234, 8765, 7.77, 1.5},
		{0, 999, 0.01, 0},
		{500, 501, 999.99, 0.0001},
		{10000, 10003, 179, 0.002},
	}
	for _, c := range cases {
		cost := CalculateSwapCost(reading(c.oldWh), reading(c.newWh), c.rate, c.quota)
		assert.GreaterOrEqual(t, cost.GrossEnergyCost, cost.ChargeableEnergyKwh*c.rate,
			"gross must round up (old=%d new=%d)", c.oldWh, c.newWh)
		assert.LessOrEqual(t, cost.QuotaCreditValue, cost.QuotaDeductionKwh*c.rate,
			"credit must round down (old=%d new=%d)", c.oldWh, c.newWh)
	}
}

// A fractional positive net cost floors to zero at collection time; that is
// not the same thing as a true non-positive cost and receipts must be able
// to tell them apart.
func TestZeroCostByRounding(t *testing.T) {
	r := SwapCostResult{NetCost: 0.54}
	assert.True(t, r.ZeroCostByRounding())
	assert.Equal(t, 0.0, r.CollectibleAmount())

	r = SwapCostResult{NetCost: -0.5}
	assert.False(t, r.ZeroCostByRounding())
	assert.Equal(t, 0.0, r.CollectibleAmount())

	r = SwapCostResult{NetCost: 1.54}
	assert.False(t, r.ZeroCostByRounding())
	assert.Equal(t, 1.0, r.CollectibleAmount())

	r = SwapCostResult{NetCost: 0.0}
	assert.False(t, r.ZeroCostByRounding())
}

func TestCollectibleAmountFloors(t *testing.T) {
	for _, net := range []float64{0.1, 0.99, 1.0, 1.5, 42.9} {
		r := SwapCostResult{NetCost: net}
		assert.Equal(t, math.Floor(net), r.CollectibleAmount())
	}
}

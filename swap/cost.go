package swap

import "math"

// SwapQuoteState is the assembled input to a swap cost calculation
type SwapQuoteState struct {
	OldReading                   BatteryReading
	NewReading                   BatteryReading
	RatePerKwh                   float64
	ElectricityQuotaRemainingKwh float64
	SwapQuotaRemainingCount      float64
}

// Compute evaluates the quote
func (q SwapQuoteState) Compute() SwapCostResult {
	return CalculateSwapCost(q.OldReading, q.NewReading, q.RatePerKwh, q.ElectricityQuotaRemainingKwh)
}

// SwapCostResult is the immutable cost breakdown for one swap.
// Cost rounds up and credit rounds down on purpose: the business may not
// under-collect or over-credit due to floating rounding.
type SwapCostResult struct {
	EnergyDiffKwh       float64
	QuotaDeductionKwh   float64
	ChargeableEnergyKwh float64
	GrossEnergyCost     float64
	QuotaCreditValue    float64
	NetCost             float64
}

// CalculateSwapCost turns an old/new battery reading pair plus a rate and the
// remaining electricity quota into a cost breakdown. Pure function.
//
// EnergyDiffKwh can be negative when the customer returns more energy than
// they receive; the net cost is then non-positive and nothing is collected.
func CalculateSwapCost(oldReading, newReading BatteryReading, ratePerKwh, quotaRemainingKwh float64) SwapCostResult {
	diff := (float64(newReading.EnergyWattHours) - float64(oldReading.EnergyWattHours)) / 1000.0

	var deduction float64
	if diff > 0 && quotaRemainingKwh > 0 {
		deduction = math.Min(diff, quotaRemainingKwh)
	}

	chargeable := diff - deduction
	if chargeable < 0 {
		chargeable = 0
	}

	gross := math.Ceil(chargeable * ratePerKwh)
	credit := math.Floor(deduction * ratePerKwh)

	return SwapCostResult{
		EnergyDiffKwh:       diff,
		QuotaDeductionKwh:   deduction,
		ChargeableEnergyKwh: chargeable,
		GrossEnergyCost:     gross,
		QuotaCreditValue:    credit,
		NetCost:             gross - credit,
	}
}

// CollectibleAmount is the amount actually presented for collection: the
// floor of a positive net cost, zero otherwise. A zero here does not imply
// the true cost was non-positive - see SwapCostResult.ZeroCostByRounding.
func (r SwapCostResult) CollectibleAmount() float64 {
	if r.NetCost <= 0 {
		return 0
	}
	return math.Floor(r.NetCost)
}

// ZeroCostByRounding reports the receipting edge case where nothing is
// collected even though the true cost is positive (e.g. 0.54 floors to 0).
// Distinct from a true non-positive net cost.
func (r SwapCostResult) ZeroCostByRounding() bool {
	return r.NetCost > 0 && math.Floor(r.NetCost) == 0
}

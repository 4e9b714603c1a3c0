package swap

import (
	"math"
	"strings"
)

// Service ID substrings the evaluator recognizes in quota snapshots
const (
	QuotaServiceElectricity = "electricity"
	QuotaServiceSwapCount   = "swap-count"
)

// QuotaSnapshot is a point-in-time usage allowance for one subscribed service
type QuotaSnapshot struct {
	ServiceID string
	Quota     float64
	Used      float64
}

// Remaining returns the unconsumed allowance, rounded to two decimals to
// avoid binary floating artifacts leaking into comparisons.
func (q QuotaSnapshot) Remaining() float64 {
	return round2(q.Quota - q.Used)
}

// QuotaDecision is the outcome of evaluating the quota policy for one swap
type QuotaDecision struct {
	CanSkipPayment     bool
	ElectricityOK      bool
	SwapCountOK        bool
	ZeroCostByRounding bool
}

// FindSnapshot picks the snapshot whose service ID contains the given
// keyword, or nil when no such service is subscribed.
func FindSnapshot(snapshots []QuotaSnapshot, keyword string) *QuotaSnapshot {
	for i := range snapshots {
		if strings.Contains(strings.ToLower(snapshots[i].ServiceID), keyword) {
			return &snapshots[i]
		}
	}
	return nil
}

// EvaluateQuotaPolicy decides whether payment collection may be skipped for
// the given cost breakdown. Both sub-checks must hold; a missing snapshot
// fails its sub-check (fail-closed).
//
// The electricity sub-check passes unconditionally when the net cost is
// non-positive: the customer is net-returning energy and no collection is
// possible regardless of quota numbers.
func EvaluateQuotaPolicy(cost SwapCostResult, electricity, swapCount *QuotaSnapshot) QuotaDecision {
	d := QuotaDecision{
		ZeroCostByRounding: cost.ZeroCostByRounding(),
	}

	if cost.NetCost <= 0 {
		d.ElectricityOK = true
	} else if electricity != nil {
		d.ElectricityOK = cost.EnergyDiffKwh > 0 && electricity.Remaining() >= cost.EnergyDiffKwh
	}

	if swapCount != nil {
		d.SwapCountOK = swapCount.Remaining() >= 1
	}

	d.CanSkipPayment = d.ElectricityOK && d.SwapCountOK
	return d
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

package tariff

import (
	"math"

	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// tierSplit divides a total import volume across the three cumulative
// generation tiers.
func (t Table) tierSplit(total float64) (t1, t2, t3 float64) {
	t1 = math.Min(total, t.Tier1KWH)
	t2 = math.Min(math.Max(total-t.Tier1KWH, 0), t.Tier2KWH-t.Tier1KWH)
	t3 = math.Max(total-t.Tier2KWH, 0)
	return
}

// marginalTier returns the index of the highest tier the total reaches.
func (t Table) marginalTier(total float64) int {
	switch {
	case total > t.Tier2KWH:
		return 2
	case total > t.Tier1KWH:
		return 1
	}
	return 0
}

// ComputeToU prices a billing cycle under the time-of-use schedule. The tier
// boundaries apply to total import energy with each tier's volume split
// between peak and off-peak proportionally to the overall peak share, so the
// peak/off-peak breakdown always sums to the tiered total.
//
// Export is capped per period: no more export can be credited at the peak
// rate than was imported at peak, and a period's rebate never exceeds the
// period's generation charge. Rebate value lost to the floor is reported as
// ExcessRebate but never billed.
func (t Table) ComputeToU(importPeak, importOffpeak, exportTotal float64) types.CostBreakdown {
	importTotal := importPeak + importOffpeak
	exportPeak := math.Min(importPeak, exportTotal)
	exportOffpeak := exportTotal - exportPeak

	t1, t2, t3 := t.tierSplit(importTotal)
	peakShare := 0.0
	if importTotal > 0 {
		peakShare = importPeak / importTotal
	}
	genPeak := (t1*t.ToUPeak[0] + t2*t.ToUPeak[1] + t3*t.ToUPeak[2]) * peakShare
	genOffpeak := (t1*t.ToUOffpeak[0] + t2*t.ToUOffpeak[1] + t3*t.ToUOffpeak[2]) * (1 - peakShare)

	var afa float64
	if importTotal >= t.AFAMinKWH {
		afa = importTotal * t.AFA
	}
	capacity := importTotal * t.Capacity
	network := importTotal * t.Network
	var retailing float64
	if importTotal > t.RetailMinKWH {
		retailing = t.Retailing
	}
	ictRate := t.ICTRateToU(importTotal)
	ict := importTotal * ictRate

	importCharge := genPeak + genOffpeak + afa + capacity + network + retailing + ict

	var serviceTax float64
	if importTotal > t.RetailMinKWH {
		serviceTax = importCharge * t.ServiceTaxRate
	}
	var kwtbb float64
	if importTotal > t.KWTBBMinKWH {
		kwtbb = importCharge * t.KWTBBRate
	}

	// NEM rebates use the tier 1 rates regardless of import volume.
	var excess float64
	nemPeak, excess := floorRebate(exportPeak*t.ToUPeak[0], genPeak, excess)
	nemOffpeak, excess := floorRebate(exportOffpeak*t.ToUOffpeak[0], genOffpeak, excess)
	nemCapacity, excess := floorRebate(exportTotal*t.Capacity, capacity, excess)
	nemNetwork, excess := floorRebate(exportTotal*t.Network, network, excess)
	insentif := -exportTotal * ictRate

	total := importCharge + serviceTax + kwtbb +
		nemPeak + nemOffpeak + nemCapacity + nemNetwork + insentif

	return types.CostBreakdown{
		TotalCost:   round2(total),
		PeakCost:    round2(genPeak),
		OffPeakCost: round2(genOffpeak),

		ChargeGenerationPeak:    round2(genPeak),
		ChargeGenerationOffpeak: round2(genOffpeak),
		ChargeAFA:               round2(afa),
		ChargeCapacity:          round2(capacity),
		ChargeNetwork:           round2(network),
		ChargeRetailing:         round2(retailing),
		ChargeICT:               round2(ict),
		ChargeServiceTax:        round2(serviceTax),
		ChargeKWTBB:             round2(kwtbb),

		RebateNEMPeak:     round2(nemPeak),
		RebateNEMOffpeak:  round2(nemOffpeak),
		RebateNEMCapacity: round2(nemCapacity),
		RebateNEMNetwork:  round2(nemNetwork),
		RebateInsentif:    round2(insentif),
		ExcessRebate:      round2(excess),

		RateGenerationPeak:    t.ToUPeak[t.marginalTier(importTotal)],
		RateGenerationOffpeak: t.ToUOffpeak[t.marginalTier(importTotal)],
		RateCapacity:          t.Capacity,
		RateNetwork:           t.Network,
		RateNEMPeak:           t.ToUPeak[0],
		RateNEMOffpeak:        t.ToUOffpeak[0],
		RateICT:               ictRate,
	}
}

// floorRebate clamps a rebate so it cannot exceed the charge it offsets. It
// returns the applied (negative) rebate and the running excess.
func floorRebate(rebate, charge, excess float64) (float64, float64) {
	if rebate > charge {
		excess += rebate - charge
		rebate = charge
	}
	return -rebate, excess
}

// ComputeNonToU prices a billing cycle under the flat (non-ToU) schedule.
// Generation is tiered cumulatively; the flat retailing charge and service
// tax only apply to the portion above the first tier, while KWTBB applies to
// all import energy components once the volume passes its threshold.
func (t Table) ComputeNonToU(importKWH, exportKWH float64) types.CostBreakdown {
	t1, t2, t3 := t.tierSplit(importKWH)

	generation := t1*t.NonToU[0] + t2*t.NonToU[1] + t3*t.NonToU[2]
	capacity := importKWH * t.Capacity
	network := importKWH * t.Network
	ictRate := t.ICTRateNonToU(importKWH)
	ict := importKWH * ictRate

	above := t2 + t3
	var retailing float64
	if above > 0 {
		retailing = t.Retailing
	}

	// Service tax only covers the above-threshold portion of each component.
	aboveCharge := t2*t.NonToU[1] + t3*t.NonToU[2] +
		above*t.Capacity + above*t.Network + retailing + above*ictRate
	serviceTax := aboveCharge * t.ServiceTaxRate

	var kwtbb float64
	if importKWH > t.KWTBBMinKWH {
		kwtbb = (generation + capacity + network + ict) * t.KWTBBRate
	}

	importCharge := generation + capacity + network + retailing + ict + serviceTax + kwtbb

	var excess float64
	exportCredit := exportKWH * (t.NonToU[0] + t.Capacity + t.Network)
	rebate, excess := floorRebate(exportCredit, importCharge, excess)
	insentif := -exportKWH * ictRate

	total := importCharge + rebate + insentif

	return types.CostBreakdown{
		TotalCost:   round2(total),
		PeakCost:    0,
		OffPeakCost: round2(generation),

		ChargeGenerationOffpeak: round2(generation),
		ChargeCapacity:          round2(capacity),
		ChargeNetwork:           round2(network),
		ChargeRetailing:         round2(retailing),
		ChargeICT:               round2(ict),
		ChargeServiceTax:        round2(serviceTax),
		ChargeKWTBB:             round2(kwtbb),

		RebateNEMOffpeak: round2(rebate),
		RebateInsentif:   round2(insentif),
		ExcessRebate:     round2(excess),

		RateImport:   t.NonToU[t.marginalTier(importKWH)],
		RateCapacity: t.Capacity,
		RateNetwork:  t.Network,
		RateICT:      ictRate,
	}
}

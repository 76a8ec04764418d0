// Package predict produces the end-of-cycle cost forecast from the live
// bucket and the archived history.
package predict

import (
	"math"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// tolerancePercent is the symmetric band reported around the trend estimate.
const tolerancePercent = 0.05

// historyWindow caps how many archived months feed the historical estimate.
const historyWindow = 3

// CostFunc prices an energy split at the current tariff. Callers pass the
// ToU or flat computation depending on mode so history is re-priced at
// today's rates instead of naively reusing old bills.
type CostFunc func(peakKWH, offpeakKWH, exportKWH float64) float64

// Inputs bundles everything the forecast needs. CostSoFar is the current
// cycle's computed cost.
type Inputs struct {
	Monthly    types.MonthlyBucket
	Historical []types.HistoricalMonth
	CostSoFar  float64
	Now        time.Time
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// cycleBounds returns the first day of the bucket's billing cycle and the
// cycle length in days, honoring short-month clamping of the start day.
func cycleBounds(m types.MonthlyBucket, loc *time.Location) (time.Time, int) {
	clamp := func(year, month, day int) time.Time {
		last := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, loc).Day()
		if day > last {
			day = last
		}
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	}
	startDay := m.BillingStartDay
	if startDay < 1 {
		startDay = 1
	}
	start := clamp(m.BillingYear, m.BillingMonth, startDay)
	nextYear, nextMonth := m.BillingYear, m.BillingMonth+1
	if nextMonth > 12 {
		nextMonth = 1
		nextYear++
	}
	end := clamp(nextYear, nextMonth, startDay)
	return start, int(end.Sub(start).Hours() / 24)
}

// Predict blends a same-cycle trend with a history-derived estimate. With no
// history the trend stands alone; early in a cycle the history dominates and
// the weighting shifts toward the trend as the cycle matures.
func Predict(in Inputs, cost CostFunc) types.Prediction {
	start, daysInCycle := cycleBounds(in.Monthly, in.Now.Location())
	daysElapsed := 0
	if !in.Now.Before(start) {
		daysElapsed = int(in.Now.Sub(start).Hours()/24) + 1
	}
	if daysElapsed > daysInCycle {
		daysElapsed = daysInCycle
	}
	daysRemaining := daysInCycle - daysElapsed

	p := types.Prediction{
		Confidence:    confidence(len(in.Historical)),
		DaysRemaining: daysRemaining,
	}

	if daysElapsed <= 0 {
		// nothing accumulated yet; fall back to the last finished cycle
		p.Method = "previous_cycle"
		p.TrendWeight = 0
		p.HistoryWeight = 100
		if len(in.Historical) > 0 {
			p.PredictedCost = round2(in.Historical[0].Cost)
		}
		p.DaysRemaining = daysInCycle
		return p
	}

	dailyAvgCost := in.CostSoFar / float64(daysElapsed)
	dailyAvgKWH := in.Monthly.ImportTotal / float64(daysElapsed)
	trend := dailyAvgCost * float64(daysInCycle)
	tolerance := trend * tolerancePercent

	p.DailyAverageCost = round2(dailyAvgCost)
	p.DailyAverageKWH = round3(dailyAvgKWH)
	p.FromTrend = round2(trend)
	p.Tolerance = round2(tolerance)
	p.RangeMin = round2(trend - tolerance)
	p.RangeMax = round2(trend + tolerance)
	p.PredictedKWH = round3(dailyAvgKWH * float64(daysInCycle))

	if len(in.Historical) == 0 {
		p.Method = "trend"
		p.TrendWeight = 100
		p.PredictedCost = round2(trend)
		return p
	}

	// re-price the historical average at the current tariff using the
	// archived peak/off-peak split
	recent := in.Historical
	if len(recent) > historyWindow {
		recent = recent[:historyWindow]
	}
	var peak, offpeak, export float64
	for _, h := range recent {
		peak += h.PeakKWH
		offpeak += h.OffpeakKWH
		export += h.ExportKWH
	}
	n := float64(len(recent))
	histCost := round2(cost(peak/n, offpeak/n, export/n))
	p.FromHistory = &histCost

	trendWeight := weightTrend(daysElapsed)
	hybrid := trend*trendWeight + histCost*(1-trendWeight)

	p.Method = "hybrid"
	p.TrendWeight = int(math.Round(trendWeight * 100))
	p.HistoryWeight = 100 - p.TrendWeight
	p.PredictedCost = round2(hybrid)
	return p
}

// weightTrend returns how much the live trend counts versus history for the
// given day of the cycle.
func weightTrend(daysElapsed int) float64 {
	switch {
	case daysElapsed <= 7:
		return 0.3
	case daysElapsed >= 21:
		return 0.8
	}
	return 0.6
}

func confidence(historicalMonths int) types.Confidence {
	switch {
	case historicalMonths >= 3:
		return types.ConfidenceHigh
	case historicalMonths >= 1:
		return types.ConfidenceMedium
	}
	return types.ConfidenceLow
}

package predict

import (
	"testing"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touCost(peak, offpeak, export float64) float64 {
	return tariff.Default().ComputeToU(peak, offpeak, export).TotalCost
}

func juneBucket() types.MonthlyBucket {
	return types.MonthlyBucket{
		Month: 6, Year: 2025,
		BillingMonth: 6, BillingYear: 2025, BillingStartDay: 1,
	}
}

func TestPredictTrendOnly(t *testing.T) {
	// day 4 of the 30-day June cycle with RM 3.00 accumulated
	m := juneBucket()
	m.ImportTotal = 12

	p := Predict(Inputs{
		Monthly:   m,
		CostSoFar: 3.00,
		Now:       time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC),
	}, touCost)

	assert.Equal(t, "trend", p.Method)
	assert.Equal(t, 100, p.TrendWeight)
	assert.InDelta(t, 22.50, p.FromTrend, 0.005)
	assert.InDelta(t, 22.50, p.PredictedCost, 0.005)
	assert.InDelta(t, 21.38, p.RangeMin, 0.005)
	assert.InDelta(t, 23.63, p.RangeMax, 0.005)
	assert.InDelta(t, 0.75, p.DailyAverageCost, 0.005)
	assert.InDelta(t, 90, p.PredictedKWH, 0.01)
	assert.Equal(t, 26, p.DaysRemaining)
	assert.Equal(t, types.ConfidenceLow, p.Confidence)
	assert.Nil(t, p.FromHistory)
}

func histMonths(n int) []types.HistoricalMonth {
	months := make([]types.HistoricalMonth, n)
	for i := range months {
		months[i] = types.HistoricalMonth{
			Month: 5 - i, Year: 2025,
			TotalKWH: 300, PeakKWH: 100, OffpeakKWH: 200, Cost: 95,
		}
	}
	return months
}

func TestPredictHybridEarlyCycle(t *testing.T) {
	// day 5 with three archived months: High confidence, history dominates
	m := juneBucket()
	m.ImportTotal = 40

	p := Predict(Inputs{
		Monthly:    m,
		Historical: histMonths(3),
		CostSoFar:  15,
		Now:        time.Date(2025, 6, 5, 8, 0, 0, 0, time.UTC),
	}, touCost)

	assert.Equal(t, "hybrid", p.Method)
	assert.Equal(t, types.ConfidenceHigh, p.Confidence)
	assert.Equal(t, 30, p.TrendWeight)
	assert.Equal(t, 70, p.HistoryWeight)
	require.NotNil(t, p.FromHistory)

	// history priced at current rates from the archived kWh split
	wantHist := touCost(100, 200, 0)
	assert.InDelta(t, wantHist, *p.FromHistory, 0.01)

	trend := 15.0 / 5 * 30
	assert.InDelta(t, trend, p.FromTrend, 0.01)
	assert.InDelta(t, 0.3*trend+0.7*wantHist, p.PredictedCost, 0.02)
}

func TestPredictWeightShiftsByDay(t *testing.T) {
	m := juneBucket()
	m.ImportTotal = 100
	hist := histMonths(2)

	mid := Predict(Inputs{Monthly: m, Historical: hist, CostSoFar: 40,
		Now: time.Date(2025, 6, 12, 8, 0, 0, 0, time.UTC)}, touCost)
	assert.Equal(t, 60, mid.TrendWeight)
	assert.Equal(t, types.ConfidenceMedium, mid.Confidence)

	late := Predict(Inputs{Monthly: m, Historical: hist, CostSoFar: 40,
		Now: time.Date(2025, 6, 25, 8, 0, 0, 0, time.UTC)}, touCost)
	assert.Equal(t, 80, late.TrendWeight)
	assert.Equal(t, 20, late.HistoryWeight)
}

func TestPredictSingleHistoricalMonthActivatesHybrid(t *testing.T) {
	m := juneBucket()
	m.ImportTotal = 50

	p := Predict(Inputs{Monthly: m, Historical: histMonths(1), CostSoFar: 20,
		Now: time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)}, touCost)
	assert.Equal(t, "hybrid", p.Method)
	assert.Equal(t, types.ConfidenceMedium, p.Confidence)
	require.NotNil(t, p.FromHistory)
}

func TestPredictHistoryWindowCappedAtThree(t *testing.T) {
	m := juneBucket()
	m.ImportTotal = 50
	hist := histMonths(3)
	// an ancient expensive month outside the window must not move the estimate
	hist = append(hist, types.HistoricalMonth{Month: 1, Year: 2025, TotalKWH: 5000, PeakKWH: 2500, OffpeakKWH: 2500, Cost: 2000})

	p := Predict(Inputs{Monthly: m, Historical: hist, CostSoFar: 20,
		Now: time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)}, touCost)
	require.NotNil(t, p.FromHistory)
	assert.InDelta(t, touCost(100, 200, 0), *p.FromHistory, 0.01)
}

func TestPredictZeroDaysElapsed(t *testing.T) {
	// the cycle starts on the 15th; a call earlier the same period start day
	// boundary means nothing has accumulated yet
	m := types.MonthlyBucket{BillingMonth: 6, BillingYear: 2025, BillingStartDay: 15}

	p := Predict(Inputs{
		Monthly:    m,
		Historical: histMonths(2),
		Now:        time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC),
	}, touCost)
	assert.Equal(t, "previous_cycle", p.Method)
	assert.InDelta(t, 95, p.PredictedCost, 0.005)

	// with no history at all it predicts zero rather than dividing by zero
	p = Predict(Inputs{
		Monthly: m,
		Now:     time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC),
	}, touCost)
	assert.Zero(t, p.PredictedCost)
	assert.Equal(t, types.ConfidenceLow, p.Confidence)
}

func TestPredictClampsAtCycleEnd(t *testing.T) {
	m := juneBucket()
	m.ImportTotal = 300

	p := Predict(Inputs{Monthly: m, CostSoFar: 90,
		Now: time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC)}, touCost)
	assert.Equal(t, 0, p.DaysRemaining)
	// a full cycle's trend is just the accumulated cost
	assert.InDelta(t, 90, p.FromTrend, 0.01)
}

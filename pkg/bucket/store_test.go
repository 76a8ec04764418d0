package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/storage/storagemock"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var klLoc = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kuala_Lumpur")
	if err != nil {
		panic(err)
	}
	return loc
}()

func testSettings() types.Settings {
	return types.Settings{
		ImportEntity:       "sensor.meter_import",
		ExportEntity:       "sensor.meter_export",
		BillingStartDay:    1,
		SpikeRateKWHPerMin: 2,
		Country:            "MY",
		RefreshInterval:    5 * time.Minute,
	}
}

func newTestStore(t *testing.T, settings types.Settings, now time.Time) (*Store, *storagemock.MockDatabase) {
	t.Helper()
	db := storagemock.New()
	s := NewStore(settings.StorageID(), db, settings, func(m types.MonthlyBucket) float64 {
		// simple stand-in cost so archived months carry a value
		return m.ImportTotal * 0.5
	})
	require.NoError(t, s.Load(context.Background(), now))
	return s, db
}

func reading(kwhImport, kwhExport float64, at time.Time) meter.Reading {
	return meter.Reading{ImportKWH: kwhImport, ExportKWH: kwhExport, At: at}
}

func assertInvariant(t *testing.T, s *Store) {
	t.Helper()
	m := s.Monthly()
	assert.InDelta(t, m.ImportTotal, m.ImportPeak+m.ImportOffpeak, 1e-9,
		"peak+offpeak must equal total")
	d := s.Daily()
	assert.InDelta(t, d.ImportTotal, d.ImportPeak+d.ImportOffpeak, 1e-9)
}

func TestIngestAccumulates(t *testing.T) {
	ctx := context.Background()
	// Tuesday morning, off-peak
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	// first reading only establishes the baseline
	res, err := s.Ingest(ctx, reading(1000, 200, now), false)
	require.NoError(t, err)
	assert.Zero(t, res.ImportDelta)
	assert.Zero(t, s.Monthly().ImportTotal)

	res, err = s.Ingest(ctx, reading(1001, 200.5, now.Add(5*time.Minute)), false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ImportDelta)
	assert.Equal(t, 0.5, res.ExportDelta)
	assert.Equal(t, types.PeriodOffPeak, res.Period)
	assert.Equal(t, 1.0, s.Monthly().ImportOffpeak)
	assert.Zero(t, s.Monthly().ImportPeak)
	assert.Equal(t, 0.5, s.Monthly().ExportTotal)
	assertInvariant(t, s)

	// afternoon reading lands in the peak bucket
	peakTime := time.Date(2025, 6, 10, 15, 0, 0, 0, klLoc)
	res, err = s.Ingest(ctx, reading(1003, 200.5, peakTime), false)
	require.NoError(t, err)
	assert.Equal(t, types.PeriodPeak, res.Period)
	assert.Equal(t, 2.0, s.Monthly().ImportPeak)
	assert.Equal(t, 3.0, s.Monthly().ImportTotal)
	assertInvariant(t, s)

	// same peak hour on a holiday is off-peak
	res, err = s.Ingest(ctx, reading(1004, 200.5, peakTime.Add(30*time.Minute)), true)
	require.NoError(t, err)
	assert.Equal(t, types.PeriodOffPeak, res.Period)
	assert.Equal(t, 2.0, s.Monthly().ImportOffpeak)
	assertInvariant(t, s)

	// daily bucket tracked the same deltas
	assert.Equal(t, 4.0, s.Daily().ImportTotal)
	assert.Equal(t, 0.5, s.Daily().ExportTotal)
}

func TestIngestMeterReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	_, err := s.Ingest(ctx, reading(9000, 0, now), false)
	require.NoError(t, err)

	res, err := s.Ingest(ctx, reading(3.2, 0, now.Add(5*time.Minute)), false)
	require.NoError(t, err)
	assert.True(t, res.MeterReset)
	assert.Equal(t, 3.2, res.ImportDelta)
	assert.Equal(t, 3.2, s.Monthly().ImportTotal)
	assertInvariant(t, s)

	// counting continues from the new baseline
	res, err = s.Ingest(ctx, reading(4.2, 0, now.Add(10*time.Minute)), false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ImportDelta)
	assert.InDelta(t, 4.2, s.Monthly().ImportTotal, 1e-9)
}

func TestIngestSpikeSkipped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	_, err := s.Ingest(ctx, reading(1000, 0, now), false)
	require.NoError(t, err)

	res, err := s.Ingest(ctx, reading(1700, 0, now.Add(5*time.Minute)), false)
	require.NoError(t, err)
	assert.True(t, res.ImportSpike)
	assert.Zero(t, res.ImportDelta)
	assert.Zero(t, s.Monthly().ImportTotal)

	// next reading compares against the pre-spike baseline
	res, err = s.Ingest(ctx, reading(1001, 0, now.Add(10*time.Minute)), false)
	require.NoError(t, err)
	assert.False(t, res.ImportSpike)
	assert.Equal(t, 1.0, res.ImportDelta)
}

func TestIngestSustainedJumpAccepted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	_, err := s.Ingest(ctx, reading(1000, 0, now), false)
	require.NoError(t, err)

	// the counter steps up by 500 kWh and keeps growing at a normal pace,
	// as after a period of sensor downtime. The elapsed window since the
	// pre-spike baseline keeps growing, so the implied rate falls under the
	// limit and the new value is eventually adopted.
	rejected := 0
	accepted := false
	for i := 1; i <= 60; i++ {
		raw := 1500 + 0.2*float64(i)
		res, err := s.Ingest(ctx, reading(raw, 0, now.Add(time.Duration(i)*5*time.Minute)), false)
		require.NoError(t, err)
		if res.ImportSpike {
			rejected++
			assert.Zero(t, s.Monthly().ImportTotal)
			continue
		}
		accepted = true
		assert.Greater(t, res.ImportDelta, 500.0)
		assert.InDelta(t, raw-1000, s.Monthly().ImportTotal, 1e-9)
		break
	}
	require.True(t, accepted, "sustained new baseline was never accepted")
	assert.Greater(t, rejected, 10)
	assertInvariant(t, s)
}

func TestIngestCycleRollover(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.BillingStartDay = 15
	start := time.Date(2025, 6, 20, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, settings, start)

	_, err := s.Ingest(ctx, reading(1000, 500, start), false)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, reading(1010, 502, start.Add(12*time.Hour)), false)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Monthly().ImportTotal)

	// July 14 is still inside the June billing period
	res, err := s.Ingest(ctx, reading(1020, 504, time.Date(2025, 7, 14, 10, 0, 0, 0, klLoc)), false)
	require.NoError(t, err)
	assert.False(t, res.CycleRolled)
	assert.Equal(t, 20.0, s.Monthly().ImportTotal)

	// July 15 starts a new cycle; the old bucket is archived with its cost
	res, err = s.Ingest(ctx, reading(1025, 505, time.Date(2025, 7, 15, 10, 0, 0, 0, klLoc)), false)
	require.NoError(t, err)
	assert.True(t, res.CycleRolled)
	require.Len(t, s.Historical(), 1)
	h := s.Historical()[0]
	assert.Equal(t, 6, h.Month)
	assert.Equal(t, 2025, h.Year)
	assert.Equal(t, 20.0, h.TotalKWH)
	assert.Equal(t, 10.0, h.Cost) // costFn is total * 0.5
	assert.Equal(t, 4.0, h.ExportKWH)

	// the delta that crossed the boundary lands in the new cycle
	assert.Equal(t, 5.0, s.Monthly().ImportTotal)
	assert.Equal(t, 7, s.Monthly().BillingMonth)
	assertInvariant(t, s)
}

func TestIngestFebruaryClampedStartDay(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.BillingStartDay = 31
	start := time.Date(2025, 1, 31, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, settings, start)

	_, err := s.Ingest(ctx, reading(100, 0, start), false)
	require.NoError(t, err)

	// February 27 is still in the January cycle (start day clamps to 28)
	res, err := s.Ingest(ctx, reading(110, 0, time.Date(2025, 2, 27, 10, 0, 0, 0, klLoc)), false)
	require.NoError(t, err)
	assert.False(t, res.CycleRolled)

	// February 28 rolls even though day 31 never occurs
	res, err = s.Ingest(ctx, reading(112, 0, time.Date(2025, 2, 28, 10, 0, 0, 0, klLoc)), false)
	require.NoError(t, err)
	assert.True(t, res.CycleRolled)
	assert.Equal(t, 2, s.Monthly().BillingMonth)
}

func TestIngestDailyRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 23, 50, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	_, err := s.Ingest(ctx, reading(1000, 0, now), false)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, reading(1001, 0, now.Add(5*time.Minute)), false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Daily().ImportTotal)

	// past midnight the daily bucket is fresh, the monthly keeps counting
	_, err = s.Ingest(ctx, reading(1002, 0, now.Add(15*time.Minute)), false)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-11", s.Daily().Date)
	assert.Equal(t, 1.0, s.Daily().ImportTotal)
	assert.Equal(t, 2.0, s.Monthly().ImportTotal)
}

func TestHistoricalCap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)

	_, err := s.Ingest(ctx, reading(0, 0, now), false)
	require.NoError(t, err)
	raw := 0.0
	for i := 0; i < 15; i++ {
		raw += 1
		_, err = s.Ingest(ctx, reading(raw, 0, now.AddDate(0, i+1, 0)), false)
		require.NoError(t, err)
	}
	hist := s.Historical()
	assert.Len(t, hist, types.MaxHistoricalMonths)
	// most recent first
	assert.Equal(t, 3, hist[0].Month)
	assert.Equal(t, 2025, hist[0].Year)
}

func TestPendingBillingDayAppliedAtRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)
	_, err := s.Ingest(ctx, reading(100, 0, now), false)
	require.NoError(t, err)

	require.NoError(t, s.SetBillingStartDay(ctx, 15))
	assert.Equal(t, 15, s.PendingBillingDay())
	// active cycle keeps its day until the boundary
	assert.Equal(t, 1, s.Monthly().BillingStartDay)

	res, err := s.Ingest(ctx, reading(101, 0, time.Date(2025, 7, 1, 10, 0, 0, 0, klLoc)), false)
	require.NoError(t, err)
	assert.True(t, res.CycleRolled)
	assert.Equal(t, 15, s.Monthly().BillingStartDay)
	assert.Zero(t, s.PendingBillingDay())
}

func TestSetBillingStartDayValidates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, _ := newTestStore(t, testSettings(), now)
	assert.Error(t, s.SetBillingStartDay(ctx, 0))
	assert.Error(t, s.SetBillingStartDay(ctx, 32))

	require.NoError(t, s.SetBillingStartDay(ctx, 1))
	assert.Zero(t, s.PendingBillingDay())
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, db := newTestStore(t, testSettings(), now)
	_, err := s.Ingest(ctx, reading(100, 0, now), false)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, reading(110, 0, now.Add(time.Hour)), false)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Monthly().ImportTotal)

	// wrong token refuses
	assert.Error(t, s.Reset(ctx, "reset", now))
	assert.Error(t, s.Reset(ctx, "", now))
	assert.Equal(t, 10.0, s.Monthly().ImportTotal)

	require.NoError(t, s.Reset(ctx, ResetConfirmation, now))
	assert.Zero(t, s.Monthly().ImportTotal)
	assert.Empty(t, s.Historical())
	assert.Equal(t, now, s.Envelope().LastReset)

	// fresh state was persisted
	_, ok := db.Raw(testSettings().StorageID())
	assert.True(t, ok)
}

func TestStorageHealth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, klLoc)
	s, db := newTestStore(t, testSettings(), now)
	assert.Equal(t, "OK", s.StorageHealth())

	db.SaveErr = assert.AnError
	_, err := s.Ingest(ctx, reading(100, 0, now), false)
	require.Error(t, err)
	assert.Equal(t, "Error", s.StorageHealth())

	db.SaveErr = nil
	_, err = s.Ingest(ctx, reading(100, 0, now.Add(5*time.Minute)), false)
	require.NoError(t, err)
	assert.Equal(t, "OK", s.StorageHealth())
}

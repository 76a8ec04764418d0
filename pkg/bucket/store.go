// Package bucket owns the accumulated energy state for one meter: the
// current billing cycle, the current day and the archived history.
package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/storage"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// ResetConfirmation is the token a caller must supply to wipe all state.
const ResetConfirmation = "RESET"

// CostFunc prices a finished bucket so it can be archived with its final
// cost. It must be pure.
type CostFunc func(m types.MonthlyBucket) float64

// Store mutates the persisted envelope. It is owned by the refresh loop and
// is not safe for concurrent use; all calls must come from that one
// goroutine.
type Store struct {
	meterID  string
	db       storage.Database
	settings types.Settings
	costFn   CostFunc

	env     types.StorageEnvelope
	saveErr error
}

// NewStore returns a store for one meter. Load must be called before any
// other method.
func NewStore(meterID string, db storage.Database, settings types.Settings, costFn CostFunc) *Store {
	return &Store{meterID: meterID, db: db, settings: settings, costFn: costFn}
}

// Load reads and migrates the persisted envelope.
func (s *Store) Load(ctx context.Context, now time.Time) error {
	env, err := storage.Load(ctx, s.db, s.meterID, now, s.settings.BillingStartDay)
	if err != nil {
		return err
	}
	s.env = env
	return nil
}

// Envelope returns a copy of the current state.
func (s *Store) Envelope() types.StorageEnvelope {
	env := s.env
	env.Historical = append([]types.HistoricalMonth(nil), s.env.Historical...)
	return env
}

// Monthly returns a copy of the active billing cycle bucket.
func (s *Store) Monthly() types.MonthlyBucket {
	return s.env.Monthly
}

// Daily returns a copy of today's bucket.
func (s *Store) Daily() types.DailyBucket {
	return s.env.Daily
}

// Historical returns the archived months, most recent first.
func (s *Store) Historical() []types.HistoricalMonth {
	return append([]types.HistoricalMonth(nil), s.env.Historical...)
}

// Holidays returns a pointer to the holiday cache for in-place refresh.
func (s *Store) Holidays() *types.HolidayCache {
	return &s.env.Holidays
}

// Tariff returns a pointer to the stored overrides for in-place refresh.
func (s *Store) Tariff() *types.TariffOverrides {
	return &s.env.Tariff
}

// StorageHealth summarizes whether the last persist succeeded.
func (s *Store) StorageHealth() string {
	if s.saveErr != nil {
		return "Error"
	}
	if s.env.Monthly.ImportTotal < 0 {
		return "Corrupted"
	}
	return "OK"
}

// PendingBillingDay returns the staged billing start day, zero if none.
func (s *Store) PendingBillingDay() int {
	return s.env.PendingBillingDay
}

// IngestResult describes what one reading did to the buckets.
type IngestResult struct {
	ImportDelta float64
	ExportDelta float64
	Period      types.Period
	MeterReset  bool
	ImportSpike bool
	ExportSpike bool
	// CycleRolled is set when a new billing cycle started and the previous
	// bucket was archived.
	CycleRolled bool
}

// Ingest applies one raw reading: rolls the billing cycle and day if their
// boundaries passed, converts the counters to deltas, classifies the import
// delta and persists the result. Peak plus off-peak always equals the import
// total afterwards.
func (s *Store) Ingest(ctx context.Context, r meter.Reading, isHoliday bool) (IngestResult, error) {
	now := meter.Local(r.At)
	var res IngestResult

	res.CycleRolled = s.rollCycle(ctx, now)
	s.rollDay(now)

	hasPrev := !s.env.Monthly.LastReadingAt.IsZero()
	elapsedMin := 0.0
	if hasPrev {
		elapsedMin = now.Sub(s.env.Monthly.LastReadingAt).Minutes()
	}

	imp := meter.FilterDelta(s.env.Monthly.LastImportRaw, hasPrev, r.ImportKWH, elapsedMin, s.settings.SpikeRateKWHPerMin)
	exp := meter.FilterDelta(s.env.Monthly.LastExportRaw, hasPrev, r.ExportKWH, elapsedMin, s.settings.SpikeRateKWHPerMin)

	res.MeterReset = imp.Reset || exp.Reset
	res.ImportSpike = imp.Spike
	res.ExportSpike = exp.Spike
	res.Period = meter.Classify(now, isHoliday)

	if imp.Spike {
		log.Ctx(ctx).WarnContext(ctx, "import reading spiked, skipping",
			slog.Float64("previous", s.env.Monthly.LastImportRaw),
			slog.Float64("reading", r.ImportKWH),
			slog.Float64("elapsedMin", elapsedMin),
		)
	}
	if imp.Reset {
		log.Ctx(ctx).InfoContext(ctx, "import counter reset, re-baselining",
			slog.Float64("previous", s.env.Monthly.LastImportRaw),
			slog.Float64("reading", r.ImportKWH),
		)
	}

	res.ImportDelta = imp.Delta
	res.ExportDelta = exp.Delta

	s.env.Monthly.ImportTotal += imp.Delta
	if res.Period == types.PeriodPeak {
		s.env.Monthly.ImportPeak += imp.Delta
	} else {
		s.env.Monthly.ImportOffpeak += imp.Delta
	}
	s.env.Monthly.ExportTotal += exp.Delta

	s.env.Daily.ImportTotal += imp.Delta
	if res.Period == types.PeriodPeak {
		s.env.Daily.ImportPeak += imp.Delta
	} else {
		s.env.Daily.ImportOffpeak += imp.Delta
	}
	s.env.Daily.ExportTotal += exp.Delta

	s.env.Monthly.LastImportRaw = imp.Baseline
	s.env.Monthly.LastExportRaw = exp.Baseline
	// a spike keeps the pre-spike timestamp alongside the pre-spike baseline,
	// so a value that persists sees a growing elapsed window and is accepted
	// once its implied rate falls under the limit
	if !imp.Spike && !exp.Spike {
		s.env.Monthly.LastReadingAt = now
	}

	return res, s.persist(ctx)
}

// rollCycle archives the monthly bucket when the billing period containing
// now differs from the bucket's period. A staged billing start day takes
// effect here and nowhere else.
func (s *Store) rollCycle(ctx context.Context, now time.Time) bool {
	startDay := s.env.Monthly.BillingStartDay
	if startDay == 0 {
		startDay = s.settings.BillingStartDay
	}
	year, month := types.BillingPeriod(now, startDay)
	if year == s.env.Monthly.BillingYear && month == s.env.Monthly.BillingMonth {
		return false
	}

	old := s.env.Monthly
	archived := types.HistoricalMonth{
		Month:      old.BillingMonth,
		Year:       old.BillingYear,
		TotalKWH:   old.ImportTotal,
		PeakKWH:    old.ImportPeak,
		OffpeakKWH: old.ImportOffpeak,
		ExportKWH:  old.ExportTotal,
	}
	if s.costFn != nil {
		archived.Cost = s.costFn(old)
	}
	s.env.Historical = append([]types.HistoricalMonth{archived}, s.env.Historical...)
	if len(s.env.Historical) > types.MaxHistoricalMonths {
		s.env.Historical = s.env.Historical[:types.MaxHistoricalMonths]
	}

	if s.env.PendingBillingDay != 0 {
		startDay = s.env.PendingBillingDay
		s.env.PendingBillingDay = 0
	}

	fresh := types.NewMonthlyBucket(now, startDay)
	// counter baselines carry across the boundary so the first delta of the
	// new cycle is not lost
	fresh.LastImportRaw = old.LastImportRaw
	fresh.LastExportRaw = old.LastExportRaw
	fresh.LastReadingAt = old.LastReadingAt
	s.env.Monthly = fresh

	log.Ctx(ctx).InfoContext(ctx, "billing cycle rolled over",
		slog.Int("archivedMonth", archived.Month),
		slog.Int("archivedYear", archived.Year),
		slog.Float64("archivedKWH", archived.TotalKWH),
		slog.Float64("archivedCost", archived.Cost),
		slog.Int("startDay", startDay),
	)
	return true
}

// rollDay resets the daily bucket when the local calendar day changed.
func (s *Store) rollDay(now time.Time) {
	date := now.Format("2006-01-02")
	if s.env.Daily.Date != date {
		s.env.Daily = types.NewDailyBucket(now)
	}
}

func (s *Store) persist(ctx context.Context) error {
	err := storage.Save(ctx, s.db, s.meterID, s.env)
	s.saveErr = err
	return err
}

// Persist writes the current state. Collaborators that mutated state through
// the pointers returned by Holidays or Tariff call this afterwards.
func (s *Store) Persist(ctx context.Context) error {
	return s.persist(ctx)
}

// SetBillingStartDay stages a new billing cycle start day; it takes effect
// at the next cycle boundary so the current cycle's accumulation is never
// re-segmented.
func (s *Store) SetBillingStartDay(ctx context.Context, day int) error {
	if day < 1 || day > 31 {
		return fmt.Errorf("billing start day must be between 1 and 31, got %d", day)
	}
	if day == s.env.Monthly.BillingStartDay {
		s.env.PendingBillingDay = 0
	} else {
		s.env.PendingBillingDay = day
	}
	return s.persist(ctx)
}

// Reset wipes all persisted state after an explicit confirmation.
func (s *Store) Reset(ctx context.Context, confirm string, now time.Time) error {
	if confirm != ResetConfirmation {
		return fmt.Errorf("reset requires confirmation %q", ResetConfirmation)
	}
	if err := s.db.Delete(ctx, s.meterID); err != nil {
		return fmt.Errorf("deleting stored state: %w", err)
	}
	s.env = types.NewEnvelope(meter.Local(now), s.settings.BillingStartDay)
	s.env.LastReset = now
	log.Ctx(ctx).WarnContext(ctx, "all accumulated state reset", slog.String("meterID", s.meterID))
	return s.persist(ctx)
}

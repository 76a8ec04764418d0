package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// SetImport replaces the cycle's import total, distributing the change per
// dist. The new peak and off-peak values always sum to the new total.
func (s *Store) SetImport(ctx context.Context, totalKWH float64, dist types.Distribution, now time.Time) error {
	if totalKWH < 0 {
		return fmt.Errorf("import total cannot be negative, got %v", totalKWH)
	}
	delta := totalKWH - s.env.Monthly.ImportTotal
	return s.applyImport(ctx, delta, dist, now)
}

// AdjustImport adds a correction to the cycle's import total.
func (s *Store) AdjustImport(ctx context.Context, deltaKWH float64, dist types.Distribution, now time.Time) error {
	return s.applyImport(ctx, deltaKWH, dist, now)
}

func (s *Store) applyImport(ctx context.Context, delta float64, dist types.Distribution, now time.Time) error {
	m := s.env.Monthly
	newTotal := m.ImportTotal + delta
	if newTotal < 0 {
		return fmt.Errorf("adjustment of %v kWh would make the import total negative", delta)
	}

	var peak, offpeak float64
	switch dist.Mode {
	case types.DistributionAuto:
		// the period active at the time of the call receives the change
		if meter.Classify(now, s.env.Holidays.IsHoliday(meter.Local(now))) == types.PeriodPeak {
			peak, offpeak = m.ImportPeak+delta, m.ImportOffpeak
		} else {
			peak, offpeak = m.ImportPeak, m.ImportOffpeak+delta
		}
	case types.DistributionPeakOnly:
		peak, offpeak = m.ImportPeak+delta, m.ImportOffpeak
	case types.DistributionOffPeakOnly:
		peak, offpeak = m.ImportPeak, m.ImportOffpeak+delta
	case types.DistributionProportional:
		share := 0.0
		if m.ImportTotal > 0 {
			share = m.ImportPeak / m.ImportTotal
		}
		peak, offpeak = m.ImportPeak+delta*share, m.ImportOffpeak+delta*(1-share)
	case types.DistributionManual:
		if dist.Peak < 0 || dist.Offpeak < 0 {
			return fmt.Errorf("manual distribution values cannot be negative")
		}
		if diff := dist.Peak + dist.Offpeak - newTotal; diff > 0.001 || diff < -0.001 {
			return fmt.Errorf("manual distribution %v + %v does not sum to the new total %v",
				dist.Peak, dist.Offpeak, newTotal)
		}
		peak, offpeak = dist.Peak, dist.Offpeak
	default:
		return fmt.Errorf("unknown distribution mode: %v", dist.Mode)
	}

	if peak < 0 || offpeak < 0 {
		return fmt.Errorf("adjustment would make a period total negative (peak=%v, offpeak=%v)", peak, offpeak)
	}

	s.env.Monthly.ImportTotal = newTotal
	s.env.Monthly.ImportPeak = peak
	s.env.Monthly.ImportOffpeak = offpeak
	s.recordCalibration(dist.Mode.String(), now)

	log.Ctx(ctx).InfoContext(ctx, "import calibrated",
		slog.Float64("delta", delta),
		slog.Float64("total", newTotal),
		slog.Float64("peak", peak),
		slog.Float64("offpeak", offpeak),
		slog.String("distribution", dist.Mode.String()),
	)
	return s.persist(ctx)
}

// SetExport replaces the cycle's export total.
func (s *Store) SetExport(ctx context.Context, totalKWH float64, now time.Time) error {
	if totalKWH < 0 {
		return fmt.Errorf("export total cannot be negative, got %v", totalKWH)
	}
	return s.applyExport(ctx, totalKWH-s.env.Monthly.ExportTotal, now)
}

// AdjustExport adds a correction to the cycle's export total.
func (s *Store) AdjustExport(ctx context.Context, deltaKWH float64, now time.Time) error {
	return s.applyExport(ctx, deltaKWH, now)
}

func (s *Store) applyExport(ctx context.Context, delta float64, now time.Time) error {
	newTotal := s.env.Monthly.ExportTotal + delta
	if newTotal < 0 {
		return fmt.Errorf("adjustment of %v kWh would make the export total negative", delta)
	}
	s.env.Monthly.ExportTotal = newTotal
	s.recordCalibration("export", now)

	log.Ctx(ctx).InfoContext(ctx, "export calibrated",
		slog.Float64("delta", delta),
		slog.Float64("total", newTotal),
	)
	return s.persist(ctx)
}

func (s *Store) recordCalibration(method string, now time.Time) {
	s.env.Monthly.Calibration = types.Calibration{
		ImportBaseline:  s.env.Monthly.ImportTotal,
		PeakBaseline:    s.env.Monthly.ImportPeak,
		OffpeakBaseline: s.env.Monthly.ImportOffpeak,
		ExportBaseline:  s.env.Monthly.ExportTotal,
		LastCalibrated:  now,
		Method:          method,
	}
}

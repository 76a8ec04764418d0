// Command seed writes a synthetic state envelope so the dashboard and API
// can be exercised without a real meter feeding data.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/storage"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

func main() {
	s := storage.Configured()
	meterID := lflag.String("meter-id", "sensor_energy_import-sensor_energy_export", "storage key to seed")
	months := lflag.Duration("history", 6*30*24*time.Hour, "how much archived history to generate")
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()
	table := tariff.Default()

	env := types.NewEnvelope(now, 1)

	// partial cycle, lightly peak-skewed like a working household
	elapsed := float64(now.Day())
	total := elapsed * (12 + rng.Float64()*6)
	peak := total * (0.35 + rng.Float64()*0.1)
	env.Monthly.ImportTotal = total
	env.Monthly.ImportPeak = peak
	env.Monthly.ImportOffpeak = total - peak
	env.Monthly.ExportTotal = elapsed * rng.Float64() * 4
	env.Monthly.LastImportRaw = 12000 + total
	env.Monthly.LastExportRaw = 3000 + env.Monthly.ExportTotal
	env.Monthly.LastReadingAt = now

	env.Daily.ImportTotal = 8 + rng.Float64()*8
	env.Daily.ImportPeak = env.Daily.ImportTotal * 0.4
	env.Daily.ImportOffpeak = env.Daily.ImportTotal - env.Daily.ImportPeak
	env.Daily.ExportTotal = rng.Float64() * 3

	nMonths := int(*months / (30 * 24 * time.Hour))
	if nMonths > types.MaxHistoricalMonths {
		nMonths = types.MaxHistoricalMonths
	}
	for i := 1; i <= nMonths; i++ {
		at := now.AddDate(0, -i, 0)
		kwh := 350 + rng.Float64()*300
		hpeak := kwh * (0.3 + rng.Float64()*0.15)
		export := rng.Float64() * 120
		env.Historical = append(env.Historical, types.HistoricalMonth{
			Month:      int(at.Month()),
			Year:       at.Year(),
			TotalKWH:   kwh,
			PeakKWH:    hpeak,
			OffpeakKWH: kwh - hpeak,
			ExportKWH:  export,
			Cost:       table.ComputeToU(hpeak, kwh-hpeak, export).TotalCost,
		})
	}

	// enough of the MY calendar for classification to stay interesting
	year := now.Year()
	env.Holidays.SetYear(year, []string{
		fmt.Sprintf("%d-01-01", year),
		fmt.Sprintf("%d-02-01", year),
		fmt.Sprintf("%d-05-01", year),
		fmt.Sprintf("%d-08-31", year),
		fmt.Sprintf("%d-09-16", year),
		fmt.Sprintf("%d-12-25", year),
	})
	env.Holidays.LastFetch = now

	if err := storage.Save(ctx, s, *meterID, env); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed envelope", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded envelope",
		"meterID", *meterID,
		"importKWH", env.Monthly.ImportTotal,
		"historicalMonths", len(env.Historical),
	)

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		os.Exit(1)
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// ErrNoScraper is returned by fetch operations when no scraper URL is
// configured.
var ErrNoScraper = errors.New("no tariff scraper configured")

// SetImport replaces the current cycle's import total.
func (c *Coordinator) SetImport(ctx context.Context, totalKWH float64, dist types.Distribution) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.SetImport(loopCtx, totalKWH, dist, time.Now()); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// AdjustImport adds a correction to the current cycle's import total.
func (c *Coordinator) AdjustImport(ctx context.Context, deltaKWH float64, dist types.Distribution) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.AdjustImport(loopCtx, deltaKWH, dist, time.Now()); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// SetExport replaces the current cycle's export total.
func (c *Coordinator) SetExport(ctx context.Context, totalKWH float64) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.SetExport(loopCtx, totalKWH, time.Now()); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// AdjustExport adds a correction to the current cycle's export total.
func (c *Coordinator) AdjustExport(ctx context.Context, deltaKWH float64) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.AdjustExport(loopCtx, deltaKWH, time.Now()); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// Reset wipes all accumulated state. confirm must be bucket.ResetConfirmation.
func (c *Coordinator) Reset(ctx context.Context, confirm string) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.Reset(loopCtx, confirm, time.Now()); err != nil {
			return err
		}
		c.lastValidation = "OK"
		c.publish(time.Now())
		return nil
	})
}

// SetBillingStartDay stages a new cycle start day for the next rollover.
func (c *Coordinator) SetBillingStartDay(ctx context.Context, day int) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if err := c.store.SetBillingStartDay(loopCtx, day); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// BillComparison relates the computed cycle cost to an actual bill amount.
type BillComparison struct {
	EstimatedRM  float64 `json:"estimated_rm"`
	ActualRM     float64 `json:"actual_rm"`
	DifferenceRM float64 `json:"difference_rm"`
	// DifferencePct is relative to the actual bill. Zero when the actual
	// amount is zero.
	DifferencePct float64 `json:"difference_pct"`
}

// Compare relates the current cycle's computed cost to an actual bill.
func (c *Coordinator) Compare(ctx context.Context, actualRM float64) (BillComparison, error) {
	var out BillComparison
	err := c.do(ctx, func(loopCtx context.Context) error {
		if actualRM < 0 {
			return fmt.Errorf("actual bill amount must not be negative, got %v", actualRM)
		}
		table := c.table()
		m := c.store.Monthly()
		estimated := table.ComputeNonToU(m.ImportTotal, m.ExportTotal).TotalCost
		if c.settings.TOUEnabled {
			estimated = table.ComputeToU(m.ImportPeak, m.ImportOffpeak, m.ExportTotal).TotalCost
		}
		out = BillComparison{
			EstimatedRM:  estimated,
			ActualRM:     actualRM,
			DifferenceRM: math.Round((estimated-actualRM)*100) / 100,
		}
		if actualRM > 0 {
			out.DifferencePct = math.Round((estimated-actualRM)/actualRM*10000) / 100
		}
		return nil
	})
	return out, err
}

// TariffState returns a copy of the stored override set.
func (c *Coordinator) TariffState(ctx context.Context) (types.TariffOverrides, error) {
	var out types.TariffOverrides
	err := c.do(ctx, func(loopCtx context.Context) error {
		o := c.store.Tariff()
		out = *o
		if o.Components != nil {
			out.Components = make(map[string]types.TariffOverride, len(o.Components))
			for name, ov := range o.Components {
				out.Components[name] = ov
			}
		}
		return nil
	})
	return out, err
}

// SetTariffComponent stores a manual rate override.
func (c *Coordinator) SetTariffComponent(ctx context.Context, name string, value float64) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if !tariff.KnownComponent(name) {
			return fmt.Errorf("unknown tariff component: %s", name)
		}
		if name == tariff.ComponentAFA && (value < -1 || value > 1) {
			return fmt.Errorf("afa rate out of range: %v", value)
		}
		c.store.Tariff().Set(name, value, types.TariffSourceManual, time.Now())
		if err := c.store.Persist(loopCtx); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// FetchTariff fetches the current adjustment rate from the scraper now,
// regardless of the weekly schedule.
func (c *Coordinator) FetchTariff(ctx context.Context) (tariff.SimpleRate, error) {
	var out tariff.SimpleRate
	err := c.do(ctx, func(loopCtx context.Context) error {
		if c.afa == nil {
			return ErrNoScraper
		}
		r, err := c.afa.FetchSimple(loopCtx)
		if err != nil {
			c.store.Tariff().LastError = err.Error()
			return err
		}
		r.Apply(c.store.Tariff(), time.Now())
		out = r
		if err := c.store.Persist(loopCtx); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
	return out, err
}

// FetchAllTariffs fetches the full extracted tariff table from the scraper
// and stores every rate as an override.
func (c *Coordinator) FetchAllTariffs(ctx context.Context) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if c.afa == nil {
			return ErrNoScraper
		}
		r, err := c.afa.FetchComplete(loopCtx)
		if err != nil {
			c.store.Tariff().LastError = err.Error()
			return err
		}
		r.Apply(c.store.Tariff(), time.Now())
		log.Ctx(loopCtx).InfoContext(loopCtx, "full tariff table refreshed",
			slog.String("lastScraped", r.LastScraped),
		)
		if err := c.store.Persist(loopCtx); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// SetAutoFetch toggles the weekly scraper refresh. Turning it off clears all
// stored overrides as a group, dropping back to the built-in schedule.
func (c *Coordinator) SetAutoFetch(ctx context.Context, enabled bool) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		if enabled && c.afa == nil {
			return ErrNoScraper
		}
		o := c.store.Tariff()
		o.AutoFetch = enabled
		if enabled {
			o.APIURL = c.settings.AFAAPIURL
		} else {
			o.Clear()
		}
		if err := c.store.Persist(loopCtx); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

// ResetTariff drops every override and turns auto-fetch off, returning the
// billing engine to the built-in schedule.
func (c *Coordinator) ResetTariff(ctx context.Context) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		o := c.store.Tariff()
		o.Clear()
		o.AutoFetch = false
		o.LastError = ""
		if err := c.store.Persist(loopCtx); err != nil {
			return err
		}
		c.publish(time.Now())
		return nil
	})
}

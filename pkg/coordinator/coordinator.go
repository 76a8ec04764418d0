// Package coordinator runs the refresh loop that polls the meter, feeds the
// bucket store and publishes the computed snapshot. All state mutation
// happens on the loop goroutine; API calls are funneled through an ops
// channel so nothing ever races the tick.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/salihinsaealal/tnbcalc/pkg/bucket"
	"github.com/salihinsaealal/tnbcalc/pkg/common"
	"github.com/salihinsaealal/tnbcalc/pkg/holiday"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/predict"
	"github.com/salihinsaealal/tnbcalc/pkg/storage"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// ErrStopped is returned by operations submitted after the loop exited.
var ErrStopped = errors.New("coordinator stopped")

// tariffRetryInterval spaces out scraper attempts after a failed fetch so a
// dead scraper is not hammered every tick.
const tariffRetryInterval = time.Hour

// Coordinator owns the store and the meter source. Snapshot is safe to call
// from any goroutine; everything else runs on the loop via ops.
type Coordinator struct {
	settings  types.Settings
	db        storage.Database
	srcCfg    *meter.SourceConfig
	tariffCfg *tariff.Config

	store    *bucket.Store
	source   meter.Source
	holidays *holiday.Client
	afa      *tariff.AFAClient

	ops     chan func(context.Context)
	stopped chan struct{}

	startedAt       time.Time
	lastValidation  string
	nextTariffFetch time.Time

	snapMu sync.RWMutex
	snap   *types.Snapshot
}

// Configured sets up flags for the meter settings and returns the instance.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, srcCfg *meter.SourceConfig, tariffCfg *tariff.Config) *Coordinator {
	c := newCoordinator(db, srcCfg, tariffCfg)

	settings := types.Settings{}
	lflag.JSON(&settings, "settings", settings, "full meter settings as JSON, merged over the individual flags")
	importEntity := lflag.String("import-entity", "", "entity ID of the cumulative import counter")
	exportEntity := lflag.String("export-entity", "", "entity ID of the cumulative export counter")
	touEnabled := lflag.Bool("tou-enabled", false, "bill against the time-of-use tariff")
	refresh := lflag.Duration("refresh-interval", 0, "how often to poll the meter source")
	holidayKey := lflag.String("calendarific-api-key", "", "API key for the public holiday lookup")
	afaURL := lflag.String("afa-api-url", "", "base URL of the tariff scraper service")
	autoFetch := lflag.Bool("auto-fetch-tariff", false, "refresh the adjustment rate from the scraper weekly")

	lflag.Do(func() {
		if *importEntity != "" {
			settings.ImportEntity = *importEntity
		}
		if *exportEntity != "" {
			settings.ExportEntity = *exportEntity
		}
		if *touEnabled {
			settings.TOUEnabled = true
		}
		if *refresh != 0 {
			settings.RefreshInterval = *refresh
		}
		if *holidayKey != "" {
			settings.CalendarificAPIKey = *holidayKey
		}
		if *afaURL != "" {
			settings.AFAAPIURL = *afaURL
		}
		if *autoFetch {
			settings.AutoFetchTariff = true
		}

		s, _, err := types.MigrateSettings(settings, 0)
		if err != nil {
			panic(fmt.Errorf("failed to migrate settings: %w", err))
		}
		c.init(s)
	})
	return c
}

// New builds a coordinator around an already-constructed meter source.
func New(settings types.Settings, db storage.Database, source meter.Source, tariffCfg *tariff.Config) *Coordinator {
	c := newCoordinator(db, nil, tariffCfg)
	c.source = source
	c.init(settings)
	return c
}

func newCoordinator(db storage.Database, srcCfg *meter.SourceConfig, tariffCfg *tariff.Config) *Coordinator {
	return &Coordinator{
		db:             db,
		srcCfg:         srcCfg,
		tariffCfg:      tariffCfg,
		ops:            make(chan func(context.Context)),
		stopped:        make(chan struct{}),
		lastValidation: "OK",
	}
}

func (c *Coordinator) init(settings types.Settings) {
	c.settings = settings
	c.holidays = holiday.NewClient(holiday.DefaultAPIURL, settings.CalendarificAPIKey, settings.Country, common.HTTPClient(10*time.Second))
	if settings.AFAAPIURL != "" {
		c.afa = tariff.NewAFAClient(settings.AFAAPIURL, common.HTTPClient(15*time.Second))
	}
	c.store = bucket.NewStore(settings.StorageID(), c.db, settings, c.archiveCost)
}

// Validate ensures the configuration is valid.
func (c *Coordinator) Validate() error {
	if err := c.settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Settings returns the active configuration.
func (c *Coordinator) Settings() types.Settings {
	return c.settings
}

// Snapshot returns the last published snapshot. ok is false until the first
// successful tick.
func (c *Coordinator) Snapshot() (types.Snapshot, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.snap == nil {
		return types.Snapshot{}, false
	}
	return *c.snap, true
}

// Run polls the meter at the configured interval and serves operations until
// the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.source == nil {
		src, err := c.srcCfg.Source(c.settings.ImportEntity, c.settings.ExportEntity, common.HTTPClient(10*time.Second))
		if err != nil {
			return fmt.Errorf("building meter source: %w", err)
		}
		c.source = src
	}
	defer c.source.Close()
	defer close(c.stopped)

	ctx = log.WithAttrs(ctx, slog.String("meterID", c.settings.StorageID()))

	c.startedAt = time.Now()
	if err := c.store.Load(ctx, c.startedAt); err != nil {
		return fmt.Errorf("loading stored state: %w", err)
	}
	if c.settings.AutoFetchTariff && !c.store.Tariff().AutoFetch {
		c.store.Tariff().AutoFetch = true
		c.store.Tariff().APIURL = c.settings.AFAAPIURL
	}

	log.Ctx(ctx).InfoContext(ctx, "starting refresh loop",
		slog.Duration("interval", c.settings.RefreshInterval),
		slog.Bool("touEnabled", c.settings.TOUEnabled),
	)

	c.tick(ctx, time.Now())

	ticker := time.NewTicker(c.settings.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "refresh loop stopping")
			return nil
		case now := <-ticker.C:
			c.tick(ctx, now)
		case fn := <-c.ops:
			fn(ctx)
		}
	}
}

// tick performs one refresh: holiday and tariff upkeep, a meter read, and a
// snapshot rebuild. A failed read keeps the previous snapshot in place.
func (c *Coordinator) tick(ctx context.Context, now time.Time) {
	if c.holidays.RefreshIfNeeded(ctx, c.store.Holidays(), now) {
		if err := c.store.Persist(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist holiday cache", slog.Any("error", err))
		}
	}
	c.autoFetchTariff(ctx, now)

	r, err := c.source.Read(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "meter read failed, keeping previous snapshot", slog.Any("error", err))
		return
	}

	isHoliday := c.store.Holidays().IsHoliday(meter.Local(r.At))
	res, err := c.store.Ingest(ctx, r, isHoliday)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist reading", slog.Any("error", err))
	}
	switch {
	case res.ImportSpike || res.ExportSpike:
		c.lastValidation = "Spike filtered"
	case res.MeterReset:
		c.lastValidation = "Meter reset detected"
	default:
		c.lastValidation = "OK"
	}

	c.publish(now)
}

// autoFetchTariff refreshes the adjustment rate when auto-fetch is on and a
// fetch is due. Failures are recorded on the override set and retried after
// an hour instead of every tick.
func (c *Coordinator) autoFetchTariff(ctx context.Context, now time.Time) {
	o := c.store.Tariff()
	if !o.AutoFetch || c.afa == nil {
		return
	}
	if !tariff.ShouldFetch(o.LastFetch, now) || now.Before(c.nextTariffFetch) {
		return
	}

	r, err := c.afa.FetchSimple(ctx)
	if err != nil {
		o.LastError = err.Error()
		c.nextTariffFetch = now.Add(tariffRetryInterval)
		log.Ctx(ctx).WarnContext(ctx, "tariff auto-fetch failed", slog.Any("error", err))
		return
	}
	r.Apply(o, now)
	log.Ctx(ctx).InfoContext(ctx, "tariff rate refreshed",
		slog.Float64("afaRate", r.RateRaw),
		slog.String("effectiveDate", r.EffectiveDate),
	)
	if err := c.store.Persist(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist tariff overrides", slog.Any("error", err))
	}
}

// archiveCost prices a finished cycle for the historical archive at the
// rates in effect when it rolls over.
func (c *Coordinator) archiveCost(m types.MonthlyBucket) float64 {
	table := c.table()
	if c.settings.TOUEnabled {
		return table.ComputeToU(m.ImportPeak, m.ImportOffpeak, m.ExportTotal).TotalCost
	}
	return table.ComputeNonToU(m.ImportTotal, m.ExportTotal).TotalCost
}

func (c *Coordinator) table() tariff.Table {
	return c.tariffCfg.Table().WithOverrides(*c.store.Tariff())
}

// publish rebuilds the snapshot from the store and swaps it in atomically.
func (c *Coordinator) publish(now time.Time) {
	snap := c.buildSnapshot(now)
	c.snapMu.Lock()
	c.snap = &snap
	c.snapMu.Unlock()
}

func (c *Coordinator) buildSnapshot(now time.Time) types.Snapshot {
	table := c.table()
	m := c.store.Monthly()
	d := c.store.Daily()
	hc := c.store.Holidays()
	lnow := meter.Local(now)
	isHoliday := hc.IsHoliday(lnow)

	tou := table.ComputeToU(m.ImportPeak, m.ImportOffpeak, m.ExportTotal)
	nonToU := table.ComputeNonToU(m.ImportTotal, m.ExportTotal)
	todayToU := table.ComputeToU(d.ImportPeak, d.ImportOffpeak, d.ExportTotal)
	todayNonToU := table.ComputeNonToU(d.ImportTotal, d.ExportTotal)

	costSoFar := nonToU.TotalCost
	costFn := predict.CostFunc(func(peak, offpeak, export float64) float64 {
		return table.ComputeNonToU(peak+offpeak, export).TotalCost
	})
	if c.settings.TOUEnabled {
		costSoFar = tou.TotalCost
		costFn = func(peak, offpeak, export float64) float64 {
			return table.ComputeToU(peak, offpeak, export).TotalCost
		}
	}
	pred := predict.Predict(predict.Inputs{
		Monthly:    m,
		Historical: c.store.Historical(),
		CostSoFar:  costSoFar,
		Now:        now,
	}, costFn)

	snap := types.Snapshot{
		Timestamp: now,

		ImportEnergy:        m.ImportTotal,
		ExportEnergy:        m.ExportTotal,
		NetEnergy:           m.ImportTotal - m.ExportTotal,
		ImportPeakEnergy:    m.ImportPeak,
		ImportOffpeakEnergy: m.ImportOffpeak,

		TotalCostNonToU: nonToU.TotalCost,
		ToU:             tou,
		NonToU:          nonToU,

		TodayImportKWH:        d.ImportTotal,
		TodayExportKWH:        d.ExportTotal,
		TodayNetKWH:           d.ImportTotal - d.ExportTotal,
		TodayImportPeakKWH:    d.ImportPeak,
		TodayImportOffpeakKWH: d.ImportOffpeak,
		TodayCostNonToU:       todayNonToU.TotalCost,

		Prediction: pred,

		DayStatus:     meter.DayStatus(lnow, isHoliday),
		PeriodStatus:  meter.PeriodStatus(lnow, isHoliday),
		TierStatus:    tierStatus(table, m.ImportTotal),
		IsHoliday:     isHoliday,
		PeakPeriod:    meter.Classify(lnow, isHoliday) == types.PeriodPeak,
		HighUsage:     m.ImportTotal > table.Tier1KWH,
		BillingMonth:  fmt.Sprintf("%04d-%02d", m.BillingYear, m.BillingMonth),
		BillingDay:    m.BillingStartDay,
		PendingDay:    c.store.PendingBillingDay(),
		HolidaysStale: c.holidays.Enabled() && !hc.HasYear(lnow.Year()),

		StorageHealth:    c.store.StorageHealth(),
		ValidationStatus: c.lastValidation,
		CachedHolidays:   hc.Count(),
		LastHolidayFetch: hc.LastFetch,
		UptimeHours:      time.Since(c.startedAt).Hours(),
	}
	if c.settings.TOUEnabled {
		total := tou.TotalCost
		today := todayToU.TotalCost
		snap.TotalCostToU = &total
		snap.TodayCostToU = &today
	}
	return snap
}

func tierStatus(t tariff.Table, importKWH float64) string {
	switch {
	case importKWH <= t.Tier1KWH:
		return fmt.Sprintf("Tier 1 (0-%.0f kWh)", t.Tier1KWH)
	case importKWH <= t.Tier2KWH:
		return fmt.Sprintf("Tier 2 (%.0f-%.0f kWh)", t.Tier1KWH, t.Tier2KWH)
	}
	return fmt.Sprintf("Tier 3 (>%.0f kWh)", t.Tier2KWH)
}

// do runs fn on the loop goroutine and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case c.ops <- func(loopCtx context.Context) { done <- fn(loopCtx) }:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

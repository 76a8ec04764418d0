package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/meter"
	"github.com/salihinsaealal/tnbcalc/pkg/storage/storagemock"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() types.Settings {
	return types.Settings{
		ImportEntity:       "sensor.energy_import",
		ExportEntity:       "sensor.energy_export",
		TOUEnabled:         true,
		BillingStartDay:    1,
		SpikeRateKWHPerMin: 2,
		Country:            "MY",
		RefreshInterval:    time.Hour,
	}
}

// startCoordinator runs the loop in the background and waits for the first
// snapshot.
func startCoordinator(t *testing.T, settings types.Settings, src meter.Source, db *storagemock.MockDatabase) *Coordinator {
	t.Helper()
	c := New(settings, db, src, tariff.NewStatic(tariff.Default()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	require.Eventually(t, func() bool {
		_, ok := c.Snapshot()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestRunPublishesSnapshot(t *testing.T) {
	src := meter.NewMockSource(100, 20)
	c := startCoordinator(t, testSettings(), src, storagemock.New())

	snap, ok := c.Snapshot()
	require.True(t, ok)
	// the first reading only sets the baseline
	assert.Equal(t, 0.0, snap.ImportEnergy)
	assert.Equal(t, 0.0, snap.ExportEnergy)
	assert.Equal(t, "OK", snap.StorageHealth)
	assert.Equal(t, "OK", snap.ValidationStatus)
	assert.NotNil(t, snap.TotalCostToU)
	assert.Regexp(t, `^\d{4}-\d{2}$`, snap.BillingMonth)
	assert.NotEmpty(t, snap.DayStatus)
	assert.NotEmpty(t, snap.PeriodStatus)
	assert.Equal(t, "Tier 1 (0-600 kWh)", snap.TierStatus)
	assert.Equal(t, 1, src.Reads())
}

func TestTickKeepsSnapshotOnReadFailure(t *testing.T) {
	ctx := context.Background()
	src := meter.NewMockSource(100, 0)
	c := New(testSettings(), storagemock.New(), src, tariff.NewStatic(tariff.Default()))
	require.NoError(t, c.store.Load(ctx, time.Now()))

	c.tick(ctx, time.Now())
	first, ok := c.Snapshot()
	require.True(t, ok)

	src.Fail(meter.ErrUnavailable{Entity: "sensor.energy_import", Reason: "status 503"})
	c.tick(ctx, time.Now())
	second, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, first.Timestamp, second.Timestamp)
}

func TestTickValidationStatus(t *testing.T) {
	ctx := context.Background()
	src := meter.NewMockSource(100, 0)
	c := New(testSettings(), storagemock.New(), src, tariff.NewStatic(tariff.Default()))
	require.NoError(t, c.store.Load(ctx, time.Now()))

	now := time.Now()
	c.tick(ctx, now)

	// counter went backwards, the meter was swapped or reset
	src.Set(40, 0, now.Add(5*time.Minute))
	c.tick(ctx, now.Add(5*time.Minute))
	snap, _ := c.Snapshot()
	assert.Equal(t, "Meter reset detected", snap.ValidationStatus)

	// impossible jump filtered out
	src.Set(500, 0, now.Add(10*time.Minute))
	c.tick(ctx, now.Add(10*time.Minute))
	snap, _ = c.Snapshot()
	assert.Equal(t, "Spike filtered", snap.ValidationStatus)
	assert.Equal(t, 40.0, snap.ImportEnergy)

	src.Set(41, 0, now.Add(15*time.Minute))
	c.tick(ctx, now.Add(15*time.Minute))
	snap, _ = c.Snapshot()
	assert.Equal(t, "OK", snap.ValidationStatus)
	assert.Equal(t, 41.0, snap.ImportEnergy)
}

func TestAutoFetchTariff(t *testing.T) {
	ctx := context.Background()
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"afa_rate":0.0145,"afa_rate_raw":-0.0145,"effective_date":"2026-07-01"}`))
	}))
	defer srv.Close()

	settings := testSettings()
	settings.AutoFetchTariff = true
	settings.AFAAPIURL = srv.URL
	src := meter.NewMockSource(100, 0)
	c := New(settings, storagemock.New(), src, tariff.NewStatic(tariff.Default()))
	require.NoError(t, c.store.Load(ctx, time.Now()))
	c.store.Tariff().AutoFetch = true

	now := time.Now()
	c.tick(ctx, now)
	require.Equal(t, 1, requests)
	v, ok := c.store.Tariff().Get(tariff.ComponentAFA)
	require.True(t, ok)
	assert.Equal(t, -0.0145, v)
	assert.Equal(t, "2026-07-01", c.store.Tariff().EffectiveDate)
	assert.False(t, c.store.Tariff().LastFetch.IsZero())

	// well inside the weekly window, no second request
	c.tick(ctx, now.Add(time.Hour))
	assert.Equal(t, 1, requests)
}

func TestAutoFetchFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	settings := testSettings()
	settings.AFAAPIURL = srv.URL
	src := meter.NewMockSource(100, 0)
	c := New(settings, storagemock.New(), src, tariff.NewStatic(tariff.Default()))
	require.NoError(t, c.store.Load(ctx, time.Now()))
	c.store.Tariff().AutoFetch = true

	now := time.Now()
	c.tick(ctx, now)
	require.Equal(t, 1, requests)
	assert.NotEmpty(t, c.store.Tariff().LastError)
	assert.True(t, c.store.Tariff().LastFetch.IsZero())

	// retries are spaced out, not per tick
	c.tick(ctx, now.Add(5*time.Minute))
	assert.Equal(t, 1, requests)
	c.tick(ctx, now.Add(2*time.Hour))
	assert.Equal(t, 2, requests)
}

func TestOpsAfterStop(t *testing.T) {
	c := New(testSettings(), storagemock.New(), meter.NewMockSource(0, 0), tariff.NewStatic(tariff.Default()))
	close(c.stopped)
	err := c.SetExport(context.Background(), 10)
	assert.ErrorIs(t, err, ErrStopped)
}

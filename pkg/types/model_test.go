package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolidayCache(t *testing.T) {
	var h HolidayCache
	assert.False(t, h.HasYear(2025))
	assert.False(t, h.IsHoliday(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	h.SetYear(2025, []string{"2025-01-01", "2025-05-01"})
	assert.True(t, h.HasYear(2025))
	assert.True(t, h.IsHoliday(time.Date(2025, 5, 1, 18, 30, 0, 0, time.UTC)))
	assert.False(t, h.IsHoliday(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)))
	assert.False(t, h.HasYear(2026))
	assert.Equal(t, 2, h.Count())

	// updating one year leaves others alone
	h.SetYear(2026, []string{"2026-01-01"})
	assert.Equal(t, 3, h.Count())
	assert.True(t, h.IsHoliday(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseDistributionMode(t *testing.T) {
	for in, want := range map[string]DistributionMode{
		"":             DistributionAuto,
		"auto":         DistributionAuto,
		"peak_only":    DistributionPeakOnly,
		"offpeak_only": DistributionOffPeakOnly,
		"proportional": DistributionProportional,
		"manual":       DistributionManual,
	} {
		m, err := ParseDistributionMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, m, in)
		if in != "" {
			assert.Equal(t, in, m.String())
		}
	}

	_, err := ParseDistributionMode("bogus")
	require.Error(t, err)
}

func TestTariffOverrides(t *testing.T) {
	now := time.Now()
	var o TariffOverrides
	_, ok := o.Get("peak")
	assert.False(t, ok)

	o.Set("peak", 0.31, TariffSourceManual, now)
	v, ok := o.Get("peak")
	require.True(t, ok)
	assert.Equal(t, 0.31, v)
	assert.Equal(t, TariffSourceManual, o.Components["peak"].Source)

	o.Clear()
	_, ok = o.Get("peak")
	assert.False(t, ok)
}

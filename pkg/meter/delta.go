// Package meter turns raw cumulative counter readings into classified energy
// deltas.
package meter

// DefaultSpikeRateKWHPerMin rejects readings that imply the meter accumulated
// faster than any domestic connection physically can.
const DefaultSpikeRateKWHPerMin = 2

// DeltaResult describes how one raw reading was interpreted.
type DeltaResult struct {
	// Delta is the accepted energy since the previous reading, zero for a
	// skipped reading.
	Delta float64
	// Baseline is the raw value the next reading should be compared to.
	// A spike keeps the previous baseline so the following reading is
	// still judged against known-good data.
	Baseline float64
	// First is set when there was no previous baseline to compare against.
	First bool
	// Reset is set when the counter went backwards, meaning the meter was
	// replaced or wrapped. The new raw value counts in full.
	Reset bool
	// Spike is set when the implied accumulation rate exceeded the limit
	// and the reading was discarded.
	Spike bool
}

// FilterDelta converts a raw cumulative reading into a delta against the
// previous accepted baseline.
//
// A first reading only establishes the baseline. A counter that went
// backwards is a meter reset and the new value is counted in full, never as
// a negative delta. A forward jump whose rate in kWh per minute exceeds
// rateLimit is a sensor glitch: the reading is dropped and the baseline kept
// so the next reading re-baselines against real data. elapsedMin below one
// minute is clamped so back-to-back reads cannot pass an absurd jump with a
// tiny rate denominator going unchecked.
func FilterDelta(prevRaw float64, hasPrev bool, newRaw, elapsedMin, rateLimit float64) DeltaResult {
	if rateLimit <= 0 {
		rateLimit = DefaultSpikeRateKWHPerMin
	}

	if !hasPrev {
		return DeltaResult{Baseline: newRaw, First: true}
	}

	if newRaw < prevRaw {
		return DeltaResult{Delta: newRaw, Baseline: newRaw, Reset: true}
	}

	delta := newRaw - prevRaw
	if delta == 0 {
		return DeltaResult{Baseline: newRaw}
	}

	if elapsedMin < 1 {
		elapsedMin = 1
	}
	if delta/elapsedMin > rateLimit {
		return DeltaResult{Baseline: prevRaw, Spike: true}
	}

	return DeltaResult{Delta: delta, Baseline: newRaw}
}

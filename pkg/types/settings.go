package types

import (
	"fmt"
	"strings"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings is the per-meter configuration. It can be provided whole as JSON
// or assembled from individual flags.
type Settings struct {
	// ImportEntity identifies the cumulative import counter. Together with
	// ExportEntity it forms the meter identity used as the storage key.
	ImportEntity string `json:"importEntity"`
	// ExportEntity identifies the cumulative export counter. Empty disables
	// export tracking and NEM rebates.
	ExportEntity string `json:"exportEntity,omitempty"`

	// TOUEnabled selects the time-of-use tariff as the primary cost. The
	// non-ToU breakdown is always computed for comparison.
	TOUEnabled bool `json:"touEnabled"`

	// BillingStartDay is the day of month the billing cycle begins on, 1-31.
	// Days past the end of a short month clamp to its last day.
	BillingStartDay int `json:"billingStartDay"`

	// SpikeRateKWHPerMin rejects deltas that imply a faster accumulation
	// than this rate since the previous accepted reading.
	SpikeRateKWHPerMin float64 `json:"spikeRateKWHPerMin"`

	// Holiday lookup.
	Country            string `json:"country"`
	CalendarificAPIKey string `json:"calendarificAPIKey,omitempty"`

	// Tariff rate auto-fetch.
	AutoFetchTariff bool   `json:"autoFetchTariff"`
	AFAAPIURL       string `json:"afaAPIURL,omitempty"`

	// RefreshInterval is how often the coordinator polls the meter source.
	RefreshInterval time.Duration `json:"refreshInterval"`
}

// Validate returns an error describing the first invalid setting.
func (s Settings) Validate() error {
	if s.ImportEntity == "" {
		return fmt.Errorf("importEntity is required")
	}
	if s.BillingStartDay < 1 || s.BillingStartDay > 31 {
		return fmt.Errorf("billingStartDay must be between 1 and 31, got %d", s.BillingStartDay)
	}
	if s.SpikeRateKWHPerMin <= 0 {
		return fmt.Errorf("spikeRateKWHPerMin must be positive, got %v", s.SpikeRateKWHPerMin)
	}
	if s.AutoFetchTariff && s.AFAAPIURL == "" {
		return fmt.Errorf("afaAPIURL is required when autoFetchTariff is set")
	}
	if s.RefreshInterval <= 0 {
		return fmt.Errorf("refreshInterval must be positive, got %v", s.RefreshInterval)
	}
	return nil
}

// StorageID returns the storage key derived from the meter identity. The key
// is stable across renames of anything except the entities themselves.
func (s Settings) StorageID() string {
	id := slug(s.ImportEntity)
	if s.ExportEntity != "" {
		id += "-" + slug(s.ExportEntity)
	}
	return id
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.BillingStartDay == 0 {
				s.BillingStartDay = 1
				migrated = true
			}
			if s.Country == "" {
				s.Country = "MY"
				migrated = true
			}
		case 2:
			// version 2: rate based spike detection
			if s.SpikeRateKWHPerMin == 0 {
				s.SpikeRateKWHPerMin = 2
				migrated = true
			}
		case 3:
			// version 3: configurable refresh interval
			if s.RefreshInterval == 0 {
				s.RefreshInterval = 5 * time.Minute
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version %d", version)
		}
	}
	return s, migrated, nil
}

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StorageEnvelope is the persisted document for one meter. The Version field
// gates migration; everything else is replaced wholesale on every save.
type StorageEnvelope struct {
	Version    int               `json:"version"`
	Monthly    MonthlyBucket     `json:"monthly"`
	Daily      DailyBucket       `json:"daily"`
	Historical []HistoricalMonth `json:"historical,omitempty"`
	Holidays   HolidayCache      `json:"holidays,omitzero"`
	Tariff     TariffOverrides   `json:"tariff,omitzero"`

	// PendingBillingDay stages a billing start day change until the next
	// cycle boundary. 0 means no change pending.
	PendingBillingDay int       `json:"pending_billing_day,omitempty"`
	LastReset         time.Time `json:"last_reset,omitzero"`
	LastSaved         time.Time `json:"last_saved,omitzero"`
}

// NewEnvelope returns a fresh envelope for a meter first seen at now with the
// given billing start day.
func NewEnvelope(now time.Time, billingStartDay int) StorageEnvelope {
	return StorageEnvelope{
		Version: CurrentEnvelopeVersion,
		Monthly: NewMonthlyBucket(now, billingStartDay),
		Daily:   NewDailyBucket(now),
	}
}

// NewMonthlyBucket returns an empty bucket for the billing period containing
// now.
func NewMonthlyBucket(now time.Time, billingStartDay int) MonthlyBucket {
	by, bm := BillingPeriod(now, billingStartDay)
	return MonthlyBucket{
		Month:           int(now.Month()),
		Year:            now.Year(),
		BillingMonth:    bm,
		BillingYear:     by,
		BillingStartDay: billingStartDay,
		CreatedAt:       now,
	}
}

// NewDailyBucket returns an empty bucket for the local calendar day of now.
func NewDailyBucket(now time.Time) DailyBucket {
	return DailyBucket{Date: now.Format("2006-01-02")}
}

// BillingPeriod returns the billing year and month that contains t. With a
// start day above 1, days before the start day belong to the previous month's
// period. The start day is clamped to the last day of short months so a
// day-31 configuration still rolls over in February.
func BillingPeriod(t time.Time, startDay int) (year, month int) {
	if startDay < 1 {
		startDay = 1
	}
	day := startDay
	if last := daysInMonth(t.Year(), int(t.Month())); day > last {
		day = last
	}
	year, month = t.Year(), int(t.Month())
	if t.Day() < day {
		month--
		if month < 1 {
			month = 12
			year--
		}
	}
	return year, month
}

func daysInMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MigrateEnvelope parses a persisted document and migrates it to
// CurrentEnvelopeVersion. It returns the envelope, whether a migration was
// applied (the caller should persist a backup before overwriting), and an
// error if the document is unreadable. A structurally valid document with a
// nonsense month or year is reinitialized rather than rejected so one bad
// write cannot wedge startup.
func MigrateEnvelope(raw []byte, now time.Time, billingStartDay int) (StorageEnvelope, bool, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return StorageEnvelope{}, false, fmt.Errorf("parsing stored document: %w", err)
	}

	var env StorageEnvelope
	migrated := false
	version := probe.Version
	if version == 0 {
		// The earliest releases stored the monthly bucket bare with no
		// envelope or version field.
		version = 1
	}
	if version > CurrentEnvelopeVersion {
		return StorageEnvelope{}, false, fmt.Errorf("stored version %d is newer than supported version %d", version, CurrentEnvelopeVersion)
	}

	if version == 1 {
		var m MonthlyBucket
		if err := json.Unmarshal(raw, &m); err != nil {
			return StorageEnvelope{}, false, fmt.Errorf("parsing legacy monthly bucket: %w", err)
		}
		env = StorageEnvelope{Version: 1, Monthly: m}
	} else {
		if err := json.Unmarshal(raw, &env); err != nil {
			return StorageEnvelope{}, false, fmt.Errorf("parsing stored envelope: %w", err)
		}
	}

	for v := version + 1; v <= CurrentEnvelopeVersion; v++ {
		switch v {
		case 2:
			// version 2: wrap the bare monthly bucket in an envelope with a
			// daily bucket and holiday cache.
			env.Daily = NewDailyBucket(now)
			migrated = true
		case 3:
			// version 3: billing period fields, calibration baselines and
			// tariff overrides.
			if env.Monthly.BillingStartDay == 0 {
				env.Monthly.BillingStartDay = billingStartDay
			}
			if env.Monthly.BillingMonth == 0 {
				env.Monthly.BillingYear, env.Monthly.BillingMonth = env.Monthly.Year, env.Monthly.Month
			}
			migrated = true
		default:
			return StorageEnvelope{}, false, fmt.Errorf("no migration for version %d", v)
		}
	}
	env.Version = CurrentEnvelopeVersion

	if env.Monthly.Month < 1 || env.Monthly.Month > 12 || env.Monthly.Year < 2000 {
		env.Monthly = NewMonthlyBucket(now, billingStartDay)
		migrated = true
	}
	if env.Daily.Date == "" {
		env.Daily = NewDailyBucket(now)
		migrated = true
	}
	if len(env.Historical) > MaxHistoricalMonths {
		env.Historical = env.Historical[:MaxHistoricalMonths]
		migrated = true
	}
	return env, migrated, nil
}

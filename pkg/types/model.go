package types

import (
	"fmt"
	"time"
)

const (
	// CurrentEnvelopeVersion is the schema version written by this release.
	// Increment when the persisted envelope shape changes and add a matching
	// transform in MigrateEnvelope.
	CurrentEnvelopeVersion = 3

	// MaxHistoricalMonths caps the archived month list.
	MaxHistoricalMonths = 12
)

// Period classifies a point in time under the ToU schedule.
type Period int

const (
	PeriodOffPeak Period = 0
	PeriodPeak    Period = 1
)

func (p Period) String() string {
	if p == PeriodPeak {
		return "peak"
	}
	return "offpeak"
}

// MonthlyBucket accumulates energy for one billing cycle.
// ImportPeak + ImportOffpeak always equals ImportTotal within floating
// tolerance; all totals only grow within a cycle except via calibration.
type MonthlyBucket struct {
	// Calendar month/year at creation, kept for reference.
	Month int `json:"month"`
	Year  int `json:"year"`

	// Billing period the bucket belongs to. With a billing start day of 15,
	// October 10th still belongs to billing month September.
	BillingMonth    int `json:"billing_month"`
	BillingYear     int `json:"billing_year"`
	BillingStartDay int `json:"billing_start_day"`

	ImportTotal   float64 `json:"import_total"`
	ImportPeak    float64 `json:"import_peak"`
	ImportOffpeak float64 `json:"import_offpeak"`
	ExportTotal   float64 `json:"export_total"`

	// Last accepted raw counter readings, the delta baselines.
	LastImportRaw float64   `json:"import_last"`
	LastExportRaw float64   `json:"export_last"`
	LastReadingAt time.Time `json:"last_reading_at,omitzero"`

	CreatedAt   time.Time   `json:"created_at"`
	Calibration Calibration `json:"calibration"`
}

// Calibration records manual corrections applied to a monthly bucket.
type Calibration struct {
	ImportBaseline  float64   `json:"import_baseline"`
	PeakBaseline    float64   `json:"peak_baseline"`
	OffpeakBaseline float64   `json:"offpeak_baseline"`
	ExportBaseline  float64   `json:"export_baseline"`
	LastCalibrated  time.Time `json:"last_calibrated,omitzero"`
	Method          string    `json:"distribution_method,omitempty"`
}

// DailyBucket accumulates energy for the current local calendar day. Only
// today's bucket exists; it is reset at midnight and never archived.
type DailyBucket struct {
	Date          string  `json:"date"` // local ISO date (2006-01-02)
	ImportTotal   float64 `json:"import_total"`
	ImportPeak    float64 `json:"import_peak"`
	ImportOffpeak float64 `json:"import_offpeak"`
	ExportTotal   float64 `json:"export_total"`
}

// HistoricalMonth is an archived billing cycle, most recent first.
type HistoricalMonth struct {
	Month      int     `json:"month"`
	Year       int     `json:"year"`
	TotalKWH   float64 `json:"total_kwh"`
	Cost       float64 `json:"cost"`
	PeakKWH    float64 `json:"peak_kwh"`
	OffpeakKWH float64 `json:"offpeak_kwh"`
	ExportKWH  float64 `json:"export_kwh"`
}

// HolidayCache holds the fetched public holidays keyed by year. A failed
// refresh never clears existing entries.
type HolidayCache struct {
	Years     map[int][]string `json:"years,omitempty"` // sorted ISO dates
	LastFetch time.Time        `json:"last_fetch,omitzero"`
}

// IsHoliday reports whether the date portion of t is a cached holiday.
func (h *HolidayCache) IsHoliday(t time.Time) bool {
	dates, ok := h.Years[t.Year()]
	if !ok {
		return false
	}
	iso := t.Format("2006-01-02")
	for _, d := range dates {
		if d == iso {
			return true
		}
	}
	return false
}

// HasYear reports whether the cache has any entries for the given year.
// A missing year means classification is fail-open and should be flagged
// as stale.
func (h *HolidayCache) HasYear(year int) bool {
	_, ok := h.Years[year]
	return ok
}

// SetYear replaces the cached holidays for one year without touching other
// years.
func (h *HolidayCache) SetYear(year int, dates []string) {
	if h.Years == nil {
		h.Years = make(map[int][]string)
	}
	h.Years[year] = dates
}

// Count returns the total number of cached holiday dates.
func (h *HolidayCache) Count() int {
	n := 0
	for _, dates := range h.Years {
		n += len(dates)
	}
	return n
}

// TariffSource tags where an override value came from.
type TariffSource string

const (
	TariffSourceDefault TariffSource = "default"
	TariffSourceManual  TariffSource = "manual"
	TariffSourceAPI     TariffSource = "api"
)

// TariffOverride is a single overridden rate component.
type TariffOverride struct {
	Value     float64      `json:"value"`
	Source    TariffSource `json:"source"`
	UpdatedAt time.Time    `json:"updated_at,omitzero"`
}

// TariffOverrides holds all rate overrides plus the auto-fetch state.
// Components are cleared as a group when auto-fetch is turned off.
type TariffOverrides struct {
	Components    map[string]TariffOverride `json:"components,omitempty"`
	AutoFetch     bool                      `json:"auto_fetch,omitempty"`
	APIURL        string                    `json:"api_url,omitempty"`
	EffectiveDate string                    `json:"effective_date,omitempty"`
	LastFetch     time.Time                 `json:"last_fetch,omitzero"`
	LastError     string                    `json:"last_error,omitempty"`
}

// Set stores an override for the named component.
func (o *TariffOverrides) Set(name string, value float64, source TariffSource, now time.Time) {
	if o.Components == nil {
		o.Components = make(map[string]TariffOverride)
	}
	o.Components[name] = TariffOverride{Value: value, Source: source, UpdatedAt: now}
}

// Get returns the override value for name if one is set.
func (o *TariffOverrides) Get(name string) (float64, bool) {
	ov, ok := o.Components[name]
	if !ok {
		return 0, false
	}
	return ov.Value, true
}

// Clear removes all component overrides atomically as a group.
func (o *TariffOverrides) Clear() {
	o.Components = nil
	o.EffectiveDate = ""
}

// DistributionMode selects how a calibration delta is split between peak and
// off-peak.
type DistributionMode int

const (
	DistributionAuto DistributionMode = iota
	DistributionPeakOnly
	DistributionOffPeakOnly
	DistributionProportional
	DistributionManual
)

// Distribution is a closed variant consumed by one exhaustive switch in the
// bucket store. Peak/Offpeak are only meaningful for DistributionManual.
type Distribution struct {
	Mode    DistributionMode
	Peak    float64
	Offpeak float64
}

// ParseDistributionMode maps the wire strings accepted by the API.
func ParseDistributionMode(s string) (DistributionMode, error) {
	switch s {
	case "", "auto":
		return DistributionAuto, nil
	case "peak_only":
		return DistributionPeakOnly, nil
	case "offpeak_only":
		return DistributionOffPeakOnly, nil
	case "proportional":
		return DistributionProportional, nil
	case "manual":
		return DistributionManual, nil
	}
	return 0, fmt.Errorf("invalid distribution option: %s", s)
}

func (m DistributionMode) String() string {
	switch m {
	case DistributionAuto:
		return "auto"
	case DistributionPeakOnly:
		return "peak_only"
	case DistributionOffPeakOnly:
		return "offpeak_only"
	case DistributionProportional:
		return "proportional"
	case DistributionManual:
		return "manual"
	}
	return "unknown"
}

// CostBreakdown is the itemized output of the billing engine. All charges are
// in RM, rates in RM/kWh. Rebates are negative. TotalCost carries the
// mode-specific top line; callers keep both the ToU and non-ToU breakdowns so
// either can be displayed.
type CostBreakdown struct {
	TotalCost   float64 `json:"total_cost"`
	PeakCost    float64 `json:"peak_cost"`
	OffPeakCost float64 `json:"off_peak_cost"`

	ChargeGenerationPeak    float64 `json:"charge_generation_peak"`
	ChargeGenerationOffpeak float64 `json:"charge_generation_offpeak"`
	ChargeAFA               float64 `json:"charge_afa"`
	ChargeCapacity          float64 `json:"charge_capacity"`
	ChargeNetwork           float64 `json:"charge_network"`
	ChargeRetailing         float64 `json:"charge_retailing"`
	ChargeICT               float64 `json:"charge_ict"`
	ChargeServiceTax        float64 `json:"charge_service_tax"`
	ChargeKWTBB             float64 `json:"charge_kwtbb"`

	RebateNEMPeak     float64 `json:"rebate_nem_peak"`
	RebateNEMOffpeak  float64 `json:"rebate_nem_offpeak"`
	RebateNEMCapacity float64 `json:"rebate_nem_capacity"`
	RebateNEMNetwork  float64 `json:"rebate_nem_network"`
	RebateInsentif    float64 `json:"rebate_insentif"`

	// Rebate value that could not be applied because a period charge was
	// already floored at zero. Informational only, never billed.
	ExcessRebate float64 `json:"excess_rebate,omitempty"`

	RateGenerationPeak    float64 `json:"rate_generation_peak,omitempty"`
	RateGenerationOffpeak float64 `json:"rate_generation_offpeak,omitempty"`
	RateImport            float64 `json:"rate_import,omitempty"`
	RateCapacity          float64 `json:"rate_capacity"`
	RateNetwork           float64 `json:"rate_network"`
	RateNEMPeak           float64 `json:"rate_nem_peak,omitempty"`
	RateNEMOffpeak        float64 `json:"rate_nem_offpeak,omitempty"`
	RateICT               float64 `json:"rate_ict"`
}

// Confidence expresses how much history backs a prediction.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// Prediction is the hybrid trend/history forecast for the current cycle.
type Prediction struct {
	PredictedCost float64    `json:"predicted_monthly_cost"`
	PredictedKWH  float64    `json:"predicted_monthly_kwh"`
	FromTrend     float64    `json:"predicted_from_trend"`
	FromHistory   *float64   `json:"predicted_from_history,omitempty"`
	Tolerance     float64    `json:"prediction_tolerance"`
	RangeMin      float64    `json:"prediction_range_min"`
	RangeMax      float64    `json:"prediction_range_max"`
	Confidence    Confidence `json:"prediction_confidence"`
	Method        string     `json:"prediction_method"`
	TrendWeight   int        `json:"trend_weight"`
	HistoryWeight int        `json:"history_weight"`

	DailyAverageCost float64 `json:"daily_average_cost"`
	DailyAverageKWH  float64 `json:"daily_average_kwh"`
	DaysRemaining    int     `json:"days_remaining"`
}

// Snapshot is the published result of one successful refresh tick. It is
// immutable once published; a failed tick leaves the previous snapshot in
// place.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	ImportEnergy        float64 `json:"import_energy"`
	ExportEnergy        float64 `json:"export_energy"`
	NetEnergy           float64 `json:"net_energy"`
	ImportPeakEnergy    float64 `json:"import_peak_energy,omitempty"`
	ImportOffpeakEnergy float64 `json:"import_offpeak_energy,omitempty"`

	TotalCostToU    *float64      `json:"total_cost_tou"` // nil when ToU disabled
	TotalCostNonToU float64       `json:"total_cost_non_tou"`
	ToU             CostBreakdown `json:"tou_breakdown,omitzero"`
	NonToU          CostBreakdown `json:"non_tou_breakdown"`

	TodayImportKWH        float64  `json:"today_import_kwh"`
	TodayExportKWH        float64  `json:"today_export_kwh"`
	TodayNetKWH           float64  `json:"today_net_kwh"`
	TodayImportPeakKWH    float64  `json:"today_import_peak_kwh"`
	TodayImportOffpeakKWH float64  `json:"today_import_offpeak_kwh"`
	TodayCostToU          *float64 `json:"today_cost_tou"`
	TodayCostNonToU       float64  `json:"today_cost_non_tou"`

	Prediction Prediction `json:"prediction"`

	DayStatus     string `json:"day_status"`    // Weekday / Weekend / Holiday
	PeriodStatus  string `json:"period_status"` // Peak / Off-Peak (reason)
	TierStatus    string `json:"tier_status"`
	IsHoliday     bool   `json:"is_holiday"`
	PeakPeriod    bool   `json:"peak_period"`
	HighUsage     bool   `json:"high_usage_alert"`
	BillingMonth  string `json:"current_month"` // YYYY-MM of the billing period
	BillingDay    int    `json:"billing_start_day"`
	PendingDay    int    `json:"pending_billing_start_day,omitempty"`
	HolidaysStale bool   `json:"holidays_stale,omitempty"`

	StorageHealth    string    `json:"storage_health"`
	ValidationStatus string    `json:"validation_status"`
	CachedHolidays   int       `json:"cached_holidays_count"`
	LastHolidayFetch time.Time `json:"cached_holidays_last_fetch,omitzero"`
	UptimeHours      float64   `json:"integration_uptime"`
}

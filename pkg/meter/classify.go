package meter

import (
	"fmt"
	"time"

	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

// The tariff schedule is defined in Malaysian local time.
var myLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kuala_Lumpur")
	if err != nil {
		panic(fmt.Errorf("failed to load kuala lumpur location: %w", err))
	}
	return loc
}()

// Peak hours run 14:00 to 22:00 local on working weekdays.
const (
	peakStartHour = 14
	peakEndHour   = 22
)

// Local converts t to tariff-local time.
func Local(t time.Time) time.Time {
	return t.In(myLocation)
}

// Classify returns the tariff period for one point in time. Weekends and
// public holidays are entirely off-peak.
func Classify(t time.Time, isHoliday bool) types.Period {
	lt := t.In(myLocation)
	if isHoliday {
		return types.PeriodOffPeak
	}
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return types.PeriodOffPeak
	}
	if h := lt.Hour(); h >= peakStartHour && h < peakEndHour {
		return types.PeriodPeak
	}
	return types.PeriodOffPeak
}

// DayStatus describes the day type for display.
func DayStatus(t time.Time, isHoliday bool) string {
	lt := t.In(myLocation)
	if isHoliday {
		return "Holiday"
	}
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return "Weekend"
	}
	return "Weekday"
}

// PeriodStatus describes the active period with its reason for display.
func PeriodStatus(t time.Time, isHoliday bool) string {
	if Classify(t, isHoliday) == types.PeriodPeak {
		return "Peak (2PM-10PM)"
	}
	lt := t.In(myLocation)
	if isHoliday {
		return "Off-Peak (Holiday)"
	}
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return "Off-Peak (Weekend)"
	}
	return "Off-Peak"
}

package utils

import (
	"time"

	"github.com/scmhub/calendar"
)

// TradingCalendar decides which dates are trading days. Configured holidays
// always apply; when an exchange MIC is given, scmhub/calendar is consulted too.
type TradingCalendar struct {
	Calendar *calendar.Calendar
	Holidays map[string]struct{}
	Timezone *time.Location
}

// -----------------------------------------------------------------------------

func NewTradingCalendar(mic string, holidays []string, loc *time.Location) *TradingCalendar {
	tc := &TradingCalendar{
		Holidays: make(map[string]struct{}, len(holidays)),
		Timezone: loc,
	}
	for _, h := range holidays {
		tc.Holidays[h] = struct{}{}
	}

	if mic != "" {
		// scmhub/calendar.GetCalendar returns a calendar by MIC (ISO 10383)
		tc.Calendar = calendar.GetCalendar(mic)
	}
	return tc
}

// -----------------------------------------------------------------------------

// IsHoliday reports whether the date is in the configured holiday set.
func (tc *TradingCalendar) IsHoliday(date time.Time) bool {
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}
	_, ok := tc.Holidays[date.Format("2006-01-02")]
	return ok
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	// Normalize to timezone if available
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}

	weekday := date.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return false
	}
	if tc.IsHoliday(date) {
		return false
	}
	if tc.Calendar != nil {
		// Library handles exchange holidays
		return tc.Calendar.IsBusinessDay(date)
	}
	return true
}

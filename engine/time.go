package engine

import (
	"time"
)

// =============================================================================
// DATES - All calendar math is in UTC at day granularity
// =============================================================================

const dateLayout = "2006-01-02"

// ToDateOnly truncates t to midnight UTC of its UTC calendar day.
func ToDateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the last day of t's month.
func MonthEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}

// AddMonths returns the first day of the month n months after t's month.
func AddMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

// ParseDate parses YYYY-MM-DD into a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

// ParseYearMonth parses YYYY-MM into the first day of that month.
func ParseYearMonth(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01", s, time.UTC)
}

// Clock returns the current time. Services take a Clock so no computation
// reads the wall clock directly.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time { return time.Now().UTC() }

// =============================================================================
// BUSINESS DAYS
// =============================================================================

// HolidayCalendar reports non-business days beyond weekends.
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}

// NoHolidays treats only weekends as non-business days.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time) bool { return false }

// FixedHolidays is a set of specific dates.
type FixedHolidays map[string]bool

func (f FixedHolidays) IsHoliday(date time.Time) bool { return f[FormatDate(date)] }

// IsBusinessDay reports whether date is neither a weekend nor a holiday.
func IsBusinessDay(date time.Time, cal HolidayCalendar) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return cal == nil || !cal.IsHoliday(date)
}

// PreviousBusinessDay walks back from date until it lands on a business day.
func PreviousBusinessDay(date time.Time, cal HolidayCalendar) time.Time {
	current := ToDateOnly(date)
	for !IsBusinessDay(current, cal) {
		current = current.AddDate(0, 0, -1)
	}
	return current
}

// PayoutDate computes the salary payout date within the month starting at
// payoutMonth, according to the company policy. A fixed day past the month
// length is clamped to the month end. Returns false when the company has no
// payout day configured.
func PayoutDate(payoutMonth time.Time, c Company, cal HolidayCalendar) (time.Time, bool) {
	start := MonthStart(payoutMonth)
	var base time.Time
	switch {
	case c.PayoutDayIsMonthEnd:
		base = MonthEnd(start)
	case c.PayoutDay > 0:
		end := MonthEnd(start)
		day := c.PayoutDay
		if day > end.Day() {
			day = end.Day()
		}
		base = time.Date(start.Year(), start.Month(), day, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}, false
	}
	return PreviousBusinessDay(base, cal), true
}

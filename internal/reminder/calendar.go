package reminder

import "time"

const day = 24 * time.Hour

// NextFireTime returns when the reminder for a review started at startedAt
// should fire next, given the current instant and an interval in days.
//
// Whole calendar days already elapsed since the start (counted in loc, so a
// DST shift does not lose a day) are kept, the interval is added on top, and
// a result falling on Saturday or Sunday is pushed to the following Monday.
// For a positive interval the result is always after now.
//
// A zero startedAt is treated as now. A startedAt in the future counts as
// zero elapsed days, so the result is startedAt plus the interval rather than
// something before the review even starts.
func NextFireTime(startedAt, now time.Time, intervalDays int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if startedAt.IsZero() {
		startedAt = now
	}
	start := startedAt.In(loc)

	fire := start.AddDate(0, 0, elapsedDays(start, now)+intervalDays)
	for !IsBusinessDay(fire) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// elapsedDays counts the calendar days n with start+n <= now, in start's
// location. The duration estimate is off by at most one around a DST change.
func elapsedDays(start, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	n := int(now.Sub(start) / day)
	for n > 0 && start.AddDate(0, 0, n).After(now) {
		n--
	}
	for !start.AddDate(0, 0, n+1).After(now) {
		n++
	}
	return n
}

// IsBusinessDay reports whether t falls on Monday through Friday in t's location.
func IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

package subscription

import "time"

// Period is one rolling monthly usage window, [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside p.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodAt returns the usage period containing now for an account whose
// periods are anchored at anchor. Periods roll monthly on the anchor's day
// of month, clamped to the last day of shorter months, so an anchor of
// Jan 31 yields boundaries on Feb 28 (or 29), Mar 31, Apr 30 and so on.
// Times before the anchor fall in the first period.
func PeriodAt(anchor, now time.Time) Period {
	anchor = anchor.UTC()
	now = now.UTC()

	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	if months < 0 {
		months = 0
	}
	start := addMonthsClamped(anchor, months)
	for months > 0 && start.After(now) {
		months--
		start = addMonthsClamped(anchor, months)
	}
	return Period{Start: start, End: addMonthsClamped(anchor, months+1)}
}

func addMonthsClamped(anchor time.Time, months int) time.Time {
	first := time.Date(anchor.Year(), anchor.Month()+time.Month(months), 1,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
	day := anchor.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

package chore

import "time"

// NextDue computes the next due date after previousDue for the given
// recurrence spec. It returns nil when the spec is NONE, which forces a
// reset-only outcome downstream. The result always lands strictly after both
// previousDue and now: if the chore has lapsed several intervals, whole
// intervals are skipped until the schedule catches up. Identical inputs
// always produce identical output.
func NextDue(spec RecurrenceSpec, previousDue, now time.Time) *time.Time {
	if spec.IsNone() {
		return nil
	}
	next := previousDue
	for i := 1; ; i++ {
		next = advance(previousDue, spec, i)
		if next.After(now) && next.After(previousDue) {
			break
		}
	}
	return &next
}

// advance returns previousDue moved forward by steps whole intervals.
// Advancing from the origin each time keeps month-end anchoring stable:
// Jan 31 + 1 month is Feb 28, but Jan 31 + 2 months is Mar 31, not Mar 28.
func advance(previousDue time.Time, spec RecurrenceSpec, steps int) time.Time {
	n := spec.Interval * steps
	switch spec.Unit {
	case UnitDays:
		return previousDue.AddDate(0, 0, n)
	case UnitWeeks:
		return previousDue.AddDate(0, 0, 7*n)
	case UnitMonths:
		return addMonthsClamped(previousDue, n)
	case UnitYears:
		return addMonthsClamped(previousDue, 12*n)
	default:
		return previousDue.AddDate(0, 0, n)
	}
}

// addMonthsClamped adds months keeping the day-of-month, clamped to the last
// day of the target month instead of Go's AddDate normalization (which would
// turn Jan 31 + 1 month into Mar 2/3).
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(target.Year(), target.Month()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

package scanner

import (
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/chorewheel/internal/chore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// midnight fires at 00:00 local time every day.
var midnight = mustParse("0 0 * * *")

func mustParse(expr string) cronlib.Schedule {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		panic(err)
	}
	return sched
}

// NextBoundary computes the chore's next reset boundary strictly after the
// given watermark, or false when the chore has no upcoming boundary. The
// scanner fires the boundary once it is no longer in the future.
//
//   - AT_MIDNIGHT: every midnight.
//   - AT_DUE_DATE, AT_MIDNIGHT_ONCE: the first midnight after a record's due
//     date. New boundaries appear as reschedules advance the due dates.
//   - AT_DUE_DATE_AND_TIME: the exact due timestamp.
//   - UPON_COMPLETION, MANUAL_ONLY: no reset boundary of their own, but a
//     daily midnight sweep when the chore needs lapse marking or pending
//     claim auto-approval. The sweep never resets a manual chore; it only
//     applies the lapse and auto-approve actions.
func NextBoundary(c chore.Chore, records []chore.AssigneeRecord, after time.Time) (time.Time, bool) {
	switch c.ResetType {
	case chore.ResetAtMidnight:
		return midnight.Next(after), true

	case chore.ResetAtDueDateTime:
		return earliest(records, after, func(due time.Time) time.Time { return due })

	case chore.ResetAtDueDate, chore.ResetAtMidnightOnce:
		return earliest(records, after, midnight.Next)

	case chore.ResetUponCompletion, chore.ResetManualOnly:
		if !needsSweep(c) && c.PendingClaim != chore.PendingClaimAutoApprove {
			return time.Time{}, false
		}
		return midnight.Next(after), true
	}
	return time.Time{}, false
}

// LatestElapsedBoundary walks boundaries forward from the watermark and
// returns the last one at or before now. A daemon that was down across
// several boundaries processes the whole backlog as one evaluation; the
// recurrence calculator advances due dates past every missed interval.
func LatestElapsedBoundary(c chore.Chore, records []chore.AssigneeRecord, watermark, now time.Time) (time.Time, bool) {
	var latest time.Time
	found := false
	after := watermark
	for i := 0; i < 10000; i++ {
		boundary, ok := NextBoundary(c, records, after)
		if !ok || boundary.After(now) {
			break
		}
		latest = boundary
		found = true
		after = boundary
	}
	return latest, found
}

// needsSweep reports whether the chore's lapse config requires periodic
// evaluation even without a reset boundary.
func needsSweep(c chore.Chore) bool {
	return c.Overdue == chore.OverdueMark || c.MissedAfterDays > 0
}

// earliest maps each record's due date through boundaryOf and returns the
// earliest result strictly after the watermark.
func earliest(records []chore.AssigneeRecord, after time.Time, boundaryOf func(time.Time) time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, rec := range records {
		if rec.DueDate.IsZero() {
			continue
		}
		b := boundaryOf(rec.DueDate)
		if !b.After(after) {
			continue
		}
		if !found || b.Before(best) {
			best = b
			found = true
		}
	}
	return best, found
}

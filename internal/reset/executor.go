package reset

import (
	"fmt"
	"time"

	"github.com/basket/chorewheel/internal/chore"
)

// InvalidTransitionError reports an attempt to apply a decision to a record
// whose current state is inconsistent with that decision. No partial
// mutation is committed when it is returned.
type InvalidTransitionError struct {
	ChoreID  string
	MemberID string
	State    chore.RecordState
	Decision Decision
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("chore %s member %s: cannot apply %s to record in state %s",
		e.ChoreID, e.MemberID, e.Decision, e.State)
}

// RecordChange describes one record mutation produced by the executor.
type RecordChange struct {
	MemberID string
	From     chore.RecordState
	To       chore.RecordState
	Record   chore.AssigneeRecord
}

// Result describes what an executor call changed. An empty Changed slice
// means the decision was a no-op against the current state.
type Result struct {
	ChoreID  string
	Decision Decision
	Changed  []RecordChange
	// NewDue is the latest due date assigned by a reschedule, nil otherwise.
	NewDue *time.Time
}

// Apply applies a decision to the snapshot's records. The snapshot is
// updated in place so a follow-up Decide in the same evaluation sees the
// effect; the returned result lists every change for persistence and event
// emission. Applying a decision that has already taken effect is a no-op.
//
// For SHARED and SHARED_FIRST chores a reset covers every assignee record in
// this one call; for INDEPENDENT chores an approval-triggered reset touches
// only the approving assignee's record.
func Apply(ctx *Context, decision Decision) (Result, error) {
	result := Result{ChoreID: ctx.Chore.ID, Decision: decision}

	switch decision {
	case DecisionHold:
		return result, nil

	case DecisionAutoApprovePending:
		return applyAutoApprove(ctx)

	case DecisionResetOnly, DecisionResetReschedule:
		return applyReset(ctx, decision)

	default:
		return result, fmt.Errorf("unknown decision %q", decision)
	}
}

func applyAutoApprove(ctx *Context) (Result, error) {
	result := Result{ChoreID: ctx.Chore.ID, Decision: DecisionAutoApprovePending}

	claimed, approved := 0, 0
	for _, member := range ctx.Chore.Assignees {
		switch ctx.Records[member].State {
		case chore.StateClaimed:
			claimed++
		case chore.StateApproved:
			approved++
		}
	}
	if claimed == 0 {
		if approved > 0 {
			// Already applied: re-applying is a no-op.
			return result, nil
		}
		return result, &InvalidTransitionError{
			ChoreID:  ctx.Chore.ID,
			MemberID: "*",
			State:    chore.StatePending,
			Decision: DecisionAutoApprovePending,
		}
	}

	now := ctx.Now
	for _, member := range ctx.Chore.Assignees {
		rec := ctx.Records[member]
		if rec.State != chore.StateClaimed {
			continue
		}
		from := rec.State
		rec.State = chore.StateApproved
		rec.CompletedBy = rec.ClaimedBy
		rec.LastApproved = &now
		rec.UpdatedAt = now
		ctx.Records[member] = rec
		result.Changed = append(result.Changed, RecordChange{
			MemberID: member, From: from, To: rec.State, Record: rec,
		})
	}
	ctx.refresh()
	return result, nil
}

func applyReset(ctx *Context, decision Decision) (Result, error) {
	result := Result{ChoreID: ctx.Chore.ID, Decision: decision}
	c := ctx.Chore
	reschedule := decision == DecisionResetReschedule

	// An approval-triggered reset requires the approving record to actually
	// be approved in this snapshot; anything else is a state inconsistency
	// between the trigger and the snapshot.
	if ctx.Trigger == TriggerApproval {
		actor := ctx.record(ctx.Actor)
		if actor.State != chore.StateApproved {
			return result, &InvalidTransitionError{
				ChoreID:  c.ID,
				MemberID: ctx.Actor,
				State:    actor.State,
				Decision: decision,
			}
		}
	}

	// INDEPENDENT approval resets touch only the approving assignee; every
	// other case covers the whole chore atomically. A whole-chore completion
	// (SHARED/SHARED_FIRST) starts a new period for every assignee,
	// including records still PENDING. A manual reset is an unconditional
	// whole-chore batch regardless of reset type or criteria.
	targets := c.Assignees
	completionBatch := false
	switch {
	case ctx.Trigger == TriggerManual:
		completionBatch = true
	case ctx.Trigger == TriggerApproval && c.Criteria == chore.CriteriaIndependent:
		targets = []string{ctx.Actor}
	case ctx.Trigger == TriggerApproval:
		completionBatch = true
	case ctx.Trigger == TriggerBoundary && c.ResetType == chore.ResetUponCompletion:
		// Completion sweep after an auto-approval: INDEPENDENT resets only
		// the approved records; shared criteria complete the whole chore.
		if c.Criteria == chore.CriteriaIndependent {
			targets = approvedMembers(ctx)
		} else {
			completionBatch = true
		}
	}

	for _, member := range targets {
		rec := ctx.Records[member]
		from := rec.State
		changed, ok := resetRecord(&rec, ctx.Now, c.Recurrence, reschedule, completionBatch)
		if !ok {
			return Result{ChoreID: c.ID, Decision: decision}, &InvalidTransitionError{
				ChoreID:  c.ID,
				MemberID: member,
				State:    from,
				Decision: decision,
			}
		}
		if !changed {
			continue
		}
		ctx.Records[member] = rec
		result.Changed = append(result.Changed, RecordChange{
			MemberID: member, From: from, To: rec.State, Record: rec,
		})
		if reschedule && (result.NewDue == nil || rec.DueDate.After(*result.NewDue)) {
			due := rec.DueDate
			result.NewDue = &due
		}
	}
	ctx.refresh()
	return result, nil
}

// resetRecord applies a reset to a single record copy. It reports whether
// the record changed and whether the transition is legal. Rules:
//
//   - APPROVED, CLAIMED, OVERDUE reset in both modes.
//   - MISSED is cleared only by a reschedule; reset-only leaves it.
//   - PENDING is already actionable: a reset against it is an idempotent
//     no-op, except that a completion batch resets it with everyone else and
//     a reschedule of an elapsed due date advances it.
//
// The due date never decreases: a reschedule that computes no next due date
// (recurrence NONE) degrades to reset-only.
func resetRecord(rec *chore.AssigneeRecord, now time.Time, spec chore.RecurrenceSpec, reschedule, completionBatch bool) (changed, ok bool) {
	switch rec.State {
	case chore.StateApproved, chore.StateClaimed, chore.StateOverdue:
		// Resettable.
	case chore.StateMissed:
		if !reschedule {
			return false, true
		}
	case chore.StatePending:
		lapsed := !rec.DueDate.IsZero() && !rec.DueDate.After(now)
		if !completionBatch && !(reschedule && lapsed) {
			return false, true
		}
	default:
		return false, false
	}

	rec.State = chore.StatePending
	rec.ClaimedBy = ""
	rec.CompletedBy = ""
	rec.ApprovalPeriodStart = now
	rec.UpdatedAt = now
	if reschedule {
		if next := chore.NextDue(spec, rec.DueDate, now); next != nil && next.After(rec.DueDate) {
			rec.DueDate = *next
		}
	}
	return true, true
}

func approvedMembers(ctx *Context) []string {
	var out []string
	for _, member := range ctx.Chore.Assignees {
		if ctx.Records[member].State == chore.StateApproved {
			out = append(out, member)
		}
	}
	return out
}

// MarkLapsed flags unclaimed past-due records OVERDUE per the chore's
// overdue policy, and MISSED once the catch-up window has elapsed. It runs
// as a boundary-sweep pre-pass before the reset decision so the decision
// sees the lapsed states. Already-lapsed records are left alone.
func MarkLapsed(ctx *Context) []RecordChange {
	c := ctx.Chore
	var changes []RecordChange
	for _, member := range c.Assignees {
		rec := ctx.Records[member]
		if rec.DueDate.IsZero() || rec.DueDate.After(ctx.Now) {
			continue
		}
		from := rec.State
		switch rec.State {
		case chore.StatePending, chore.StateOverdue:
			if c.MissedAfterDays > 0 && !ctx.Now.Before(rec.DueDate.AddDate(0, 0, c.MissedAfterDays)) {
				rec.State = chore.StateMissed
			} else if rec.State == chore.StatePending && c.Overdue == chore.OverdueMark {
				rec.State = chore.StateOverdue
			}
		default:
			continue
		}
		if rec.State == from {
			continue
		}
		rec.UpdatedAt = ctx.Now
		ctx.Records[member] = rec
		changes = append(changes, RecordChange{
			MemberID: member, From: from, To: rec.State, Record: rec,
		})
	}
	if len(changes) > 0 {
		ctx.refresh()
	}
	return changes
}

package reset

import "github.com/basket/chorewheel/internal/chore"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionHold               Decision = "HOLD"
	DecisionResetOnly          Decision = "RESET_ONLY"
	DecisionResetReschedule    Decision = "RESET_AND_RESCHEDULE"
	DecisionAutoApprovePending Decision = "AUTO_APPROVE_PENDING"
)

// Decide maps an evaluation snapshot to a reset decision. It is pure and
// deterministic: it reads only the snapshot and never mutates it. The
// SHARED/SHARED_FIRST gate is computed from the same snapshot that the
// executor will mutate, so a per-assignee reset can never run ahead of the
// all-approved check.
func Decide(ctx Context) Decision {
	c := ctx.Chore

	// A claimed record at a boundary is auto-approved first when configured;
	// the caller re-runs Decide against the refreshed snapshot in the same
	// evaluation. This applies to every reset type, manual-only included: the
	// approval is automatic, the reset is not.
	if ctx.Trigger == TriggerBoundary &&
		ctx.PendingClaimPresent &&
		c.PendingClaim == chore.PendingClaimAutoApprove {
		return DecisionAutoApprovePending
	}

	// Manual-only chores reset exclusively via an explicit external command.
	if c.ResetType == chore.ResetManualOnly {
		return DecisionHold
	}

	switch ctx.Trigger {
	case TriggerApproval:
		// Approval only resets chores that reset upon completion; the rest
		// wait for their time boundary.
		if c.ResetType != chore.ResetUponCompletion {
			return DecisionHold
		}
		switch c.Criteria {
		case chore.CriteriaShared:
			if ctx.AllApproved {
				return DecisionResetReschedule
			}
			return DecisionHold
		case chore.CriteriaSharedFirst, chore.CriteriaIndependent:
			return DecisionResetReschedule
		}

	case TriggerBoundary:
		switch c.ResetType {
		case chore.ResetAtDueDate, chore.ResetAtDueDateTime,
			chore.ResetAtMidnight, chore.ResetAtMidnightOnce:
			// Time boundaries reset regardless of current approval status.
			if c.Recurrence.IsNone() {
				return DecisionResetOnly
			}
			return DecisionResetReschedule

		case chore.ResetUponCompletion:
			// Completion-reset chores normally reset on the approval
			// trigger; a boundary only sweeps records left APPROVED by an
			// auto-approval earlier in this same evaluation.
			done := ctx.AnyApproved()
			if c.Criteria == chore.CriteriaShared {
				done = ctx.AllApproved
			}
			if !done {
				return DecisionHold
			}
			if c.Recurrence.IsNone() {
				return DecisionResetOnly
			}
			return DecisionResetReschedule
		}
	}

	return DecisionHold
}

// Package reset contains the chore reset engine's decision core: the
// evaluation snapshot builder, the pure reset policy, and the executor that
// applies a decision to per-assignee records. Every trigger path (a user
// approval, the periodic boundary sweep, and the explicit reset command)
// flows through the same stages so a decision has identical effects
// regardless of which trigger fired.
package reset

import (
	"time"

	"github.com/basket/chorewheel/internal/chore"
)

// Trigger identifies the source of an evaluation.
type Trigger string

const (
	// TriggerApproval is a user approval action.
	TriggerApproval Trigger = "approval"
	// TriggerBoundary is a periodic time-boundary sweep.
	TriggerBoundary Trigger = "boundary"
	// TriggerManual is an explicit reset command.
	TriggerManual Trigger = "manual"
)

// Context is the immutable evaluation snapshot. It covers every assignee's
// record for the chore, never just the triggering one, so the policy never
// re-fetches state mid-decision.
type Context struct {
	Trigger Trigger
	Now     time.Time
	Chore   chore.Chore
	// Actor is the approving member for TriggerApproval, empty otherwise.
	Actor string
	// Records holds a private copy of every assignee's record, keyed by
	// member id.
	Records map[string]chore.AssigneeRecord

	// Derived over the full snapshot.
	AllApproved         bool
	PendingClaimPresent bool
}

// Build assembles an evaluation snapshot and validates the chore's
// configuration invariants. It fails with a *chore.ConfigurationError when
// the definition is invalid or a record is missing for an assignee.
func Build(trigger Trigger, actor string, c chore.Chore, records []chore.AssigneeRecord, now time.Time) (Context, error) {
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	if trigger == TriggerApproval && !c.Assigned(actor) {
		return Context{}, &chore.ConfigurationError{
			ChoreID: c.ID,
			Reason:  "approval actor " + actor + " is not an assignee",
		}
	}

	snapshot := make(map[string]chore.AssigneeRecord, len(records))
	for _, rec := range records {
		snapshot[rec.MemberID] = rec
	}
	for _, member := range c.Assignees {
		if _, ok := snapshot[member]; !ok {
			return Context{}, &chore.ConfigurationError{
				ChoreID: c.ID,
				Reason:  "no record for assignee " + member,
			}
		}
	}

	ctx := Context{
		Trigger: trigger,
		Now:     now,
		Chore:   c,
		Actor:   actor,
		Records: snapshot,
	}
	ctx.refresh()
	return ctx, nil
}

// refresh recomputes the derived flags from the current snapshot. Used after
// an AUTO_APPROVE_PENDING application so the approved state participates in
// the same evaluation's all-approved computation.
func (c *Context) refresh() {
	allApproved := true
	pendingClaim := false
	for _, member := range c.Chore.Assignees {
		rec := c.Records[member]
		if rec.State != chore.StateApproved {
			allApproved = false
		}
		if rec.State == chore.StateClaimed {
			pendingClaim = true
		}
	}
	c.AllApproved = allApproved
	c.PendingClaimPresent = pendingClaim
}

// AnyApproved reports whether at least one assignee record is APPROVED.
func (c Context) AnyApproved() bool {
	for _, member := range c.Chore.Assignees {
		if c.Records[member].State == chore.StateApproved {
			return true
		}
	}
	return false
}

// record returns a copy of the member's record from the snapshot.
func (c Context) record(member string) chore.AssigneeRecord {
	return c.Records[member]
}

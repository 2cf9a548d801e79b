// Package engine orchestrates chore evaluations. It owns the per-chore
// serialization locks and runs both trigger paths end to end: load a
// snapshot, decide, apply, persist, then publish. Bus events are published
// only after the persistence transaction commits, so a crash between the two
// loses at most a notification, never a state change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/chorewheel/internal/audit"
	"github.com/basket/chorewheel/internal/bus"
	"github.com/basket/chorewheel/internal/chore"
	"github.com/basket/chorewheel/internal/otel"
	"github.com/basket/chorewheel/internal/reset"
	"github.com/basket/chorewheel/internal/shared"
)

// ErrChoreBusy is returned when a non-blocking evaluation finds the chore's
// lock held by an in-flight evaluation. The caller retries on its next tick.
var ErrChoreBusy = errors.New("chore evaluation in progress")

// TransitionError reports a claim or approval against a record whose state
// does not permit it.
type TransitionError struct {
	ChoreID  string
	MemberID string
	State    chore.RecordState
	Action   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chore %s member %s: cannot %s record in state %s",
		e.ChoreID, e.MemberID, e.Action, e.State)
}

// Registry is the persistence surface the engine needs. *persistence.Store
// satisfies it.
type Registry interface {
	GetChore(ctx context.Context, id string) (chore.Chore, error)
	AssigneeRecords(ctx context.Context, id string) ([]chore.AssigneeRecord, error)
	ApplyEvaluation(ctx context.Context, choreID, trigger, decision string, changes []reset.RecordChange, watermark *time.Time) error
}

// Config holds engine dependencies.
type Config struct {
	Store   Registry
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine evaluates chores. All methods are safe for concurrent use;
// evaluations of the same chore are serialized on its lock.
type Engine struct {
	store   Registry
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	locks   *choreLocks
	now     func() time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		locks:   newChoreLocks(),
		now:     now,
	}
}

// Claim marks the member's record CLAIMED. Valid from PENDING and OVERDUE;
// anything else is a TransitionError.
func (e *Engine) Claim(ctx context.Context, choreID, memberID string) error {
	e.locks.Lock(choreID)
	defer e.locks.Unlock(choreID)

	c, err := e.store.GetChore(ctx, choreID)
	if err != nil {
		return err
	}
	if !c.Assigned(memberID) {
		return &chore.ConfigurationError{ChoreID: choreID, Reason: "claimant " + memberID + " is not an assignee"}
	}
	records, err := e.store.AssigneeRecords(ctx, choreID)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	var change reset.RecordChange
	found := false
	for _, rec := range records {
		if rec.MemberID != memberID {
			continue
		}
		found = true
		if rec.State != chore.StatePending && rec.State != chore.StateOverdue {
			return &TransitionError{ChoreID: choreID, MemberID: memberID, State: rec.State, Action: "claim"}
		}
		from := rec.State
		rec.State = chore.StateClaimed
		rec.ClaimedBy = memberID
		rec.LastClaimed = &now
		rec.UpdatedAt = now
		change = reset.RecordChange{MemberID: memberID, From: from, To: rec.State, Record: rec}
	}
	if !found {
		return &chore.ConfigurationError{ChoreID: choreID, Reason: "no record for assignee " + memberID}
	}

	if err := e.store.ApplyEvaluation(ctx, choreID, "claim", "CLAIM", []reset.RecordChange{change}, nil); err != nil {
		return fmt.Errorf("persist claim: %w", err)
	}
	e.publishChanges(choreID, "claim", "CLAIM", []reset.RecordChange{change}, now)
	e.logger.Info("chore claimed", "chore_id", choreID, "member_id", memberID)
	return nil
}

// Approve marks the member's record APPROVED and runs a full reset
// evaluation on the approval trigger, all under the chore's lock. The
// approval transition and any resulting resets commit in one transaction.
func (e *Engine) Approve(ctx context.Context, choreID, memberID string) (reset.Result, error) {
	e.locks.Lock(choreID)
	defer e.locks.Unlock(choreID)

	c, err := e.store.GetChore(ctx, choreID)
	if err != nil {
		return reset.Result{}, err
	}
	records, err := e.store.AssigneeRecords(ctx, choreID)
	if err != nil {
		return reset.Result{}, err
	}

	now := e.now().UTC()
	var approval reset.RecordChange
	found := false
	for i, rec := range records {
		if rec.MemberID != memberID {
			continue
		}
		found = true
		switch rec.State {
		case chore.StatePending, chore.StateClaimed, chore.StateOverdue:
			// Approvable.
		default:
			return reset.Result{}, &TransitionError{ChoreID: choreID, MemberID: memberID, State: rec.State, Action: "approve"}
		}
		from := rec.State
		rec.State = chore.StateApproved
		if rec.ClaimedBy != "" {
			rec.CompletedBy = rec.ClaimedBy
		} else {
			rec.CompletedBy = memberID
		}
		rec.LastApproved = &now
		rec.UpdatedAt = now
		records[i] = rec
		approval = reset.RecordChange{MemberID: memberID, From: from, To: rec.State, Record: rec}
	}
	if !found {
		return reset.Result{}, &chore.ConfigurationError{ChoreID: choreID, Reason: "no record for assignee " + memberID}
	}

	snapshot, err := reset.Build(reset.TriggerApproval, memberID, c, records, now)
	if err != nil {
		return reset.Result{}, err
	}
	decision := reset.Decide(snapshot)
	audit.Record(string(reset.TriggerApproval), choreID, string(decision), "approved by "+memberID, shared.TraceID(ctx))

	result, err := reset.Apply(&snapshot, decision)
	if err != nil {
		return reset.Result{}, err
	}

	changes := append([]reset.RecordChange{approval}, result.Changed...)
	if err := e.store.ApplyEvaluation(ctx, choreID, string(reset.TriggerApproval), string(decision), changes, nil); err != nil {
		return reset.Result{}, fmt.Errorf("persist approval evaluation: %w", err)
	}
	e.publishChanges(choreID, string(reset.TriggerApproval), string(decision), changes, now)
	e.countEvaluation(ctx, reset.TriggerApproval, decision, len(changes))
	e.logger.Info("approval evaluated",
		"chore_id", choreID, "member_id", memberID,
		"decision", string(decision), "changes", len(changes))
	return result, nil
}

// BoundaryResult summarizes one boundary evaluation.
type BoundaryResult struct {
	ChoreID  string
	Decision reset.Decision
	Changes  int
}

// EvaluateBoundary runs one boundary evaluation for the chore at the given
// boundary timestamp. It never blocks on the chore's lock: when an approval
// is in flight it returns ErrChoreBusy and the caller retries next tick,
// so the boundary is neither lost nor processed twice.
//
// The watermark advances to the boundary in the same transaction as the
// record changes, even when the decision is HOLD, so a processed boundary is
// never re-evaluated after a restart.
func (e *Engine) EvaluateBoundary(ctx context.Context, choreID string, boundary time.Time) (BoundaryResult, error) {
	if !e.locks.TryLock(choreID) {
		if e.bus != nil {
			e.bus.Publish(bus.TopicScanDeferred, bus.ScanDeferredEvent{
				ChoreID: choreID,
				Reason:  "approval in progress",
			})
		}
		if e.metrics != nil {
			e.metrics.DeferredChores.Add(ctx, 1)
		}
		return BoundaryResult{ChoreID: choreID}, ErrChoreBusy
	}
	defer e.locks.Unlock(choreID)

	c, err := e.store.GetChore(ctx, choreID)
	if err != nil {
		return BoundaryResult{ChoreID: choreID}, err
	}
	records, err := e.store.AssigneeRecords(ctx, choreID)
	if err != nil {
		return BoundaryResult{ChoreID: choreID}, err
	}

	now := e.now().UTC()
	snapshot, err := reset.Build(reset.TriggerBoundary, "", c, records, now)
	if err != nil {
		return BoundaryResult{ChoreID: choreID}, err
	}

	changes := reset.MarkLapsed(&snapshot)

	decision := reset.Decide(snapshot)
	if decision == reset.DecisionAutoApprovePending {
		audit.Record(string(reset.TriggerBoundary), choreID, string(decision), "", shared.TraceID(ctx))
		autoResult, err := reset.Apply(&snapshot, decision)
		if err != nil {
			return BoundaryResult{ChoreID: choreID}, err
		}
		changes = append(changes, autoResult.Changed...)
		// The auto-approval participates in this same evaluation: re-decide
		// against the refreshed snapshot.
		decision = reset.Decide(snapshot)
	}
	audit.Record(string(reset.TriggerBoundary), choreID, string(decision), "", shared.TraceID(ctx))

	result, err := reset.Apply(&snapshot, decision)
	if err != nil {
		return BoundaryResult{ChoreID: choreID}, err
	}
	changes = append(changes, result.Changed...)

	mark := boundary.UTC()
	if err := e.store.ApplyEvaluation(ctx, choreID, string(reset.TriggerBoundary), string(decision), changes, &mark); err != nil {
		return BoundaryResult{ChoreID: choreID}, fmt.Errorf("persist boundary evaluation: %w", err)
	}
	e.publishChanges(choreID, string(reset.TriggerBoundary), string(decision), changes, now)
	e.countEvaluation(ctx, reset.TriggerBoundary, decision, len(changes))
	e.logger.Info("boundary evaluated",
		"chore_id", choreID, "boundary", mark,
		"decision", string(decision), "changes", len(changes))
	return BoundaryResult{ChoreID: choreID, Decision: decision, Changes: len(changes)}, nil
}

// ResetManual resets a chore on an explicit command, the only reset path for
// MANUAL_ONLY chores. The reset bypasses the policy and covers every
// assignee; recurrence still controls whether due dates advance.
func (e *Engine) ResetManual(ctx context.Context, choreID string) (reset.Result, error) {
	e.locks.Lock(choreID)
	defer e.locks.Unlock(choreID)

	c, err := e.store.GetChore(ctx, choreID)
	if err != nil {
		return reset.Result{}, err
	}
	records, err := e.store.AssigneeRecords(ctx, choreID)
	if err != nil {
		return reset.Result{}, err
	}

	now := e.now().UTC()
	snapshot, err := reset.Build(reset.TriggerManual, "", c, records, now)
	if err != nil {
		return reset.Result{}, err
	}
	decision := reset.DecisionResetReschedule
	if c.Recurrence.IsNone() {
		decision = reset.DecisionResetOnly
	}
	audit.Record(string(reset.TriggerManual), choreID, string(decision), "manual reset", shared.TraceID(ctx))

	result, err := reset.Apply(&snapshot, decision)
	if err != nil {
		return reset.Result{}, err
	}
	if err := e.store.ApplyEvaluation(ctx, choreID, string(reset.TriggerManual), string(decision), result.Changed, nil); err != nil {
		return reset.Result{}, fmt.Errorf("persist manual reset: %w", err)
	}
	e.publishChanges(choreID, string(reset.TriggerManual), string(decision), result.Changed, now)
	e.logger.Info("manual reset", "chore_id", choreID, "changes", len(result.Changed))
	return result, nil
}

// publishChanges emits one bus event per record change, after persistence.
func (e *Engine) publishChanges(choreID, trigger, decision string, changes []reset.RecordChange, now time.Time) {
	if e.bus == nil {
		return
	}
	for _, change := range changes {
		payload := bus.RecordChangedEvent{
			ChoreID:   choreID,
			MemberID:  change.MemberID,
			OldState:  string(change.From),
			NewState:  string(change.To),
			Trigger:   trigger,
			Decision:  decision,
			DueDate:   change.Record.DueDate,
			ChangedAt: now,
		}
		e.bus.Publish(topicFor(trigger, change), payload)
	}
}

func topicFor(trigger string, change reset.RecordChange) string {
	switch change.To {
	case chore.StateClaimed:
		return bus.TopicChoreClaimed
	case chore.StateApproved:
		if trigger == string(reset.TriggerBoundary) {
			return bus.TopicChoreAutoApproved
		}
		return bus.TopicChoreApproved
	case chore.StateOverdue:
		return bus.TopicChoreOverdue
	case chore.StateMissed:
		return bus.TopicChoreMissed
	case chore.StatePending:
		if change.From == chore.StatePending {
			return bus.TopicChoreRescheduled
		}
		return bus.TopicChoreReset
	default:
		return bus.TopicChoreReset
	}
}

func (e *Engine) countEvaluation(ctx context.Context, trigger reset.Trigger, decision reset.Decision, changes int) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("decision", string(decision)),
	)
	e.metrics.Evaluations.Add(ctx, 1, attrs)
	if changes > 0 {
		e.metrics.RecordChanges.Add(ctx, int64(changes), attrs)
	}
}

package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/chorewheel/internal/bus"
	"github.com/basket/chorewheel/internal/chore"
	"github.com/basket/chorewheel/internal/engine"
	"github.com/basket/chorewheel/internal/persistence"
	"github.com/basket/chorewheel/internal/reset"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chorewheel.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedChore(t *testing.T, store *persistence.Store, c chore.Chore, due time.Time) {
	t.Helper()
	if err := store.UpsertChore(context.Background(), c, due, time.Now()); err != nil {
		t.Fatalf("seed chore %s: %v", c.ID, err)
	}
}

func newEngine(store engine.Registry, b *bus.Bus) *engine.Engine {
	return engine.New(engine.Config{Store: store, Bus: b})
}

func TestClaimAndApprove_IndependentDaily(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:         "dishes",
		Criteria:   chore.CriteriaIndependent,
		ResetType:  chore.ResetUponCompletion,
		Recurrence: chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitDays},
		Assignees:  []string{"alice"},
	}
	seedChore(t, store, c, due)

	b := bus.New()
	sub := b.Subscribe("chore.")
	defer b.Unsubscribe(sub)
	eng := newEngine(store, b)

	if err := eng.Claim(ctx, "dishes", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, err := store.GetRecord(ctx, "dishes", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StateClaimed || rec.ClaimedBy != "alice" {
		t.Fatalf("after claim: %+v", rec)
	}

	result, err := eng.Approve(ctx, "dishes", "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if result.Decision != reset.DecisionResetReschedule {
		t.Fatalf("decision = %s, want %s", result.Decision, reset.DecisionResetReschedule)
	}

	// The approval completes and the record starts a fresh period.
	rec, err = store.GetRecord(ctx, "dishes", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StatePending {
		t.Fatalf("state = %s, want PENDING after reset", rec.State)
	}
	if rec.ClaimedBy != "" || rec.CompletedBy != "" {
		t.Fatalf("claim fields not cleared: %+v", rec)
	}
	if !rec.DueDate.After(due) {
		t.Fatalf("due %v not advanced past %v", rec.DueDate, due)
	}
	if rec.LastApproved == nil {
		t.Fatal("LastApproved not recorded")
	}

	// Lifecycle events were published: claimed, approved, then reset.
	wantTopics := []string{bus.TopicChoreClaimed, bus.TopicChoreApproved, bus.TopicChoreReset}
	for _, want := range wantTopics {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("event topic = %s, want %s", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestApprove_SharedGatesOnAllAssignees(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:         "kitchen",
		Criteria:   chore.CriteriaShared,
		ResetType:  chore.ResetUponCompletion,
		Recurrence: chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitWeeks},
		Assignees:  []string{"alice", "bob"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	// First approval holds: the other assignee has not finished.
	result, err := eng.Approve(ctx, "kitchen", "alice")
	if err != nil {
		t.Fatalf("approve alice: %v", err)
	}
	if result.Decision != reset.DecisionHold {
		t.Fatalf("decision = %s, want %s", result.Decision, reset.DecisionHold)
	}
	rec, err := store.GetRecord(ctx, "kitchen", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StateApproved {
		t.Fatalf("alice state = %s, want APPROVED (held)", rec.State)
	}

	// Final approval resets the whole chore atomically.
	result, err = eng.Approve(ctx, "kitchen", "bob")
	if err != nil {
		t.Fatalf("approve bob: %v", err)
	}
	if result.Decision != reset.DecisionResetReschedule {
		t.Fatalf("decision = %s, want %s", result.Decision, reset.DecisionResetReschedule)
	}
	for _, member := range c.Assignees {
		rec, err := store.GetRecord(ctx, "kitchen", member)
		if err != nil {
			t.Fatalf("get record %s: %v", member, err)
		}
		if rec.State != chore.StatePending {
			t.Fatalf("%s state = %s, want PENDING", member, rec.State)
		}
		if !rec.DueDate.After(due) {
			t.Fatalf("%s due %v not advanced", member, rec.DueDate)
		}
	}
}

func TestApprove_InvalidStateRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:        "garage",
		Criteria:  chore.CriteriaIndependent,
		ResetType: chore.ResetManualOnly,
		Assignees: []string{"alice"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	// Manual-only: approval holds, record stays APPROVED.
	if _, err := eng.Approve(ctx, "garage", "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// A second approval finds an already-APPROVED record.
	_, err := eng.Approve(ctx, "garage", "alice")
	var transErr *engine.TransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
	if transErr.State != chore.StateApproved || transErr.Action != "approve" {
		t.Fatalf("error details = %+v", transErr)
	}
}

func TestClaim_InvalidStateRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:        "dishes",
		Criteria:  chore.CriteriaIndependent,
		ResetType: chore.ResetUponCompletion,
		Assignees: []string{"alice"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	if err := eng.Claim(ctx, "dishes", "alice"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := eng.Claim(ctx, "dishes", "alice")
	var transErr *engine.TransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}

	// Non-assignees cannot claim at all.
	err = eng.Claim(ctx, "dishes", "mallory")
	var cfgErr *chore.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
}

func TestEvaluateBoundary_AutoApprovesClaimInSameEvaluation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:           "laundry",
		Criteria:     chore.CriteriaIndependent,
		ResetType:    chore.ResetUponCompletion,
		Recurrence:   chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitDays},
		PendingClaim: chore.PendingClaimAutoApprove,
		Assignees:    []string{"alice"},
	}
	seedChore(t, store, c, due)

	b := bus.New()
	sub := b.Subscribe("chore.")
	defer b.Unsubscribe(sub)
	eng := newEngine(store, b)

	if err := eng.Claim(ctx, "laundry", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	boundary := time.Now().UTC()
	res, err := eng.EvaluateBoundary(ctx, "laundry", boundary)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != reset.DecisionResetReschedule {
		t.Fatalf("decision = %s, want %s", res.Decision, reset.DecisionResetReschedule)
	}
	// One auto-approval plus one reset.
	if res.Changes != 2 {
		t.Fatalf("changes = %d, want 2", res.Changes)
	}

	rec, err := store.GetRecord(ctx, "laundry", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StatePending {
		t.Fatalf("state = %s, want PENDING", rec.State)
	}
	if rec.LastApproved == nil {
		t.Fatal("auto-approval did not record LastApproved")
	}

	mark, err := store.Watermark(ctx, "laundry")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !mark.Equal(boundary) {
		t.Fatalf("watermark = %v, want %v", mark, boundary)
	}

	// Drain the claim event, then expect auto-approve and reset.
	<-sub.Ch()
	wantTopics := []string{bus.TopicChoreAutoApproved, bus.TopicChoreReset}
	for _, want := range wantTopics {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("event topic = %s, want %s", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestEvaluateBoundary_ManualOnlyAutoApprovesWithoutReset(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:           "attic",
		Criteria:     chore.CriteriaIndependent,
		ResetType:    chore.ResetManualOnly,
		PendingClaim: chore.PendingClaimAutoApprove,
		Assignees:    []string{"alice"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	if err := eng.Claim(ctx, "attic", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The boundary auto-approves the claim but never resets a manual chore:
	// the record stays APPROVED until the explicit reset command.
	res, err := eng.EvaluateBoundary(ctx, "attic", time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != reset.DecisionHold {
		t.Fatalf("decision = %s, want %s", res.Decision, reset.DecisionHold)
	}
	if res.Changes != 1 {
		t.Fatalf("changes = %d, want 1 (the auto-approval)", res.Changes)
	}
	rec, err := store.GetRecord(ctx, "attic", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StateApproved {
		t.Fatalf("state = %s, want APPROVED", rec.State)
	}
	if rec.CompletedBy != "alice" {
		t.Fatalf("CompletedBy = %q, want claimant", rec.CompletedBy)
	}
}

func TestEvaluateBoundary_MarksLapsedRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(-2 * time.Hour)

	c := chore.Chore{
		ID:        "plants",
		Criteria:  chore.CriteriaIndependent,
		ResetType: chore.ResetUponCompletion,
		Overdue:   chore.OverdueMark,
		Assignees: []string{"alice"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	res, err := eng.EvaluateBoundary(ctx, "plants", time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != reset.DecisionHold {
		t.Fatalf("decision = %s, want %s", res.Decision, reset.DecisionHold)
	}
	rec, err := store.GetRecord(ctx, "plants", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StateOverdue {
		t.Fatalf("state = %s, want OVERDUE", rec.State)
	}
}

func TestResetManual(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:         "garage",
		Criteria:   chore.CriteriaIndependent,
		ResetType:  chore.ResetManualOnly,
		Recurrence: chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitMonths},
		Assignees:  []string{"alice"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	if _, err := eng.Approve(ctx, "garage", "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rec, err := store.GetRecord(ctx, "garage", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StateApproved {
		t.Fatalf("state = %s, want APPROVED before manual reset", rec.State)
	}

	result, err := eng.ResetManual(ctx, "garage")
	if err != nil {
		t.Fatalf("manual reset: %v", err)
	}
	if len(result.Changed) != 1 {
		t.Fatalf("changed = %d, want 1", len(result.Changed))
	}
	rec, err = store.GetRecord(ctx, "garage", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != chore.StatePending {
		t.Fatalf("state = %s, want PENDING", rec.State)
	}
	if !rec.DueDate.After(due) {
		t.Fatalf("due %v not advanced past %v", rec.DueDate, due)
	}
}

func TestResetManual_RecoversClaimedAndMissed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:              "compost",
		Criteria:        chore.CriteriaIndependent,
		ResetType:       chore.ResetUponCompletion,
		Recurrence:      chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitDays},
		MissedAfterDays: 3,
		Assignees:       []string{"alice", "bob"},
	}
	seedChore(t, store, c, due)
	eng := newEngine(store, nil)

	if err := eng.Claim(ctx, "compost", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Put bob's record into MISSED, the state both claim and approve reject.
	bob, err := store.GetRecord(ctx, "compost", "bob")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	bob.State = chore.StateMissed
	bob.UpdatedAt = time.Now().UTC()
	change := reset.RecordChange{MemberID: "bob", From: chore.StatePending, To: chore.StateMissed, Record: bob}
	if err := store.ApplyEvaluation(ctx, "compost", "boundary", "HOLD", []reset.RecordChange{change}, nil); err != nil {
		t.Fatalf("mark missed: %v", err)
	}

	// The manual reset is the recovery path: it must cover every assignee,
	// whatever state their record is in.
	result, err := eng.ResetManual(ctx, "compost")
	if err != nil {
		t.Fatalf("manual reset: %v", err)
	}
	if len(result.Changed) != 2 {
		t.Fatalf("changed = %d, want 2 (whole chore)", len(result.Changed))
	}
	for _, member := range c.Assignees {
		rec, err := store.GetRecord(ctx, "compost", member)
		if err != nil {
			t.Fatalf("get record %s: %v", member, err)
		}
		if rec.State != chore.StatePending {
			t.Fatalf("%s state = %s, want PENDING after manual reset", member, rec.State)
		}
		if rec.ClaimedBy != "" {
			t.Fatalf("%s claim not cleared: %+v", member, rec)
		}
		if !rec.DueDate.After(due) {
			t.Fatalf("%s due %v not advanced past %v", member, rec.DueDate, due)
		}
	}
}

// gatedStore blocks AssigneeRecords until released, simulating a slow
// in-flight approval holding the chore lock.
type gatedStore struct {
	*persistence.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	gated   bool
	mu      sync.Mutex
}

func (g *gatedStore) AssigneeRecords(ctx context.Context, choreID string) ([]chore.AssigneeRecord, error) {
	g.mu.Lock()
	gated := g.gated
	g.mu.Unlock()
	if gated {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.AssigneeRecords(ctx, choreID)
}

func (g *gatedStore) setGated(v bool) {
	g.mu.Lock()
	g.gated = v
	g.mu.Unlock()
}

func TestEvaluateBoundary_DefersWhileApprovalInFlight(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(6 * time.Hour)

	c := chore.Chore{
		ID:         "dishes",
		Criteria:   chore.CriteriaIndependent,
		ResetType:  chore.ResetUponCompletion,
		Recurrence: chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitDays},
		Assignees:  []string{"alice"},
	}
	seedChore(t, store, c, due)

	gated := &gatedStore{
		Store:   store,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gated.setGated(true)

	b := bus.New()
	scanSub := b.Subscribe("scan.")
	defer b.Unsubscribe(scanSub)
	eng := newEngine(gated, b)

	// Start an approval that stalls while holding the chore lock.
	done := make(chan error, 1)
	go func() {
		_, err := eng.Approve(ctx, "dishes", "alice")
		done <- err
	}()
	<-gated.entered

	// The boundary evaluation must not block or interleave: it defers.
	_, err := eng.EvaluateBoundary(ctx, "dishes", time.Now().UTC())
	if !errors.Is(err, engine.ErrChoreBusy) {
		t.Fatalf("err = %v, want ErrChoreBusy", err)
	}
	select {
	case ev := <-scanSub.Ch():
		if ev.Topic != bus.TopicScanDeferred {
			t.Fatalf("event topic = %s, want %s", ev.Topic, bus.TopicScanDeferred)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for deferred event")
	}

	// Watermark untouched: the boundary will be retried.
	mark, err := store.Watermark(ctx, "dishes")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("watermark = %v, want zero", mark)
	}

	// Let the approval finish; the retried evaluation then proceeds.
	gated.setGated(false)
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := eng.EvaluateBoundary(ctx, "dishes", time.Now().UTC()); err != nil {
		t.Fatalf("retried evaluate: %v", err)
	}
}

package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/chorewheel/internal/chore"
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

func testChore(id string, assignees ...string) chore.Chore {
	criteria := chore.CriteriaIndependent
	if len(assignees) > 1 {
		criteria = chore.CriteriaShared
	}
	return chore.Chore{
		ID:         id,
		Name:       "test " + id,
		Criteria:   criteria,
		ResetType:  chore.ResetUponCompletion,
		Recurrence: chore.RecurrenceSpec{Interval: 1, Unit: chore.UnitDays},
		Overdue:    chore.OverdueNone,
		Assignees:  assignees,
	}
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chorewheel.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	if err := store.UpsertChore(ctx, testChore("dishes", "alice"), now.AddDate(0, 0, 1), now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if _, err := store.GetChore(ctx, "dishes"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestUpsertChore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	due := now.AddDate(0, 0, 1)

	want := testChore("kitchen", "alice", "bob")
	want.ResetType = chore.ResetAtMidnight
	want.Recurrence = chore.RecurrenceSpec{Interval: 2, Unit: chore.UnitWeeks}
	want.Overdue = chore.OverdueMark
	want.MissedAfterDays = 3
	want.PendingClaim = chore.PendingClaimAutoApprove

	if err := store.UpsertChore(ctx, want, due, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetChore(ctx, "kitchen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != want.Name || got.Criteria != want.Criteria ||
		got.ResetType != want.ResetType || got.Recurrence != want.Recurrence ||
		got.Overdue != want.Overdue || got.MissedAfterDays != want.MissedAfterDays ||
		got.PendingClaim != want.PendingClaim {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
	if len(got.Assignees) != 2 || got.Assignees[0] != "alice" || got.Assignees[1] != "bob" {
		t.Fatalf("assignees = %v, want [alice bob] in order", got.Assignees)
	}

	records, err := store.AssigneeRecords(ctx, "kitchen")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.State != chore.StatePending {
			t.Fatalf("initial state = %s, want PENDING", rec.State)
		}
		if !rec.DueDate.Equal(due) {
			t.Fatalf("due = %v, want %v", rec.DueDate, due)
		}
	}
}

func TestUpsertChore_ReconcilesAssignees(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	due := now.AddDate(0, 0, 1)

	c := testChore("trash", "alice", "bob")
	if err := store.UpsertChore(ctx, c, due, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Mark alice's record so we can tell it survives the re-upsert.
	rec, err := store.GetRecord(ctx, "trash", "alice")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	rec.State = chore.StateClaimed
	rec.ClaimedBy = "alice"
	rec.UpdatedAt = now
	change := reset.RecordChange{MemberID: "alice", From: chore.StatePending, To: chore.StateClaimed, Record: rec}
	if err := store.ApplyEvaluation(ctx, "trash", "claim", "CLAIM", []reset.RecordChange{change}, nil); err != nil {
		t.Fatalf("apply claim: %v", err)
	}

	// Replace bob with carol.
	c.Assignees = []string{"alice", "carol"}
	if err := store.UpsertChore(ctx, c, due, now); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	records, err := store.AssigneeRecords(ctx, "trash")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].MemberID != "alice" || records[0].State != chore.StateClaimed {
		t.Fatalf("alice record = %+v, want CLAIMED preserved", records[0])
	}
	if records[1].MemberID != "carol" || records[1].State != chore.StatePending {
		t.Fatalf("carol record = %+v, want fresh PENDING", records[1])
	}
	if _, err := store.GetRecord(ctx, "trash", "bob"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("bob record err = %v, want ErrNotFound", err)
	}
}

func TestGetChore_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetChore(context.Background(), "nope")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteChore_CascadesToRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.UpsertChore(ctx, testChore("dishes", "alice"), now.AddDate(0, 0, 1), now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteChore(ctx, "dishes"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetChore(ctx, "dishes"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("chore err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetRecord(ctx, "dishes", "alice"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("record err = %v, want ErrNotFound", err)
	}
}

func TestListChoreIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a-dishes", "b-trash"} {
		if err := store.UpsertChore(ctx, testChore(id, "alice"), now, now); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	ids, err := store.ListChoreIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
}

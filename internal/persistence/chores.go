package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/chorewheel/internal/chore"
)

// UpsertChore creates or replaces a chore definition and reconciles its
// per-assignee records: newly assigned members get a fresh PENDING record
// with the given due date, removed members lose theirs. Existing records are
// left untouched.
func (s *Store) UpsertChore(ctx context.Context, c chore.Chore, due, now time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert chore tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chores (
				id, name, completion_criteria, approval_reset_type,
				recurrence_interval, recurrence_unit, overdue_handling,
				missed_after_days, pending_claim_action, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				completion_criteria = excluded.completion_criteria,
				approval_reset_type = excluded.approval_reset_type,
				recurrence_interval = excluded.recurrence_interval,
				recurrence_unit = excluded.recurrence_unit,
				overdue_handling = excluded.overdue_handling,
				missed_after_days = excluded.missed_after_days,
				pending_claim_action = excluded.pending_claim_action,
				updated_at = CURRENT_TIMESTAMP;
		`, c.ID, c.Name, string(c.Criteria), string(c.ResetType),
			c.Recurrence.Interval, string(c.Recurrence.Unit), string(c.Overdue),
			c.MissedAfterDays, string(c.PendingClaim)); err != nil {
			return fmt.Errorf("upsert chore: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chore_assignees WHERE chore_id = ?;`, c.ID); err != nil {
			return fmt.Errorf("clear assignees: %w", err)
		}
		for i, member := range c.Assignees {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chore_assignees (chore_id, member_id, position)
				VALUES (?, ?, ?);
			`, c.ID, member, i); err != nil {
				return fmt.Errorf("insert assignee %s: %w", member, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO assignee_records (
					chore_id, member_id, state, approval_period_start, due_date, created_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
				ON CONFLICT(chore_id, member_id) DO NOTHING;
			`, c.ID, member, string(chore.StatePending), now.UTC(), due.UTC()); err != nil {
				return fmt.Errorf("insert record for %s: %w", member, err)
			}
		}
		// Drop records for members no longer assigned.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM assignee_records
			WHERE chore_id = ?
			  AND member_id NOT IN (SELECT member_id FROM chore_assignees WHERE chore_id = ?);
		`, c.ID, c.ID); err != nil {
			return fmt.Errorf("prune records: %w", err)
		}
		return tx.Commit()
	})
}

// GetChore loads a chore definition with its ordered assignee set.
// Returns ErrNotFound when the chore does not exist.
func (s *Store) GetChore(ctx context.Context, id string) (chore.Chore, error) {
	var c chore.Chore
	var criteria, resetType, unit, overdue, pendingClaim string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, completion_criteria, approval_reset_type,
			recurrence_interval, recurrence_unit, overdue_handling,
			missed_after_days, pending_claim_action
		FROM chores
		WHERE id = ?;
	`, id).Scan(&c.ID, &c.Name, &criteria, &resetType,
		&c.Recurrence.Interval, &unit, &overdue,
		&c.MissedAfterDays, &pendingClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return chore.Chore{}, fmt.Errorf("chore %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chore.Chore{}, fmt.Errorf("select chore: %w", err)
	}
	c.Criteria = chore.CompletionCriteria(criteria)
	c.ResetType = chore.ApprovalResetType(resetType)
	c.Recurrence.Unit = chore.RecurrenceUnit(unit)
	c.Overdue = chore.OverdueHandling(overdue)
	c.PendingClaim = chore.PendingClaimAction(pendingClaim)

	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id FROM chore_assignees
		WHERE chore_id = ?
		ORDER BY position ASC;
	`, id)
	if err != nil {
		return chore.Chore{}, fmt.Errorf("query assignees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return chore.Chore{}, fmt.Errorf("scan assignee: %w", err)
		}
		c.Assignees = append(c.Assignees, member)
	}
	if err := rows.Err(); err != nil {
		return chore.Chore{}, fmt.Errorf("assignee rows: %w", err)
	}
	return c, nil
}

// ListChoreIDs returns all chore ids in creation order.
func (s *Store) ListChoreIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chores ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list chores: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chore id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chore rows: %w", err)
	}
	return ids, nil
}

// DeleteChore removes a chore, its assignments, and its records.
func (s *Store) DeleteChore(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chores WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete chore: %w", err)
	}
	return nil
}

// Watermark returns the last boundary timestamp already processed for the
// chore, or the zero time when no boundary has been processed yet.
func (s *Store) Watermark(ctx context.Context, choreID string) (time.Time, error) {
	var mark sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT boundary_watermark FROM chores WHERE id = ?;
	`, choreID).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("chore %s: %w", choreID, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select watermark: %w", err)
	}
	if !mark.Valid {
		return time.Time{}, nil
	}
	return mark.Time, nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/chorewheel/internal/chore"
	"github.com/basket/chorewheel/internal/reset"
	"github.com/basket/chorewheel/internal/shared"
)

// ChoreEvent is a row in the append-only chore event log.
type ChoreEvent struct {
	EventID   int64     `json:"event_id"`
	ChoreID   string    `json:"chore_id"`
	MemberID  string    `json:"member_id"`
	Trigger   string    `json:"trigger_source"`
	Decision  string    `json:"decision"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from"`
	StateTo   string    `json:"state_to"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AssigneeRecords returns the full record snapshot for a chore, in assignee
// order.
func (s *Store) AssigneeRecords(ctx context.Context, choreID string) ([]chore.AssigneeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.chore_id, r.member_id, r.state, r.claimed_by, r.completed_by,
			r.last_claimed, r.last_approved, r.approval_period_start, r.due_date,
			r.created_at, r.updated_at
		FROM assignee_records r
		JOIN chore_assignees a ON a.chore_id = r.chore_id AND a.member_id = r.member_id
		WHERE r.chore_id = ?
		ORDER BY a.position ASC;
	`, choreID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []chore.AssigneeRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record rows: %w", err)
	}
	return out, nil
}

// GetRecord returns a single (chore, member) record.
func (s *Store) GetRecord(ctx context.Context, choreID, memberID string) (chore.AssigneeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chore_id, member_id, state, claimed_by, completed_by,
			last_claimed, last_approved, approval_period_start, due_date,
			created_at, updated_at
		FROM assignee_records
		WHERE chore_id = ? AND member_id = ?;
	`, choreID, memberID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return chore.AssigneeRecord{}, fmt.Errorf("record %s/%s: %w", choreID, memberID, ErrNotFound)
	}
	return rec, err
}

func scanRecord(scanFn func(dest ...any) error) (chore.AssigneeRecord, error) {
	var rec chore.AssigneeRecord
	var state string
	var lastClaimed, lastApproved sql.NullTime
	if err := scanFn(
		&rec.ChoreID,
		&rec.MemberID,
		&state,
		&rec.ClaimedBy,
		&rec.CompletedBy,
		&lastClaimed,
		&lastApproved,
		&rec.ApprovalPeriodStart,
		&rec.DueDate,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return chore.AssigneeRecord{}, err
	}
	rec.State = chore.RecordState(state)
	if lastClaimed.Valid {
		t := lastClaimed.Time
		rec.LastClaimed = &t
	}
	if lastApproved.Valid {
		t := lastApproved.Time
		rec.LastApproved = &t
	}
	return rec, nil
}

// ApplyEvaluation persists every record change of one evaluation in a single
// transaction, appending one chore event per change and optionally advancing
// the chore's boundary watermark. The whole batch commits or none of it
// does; callers emit bus events only after this returns nil.
func (s *Store) ApplyEvaluation(ctx context.Context, choreID, trigger, decision string, changes []reset.RecordChange, watermark *time.Time) error {
	if len(changes) == 0 && watermark == nil {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin evaluation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, change := range changes {
			rec := change.Record
			res, err := tx.ExecContext(ctx, `
				UPDATE assignee_records
				SET state = ?,
					claimed_by = ?,
					completed_by = ?,
					last_claimed = ?,
					last_approved = ?,
					approval_period_start = ?,
					due_date = ?,
					updated_at = ?
				WHERE chore_id = ? AND member_id = ?;
			`, string(rec.State), rec.ClaimedBy, rec.CompletedBy,
				nullTime(rec.LastClaimed), nullTime(rec.LastApproved),
				rec.ApprovalPeriodStart.UTC(), rec.DueDate.UTC(), rec.UpdatedAt.UTC(),
				choreID, change.MemberID)
			if err != nil {
				return fmt.Errorf("update record %s/%s: %w", choreID, change.MemberID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("evaluation rows affected: %w", err)
			}
			if affected != 1 {
				return fmt.Errorf("record %s/%s: %w", choreID, change.MemberID, ErrNotFound)
			}
			if err := s.appendChoreEventTx(ctx, tx, choreID, trigger, decision, change); err != nil {
				return err
			}
		}

		if watermark != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE chores
				SET boundary_watermark = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, watermark.UTC(), choreID); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) appendChoreEventTx(ctx context.Context, tx *sql.Tx, choreID, trigger, decision string, change reset.RecordChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chore_events (
			chore_id, member_id, trigger_source, decision, event_type,
			state_from, state_to, trace_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, choreID, change.MemberID, trigger, decision, eventTypeFor(change),
		string(change.From), string(change.To), shared.TraceID(ctx))
	if err != nil {
		return fmt.Errorf("insert chore_event: %w", err)
	}
	return nil
}

// eventTypeFor maps a record change to its event log type.
func eventTypeFor(change reset.RecordChange) string {
	if change.From == chore.StatePending && change.To == chore.StatePending {
		return "record.rescheduled"
	}
	switch change.To {
	case chore.StateClaimed:
		return "record.claimed"
	case chore.StateApproved:
		return "record.approved"
	case chore.StatePending:
		return "record.reset"
	case chore.StateOverdue:
		return "record.overdue"
	case chore.StateMissed:
		return "record.missed"
	default:
		return "record.changed"
	}
}

// ListChoreEvents returns up to limit events for a chore, oldest first.
func (s *Store) ListChoreEvents(ctx context.Context, choreID string, limit int) ([]ChoreEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, chore_id, member_id, trigger_source, decision,
			event_type, COALESCE(state_from, ''), state_to, COALESCE(trace_id, ''), created_at
		FROM chore_events
		WHERE chore_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, choreID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chore events: %w", err)
	}
	defer rows.Close()

	var out []ChoreEvent
	for rows.Next() {
		var ev ChoreEvent
		if err := rows.Scan(&ev.EventID, &ev.ChoreID, &ev.MemberID, &ev.Trigger,
			&ev.Decision, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.TraceID,
			&ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chore event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chore event rows: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Valid: true, Time: t.UTC()}
}

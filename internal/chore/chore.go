// Package chore defines the chore domain model: chore definitions, the
// per-assignee completion records, and the recurrence calculator that
// advances due dates.
package chore

import (
	"fmt"
	"time"
)

// CompletionCriteria controls how a chore shared by multiple assignees
// counts as complete.
type CompletionCriteria string

const (
	// CriteriaIndependent tracks every assignee separately.
	CriteriaIndependent CompletionCriteria = "INDEPENDENT"
	// CriteriaShared completes only when all assignees are approved.
	CriteriaShared CompletionCriteria = "SHARED"
	// CriteriaSharedFirst completes for everyone on the first approval.
	CriteriaSharedFirst CompletionCriteria = "SHARED_FIRST"
)

// ApprovalResetType is the timing rule controlling when a completed chore's
// record returns to PENDING.
type ApprovalResetType string

const (
	ResetUponCompletion ApprovalResetType = "UPON_COMPLETION"
	ResetAtDueDate      ApprovalResetType = "AT_DUE_DATE"
	ResetAtDueDateTime  ApprovalResetType = "AT_DUE_DATE_AND_TIME"
	ResetAtMidnight     ApprovalResetType = "AT_MIDNIGHT"
	ResetAtMidnightOnce ApprovalResetType = "AT_MIDNIGHT_ONCE"
	ResetManualOnly     ApprovalResetType = "MANUAL_ONLY"
)

// PendingClaimAction is the policy for a claimed-but-unapproved record when
// a time boundary is reached.
type PendingClaimAction string

const (
	PendingClaimNone        PendingClaimAction = "NONE"
	PendingClaimAutoApprove PendingClaimAction = "AUTO_APPROVE"
)

// OverdueHandling controls whether unclaimed past-due records are flagged
// OVERDUE by the boundary sweep.
type OverdueHandling string

const (
	OverdueNone OverdueHandling = "NONE"
	OverdueMark OverdueHandling = "MARK_OVERDUE"
)

// RecurrenceUnit is the unit of a recurrence interval.
type RecurrenceUnit string

const (
	UnitDays   RecurrenceUnit = "days"
	UnitWeeks  RecurrenceUnit = "weeks"
	UnitMonths RecurrenceUnit = "months"
	UnitYears  RecurrenceUnit = "years"
)

// RecurrenceSpec describes how a chore recurs. The zero value means NONE:
// the chore never auto-reschedules.
type RecurrenceSpec struct {
	Interval int            `yaml:"interval" json:"interval"`
	Unit     RecurrenceUnit `yaml:"unit" json:"unit"`
}

// IsNone reports whether the spec disables automatic rescheduling.
func (r RecurrenceSpec) IsNone() bool {
	return r.Interval <= 0
}

// RecordState is the lifecycle state of a per-assignee chore record.
type RecordState string

const (
	StatePending  RecordState = "PENDING"
	StateClaimed  RecordState = "CLAIMED"
	StateApproved RecordState = "APPROVED"
	StateOverdue  RecordState = "OVERDUE"
	StateMissed   RecordState = "MISSED"
)

// Chore is an immutable chore definition owned by the registry.
type Chore struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Criteria        CompletionCriteria `json:"completion_criteria"`
	ResetType       ApprovalResetType  `json:"approval_reset_type"`
	Recurrence      RecurrenceSpec     `json:"recurrence"`
	Overdue         OverdueHandling    `json:"overdue_handling"`
	MissedAfterDays int                `json:"missed_after_days"` // 0 = records never go MISSED
	PendingClaim    PendingClaimAction `json:"pending_claim_action"`
	Assignees       []string           `json:"assignees"` // ordered, non-empty
}

// AssigneeRecord is the mutable per-(chore, member) completion record.
// Only the reset executor mutates it.
type AssigneeRecord struct {
	ChoreID             string      `json:"chore_id"`
	MemberID            string      `json:"member_id"`
	State               RecordState `json:"state"`
	ClaimedBy           string      `json:"claimed_by,omitempty"`
	CompletedBy         string      `json:"completed_by,omitempty"`
	LastClaimed         *time.Time  `json:"last_claimed,omitempty"`
	LastApproved        *time.Time  `json:"last_approved,omitempty"`
	ApprovalPeriodStart time.Time   `json:"approval_period_start"`
	DueDate             time.Time   `json:"due_date"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// ConfigurationError reports a chore definition that violates an invariant.
// It is fatal for the evaluation that surfaced it.
type ConfigurationError struct {
	ChoreID string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("chore %s: invalid configuration: %s", e.ChoreID, e.Reason)
}

func configErr(choreID, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{ChoreID: choreID, Reason: fmt.Sprintf(format, args...)}
}

var validCriteria = map[CompletionCriteria]struct{}{
	CriteriaIndependent: {},
	CriteriaShared:      {},
	CriteriaSharedFirst: {},
}

var validResetTypes = map[ApprovalResetType]struct{}{
	ResetUponCompletion: {},
	ResetAtDueDate:      {},
	ResetAtDueDateTime:  {},
	ResetAtMidnight:     {},
	ResetAtMidnightOnce: {},
	ResetManualOnly:     {},
}

var validUnits = map[RecurrenceUnit]struct{}{
	UnitDays:   {},
	UnitWeeks:  {},
	UnitMonths: {},
	UnitYears:  {},
}

// Validate checks the definition invariants: known enum values, a non-empty
// ordered assignee set, and at least two assignees for shared criteria.
func (c Chore) Validate() error {
	if c.ID == "" {
		return configErr("?", "missing chore id")
	}
	if _, ok := validCriteria[c.Criteria]; !ok {
		return configErr(c.ID, "unknown completion criteria %q", c.Criteria)
	}
	if _, ok := validResetTypes[c.ResetType]; !ok {
		return configErr(c.ID, "unknown approval reset type %q", c.ResetType)
	}
	if !c.Recurrence.IsNone() {
		if _, ok := validUnits[c.Recurrence.Unit]; !ok {
			return configErr(c.ID, "unknown recurrence unit %q", c.Recurrence.Unit)
		}
	}
	if len(c.Assignees) == 0 {
		return configErr(c.ID, "no assignees")
	}
	seen := make(map[string]struct{}, len(c.Assignees))
	for _, member := range c.Assignees {
		if member == "" {
			return configErr(c.ID, "empty assignee id")
		}
		if _, dup := seen[member]; dup {
			return configErr(c.ID, "duplicate assignee %q", member)
		}
		seen[member] = struct{}{}
	}
	if (c.Criteria == CriteriaShared || c.Criteria == CriteriaSharedFirst) && len(c.Assignees) < 2 {
		return configErr(c.ID, "%s requires at least 2 assignees, got %d", c.Criteria, len(c.Assignees))
	}
	return nil
}

// Assigned reports whether member is in the chore's assignee set.
func (c Chore) Assigned(member string) bool {
	for _, m := range c.Assignees {
		if m == member {
			return true
		}
	}
	return false
}

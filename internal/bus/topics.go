package bus

import "time"

// Chore lifecycle event topics.
const (
	TopicChoreClaimed      = "chore.claimed"
	TopicChoreApproved     = "chore.approved"
	TopicChoreAutoApproved = "chore.auto_approved"
	TopicChoreReset        = "chore.reset"
	TopicChoreRescheduled  = "chore.rescheduled"
	TopicChoreOverdue      = "chore.overdue"
	TopicChoreMissed       = "chore.missed"
)

// Scanner event topics.
const (
	// TopicScanDeferred is published when a boundary sweep skips a chore
	// because an in-flight approval holds its lock.
	TopicScanDeferred  = "scan.chore_deferred"
	TopicScanCompleted = "scan.completed"
)

// RecordChangedEvent is published when a per-assignee record changes state.
type RecordChangedEvent struct {
	ChoreID   string // Chore ID
	MemberID  string // Assignee member ID
	OldState  string // Previous state (e.g. CLAIMED)
	NewState  string // New state (e.g. APPROVED)
	Trigger   string // "approval" or "boundary"
	Decision  string // Policy decision that produced the change
	DueDate   time.Time
	ChangedAt time.Time
}

// ScanDeferredEvent is published when a chore is deferred to the next tick.
type ScanDeferredEvent struct {
	ChoreID string
	Reason  string
}

// ScanCompletedEvent is published at the end of a boundary sweep.
type ScanCompletedEvent struct {
	Evaluated int
	Deferred  int
	Duration  time.Duration
}

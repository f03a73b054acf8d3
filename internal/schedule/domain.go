package schedule

import (
	"fmt"
	"time"
)

// Status enumerates payment schedule lifecycle states.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusSentToFinance   Status = "SENT_TO_FINANCE"
	StatusCancelled       Status = "CANCELLED"
)

// Audit actions, one per transition or structural edit.
const (
	ActionCreated       = "CREATED"
	ActionUpdated       = "UPDATED"
	ActionApproved      = "APPROVED"
	ActionSentToFinance = "SENT_TO_FINANCE"
	ActionFlowRestarted = "FLOW_RESTARTED"
	ActionCancelled     = "CANCELED"
)

// ScheduleNumberFor formats a sequence value as a schedule number.
func ScheduleNumberFor(seq int64) string {
	return fmt.Sprintf("PP-%06d", seq)
}

// PaymentSchedule batches approved-eligible payment requests under one
// commitment date for financial disbursement.
type PaymentSchedule struct {
	ID             int64
	ScheduleNumber string
	CommitmentDate time.Time
	PaymentDate    time.Time
	Notes          string
	Status         Status

	ApprovedAt      *time.Time
	ApprovedBy      *int64
	SentToFinanceAt *time.Time
	SentToFinanceBy *int64

	CreatedAt time.Time
	UpdatedAt time.Time

	Lines  []Line
	Audits []AuditEntry
}

// Line joins a schedule to one payment request. Active is false once the
// schedule is cancelled, releasing the request for a new schedule; at most
// one active line may reference a request at any time.
type Line struct {
	ID         int64
	ScheduleID int64
	RequestID  int64
	DocNumber  string
	Active     bool
}

// AuditEntry is an immutable, append-only record of one schedule transition.
type AuditEntry struct {
	ID           int64
	ScheduleID   int64
	Action       string
	StatusBefore Status
	StatusAfter  Status
	Detail       string
	Actor        string
	At           time.Time
}

package schedule

import (
	"context"
	"time"
)

// ListFilters narrows schedule listings.
type ListFilters struct {
	Status Status
	Limit  int
	Offset int
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (PaymentSchedule, error)
	List(ctx context.Context, filters ListFilters) ([]PaymentSchedule, error)
	// ActiveMemberships maps each request id to the numbers of non-cancelled
	// schedules holding it, optionally ignoring one schedule's own lines.
	ActiveMemberships(ctx context.Context, requestIDs []int64, excludeScheduleID int64) (map[int64][]string, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	NextScheduleNumber(ctx context.Context) (string, error)
	CreateSchedule(ctx context.Context, s PaymentSchedule) (int64, error)
	UpdateHeader(ctx context.Context, s PaymentSchedule) error
	DeleteLines(ctx context.Context, scheduleID int64) error
	InsertLine(ctx context.Context, line Line) error
	DeactivateLines(ctx context.Context, scheduleID int64) error
	ReactivateLines(ctx context.Context, scheduleID int64) error
	SetStatus(ctx context.Context, id int64, status Status) error
	SetApproval(ctx context.Context, id int64, by int64, at time.Time) error
	ClearApproval(ctx context.Context, id int64) error
	SetSentToFinance(ctx context.Context, id int64, by int64, at time.Time) error
	ClearSentToFinance(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

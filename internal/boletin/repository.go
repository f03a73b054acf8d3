package boletin

import (
	"context"
	"time"
)

// ListFilters narrows request listings.
type ListFilters struct {
	Status  Status
	OrderID string
	Limit   int
	Offset  int
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (PaymentRequest, error)
	List(ctx context.Context, filters ListFilters) ([]PaymentRequest, error)
	// ListByOrder returns requests for an order ordered newest-first,
	// lines included, optionally excluding one request (edit semantics).
	ListByOrder(ctx context.Context, orderID string, excludeID int64) ([]PaymentRequest, error)
	// ActiveScheduleNumbers returns numbers of non-cancelled schedules
	// holding a line for the request.
	ActiveScheduleNumbers(ctx context.Context, requestID int64) ([]string, error)
	// ListEligible returns non-rejected requests with no active schedule
	// membership, computed fresh on every call.
	ListEligible(ctx context.Context) ([]PaymentRequest, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	NextDocNumber(ctx context.Context) (string, error)
	CreateRequest(ctx context.Context, pr PaymentRequest) (int64, error)
	UpdateRequestHeader(ctx context.Context, pr PaymentRequest) error
	DeleteLines(ctx context.Context, requestID int64) error
	InsertLine(ctx context.Context, line Line) error
	SetStatus(ctx context.Context, id int64, status Status, rejectionReason string, at time.Time) error
}

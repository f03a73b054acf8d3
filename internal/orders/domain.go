package orders

import (
	"context"
	"time"
)

// OrderHeader carries the purchase-order fields the engine consumes from the
// external order management system. The projection tables are maintained by a
// sync process outside this service; everything here is read-only.
type OrderHeader struct {
	OrderID              string
	VendorName           string
	VendorFiscalID       string
	ProjectName          string
	MeasurementStartDate time.Time
	MeasurementEndDate   time.Time
}

// OrderLine is one purchase-order line with its reception tally.
type OrderLine struct {
	OrderID          string
	ItemID           string
	Description      string
	OrderedQuantity  float64
	ReceivedQuantity float64
	UnitPrice        float64
	ReceptionRefs    []string
}

// Oracle reads purchase-order data for the surrounding application layer. The
// core services never call it; handlers use it to populate boletín lines
// before invoking the builder.
type Oracle interface {
	GetOrder(ctx context.Context, orderID string) (OrderHeader, []OrderLine, error)
}
